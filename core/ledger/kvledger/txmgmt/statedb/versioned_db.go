/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package statedb

import (
	"sort"
	"sync"

	"github.com/beacon-ledger/beacon/common/ledger/dbapi"
	"github.com/beacon-ledger/beacon/core/ledger/kvledger/txmgmt/version"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
)

var logger = flogging.MustGetLogger("statedb")

// DefaultMaxPageSize bounds an AllQuery when no page size is configured
const DefaultMaxPageSize = 1000

// VersionedStore implements VersionedDB on top of any sorted key-value backend.
// Latest values live under data keys, every write is kept under a history key, and
// both are written together with the save point in one backend batch.
type VersionedStore struct {
	db          dbapi.DB
	cache       *Cache
	maxPageSize int32

	// commitLock serializes ApplyUpdates; readers never take it
	commitLock sync.Mutex
}

// NewVersionedStore constructs a VersionedStore over an opened backend
func NewVersionedStore(db dbapi.DB, cache *Cache, maxPageSize int32) *VersionedStore {
	if maxPageSize <= 0 {
		maxPageSize = DefaultMaxPageSize
	}
	return &VersionedStore{
		db:          db,
		cache:       cache,
		maxPageSize: maxPageSize,
	}
}

var _ VersionedDB = (*VersionedStore)(nil)

// GetState implements method in VersionedDB interface
func (s *VersionedStore) GetState(namespace string, key string) (*VersionedValue, error) {
	dataKey := encodeDataKey(namespace, key)
	encodedValue, ok := s.cache.get(dataKey)
	if !ok {
		var err error
		if encodedValue, err = s.db.Get(dataKey); err != nil {
			return nil, err
		}
		if encodedValue == nil {
			return nil, nil
		}
	}
	return decodeValue(encodedValue)
}

// GetStateAt implements method in VersionedDB interface
func (s *VersionedStore) GetStateAt(namespace string, key string, at *version.Height) (*VersionedValue, error) {
	latest, err := s.GetState(namespace, key)
	if err != nil || latest == nil || at == nil {
		return latest, err
	}
	if latest.Version.Compare(at) <= 0 {
		return latest, nil
	}
	return s.historyFloor(namespace, key, at)
}

// historyFloor returns the last history entry of the key at or below the height
func (s *VersionedStore) historyFloor(namespace string, key string, at *version.Height) (*VersionedValue, error) {
	prefix := historyKeyPrefixFor(namespace, key)
	k, v, err := s.db.Floor(prefix, append(encodeHistoryKey(namespace, key, at), 0x00))
	if err != nil || k == nil {
		return nil, err
	}
	if _, ok := decodeHistoryHeight(prefix, k); !ok {
		return nil, errors.Errorf("malformed history key [%x]", k)
	}
	return decodeValue(v)
}

// GetVersion implements method in VersionedDB interface
func (s *VersionedStore) GetVersion(namespace string, key string) (*version.Height, error) {
	vv, err := s.GetState(namespace, key)
	if err != nil || vv == nil {
		return nil, err
	}
	return vv.Version, nil
}

// GetStateRangeScanIterator implements method in VersionedDB interface
func (s *VersionedStore) GetStateRangeScanIterator(namespace string, query Query, at *version.Height, pageSize int32, bookmark string) (QueryResultsIterator, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	if pageSize < 0 {
		return nil, errors.Errorf("invalid page size %d", pageSize)
	}
	startKey, endKey, err := query.KeyRange()
	if err != nil {
		return nil, err
	}
	if _, ok := query.(AllQuery); ok && (pageSize == 0 || pageSize > s.maxPageSize) {
		pageSize = s.maxPageSize
	}
	if bookmark != "" {
		if bookmark < startKey || (endKey != "" && bookmark >= endKey) {
			return nil, errors.Errorf("bookmark [%s] is outside the query range", bookmark)
		}
		startKey = bookmark
	}
	dataStartKey, dataEndKey := dataKeyRange(namespace, startKey, endKey)
	dbItr, err := s.db.GetIterator(dataStartKey, dataEndKey)
	if err != nil {
		return nil, err
	}
	return &kvScanner{
		store:          s,
		namespace:      namespace,
		dbItr:          dbItr,
		at:             at,
		requestedLimit: pageSize,
	}, nil
}

// GetHistoryForKey implements method in VersionedDB interface
func (s *VersionedStore) GetHistoryForKey(namespace string, key string, from, to *version.Height, limit int) (ResultsIterator, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	if from != nil && to != nil && from.Compare(to) > 0 {
		return nil, errors.Errorf("invalid version range: from %s is after to %s", from, to)
	}
	prefix := historyKeyPrefixFor(namespace, key)
	startKey := prefix
	if from != nil {
		startKey = encodeHistoryKey(namespace, key, from)
	}
	dbItr, err := s.db.GetIterator(startKey, historyKeyRangeEnd(prefix))
	if err != nil {
		return nil, err
	}
	return &historyScanner{
		compositeKey: CompositeKey{Namespace: namespace, Key: key},
		prefix:       prefix,
		dbItr:        dbItr,
		to:           to,
		limit:        limit,
	}, nil
}

// GetRecord implements method in VersionedDB interface
func (s *VersionedStore) GetRecord(key string) ([]byte, error) {
	return s.db.Get(encodeRecordKey(key))
}

// GetLatestSavePoint implements method in VersionedDB interface
func (s *VersionedStore) GetLatestSavePoint() (*version.Height, error) {
	versionBytes, err := s.db.Get(savePointKey)
	if err != nil {
		return nil, err
	}
	if versionBytes == nil {
		return nil, nil
	}
	h, _, err := version.NewHeightFromBytes(versionBytes)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// ValidateKeyValue implements method in VersionedDB interface
func (s *VersionedStore) ValidateKeyValue(namespace string, key string, value []byte) error {
	if err := ValidateNamespace(namespace); err != nil {
		return err
	}
	if key == "" {
		return errors.New("key must not be empty")
	}
	return nil
}

// ApplyUpdates implements method in VersionedDB interface
func (s *VersionedStore) ApplyUpdates(batch *UpdateBatch, expected map[CompositeKey]*version.Height, height *version.Height) error {
	s.commitLock.Lock()
	defer s.commitLock.Unlock()

	savepoint, err := s.GetLatestSavePoint()
	if err != nil {
		return &ErrStorageIO{Err: err}
	}
	if savepoint != nil && height.Compare(savepoint) <= 0 {
		return errors.Errorf("height %s is not above the save point %s", height, savepoint)
	}

	conflicts, err := s.findConflicts(expected)
	if err != nil {
		return &ErrStorageIO{Err: err}
	}
	if len(conflicts) > 0 {
		return &ErrConflict{Keys: conflicts}
	}

	dbBatch := dbapi.NewUpdateBatch()
	cacheUpdates := map[string][]byte{}
	for _, ns := range batch.GetUpdatedNamespaces() {
		updates := batch.updates[ns]
		for _, key := range sortedKeys(updates.m) {
			if err := s.ValidateKeyValue(ns, key, nil); err != nil {
				return err
			}
			prev, err := s.GetVersion(ns, key)
			if err != nil {
				return &ErrStorageIO{Err: err}
			}
			var encodedValue []byte
			for _, vv := range updates.m[key] {
				if prev != nil && vv.Version.Compare(prev) <= 0 {
					return errors.Errorf("version %s for key %s is not above %s", vv.Version, CompositeKey{ns, key}, prev)
				}
				prev = vv.Version
				if encodedValue, err = encodeValue(vv); err != nil {
					return err
				}
				dbBatch.Put(encodeHistoryKey(ns, key, vv.Version), encodedValue)
			}
			dataKey := encodeDataKey(ns, key)
			dbBatch.Put(dataKey, encodedValue)
			cacheUpdates[string(dataKey)] = encodedValue
		}
	}
	for key, value := range batch.records {
		dbBatch.Put(encodeRecordKey(key), value)
	}
	dbBatch.Put(savePointKey, height.ToBytes())

	if logger.IsEnabledFor(zapcore.DebugLevel) {
		logger.Debugf("Writing batch of %d keys (%d db records) at height %s", batch.Len(), dbBatch.Len(), height)
	}
	if err := s.db.WriteBatch(dbBatch, true); err != nil {
		return &ErrStorageIO{Err: err}
	}
	for k, v := range cacheUpdates {
		s.cache.put([]byte(k), v)
	}
	return nil
}

func (s *VersionedStore) findConflicts(expected map[CompositeKey]*version.Height) ([]CompositeKey, error) {
	keys := make([]CompositeKey, 0, len(expected))
	for ck := range expected {
		keys = append(keys, ck)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Namespace != keys[j].Namespace {
			return keys[i].Namespace < keys[j].Namespace
		}
		return keys[i].Key < keys[j].Key
	})

	var conflicts []CompositeKey
	for _, ck := range keys {
		committed, err := s.GetVersion(ck.Namespace, ck.Key)
		if err != nil {
			return nil, err
		}
		if !version.AreSame(committed, expected[ck]) {
			logger.Debugf("Version mismatch for key %s: expected %s, committed %s", ck, expected[ck], committed)
			conflicts = append(conflicts, ck)
		}
	}
	return conflicts, nil
}

// Close implements method in VersionedDB interface
func (s *VersionedStore) Close() {
	s.db.Close()
}

type kvScanner struct {
	store                *VersionedStore
	namespace            string
	dbItr                dbapi.Iterator
	at                   *version.Height
	requestedLimit       int32
	totalRecordsReturned int32
}

// Next returns the next live key, resolved at the scanner's height
func (scanner *kvScanner) Next() (*VersionedKV, error) {
	if scanner.requestedLimit > 0 && scanner.totalRecordsReturned >= scanner.requestedLimit {
		return nil, nil
	}
	kv, err := scanner.fetchNext()
	if kv != nil {
		scanner.totalRecordsReturned++
	}
	return kv, err
}

func (scanner *kvScanner) fetchNext() (*VersionedKV, error) {
	for scanner.dbItr.Next() {
		_, key := decodeDataKey(scanner.dbItr.Key())
		vv, err := decodeValue(scanner.dbItr.Value())
		if err != nil {
			return nil, err
		}
		if scanner.at != nil && vv.Version.Compare(scanner.at) > 0 {
			if vv, err = scanner.store.historyFloor(scanner.namespace, key, scanner.at); err != nil {
				return nil, err
			}
		}
		if vv == nil || vv.IsDelete {
			continue
		}
		return &VersionedKV{
			CompositeKey:   CompositeKey{Namespace: scanner.namespace, Key: key},
			VersionedValue: *vv,
		}, nil
	}
	return nil, errors.Wrap(scanner.dbItr.Error(), "error while scanning state")
}

// Close implements method in ResultsIterator interface
func (scanner *kvScanner) Close() {
	scanner.dbItr.Release()
}

// GetBookmarkAndClose implements method in QueryResultsIterator interface
func (scanner *kvScanner) GetBookmarkAndClose() string {
	bookmark := ""
	if next, err := scanner.fetchNext(); err == nil && next != nil {
		bookmark = next.Key
	}
	scanner.Close()
	return bookmark
}

type historyScanner struct {
	compositeKey CompositeKey
	prefix       []byte
	dbItr        dbapi.Iterator
	to           *version.Height
	limit        int
	returned     int
	done         bool
}

// Next returns the next history entry in ascending version order
func (scanner *historyScanner) Next() (*VersionedKV, error) {
	if scanner.done || (scanner.limit > 0 && scanner.returned >= scanner.limit) {
		return nil, nil
	}
	for scanner.dbItr.Next() {
		historyKey := scanner.dbItr.Key()
		height, ok := decodeHistoryHeight(scanner.prefix, historyKey)
		if !ok {
			continue
		}
		if scanner.to != nil && height.Compare(scanner.to) > 0 {
			scanner.done = true
			return nil, nil
		}
		vv, err := decodeValue(scanner.dbItr.Value())
		if err != nil {
			return nil, err
		}
		scanner.returned++
		return &VersionedKV{CompositeKey: scanner.compositeKey, VersionedValue: *vv}, nil
	}
	scanner.done = true
	return nil, errors.Wrap(scanner.dbItr.Error(), "error while scanning history")
}

// Close implements method in ResultsIterator interface
func (scanner *historyScanner) Close() {
	scanner.dbItr.Release()
}
