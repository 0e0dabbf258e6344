/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package statedb

import (
	"fmt"
	"sort"
	"strings"

	"github.com/beacon-ledger/beacon/core/ledger/kvledger/txmgmt/version"
	"github.com/pkg/errors"
)

// VersionedDB lists methods that a db is supposed to implement
type VersionedDB interface {
	// GetState gets the latest value for given namespace and key. For a chaincode, the namespace corresponds to the chaincodeId.
	// A deleted key is returned as a VersionedValue with IsDelete set; a key that was never written returns nil.
	GetState(namespace string, key string) (*VersionedValue, error)
	// GetStateAt returns the entry at or before the given height
	GetStateAt(namespace string, key string, at *version.Height) (*VersionedValue, error)
	// GetVersion gets the latest version for given namespace and key
	GetVersion(namespace string, key string) (*version.Height, error)
	// GetStateRangeScanIterator returns an iterator over the live keys selected by the query, as of height at
	// (nil for latest). pageSize bounds the number of results (0 for unbounded, except for AllQuery) and bookmark
	// resumes a previous page.
	GetStateRangeScanIterator(namespace string, query Query, at *version.Height, pageSize int32, bookmark string) (QueryResultsIterator, error)
	// GetHistoryForKey returns the entries for a key in ascending version order, restricted to [from, to] and
	// bounded by limit (0 for unbounded)
	GetHistoryForKey(namespace string, key string, from, to *version.Height, limit int) (ResultsIterator, error)
	// GetRecord returns a record previously stored with UpdateBatch.PutRecord
	GetRecord(key string) ([]byte, error)
	// ApplyUpdates checks the expected versions and applies the batch in one atomic write.
	// height is the save point the db records along with the batch.
	ApplyUpdates(batch *UpdateBatch, expected map[CompositeKey]*version.Height, height *version.Height) error
	// GetLatestSavePoint returns the height up to which the state db is consistent
	GetLatestSavePoint() (*version.Height, error)
	// ValidateKeyValue tests whether the key and value is supported by the db implementation.
	ValidateKeyValue(namespace string, key string, value []byte) error
	// Close closes the db
	Close()
}

// CompositeKey encloses Namespace and Key components
type CompositeKey struct {
	Namespace string
	Key       string
}

func (ck CompositeKey) String() string {
	return fmt.Sprintf("%s/%q", ck.Namespace, ck.Key)
}

// VersionedValue encloses value and corresponding version
type VersionedValue struct {
	Value    []byte
	IsDelete bool
	Version  *version.Height
	TxID     string
}

// VersionedKV encloses key and corresponding VersionedValue
type VersionedKV struct {
	CompositeKey
	VersionedValue
}

// ResultsIterator iterates over query results. Next returns nil when exhausted.
type ResultsIterator interface {
	Next() (*VersionedKV, error)
	Close()
}

// QueryResultsIterator adds GetBookmarkAndClose method
type QueryResultsIterator interface {
	ResultsIterator
	// GetBookmarkAndClose returns the key from which the next page starts, or an empty string
	// when the results are exhausted
	GetBookmarkAndClose() string
}

// Query selects a set of keys within a namespace.
type Query interface {
	// KeyRange returns the [startKey, endKey) range covered by the query. An empty endKey
	// denotes the end of the namespace.
	KeyRange() (startKey string, endKey string, err error)
}

// PrefixQuery selects keys starting with Prefix.
type PrefixQuery struct {
	Prefix string
}

// RangeQuery selects keys in [StartKey, EndKey).
type RangeQuery struct {
	StartKey string
	EndKey   string
}

// CompositeQuery selects composite keys of ObjectType whose leading attributes match Attributes.
type CompositeQuery struct {
	ObjectType string
	Attributes []string
}

// AllQuery selects every key of the namespace. It is always paged.
type AllQuery struct{}

// KeyRange implements Query
func (q PrefixQuery) KeyRange() (string, string, error) {
	return q.Prefix, prefixEnd(q.Prefix), nil
}

// KeyRange implements Query
func (q RangeQuery) KeyRange() (string, string, error) {
	if q.EndKey != "" && q.StartKey > q.EndKey {
		return "", "", errors.Errorf("invalid range: start key [%s] is after end key [%s]", q.StartKey, q.EndKey)
	}
	return q.StartKey, q.EndKey, nil
}

// KeyRange implements Query
func (q CompositeQuery) KeyRange() (string, string, error) {
	prefix, err := CreateCompositeKey(q.ObjectType, q.Attributes)
	if err != nil {
		return "", "", err
	}
	return prefix, prefixEnd(prefix), nil
}

// KeyRange implements Query
func (q AllQuery) KeyRange() (string, string, error) {
	return "", "", nil
}

// prefixEnd returns the smallest key that sorts after every key with the given prefix,
// or an empty string when no such key exists within the namespace.
func prefixEnd(prefix string) string {
	end := []byte(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return string(end[:i+1])
		}
	}
	return ""
}

// ErrConflict is returned by ApplyUpdates when expected versions no longer match
// the committed state. Nothing from the batch has been written.
type ErrConflict struct {
	Keys []CompositeKey
}

func (e *ErrConflict) Error() string {
	keys := make([]string, len(e.Keys))
	for i, k := range e.Keys {
		keys[i] = k.String()
	}
	return fmt.Sprintf("version conflict on keys [%s]", strings.Join(keys, ", "))
}

// ErrStorageIO wraps a failure of the underlying store during an atomic write.
// The state of the batch on disk is unknown and committing must not continue.
type ErrStorageIO struct {
	Err error
}

func (e *ErrStorageIO) Error() string {
	return fmt.Sprintf("storage I/O failure: %s", e.Err)
}

func (e *ErrStorageIO) Unwrap() error {
	return e.Err
}

// IsConflict returns the conflict details if err is, or wraps, an *ErrConflict
func IsConflict(err error) (*ErrConflict, bool) {
	c, ok := errors.Cause(err).(*ErrConflict)
	return c, ok
}

// IsStorageIOError returns true if err is, or wraps, an *ErrStorageIO
func IsStorageIOError(err error) bool {
	_, ok := errors.Cause(err).(*ErrStorageIO)
	return ok
}

type nsUpdates struct {
	m map[string][]*VersionedValue
}

func newNsUpdates() *nsUpdates {
	return &nsUpdates{make(map[string][]*VersionedValue)}
}

// UpdateBatch encloses the details of multiple `updates`. Every update of a key is kept,
// in the order added; the last one becomes the latest value and all of them extend the history.
type UpdateBatch struct {
	updates map[string]*nsUpdates
	records map[string][]byte
}

// NewUpdateBatch constructs an instance of a Batch
func NewUpdateBatch() *UpdateBatch {
	return &UpdateBatch{
		updates: make(map[string]*nsUpdates),
		records: make(map[string][]byte),
	}
}

// Get returns the latest VersionedValue for the given namespace and key
func (batch *UpdateBatch) Get(ns string, key string) *VersionedValue {
	updates := batch.GetHistory(ns, key)
	if len(updates) == 0 {
		return nil
	}
	return updates[len(updates)-1]
}

// GetHistory returns every update added for the given namespace and key
func (batch *UpdateBatch) GetHistory(ns string, key string) []*VersionedValue {
	nsUpdates, ok := batch.updates[ns]
	if !ok {
		return nil
	}
	return nsUpdates.m[key]
}

// Put adds a key with value
func (batch *UpdateBatch) Put(ns string, key string, value []byte, version *version.Height, txID string) {
	if value == nil {
		panic("Nil value not allowed. Instead call 'Delete' function")
	}
	batch.Update(ns, key, &VersionedValue{Value: value, Version: version, TxID: txID})
}

// Delete records a tombstone for the key
func (batch *UpdateBatch) Delete(ns string, key string, version *version.Height, txID string) {
	batch.Update(ns, key, &VersionedValue{IsDelete: true, Version: version, TxID: txID})
}

// Exists checks whether the given key exists in the batch
func (batch *UpdateBatch) Exists(ns string, key string) bool {
	return len(batch.GetHistory(ns, key)) > 0
}

// GetUpdatedNamespaces returns the names of the namespaces that are updated, sorted
func (batch *UpdateBatch) GetUpdatedNamespaces() []string {
	namespaces := make([]string, 0, len(batch.updates))
	for ns := range batch.updates {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)
	return namespaces
}

// Update appends an entry for a namespace and a key
func (batch *UpdateBatch) Update(ns string, key string, vv *VersionedValue) {
	nsUpdates := batch.getOrCreateNsUpdates(ns)
	nsUpdates.m[key] = append(nsUpdates.m[key], vv)
}

// GetUpdates returns the latest update of every key of a namespace
func (batch *UpdateBatch) GetUpdates(ns string) map[string]*VersionedValue {
	nsUpdates, ok := batch.updates[ns]
	if !ok {
		return nil
	}
	latest := make(map[string]*VersionedValue, len(nsUpdates.m))
	for key, updates := range nsUpdates.m {
		latest[key] = updates[len(updates)-1]
	}
	return latest
}

// PutRecord adds an auxiliary record that is written atomically with the state updates
func (batch *UpdateBatch) PutRecord(key string, value []byte) {
	batch.records[key] = value
}

// Len returns the number of keys updated in the batch
func (batch *UpdateBatch) Len() int {
	n := 0
	for _, nsUpdates := range batch.updates {
		n += len(nsUpdates.m)
	}
	return n
}

func (batch *UpdateBatch) getOrCreateNsUpdates(ns string) *nsUpdates {
	nsUpdates := batch.updates[ns]
	if nsUpdates == nil {
		nsUpdates = newNsUpdates()
		batch.updates[ns] = nsUpdates
	}
	return nsUpdates
}

func sortedKeys(m map[string][]*VersionedValue) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
