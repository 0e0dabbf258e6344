/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package leveldbhelper

import (
	"os"
	"sync"
	"syscall"

	"github.com/beacon-ledger/beacon/common/ledger/dbapi"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	goleveldbutil "github.com/syndtr/goleveldb/leveldb/util"
)

var logger = flogging.MustGetLogger("leveldbhelper")

type dbState int32

const (
	closed dbState = iota
	opened
)

// Conf configuration for `DB`
type Conf struct {
	DBPath string
	// InMemory keeps the data in process memory; DBPath is ignored.
	InMemory bool
}

// DB - a wrapper on an actual store
type DB struct {
	conf    *Conf
	db      *leveldb.DB
	dbState dbState
	mutex   sync.RWMutex

	readOpts        *opt.ReadOptions
	writeOptsNoSync *opt.WriteOptions
	writeOptsSync   *opt.WriteOptions
}

var _ dbapi.DB = (*DB)(nil)

// CreateDB constructs a `DB`
func CreateDB(conf *Conf) *DB {
	return &DB{
		conf:            conf,
		dbState:         closed,
		readOpts:        &opt.ReadOptions{},
		writeOptsNoSync: &opt.WriteOptions{},
		writeOptsSync:   &opt.WriteOptions{Sync: true},
	}
}

// Open opens the underlying db
func (dbInst *DB) Open() error {
	dbInst.mutex.Lock()
	defer dbInst.mutex.Unlock()
	if dbInst.dbState == opened {
		return nil
	}

	var err error
	if dbInst.conf.InMemory {
		dbInst.db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		if err = os.MkdirAll(dbInst.conf.DBPath, 0o755); err != nil {
			return errors.Wrapf(err, "error creating dir [%s]", dbInst.conf.DBPath)
		}
		dbInst.db, err = leveldb.OpenFile(dbInst.conf.DBPath, &opt.Options{})
	}
	if err == syscall.EAGAIN {
		return errors.Errorf("leveldb at path [%s] is locked by another process", dbInst.conf.DBPath)
	}
	if err != nil {
		return errors.Wrapf(err, "error opening leveldb at path [%s]", dbInst.conf.DBPath)
	}
	dbInst.dbState = opened
	return nil
}

// IsEmpty returns whether or not a database is empty
func (dbInst *DB) IsEmpty() (bool, error) {
	dbInst.mutex.RLock()
	defer dbInst.mutex.RUnlock()
	if dbInst.dbState != opened {
		return false, errors.New("leveldb is not open")
	}
	itr := dbInst.db.NewIterator(&goleveldbutil.Range{}, dbInst.readOpts)
	defer itr.Release()
	hasItems := itr.Next()
	return !hasItems,
		errors.Wrapf(itr.Error(), "error while trying to see if the leveldb at path [%s] is empty", dbInst.conf.DBPath)
}

// Close closes the underlying db
func (dbInst *DB) Close() {
	dbInst.mutex.Lock()
	defer dbInst.mutex.Unlock()
	if dbInst.dbState == closed {
		return
	}
	if err := dbInst.db.Close(); err != nil {
		logger.Errorf("Error closing leveldb: %s", err)
	}
	dbInst.dbState = closed
}

// Get returns the value for the given key
func (dbInst *DB) Get(key []byte) ([]byte, error) {
	dbInst.mutex.RLock()
	defer dbInst.mutex.RUnlock()
	if dbInst.dbState != opened {
		return nil, errors.New("leveldb is not open")
	}
	value, err := dbInst.db.Get(key, dbInst.readOpts)
	if err == leveldb.ErrNotFound {
		value = nil
		err = nil
	}
	if err != nil {
		logger.Errorf("Error retrieving leveldb key [%#v]: %s", key, err)
		return nil, errors.Wrapf(err, "error retrieving leveldb key [%#v]", key)
	}
	return value, nil
}

// Put saves the key/value
func (dbInst *DB) Put(key []byte, value []byte, sync bool) error {
	dbInst.mutex.RLock()
	defer dbInst.mutex.RUnlock()
	if dbInst.dbState != opened {
		return errors.New("leveldb is not open")
	}
	if err := dbInst.db.Put(key, value, dbInst.writeOpts(sync)); err != nil {
		logger.Errorf("Error writing leveldb key [%#v]", key)
		return errors.Wrapf(err, "error writing leveldb key [%#v]", key)
	}
	return nil
}

// Delete deletes the given key
func (dbInst *DB) Delete(key []byte, sync bool) error {
	dbInst.mutex.RLock()
	defer dbInst.mutex.RUnlock()
	if dbInst.dbState != opened {
		return errors.New("leveldb is not open")
	}
	if err := dbInst.db.Delete(key, dbInst.writeOpts(sync)); err != nil {
		logger.Errorf("Error deleting leveldb key [%#v]", key)
		return errors.Wrapf(err, "error deleting leveldb key [%#v]", key)
	}
	return nil
}

// GetIterator returns an iterator over key-value store. The iterator should be released after the use.
// The resultset contains all the keys that are present in the db between the startKey (inclusive) and the endKey (exclusive).
// A nil startKey represents the first available key and a nil endKey represent a logical key after the last available key
func (dbInst *DB) GetIterator(startKey []byte, endKey []byte) (dbapi.Iterator, error) {
	dbInst.mutex.RLock()
	defer dbInst.mutex.RUnlock()
	if dbInst.dbState != opened {
		return nil, errors.New("leveldb is not open")
	}
	return dbInst.db.NewIterator(&goleveldbutil.Range{Start: startKey, Limit: endKey}, dbInst.readOpts), nil
}

// Floor returns the last key-value pair in [startKey, endKey)
func (dbInst *DB) Floor(startKey []byte, endKey []byte) ([]byte, []byte, error) {
	dbInst.mutex.RLock()
	defer dbInst.mutex.RUnlock()
	if dbInst.dbState != opened {
		return nil, nil, errors.New("leveldb is not open")
	}
	itr := dbInst.db.NewIterator(&goleveldbutil.Range{Start: startKey, Limit: endKey}, dbInst.readOpts)
	defer itr.Release()
	if !itr.Last() {
		return nil, nil, errors.Wrap(itr.Error(), "error seeking leveldb range")
	}
	key := append([]byte{}, itr.Key()...)
	value := append([]byte{}, itr.Value()...)
	return key, value, nil
}

// WriteBatch writes a batch
func (dbInst *DB) WriteBatch(batch *dbapi.UpdateBatch, sync bool) error {
	dbInst.mutex.RLock()
	defer dbInst.mutex.RUnlock()
	if dbInst.dbState != opened {
		return errors.New("leveldb is not open")
	}
	levelBatch := &leveldb.Batch{}
	for _, op := range batch.Ops() {
		if op.Delete {
			levelBatch.Delete(op.Key)
			continue
		}
		levelBatch.Put(op.Key, op.Value)
	}
	if err := dbInst.db.Write(levelBatch, dbInst.writeOpts(sync)); err != nil {
		return errors.Wrap(err, "error writing batch to leveldb")
	}
	return nil
}

func (dbInst *DB) writeOpts(sync bool) *opt.WriteOptions {
	if sync {
		return dbInst.writeOptsSync
	}
	return dbInst.writeOptsNoSync
}
