/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package badgerdbhelper

import (
	"bytes"
	"os"
	"sync"

	"github.com/beacon-ledger/beacon/common/ledger/dbapi"
	badger "github.com/dgraph-io/badger/v2"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/pkg/errors"
)

var logger = flogging.MustGetLogger("badgerdbhelper")

type dbState int32

const (
	closed dbState = iota
	opened
)

// Conf configuration for `DB`
type Conf struct {
	DBPath   string
	InMemory bool
}

// DB - a wrapper on an actual store
type DB struct {
	conf    *Conf
	db      *badger.DB
	dbState dbState
	mutex   sync.RWMutex
}

var _ dbapi.DB = (*DB)(nil)

// CreateDB constructs a `DB`
func CreateDB(conf *Conf) *DB {
	return &DB{
		conf:    conf,
		dbState: closed,
	}
}

// Open opens the underlying db
func (dbInst *DB) Open() error {
	dbInst.mutex.Lock()
	defer dbInst.mutex.Unlock()
	if dbInst.dbState == opened {
		return nil
	}

	opts := badger.DefaultOptions(dbInst.conf.DBPath).WithLogger(nil).WithSyncWrites(true)
	if dbInst.conf.InMemory {
		opts = badger.DefaultOptions("").WithLogger(nil).WithInMemory(true)
	} else if err := os.MkdirAll(dbInst.conf.DBPath, 0o755); err != nil {
		return errors.Wrapf(err, "error creating dir [%s]", dbInst.conf.DBPath)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return errors.Wrapf(err, "error opening badgerdb at path [%s]", dbInst.conf.DBPath)
	}
	dbInst.db = db
	dbInst.dbState = opened
	return nil
}

// Close closes the underlying db
func (dbInst *DB) Close() {
	dbInst.mutex.Lock()
	defer dbInst.mutex.Unlock()
	if dbInst.dbState == closed {
		return
	}
	if err := dbInst.db.Close(); err != nil {
		logger.Errorf("Error closing badgerdb: %s", err)
	}
	dbInst.dbState = closed
}

// Get returns the value for the given key
func (dbInst *DB) Get(key []byte) ([]byte, error) {
	dbInst.mutex.RLock()
	defer dbInst.mutex.RUnlock()
	if dbInst.dbState != opened {
		return nil, errors.New("badgerdb is not open")
	}
	var value []byte
	err := dbInst.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		logger.Errorf("Error retrieving badgerdb key [%#v]: %s", key, err)
		return nil, errors.Wrapf(err, "error retrieving badgerdb key [%#v]", key)
	}
	return value, nil
}

// Put saves the key/value. Durability is governed by SyncWrites, so the
// sync flag is unused.
func (dbInst *DB) Put(key []byte, value []byte, _ bool) error {
	dbInst.mutex.RLock()
	defer dbInst.mutex.RUnlock()
	if dbInst.dbState != opened {
		return errors.New("badgerdb is not open")
	}
	err := dbInst.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	if err != nil {
		logger.Errorf("Error writing badgerdb key [%#v]", key)
		return errors.Wrapf(err, "error writing badgerdb key [%#v]", key)
	}
	return nil
}

// Delete deletes the given key
func (dbInst *DB) Delete(key []byte, _ bool) error {
	dbInst.mutex.RLock()
	defer dbInst.mutex.RUnlock()
	if dbInst.dbState != opened {
		return errors.New("badgerdb is not open")
	}
	err := dbInst.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	if err != nil {
		logger.Errorf("Error deleting badgerdb key [%#v]", key)
		return errors.Wrapf(err, "error deleting badgerdb key [%#v]", key)
	}
	return nil
}

// GetIterator returns an iterator over [startKey, endKey). The iterator holds a
// read transaction until Release is called.
func (dbInst *DB) GetIterator(startKey []byte, endKey []byte) (dbapi.Iterator, error) {
	dbInst.mutex.RLock()
	defer dbInst.mutex.RUnlock()
	if dbInst.dbState != opened {
		return nil, errors.New("badgerdb is not open")
	}
	txn := dbInst.db.NewTransaction(false)
	return &RangeIterator{
		txn:      txn,
		iterator: txn.NewIterator(badger.DefaultIteratorOptions),
		startKey: startKey,
		endKey:   endKey,
	}, nil
}

// Floor returns the last key-value pair in [startKey, endKey)
func (dbInst *DB) Floor(startKey []byte, endKey []byte) ([]byte, []byte, error) {
	dbInst.mutex.RLock()
	defer dbInst.mutex.RUnlock()
	if dbInst.dbState != opened {
		return nil, nil, errors.New("badgerdb is not open")
	}
	var key, value []byte
	err := dbInst.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		itr := txn.NewIterator(opts)
		defer itr.Close()

		if endKey == nil {
			itr.Rewind()
		} else {
			itr.Seek(endKey)
			if itr.Valid() && bytes.Equal(itr.Item().Key(), endKey) {
				itr.Next()
			}
		}
		if !itr.Valid() || bytes.Compare(itr.Item().Key(), startKey) < 0 {
			return nil
		}
		var err error
		key = itr.Item().KeyCopy(nil)
		value, err = itr.Item().ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "error seeking badgerdb range")
	}
	return key, value, nil
}

// WriteBatch applies the batch in a single badger transaction
func (dbInst *DB) WriteBatch(batch *dbapi.UpdateBatch, _ bool) error {
	dbInst.mutex.RLock()
	defer dbInst.mutex.RUnlock()
	if dbInst.dbState != opened {
		return errors.New("badgerdb is not open")
	}
	err := dbInst.db.Update(func(txn *badger.Txn) error {
		for _, op := range batch.Ops() {
			var err error
			if op.Delete {
				err = txn.Delete(op.Key)
			} else {
				err = txn.Set(op.Key, op.Value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "error writing batch to badgerdb")
	}
	return nil
}

// RangeIterator adapts a badger iterator to the leveldb-style Next/Key/Value contract
type RangeIterator struct {
	txn      *badger.Txn
	iterator *badger.Iterator
	startKey []byte
	endKey   []byte
	started  bool
	err      error
}

// Next moves to the next key in range
func (itr *RangeIterator) Next() bool {
	if !itr.started {
		itr.started = true
		itr.iterator.Seek(itr.startKey)
	} else {
		itr.iterator.Next()
	}
	if !itr.iterator.Valid() {
		return false
	}
	return itr.endKey == nil || bytes.Compare(itr.iterator.Item().Key(), itr.endKey) < 0
}

// Key returns a copy of the current key
func (itr *RangeIterator) Key() []byte {
	return itr.iterator.Item().KeyCopy(nil)
}

// Value returns a copy of the current value
func (itr *RangeIterator) Value() []byte {
	v, err := itr.iterator.Item().ValueCopy(nil)
	if err != nil {
		itr.err = err
	}
	return v
}

// Error returns the first value read failure, if any
func (itr *RangeIterator) Error() error {
	return itr.err
}

// Release closes the iterator and discards its read transaction
func (itr *RangeIterator) Release() {
	itr.iterator.Close()
	itr.txn.Discard()
}
