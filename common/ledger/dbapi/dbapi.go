/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package dbapi defines the capability the ledger expects from a sorted,
// crash-safe key-value backend.
package dbapi

// DB is a sorted key-value store with atomic batch writes.
type DB interface {
	// Get returns nil without error when the key is absent.
	Get(key []byte) ([]byte, error)
	Put(key []byte, value []byte, sync bool) error
	Delete(key []byte, sync bool) error
	// GetIterator returns an iterator over [startKey, endKey). A nil endKey
	// means no upper bound. The iterator must be released after use.
	GetIterator(startKey []byte, endKey []byte) (Iterator, error)
	// Floor returns the greatest key in [startKey, endKey) and its value, or
	// nil when the range is empty.
	Floor(startKey []byte, endKey []byte) ([]byte, []byte, error)
	// WriteBatch applies every operation of the batch atomically.
	WriteBatch(batch *UpdateBatch, sync bool) error
	Close()
}

// Iterator walks keys in ascending byte order. Next must be called before
// the first Key/Value.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Release()
}

// Op is a single write inside an UpdateBatch. A nil Value with Delete set
// removes the key.
type Op struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// UpdateBatch collects writes that are applied together by DB.WriteBatch.
type UpdateBatch struct {
	ops  []Op
	size int
}

// NewUpdateBatch constructs an instance of a batch.
func NewUpdateBatch() *UpdateBatch {
	return &UpdateBatch{}
}

// Put adds a KV
func (b *UpdateBatch) Put(key []byte, value []byte) {
	if value == nil {
		panic("Nil value not allowed")
	}
	b.ops = append(b.ops, Op{Key: key, Value: value})
	b.size += len(key) + len(value)
}

// Delete deletes a Key and associated value
func (b *UpdateBatch) Delete(key []byte) {
	b.ops = append(b.ops, Op{Key: key, Delete: true})
	b.size += len(key)
}

// Ops returns the operations in insertion order.
func (b *UpdateBatch) Ops() []Op {
	return b.ops
}

// Size returns the current size of the batch
func (b *UpdateBatch) Size() int {
	return b.size
}

// Len returns number of records in the batch
func (b *UpdateBatch) Len() int {
	return len(b.ops)
}

// Reset resets the batch
func (b *UpdateBatch) Reset() {
	b.ops = nil
	b.size = 0
}
