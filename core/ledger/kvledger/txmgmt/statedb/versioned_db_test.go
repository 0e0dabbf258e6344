/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package statedb

import (
	"bytes"
	"testing"

	"github.com/beacon-ledger/beacon/common/ledger/dbapi"
	"github.com/beacon-ledger/beacon/common/ledger/util/badgerdbhelper"
	"github.com/beacon-ledger/beacon/common/ledger/util/leveldbhelper"
	"github.com/beacon-ledger/beacon/core/ledger/kvledger/txmgmt/version"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type testBackend struct {
	name string
	open func(t *testing.T) dbapi.DB
}

var testBackends = []testBackend{
	{
		name: "goleveldb",
		open: func(t *testing.T) dbapi.DB {
			db := leveldbhelper.CreateDB(&leveldbhelper.Conf{InMemory: true})
			require.NoError(t, db.Open())
			return db
		},
	},
	{
		name: "badger",
		open: func(t *testing.T) dbapi.DB {
			db := badgerdbhelper.CreateDB(&badgerdbhelper.Conf{InMemory: true})
			require.NoError(t, db.Open())
			return db
		},
	},
}

func forEachBackend(t *testing.T, test func(t *testing.T, store *VersionedStore)) {
	for _, backend := range testBackends {
		backend := backend
		t.Run(backend.name, func(t *testing.T) {
			store := NewVersionedStore(backend.open(t), NewCache(1), 3)
			defer store.Close()
			test(t, store)
		})
	}
}

func applyBlock(t *testing.T, store *VersionedStore, blockNum uint64, writes ...func(b *UpdateBatch, h *version.Height)) {
	batch := NewUpdateBatch()
	for i, w := range writes {
		w(batch, version.NewHeight(blockNum, uint64(i)))
	}
	require.NoError(t, store.ApplyUpdates(batch, nil, version.NewHeight(blockNum, uint64(len(writes)))))
}

func put(ns, key, value string) func(b *UpdateBatch, h *version.Height) {
	return func(b *UpdateBatch, h *version.Height) {
		b.Put(ns, key, []byte(value), h, "tx-"+h.String())
	}
}

func del(ns, key string) func(b *UpdateBatch, h *version.Height) {
	return func(b *UpdateBatch, h *version.Height) {
		b.Delete(ns, key, h, "tx-"+h.String())
	}
}

func collect(t *testing.T, itr ResultsIterator) []*VersionedKV {
	var results []*VersionedKV
	for {
		kv, err := itr.Next()
		require.NoError(t, err)
		if kv == nil {
			return results
		}
		results = append(results, kv)
	}
}

func keysOf(kvs []*VersionedKV) []string {
	keys := make([]string, len(kvs))
	for i, kv := range kvs {
		keys[i] = kv.Key
	}
	return keys
}

func TestGetStateAtVersions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store *VersionedStore) {
		applyBlock(t, store, 1, put("cc", "balance_alice", "100"))
		applyBlock(t, store, 2, put("cc", "balance_alice", "90"), put("cc", "balance_bob", "10"))
		applyBlock(t, store, 3, del("cc", "balance_alice"))

		vv, err := store.GetState("cc", "balance_alice")
		require.NoError(t, err)
		require.True(t, vv.IsDelete)
		require.Equal(t, version.NewHeight(3, 0), vv.Version)

		vv, err = store.GetStateAt("cc", "balance_alice", version.NewHeight(2, 5))
		require.NoError(t, err)
		require.Equal(t, "90", string(vv.Value))
		require.Equal(t, version.NewHeight(2, 0), vv.Version)

		vv, err = store.GetStateAt("cc", "balance_alice", version.NewHeight(1, 0))
		require.NoError(t, err)
		require.Equal(t, "100", string(vv.Value))
		require.Equal(t, "tx-{BlockNum: 1, TxNum: 0}", vv.TxID)

		vv, err = store.GetStateAt("cc", "balance_bob", version.NewHeight(1, 9))
		require.NoError(t, err)
		require.Nil(t, vv)

		vv, err = store.GetState("cc", "missing")
		require.NoError(t, err)
		require.Nil(t, vv)

		savepoint, err := store.GetLatestSavePoint()
		require.NoError(t, err)
		require.Equal(t, version.NewHeight(3, 1), savepoint)
	})
}

func TestHistoryIsAppendOnly(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store *VersionedStore) {
		applyBlock(t, store, 1, put("cc", "k", "v1"))
		applyBlock(t, store, 2, put("cc", "other", "x"))
		applyBlock(t, store, 3, put("cc", "k", "v2"), put("cc", "k2", "y"))
		applyBlock(t, store, 4, del("cc", "k"))

		itr, err := store.GetHistoryForKey("cc", "k", nil, nil, 0)
		require.NoError(t, err)
		history := collect(t, itr)
		itr.Close()
		require.Len(t, history, 3)
		require.Equal(t, version.NewHeight(1, 0), history[0].Version)
		require.Equal(t, version.NewHeight(3, 0), history[1].Version)
		require.Equal(t, version.NewHeight(4, 0), history[2].Version)
		require.True(t, history[2].IsDelete)
		for i := 1; i < len(history); i++ {
			require.Equal(t, 1, history[i].Version.Compare(history[i-1].Version))
		}

		itr, err = store.GetHistoryForKey("cc", "k", version.NewHeight(2, 0), version.NewHeight(3, 0), 0)
		require.NoError(t, err)
		history = collect(t, itr)
		itr.Close()
		require.Len(t, history, 1)
		require.Equal(t, "v2", string(history[0].Value))

		itr, err = store.GetHistoryForKey("cc", "k", nil, nil, 2)
		require.NoError(t, err)
		require.Len(t, collect(t, itr), 2)
		itr.Close()

		_, err = store.GetHistoryForKey("cc", "k", version.NewHeight(3, 0), version.NewHeight(2, 0), 0)
		require.EqualError(t, err, "invalid version range: from {BlockNum: 3, TxNum: 0} is after to {BlockNum: 2, TxNum: 0}")
	})
}

func TestHistoryOfKeysSharingPrefix(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store *VersionedStore) {
		applyBlock(t, store, 1, put("cc", "a", "1"), put("cc", "a\x00b", "2"))
		applyBlock(t, store, 2, put("cc", "a\x00b", "3"))
		applyBlock(t, store, 3, put("cc", "a", "4"))

		itr, err := store.GetHistoryForKey("cc", "a", nil, nil, 0)
		require.NoError(t, err)
		history := collect(t, itr)
		itr.Close()
		require.Len(t, history, 2)
		require.Equal(t, "1", string(history[0].Value))
		require.Equal(t, "4", string(history[1].Value))

		vv, err := store.GetStateAt("cc", "a", version.NewHeight(2, 9))
		require.NoError(t, err)
		require.Equal(t, "1", string(vv.Value))
	})
}

func TestHistoryIgnoresKeysEmbeddingAHeight(t *testing.T) {
	// "a\x00\x03\x07" ends in bytes that read as a height after the bytes of "a"
	forEachBackend(t, func(t *testing.T, store *VersionedStore) {
		applyBlock(t, store, 1, put("cc", "a", "mine"))
		applyBlock(t, store, 2, put("cc", "other", "x"), put("cc", "a\x00\x03\x07", "foreign"))

		itr, err := store.GetHistoryForKey("cc", "a", nil, nil, 0)
		require.NoError(t, err)
		history := collect(t, itr)
		itr.Close()
		require.Len(t, history, 1)
		require.Equal(t, "mine", string(history[0].Value))
		require.Equal(t, version.NewHeight(1, 0), history[0].Version)

		itr, err = store.GetHistoryForKey("cc", "a\x00\x03\x07", nil, nil, 0)
		require.NoError(t, err)
		history = collect(t, itr)
		itr.Close()
		require.Len(t, history, 1)
		require.Equal(t, "foreign", string(history[0].Value))

		applyBlock(t, store, 3, put("cc", "a", "later"))
		vv, err := store.GetStateAt("cc", "a", version.NewHeight(2, 5))
		require.NoError(t, err)
		require.Equal(t, "mine", string(vv.Value))
	})
}

func TestHistoryKeyPrefixes(t *testing.T) {
	keys := []string{"a", "a\x00", "a\x00\x03\x07", "ab", "", "\x01"}
	for _, k1 := range keys {
		for _, k2 := range keys {
			if k1 == k2 {
				continue
			}
			p1, p2 := historyKeyPrefixFor("cc", k1), historyKeyPrefixFor("cc", k2)
			require.False(t, bytes.HasPrefix(p2, p1), "prefix of %q matches %q", k1, k2)
		}
	}
}

func TestApplyUpdatesCompareAndApply(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store *VersionedStore) {
		applyBlock(t, store, 1, put("cc", "k1", "v1"), put("cc", "k2", "v2"))

		batch := NewUpdateBatch()
		batch.Put("cc", "k1", []byte("new"), version.NewHeight(2, 0), "tx1")
		batch.Put("cc", "k3", []byte("new"), version.NewHeight(2, 0), "tx1")
		expected := map[CompositeKey]*version.Height{
			{Namespace: "cc", Key: "k1"}: version.NewHeight(1, 0),
			{Namespace: "cc", Key: "k2"}: version.NewHeight(0, 9),
			{Namespace: "cc", Key: "k3"}: version.NewHeight(1, 0),
		}
		err := store.ApplyUpdates(batch, expected, version.NewHeight(2, 1))
		conflict, ok := IsConflict(err)
		require.True(t, ok)
		require.Equal(t, []CompositeKey{{Namespace: "cc", Key: "k2"}, {Namespace: "cc", Key: "k3"}}, conflict.Keys)

		// nothing from the aborted batch is visible
		vv, err := store.GetState("cc", "k1")
		require.NoError(t, err)
		require.Equal(t, "v1", string(vv.Value))
		savepoint, err := store.GetLatestSavePoint()
		require.NoError(t, err)
		require.Equal(t, version.NewHeight(1, 2), savepoint)

		expected[CompositeKey{Namespace: "cc", Key: "k2"}] = version.NewHeight(1, 1)
		expected[CompositeKey{Namespace: "cc", Key: "k3"}] = nil
		require.NoError(t, store.ApplyUpdates(batch, expected, version.NewHeight(2, 1)))
		vv, err = store.GetState("cc", "k3")
		require.NoError(t, err)
		require.Equal(t, "new", string(vv.Value))
	})
}

func TestApplyUpdatesRejectsOldHeights(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store *VersionedStore) {
		applyBlock(t, store, 2, put("cc", "k", "v"))

		batch := NewUpdateBatch()
		batch.Put("cc", "k", []byte("v"), version.NewHeight(2, 0), "tx")
		require.EqualError(t,
			store.ApplyUpdates(batch, nil, version.NewHeight(2, 1)),
			"height {BlockNum: 2, TxNum: 1} is not above the save point {BlockNum: 2, TxNum: 1}",
		)

		require.EqualError(t,
			store.ApplyUpdates(batch, nil, version.NewHeight(3, 1)),
			`version {BlockNum: 2, TxNum: 0} for key cc/"k" is not above {BlockNum: 2, TxNum: 0}`,
		)
	})
}

func TestRangeScans(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store *VersionedStore) {
		owner1, err := CreateCompositeKey("owner", []string{"alice", "car1"})
		require.NoError(t, err)
		owner2, err := CreateCompositeKey("owner", []string{"alice", "car2"})
		require.NoError(t, err)
		owner3, err := CreateCompositeKey("owner", []string{"bob", "car3"})
		require.NoError(t, err)

		applyBlock(t, store, 1,
			put("cc", "balance_alice", "100"),
			put("cc", "balance_bob", "50"),
			put("cc", "balance_carol", "5"),
			put("cc", "name", "x"),
			put("cc", owner1, "1"),
			put("cc", owner2, "2"),
			put("cc", owner3, "3"),
			put("other", "balance_zed", "1"),
		)
		applyBlock(t, store, 2, del("cc", "balance_bob"), put("cc", "balance_alice", "90"))

		itr, err := store.GetStateRangeScanIterator("cc", PrefixQuery{Prefix: "balance_"}, nil, 0, "")
		require.NoError(t, err)
		results := collect(t, itr)
		itr.Close()
		require.Equal(t, []string{"balance_alice", "balance_carol"}, keysOf(results))
		require.Equal(t, "90", string(results[0].Value))
		require.Equal(t, version.NewHeight(2, 1), results[0].Version)

		// as of block 1 the deleted key is still live
		itr, err = store.GetStateRangeScanIterator("cc", PrefixQuery{Prefix: "balance_"}, version.NewHeight(1, 99), 0, "")
		require.NoError(t, err)
		results = collect(t, itr)
		itr.Close()
		require.Equal(t, []string{"balance_alice", "balance_bob", "balance_carol"}, keysOf(results))
		require.Equal(t, "100", string(results[0].Value))

		itr, err = store.GetStateRangeScanIterator("cc", RangeQuery{StartKey: "balance_b", EndKey: "name"}, nil, 0, "")
		require.NoError(t, err)
		require.Equal(t, []string{"balance_carol"}, keysOf(collect(t, itr)))
		itr.Close()

		itr, err = store.GetStateRangeScanIterator("cc", CompositeQuery{ObjectType: "owner", Attributes: []string{"alice"}}, nil, 0, "")
		require.NoError(t, err)
		require.Equal(t, []string{owner1, owner2}, keysOf(collect(t, itr)))
		itr.Close()

		_, err = store.GetStateRangeScanIterator("cc", RangeQuery{StartKey: "z", EndKey: "a"}, nil, 0, "")
		require.EqualError(t, err, "invalid range: start key [z] is after end key [a]")
	})
}

func TestAllQueryIsPaged(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store *VersionedStore) {
		applyBlock(t, store, 1,
			put("cc", "k1", "1"), put("cc", "k2", "2"), put("cc", "k3", "3"),
			put("cc", "k4", "4"), put("cc", "k5", "5"),
		)

		// maxPageSize of the test store is 3
		itr, err := store.GetStateRangeScanIterator("cc", AllQuery{}, nil, 0, "")
		require.NoError(t, err)
		require.Equal(t, []string{"k1", "k2", "k3"}, keysOf(collect(t, itr)))
		bookmark := itr.GetBookmarkAndClose()
		require.Equal(t, "k4", bookmark)

		itr, err = store.GetStateRangeScanIterator("cc", AllQuery{}, nil, 100, bookmark)
		require.NoError(t, err)
		require.Equal(t, []string{"k4", "k5"}, keysOf(collect(t, itr)))
		require.Equal(t, "", itr.GetBookmarkAndClose())

		itr, err = store.GetStateRangeScanIterator("cc", PrefixQuery{Prefix: "k"}, nil, 2, "k2")
		require.NoError(t, err)
		require.Equal(t, []string{"k2", "k3"}, keysOf(collect(t, itr)))
		require.Equal(t, "k4", itr.GetBookmarkAndClose())

		_, err = store.GetStateRangeScanIterator("cc", PrefixQuery{Prefix: "k"}, nil, 2, "z")
		require.EqualError(t, err, "bookmark [z] is outside the query range")
	})
}

func TestCompositeKeys(t *testing.T) {
	ck, err := CreateCompositeKey("owner", []string{"alice", "car1"})
	require.NoError(t, err)
	require.Equal(t, "\x00owner\x00alice\x00car1\x00", ck)

	objectType, attrs, err := SplitCompositeKey(ck)
	require.NoError(t, err)
	require.Equal(t, "owner", objectType)
	require.Equal(t, []string{"alice", "car1"}, attrs)

	_, err = CreateCompositeKey("owner", []string{"a\x00b"})
	require.Error(t, err)
	_, _, err = SplitCompositeKey("plain")
	require.EqualError(t, err, `key ["plain"] is not a composite key`)
}

func TestValidateNamespace(t *testing.T) {
	require.NoError(t, ValidateNamespace("mycc"))
	require.EqualError(t, ValidateNamespace(""), "namespace must not be empty")
	require.EqualError(t, ValidateNamespace("my\x00cc"), `namespace ["my\x00cc"] must not contain a nil byte`)
}

type failingDB struct {
	dbapi.DB
	writeErr error
}

func (f *failingDB) WriteBatch(batch *dbapi.UpdateBatch, sync bool) error {
	return f.writeErr
}

func TestApplyUpdatesStorageFailure(t *testing.T) {
	backend := leveldbhelper.CreateDB(&leveldbhelper.Conf{InMemory: true})
	require.NoError(t, backend.Open())
	store := NewVersionedStore(&failingDB{DB: backend, writeErr: errors.New("disk on fire")}, NewCache(1), 0)
	defer store.Close()

	batch := NewUpdateBatch()
	batch.Put("cc", "k", []byte("v"), version.NewHeight(1, 0), "tx")
	err := store.ApplyUpdates(batch, nil, version.NewHeight(1, 1))
	require.EqualError(t, err, "storage I/O failure: disk on fire")
	require.True(t, IsStorageIOError(errors.WithMessage(err, "commit failed")))

	vv, err := store.GetState("cc", "k")
	require.NoError(t, err)
	require.Nil(t, vv)
}

func TestEmptyValueRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store *VersionedStore) {
		applyBlock(t, store, 1, put("cc", "empty", ""))
		vv, err := store.GetState("cc", "empty")
		require.NoError(t, err)
		require.False(t, vv.IsDelete)
		require.Equal(t, []byte{}, vv.Value)
	})
}
