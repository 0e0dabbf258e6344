/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package kvledger

import (
	"testing"

	"github.com/beacon-ledger/beacon/common/ledger/util/leveldbhelper"
	"github.com/beacon-ledger/beacon/core/ledger"
	"github.com/beacon-ledger/beacon/core/ledger/kvledger/txmgmt/statedb"
	"github.com/beacon-ledger/beacon/core/ledger/kvledger/txmgmt/version"
	"github.com/hyperledger/fabric-lib-go/common/metrics/disabled"
	pb "github.com/hyperledger/fabric-protos-go/peer"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *kvLedger {
	provider, err := NewProvider(&ledger.Config{StateDBConfig: &ledger.StateDBConfig{StateDatabase: ledger.MemoryDB, CacheSizeMBs: 1}}, &disabled.Provider{})
	require.NoError(t, err)
	t.Cleanup(provider.Close)
	l, err := provider.Open("testledger")
	require.NoError(t, err)
	return l.(*kvLedger)
}

// simulate executes fn against a simulator at the current height and returns the executed transaction
func simulate(t *testing.T, l ledger.PeerLedger, txID string, fn func(sim ledger.TxSimulator)) *ledger.Transaction {
	sim, err := l.NewTxSimulator(txID, nil)
	require.NoError(t, err)
	defer sim.Done()
	fn(sim)
	rwset, err := sim.GetTxSimulationResults()
	require.NoError(t, err)
	return &ledger.Transaction{TxID: txID, ChaincodeID: "cc", Function: "invoke", Status: ledger.Validated, RWSet: rwset}
}

func transfer(t *testing.T, key, value string) func(sim ledger.TxSimulator) {
	return func(sim ledger.TxSimulator) {
		_, err := sim.GetState("cc", key)
		require.NoError(t, err)
		require.NoError(t, sim.SetState("cc", key, []byte(value)))
	}
}

func commitBlock(t *testing.T, l ledger.PeerLedger, height uint64, txs ...*ledger.Transaction) *ledger.CommitReport {
	report, err := l.CommitBlock(&ledger.Block{Height: height, Transactions: txs})
	require.NoError(t, err)
	return report
}

func getState(t *testing.T, l ledger.PeerLedger, key string) string {
	qe, err := l.NewQueryExecutor(nil)
	require.NoError(t, err)
	defer qe.Done()
	val, err := qe.GetState("cc", key)
	require.NoError(t, err)
	return string(val)
}

func TestConflictingReaderIsRejected(t *testing.T) {
	l := newTestLedger(t)
	commitBlock(t, l, 1, simulate(t, l, "t1", func(sim ledger.TxSimulator) {
		require.NoError(t, sim.SetState("cc", "balance_alice", []byte("100")))
	}))

	t2 := simulate(t, l, "t2", transfer(t, "balance_alice", "90"))
	t3 := simulate(t, l, "t3", transfer(t, "balance_alice", "80"))
	report := commitBlock(t, l, 2, t2, t3)

	require.Equal(t, uint64(2), report.BlockHeight)
	require.Equal(t, []string{"t2"}, report.Committed)
	require.Equal(t, []*ledger.RejectedTx{{TxID: "t3", Reason: ledger.StaleReadConflict}}, report.Rejected)
	require.Equal(t, "90", getState(t, l, "balance_alice"))
	require.Equal(t, ledger.Committed, t2.Status)
	require.Equal(t, ledger.Rejected, t3.Status)

	vv, err := l.db.GetState("cc", "balance_alice")
	require.NoError(t, err)
	require.Equal(t, version.NewHeight(2, 0), vv.Version)

	status, err := l.GetTransactionStatus("t3")
	require.NoError(t, err)
	require.Equal(t, ledger.Rejected, status.Status)
	require.Equal(t, ledger.StaleReadConflict, status.Reason)
	require.Equal(t, uint64(2), status.BlockHeight)
	require.Equal(t, uint64(1), status.TxIndex)
}

func TestDisjointWritersBothCommit(t *testing.T) {
	l := newTestLedger(t)
	t1 := simulate(t, l, "t1", transfer(t, "balance_alice", "1"))
	t2 := simulate(t, l, "t2", transfer(t, "balance_bob", "2"))
	report := commitBlock(t, l, 1, t1, t2)
	require.Equal(t, []string{"t1", "t2"}, report.Committed)
	require.Empty(t, report.Rejected)
	require.Equal(t, "1", getState(t, l, "balance_alice"))
	require.Equal(t, "2", getState(t, l, "balance_bob"))

	height, err := l.Height()
	require.NoError(t, err)
	require.Equal(t, version.NewHeight(1, 2), height)
}

func TestHistoryStrictlyIncreasing(t *testing.T) {
	l := newTestLedger(t)
	for i, v := range []string{"a", "b", "c"} {
		commitBlock(t, l, uint64(i+1), simulate(t, l, "tx"+v, transfer(t, "k", v)))
	}
	commitBlock(t, l, 4, simulate(t, l, "del", func(sim ledger.TxSimulator) {
		require.NoError(t, sim.DeleteState("cc", "k"))
	}))
	require.Equal(t, "", getState(t, l, "k"))

	hqe, err := l.NewHistoryQueryExecutor()
	require.NoError(t, err)
	itr, err := hqe.GetHistoryForKey("cc", "k", nil, nil, 0)
	require.NoError(t, err)
	defer itr.Close()
	var txIDs []string
	var prev *version.Height
	for {
		entry, err := itr.Next()
		require.NoError(t, err)
		if entry == nil {
			break
		}
		require.NotNil(t, entry.Version)
		if prev != nil {
			require.Equal(t, 1, entry.Version.Compare(prev), "%s after %s", entry.Version, prev)
		}
		prev = entry.Version
		txIDs = append(txIDs, entry.TxID)
	}
	require.Equal(t, []string{"txa", "txb", "txc", "del"}, txIDs)
	require.Equal(t, version.NewHeight(4, 0), prev)

	itr, err = hqe.GetHistoryForKey("cc", "k", version.NewHeight(2, 0), version.NewHeight(3, 0), 0)
	require.NoError(t, err)
	defer itr.Close()
	first, err := itr.Next()
	require.NoError(t, err)
	require.Equal(t, &ledger.HistoryEntry{TxID: "txb", Value: []byte("b"), Version: version.NewHeight(2, 0)}, first)
	second, err := itr.Next()
	require.NoError(t, err)
	require.Equal(t, version.NewHeight(3, 0), second.Version)
	last, err := itr.Next()
	require.NoError(t, err)
	require.Nil(t, last)
}

func TestQueryExecutorAtHeight(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.NewQueryExecutor(version.NewHeight(1, 0))
	require.Equal(t, ledger.ErrInvalidArgument, errors.Cause(err))

	commitBlock(t, l, 1, simulate(t, l, "t1", transfer(t, "k", "v1")))
	commitBlock(t, l, 2, simulate(t, l, "t2", transfer(t, "k", "v2")))

	qe, err := l.NewQueryExecutor(version.NewHeight(1, 0))
	require.NoError(t, err)
	defer qe.Done()
	require.Equal(t, version.NewHeight(1, 0), qe.Height())
	val, err := qe.GetState("cc", "k")
	require.NoError(t, err)
	require.Equal(t, "v1", string(val))

	_, err = l.NewQueryExecutor(version.NewHeight(2, 2))
	require.Equal(t, ledger.ErrInvalidArgument, errors.Cause(err))
}

func TestSameBlockBlindWrites(t *testing.T) {
	l := newTestLedger(t)
	blind := func(v string) func(sim ledger.TxSimulator) {
		return func(sim ledger.TxSimulator) {
			require.NoError(t, sim.SetState("cc", "k", []byte(v)))
		}
	}
	report := commitBlock(t, l, 1, simulate(t, l, "t1", blind("first")), simulate(t, l, "t2", blind("second")))
	require.Equal(t, []string{"t1", "t2"}, report.Committed)
	require.Equal(t, "second", getState(t, l, "k"))

	itr, err := l.db.GetHistoryForKey("cc", "k", nil, nil, 0)
	require.NoError(t, err)
	defer itr.Close()
	first, err := itr.Next()
	require.NoError(t, err)
	require.Equal(t, version.NewHeight(1, 0), first.Version)
	second, err := itr.Next()
	require.NoError(t, err)
	require.Equal(t, version.NewHeight(1, 1), second.Version)
}

func TestReadOnlyAndRejectedTransactions(t *testing.T) {
	l := newTestLedger(t)
	readOnly := simulate(t, l, "ro", func(sim ledger.TxSimulator) {
		_, err := sim.GetState("cc", "k")
		require.NoError(t, err)
	})
	readOnly.ReadOnly = true
	readOnly.Response = &pb.Response{Status: 200, Payload: []byte("result")}
	readOnly.Metadata = map[string]string{"client": "test"}
	timedOut := &ledger.Transaction{TxID: "slow", ChaincodeID: "cc", Status: ledger.Rejected, Reason: ledger.ChaincodeTimeout, Message: "timeout expired"}

	report := commitBlock(t, l, 1, readOnly, timedOut)
	require.Equal(t, []string{"ro"}, report.Committed)
	require.Equal(t, []*ledger.RejectedTx{{TxID: "slow", Reason: ledger.ChaincodeTimeout, Message: "timeout expired"}}, report.Rejected)

	status, err := l.GetTransactionStatus("ro")
	require.NoError(t, err)
	require.Equal(t, ledger.Committed, status.Status)
	require.Equal(t, map[string]string{"client": "test"}, status.Metadata)

	status, err = l.GetTransactionStatus("unknown")
	require.NoError(t, err)
	require.Nil(t, status)

	_, err = l.GetTransactionStatus("")
	require.Equal(t, ledger.ErrInvalidArgument, errors.Cause(err))
}

func TestCommitBlockHeights(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.CommitBlock(&ledger.Block{Height: 2})
	require.EqualError(t, err, "block height 2 is not the next height 1: invalid argument")

	commitBlock(t, l, 1)
	exists, err := l.BlockExists(1)
	require.NoError(t, err)
	require.True(t, exists)
	exists, err = l.BlockExists(2)
	require.NoError(t, err)
	require.False(t, exists)

	_, err = l.CommitBlock(&ledger.Block{Height: 1})
	require.Error(t, err)
	require.Equal(t, uint64(1), l.BlockHeight())
}

func TestSnapshotSurvivesCommit(t *testing.T) {
	l := newTestLedger(t)
	commitBlock(t, l, 1, simulate(t, l, "t1", transfer(t, "k", "v1")))
	qe, err := l.NewQueryExecutor(nil)
	require.NoError(t, err)
	defer qe.Done()
	commitBlock(t, l, 2, simulate(t, l, "t2", transfer(t, "k", "v2")))

	val, err := qe.GetState("cc", "k")
	require.NoError(t, err)
	require.Equal(t, "v1", string(val))
	require.Equal(t, "v2", getState(t, l, "k"))
}

type conflictOnceDB struct {
	*statedb.VersionedStore
	key      statedb.CompositeKey
	conflict bool
}

func (db *conflictOnceDB) ApplyUpdates(batch *statedb.UpdateBatch, expected map[statedb.CompositeKey]*version.Height, height *version.Height) error {
	if _, ok := expected[db.key]; ok && !db.conflict {
		db.conflict = true
		return &statedb.ErrConflict{Keys: []statedb.CompositeKey{db.key}}
	}
	return db.VersionedStore.ApplyUpdates(batch, expected, height)
}

func TestApplyConflictExcludesReaders(t *testing.T) {
	db := leveldbhelper.CreateDB(&leveldbhelper.Conf{InMemory: true})
	require.NoError(t, db.Open())
	vdb := &conflictOnceDB{
		VersionedStore: statedb.NewVersionedStore(db, nil, 0),
		key:            statedb.CompositeKey{Namespace: "cc", Key: "a"},
	}
	stats := newStats(&disabled.Provider{})
	l, err := newKVLedger("conflicts", vdb, stats.ledgerStats("conflicts"))
	require.NoError(t, err)
	defer l.Close()

	report := commitBlock(t, l, 1,
		simulate(t, l, "reads-a", transfer(t, "a", "1")),
		simulate(t, l, "reads-b", transfer(t, "b", "2")),
	)
	require.True(t, vdb.conflict)
	require.Equal(t, []string{"reads-b"}, report.Committed)
	require.Equal(t, []*ledger.RejectedTx{{TxID: "reads-a", Reason: ledger.StaleReadConflict}}, report.Rejected)
	require.Equal(t, "", getState(t, l, "a"))
	require.Equal(t, "2", getState(t, l, "b"))
}

func TestProviderPersistsAcrossReopen(t *testing.T) {
	for _, backend := range []string{ledger.GoLevelDB, ledger.BadgerDB} {
		t.Run(backend, func(t *testing.T) {
			conf := &ledger.Config{RootFSPath: t.TempDir(), StateDBConfig: &ledger.StateDBConfig{StateDatabase: backend}}
			provider, err := NewProvider(conf, &disabled.Provider{})
			require.NoError(t, err)
			l, err := provider.Open("persisted")
			require.NoError(t, err)
			_, err = provider.Open("persisted")
			require.EqualError(t, err, "ledger [persisted] is already open")
			commitBlock(t, l, 1, simulate(t, l, "t1", transfer(t, "k", "v")))
			provider.Close()

			provider, err = NewProvider(conf, &disabled.Provider{})
			require.NoError(t, err)
			defer provider.Close()
			l, err = provider.Open("persisted")
			require.NoError(t, err)
			require.Equal(t, "v", getState(t, l, "k"))
			height, err := l.Height()
			require.NoError(t, err)
			require.Equal(t, uint64(1), height.BlockNum)
		})
	}
}

func TestNewProviderValidatesConfig(t *testing.T) {
	_, err := NewProvider(&ledger.Config{StateDBConfig: &ledger.StateDBConfig{StateDatabase: "couchdb"}}, &disabled.Provider{})
	require.EqualError(t, err, `unsupported state database "couchdb"`)
	_, err = NewProvider(&ledger.Config{}, &disabled.Provider{})
	require.EqualError(t, err, "a root file system path is required for state database goleveldb")
}
