/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package txmgr

import (
	"github.com/beacon-ledger/beacon/core/ledger"
	"github.com/beacon-ledger/beacon/core/ledger/kvledger/txmgmt/statedb"
	"github.com/beacon-ledger/beacon/core/ledger/kvledger/txmgmt/version"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
)

var logger = flogging.MustGetLogger("txmgr")

// TxMgr hands out simulators and query executors over a state db. Every instance
// reads at a fixed height so that the results of one transaction are drawn from
// a single committed snapshot, regardless of the commits that land meanwhile.
type TxMgr struct {
	db statedb.VersionedDB
}

// NewTxMgr constructs a TxMgr over the given state db
func NewTxMgr(db statedb.VersionedDB) *TxMgr {
	return &TxMgr{db: db}
}

// NewQueryExecutor returns a query executor reading at the given height. Reads are not recorded.
func (txmgr *TxMgr) NewQueryExecutor(txid string, at *version.Height) ledger.QueryExecutor {
	return newQueryExecutor(txmgr, txid, at, nil)
}

// NewHistoryQueryExecutor returns a history query executor bounded by the given height
func (txmgr *TxMgr) NewHistoryQueryExecutor(at *version.Height) ledger.HistoryQueryExecutor {
	return newQueryExecutor(txmgr, "", at, nil)
}

// NewTxSimulator returns a simulator reading at the given height and recording a read-write set
func (txmgr *TxMgr) NewTxSimulator(txid string, at *version.Height) ledger.TxSimulator {
	return newTxSimulator(txmgr, txid, at)
}
