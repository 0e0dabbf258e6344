/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package txmgr

import (
	"github.com/beacon-ledger/beacon/core/ledger"
	"github.com/beacon-ledger/beacon/core/ledger/kvledger/txmgmt/rwsetutil"
	"github.com/beacon-ledger/beacon/core/ledger/kvledger/txmgmt/statedb"
	"github.com/beacon-ledger/beacon/core/ledger/kvledger/txmgmt/version"
	"github.com/hyperledger/fabric-protos-go/ledger/queryresult"
	"github.com/pkg/errors"
)

// queryExecutor is a query executor used in `TxMgr`
type queryExecutor struct {
	txmgr        *TxMgr
	txid         string
	at           *version.Height
	rwsetBuilder *rwsetutil.RWSetBuilder
	itrs         []statedb.ResultsIterator
	doneInvoked  bool
}

func newQueryExecutor(txmgr *TxMgr, txid string, at *version.Height, rwsetBuilder *rwsetutil.RWSetBuilder) *queryExecutor {
	logger.Debugf("constructing new query executor txid = [%s] at height %s", txid, at)
	return &queryExecutor{
		txmgr:        txmgr,
		txid:         txid,
		at:           at,
		rwsetBuilder: rwsetBuilder,
	}
}

// GetState implements method in interface `ledger.QueryExecutor`
func (q *queryExecutor) GetState(ns, key string) ([]byte, error) {
	if err := q.checkDone(); err != nil {
		return nil, err
	}
	if err := q.txmgr.db.ValidateKeyValue(ns, key, nil); err != nil {
		return nil, errors.WithMessage(ledger.ErrInvalidArgument, err.Error())
	}
	versionedValue, err := q.txmgr.db.GetStateAt(ns, key, q.at)
	if err != nil {
		return nil, err
	}
	var ver *version.Height
	var val []byte
	if versionedValue != nil {
		ver = versionedValue.Version
		if !versionedValue.IsDelete {
			val = versionedValue.Value
		}
	}
	if q.rwsetBuilder != nil {
		q.rwsetBuilder.AddToReadSet(ns, key, ver)
	}
	return val, nil
}

// GetStateRangeScanIterator implements method in interface `ledger.QueryExecutor`
// startKey is included in the results and endKey is excluded. An empty startKey refers to the first available key
// and an empty endKey refers to the last available key.
func (q *queryExecutor) GetStateRangeScanIterator(namespace string, startKey string, endKey string) (ledger.QueryResultsIterator, error) {
	return q.ExecuteQuery(namespace, statedb.RangeQuery{StartKey: startKey, EndKey: endKey}, 0, "")
}

// GetStateRangeScanIteratorWithPagination implements method in interface `ledger.QueryExecutor`
func (q *queryExecutor) GetStateRangeScanIteratorWithPagination(namespace string, startKey string, endKey string, pageSize int32, bookmark string) (ledger.QueryResultsIterator, error) {
	return q.ExecuteQuery(namespace, statedb.RangeQuery{StartKey: startKey, EndKey: endKey}, pageSize, bookmark)
}

// ExecuteQuery implements method in interface `ledger.QueryExecutor`
func (q *queryExecutor) ExecuteQuery(namespace string, query statedb.Query, pageSize int32, bookmark string) (ledger.QueryResultsIterator, error) {
	if err := q.checkDone(); err != nil {
		return nil, err
	}
	dbItr, err := q.txmgr.db.GetStateRangeScanIterator(namespace, query, q.at, pageSize, bookmark)
	if err != nil {
		return nil, errors.WithMessage(ledger.ErrInvalidArgument, err.Error())
	}
	q.itrs = append(q.itrs, dbItr)
	return &resultsItr{dbItr: dbItr, rwSetBuilder: q.rwsetBuilder}, nil
}

// GetHistoryForKey implements method in interface `ledger.HistoryQueryExecutor`.
// Entries committed above the executor's height are not visible.
func (q *queryExecutor) GetHistoryForKey(namespace string, key string, from, to *version.Height, limit int) (ledger.HistoryIterator, error) {
	if err := q.checkDone(); err != nil {
		return nil, err
	}
	if q.at != nil && (to == nil || to.Compare(q.at) > 0) {
		to = q.at
	}
	if from != nil && to != nil && from.Compare(to) > 0 {
		return nil, errors.WithMessagef(ledger.ErrInvalidArgument, "from %s is above the visible height %s", from, to)
	}
	dbItr, err := q.txmgr.db.GetHistoryForKey(namespace, key, from, to, limit)
	if err != nil {
		return nil, errors.WithMessage(ledger.ErrInvalidArgument, err.Error())
	}
	q.itrs = append(q.itrs, dbItr)
	return &historyItr{dbItr: dbItr}, nil
}

// Height implements method in interface `ledger.QueryExecutor`
func (q *queryExecutor) Height() *version.Height {
	return q.at
}

// Done implements method in interface `ledger.QueryExecutor`
func (q *queryExecutor) Done() {
	logger.Debugf("Done with transaction simulation / query execution [%s]", q.txid)
	if q.doneInvoked {
		return
	}
	q.doneInvoked = true
	for _, itr := range q.itrs {
		itr.Close()
	}
}

func (q *queryExecutor) checkDone() error {
	if q.doneInvoked {
		return errors.New("this instance should not be used after calling Done()")
	}
	return nil
}

// resultsItr wraps the db iterator and records every returned key in the read set,
// so that the keys a transaction observed through a query are validated at commit
type resultsItr struct {
	dbItr        statedb.QueryResultsIterator
	rwSetBuilder *rwsetutil.RWSetBuilder
}

// Next implements method in interface ledger.ResultsIterator
func (itr *resultsItr) Next() (*queryresult.KV, error) {
	queryResult, err := itr.dbItr.Next()
	if err != nil {
		return nil, err
	}
	if queryResult == nil {
		return nil, nil
	}
	if itr.rwSetBuilder != nil {
		itr.rwSetBuilder.AddToReadSet(queryResult.Namespace, queryResult.Key, queryResult.Version)
	}
	return &queryresult.KV{
		Namespace: queryResult.Namespace,
		Key:       queryResult.Key,
		Value:     queryResult.Value,
	}, nil
}

// GetBookmarkAndClose implements method in interface ledger.QueryResultsIterator
func (itr *resultsItr) GetBookmarkAndClose() string {
	return itr.dbItr.GetBookmarkAndClose()
}

// Close implements method in interface ledger.ResultsIterator
func (itr *resultsItr) Close() {
	itr.dbItr.Close()
}

type historyItr struct {
	dbItr statedb.ResultsIterator
}

// Next implements method in interface ledger.HistoryIterator
func (itr *historyItr) Next() (*ledger.HistoryEntry, error) {
	kv, err := itr.dbItr.Next()
	if err != nil || kv == nil {
		return nil, err
	}
	return &ledger.HistoryEntry{
		TxID:     kv.TxID,
		Value:    kv.Value,
		IsDelete: kv.IsDelete,
		Version:  kv.Version,
	}, nil
}

// Close implements method in interface ledger.HistoryIterator
func (itr *historyItr) Close() {
	itr.dbItr.Close()
}
