/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package chaincode

import (
	"sync"

	"github.com/beacon-ledger/beacon/core/ledger"
	"github.com/golang/protobuf/proto"
	"github.com/hyperledger/fabric-protos-go/ledger/queryresult"
	pb "github.com/hyperledger/fabric-protos-go/peer"
)

// QueryIterator is a ledger iterator whose results are sent to the shim.
// Next returns nil once the iterator is exhausted.
type QueryIterator interface {
	Next() (proto.Message, error)
	Close()
}

type bookmarkedIterator interface {
	GetBookmarkAndClose() string
}

type stateQueryIterator struct {
	ledger.QueryResultsIterator
}

func (s *stateQueryIterator) Next() (proto.Message, error) {
	kv, err := s.QueryResultsIterator.Next()
	if err != nil || kv == nil {
		return nil, err
	}
	return kv, nil
}

type historyQueryIterator struct {
	ledger.HistoryIterator
}

func (h *historyQueryIterator) Next() (proto.Message, error) {
	entry, err := h.HistoryIterator.Next()
	if err != nil || entry == nil {
		return nil, err
	}
	return &queryresult.KeyModification{
		TxId:     entry.TxID,
		Value:    entry.Value,
		IsDelete: entry.IsDelete,
	}, nil
}

type TransactionContext struct {
	NamespaceID      string
	TxID             string
	ReadOnly         bool
	ResponseNotifier chan *pb.ChaincodeMessage
	TXSimulator      ledger.TxSimulator

	// tracks open iterators used for range queries
	queryMutex          sync.Mutex
	queryIteratorMap    map[string]QueryIterator
	pendingQueryResults map[string]*PendingQueryResult
	totalReturnCount    map[string]*int32

	violationMutex    sync.Mutex
	readOnlyViolation bool
}

func (t *TransactionContext) InitializeQueryContext(queryID string, iter QueryIterator) {
	t.queryMutex.Lock()
	if t.queryIteratorMap == nil {
		t.queryIteratorMap = map[string]QueryIterator{}
	}
	if t.pendingQueryResults == nil {
		t.pendingQueryResults = map[string]*PendingQueryResult{}
	}
	if t.totalReturnCount == nil {
		t.totalReturnCount = map[string]*int32{}
	}
	t.queryIteratorMap[queryID] = iter
	t.pendingQueryResults[queryID] = &PendingQueryResult{}
	zeroValue := int32(0)
	t.totalReturnCount[queryID] = &zeroValue
	t.queryMutex.Unlock()
}

func (t *TransactionContext) GetQueryIterator(queryID string) QueryIterator {
	t.queryMutex.Lock()
	iter := t.queryIteratorMap[queryID]
	t.queryMutex.Unlock()
	return iter
}

func (t *TransactionContext) GetPendingQueryResult(queryID string) *PendingQueryResult {
	t.queryMutex.Lock()
	result := t.pendingQueryResults[queryID]
	t.queryMutex.Unlock()
	return result
}

func (t *TransactionContext) GetTotalReturnCount(queryID string) *int32 {
	t.queryMutex.Lock()
	result := t.totalReturnCount[queryID]
	t.queryMutex.Unlock()
	return result
}

func (t *TransactionContext) CleanupQueryContext(queryID string) {
	t.queryMutex.Lock()
	defer t.queryMutex.Unlock()
	iter := t.queryIteratorMap[queryID]
	if iter != nil {
		iter.Close()
	}
	delete(t.queryIteratorMap, queryID)
	delete(t.pendingQueryResults, queryID)
	delete(t.totalReturnCount, queryID)
}

// CleanupQueryContextWithBookmark closes the query and returns the bookmark
// to resume it from.
func (t *TransactionContext) CleanupQueryContextWithBookmark(queryID string) string {
	t.queryMutex.Lock()
	defer t.queryMutex.Unlock()
	iter := t.queryIteratorMap[queryID]
	bookmark := ""
	if iter != nil {
		if queryResultIterator, ok := iter.(bookmarkedIterator); ok {
			bookmark = queryResultIterator.GetBookmarkAndClose()
		} else {
			iter.Close()
		}
	}
	delete(t.queryIteratorMap, queryID)
	delete(t.pendingQueryResults, queryID)
	delete(t.totalReturnCount, queryID)
	return bookmark
}

func (t *TransactionContext) CloseQueryIterators() {
	t.queryMutex.Lock()
	defer t.queryMutex.Unlock()
	for _, iter := range t.queryIteratorMap {
		iter.Close()
	}
}

// MarkReadOnlyViolation records that the chaincode attempted a write
// during a read-only transaction.
func (t *TransactionContext) MarkReadOnlyViolation() {
	t.violationMutex.Lock()
	t.readOnlyViolation = true
	t.violationMutex.Unlock()
}

func (t *TransactionContext) ReadOnlyViolated() bool {
	t.violationMutex.Lock()
	defer t.violationMutex.Unlock()
	return t.readOnlyViolation
}
