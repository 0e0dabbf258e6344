/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package ledger

import (
	"fmt"

	"github.com/beacon-ledger/beacon/core/ledger/kvledger/txmgmt/rwsetutil"
	"github.com/beacon-ledger/beacon/core/ledger/kvledger/txmgmt/statedb"
	"github.com/beacon-ledger/beacon/core/ledger/kvledger/txmgmt/version"
	"github.com/hyperledger/fabric-protos-go/ledger/queryresult"
	pb "github.com/hyperledger/fabric-protos-go/peer"
	"github.com/pkg/errors"
)

// ErrInvalidArgument is returned for malformed transactions and queries
var ErrInvalidArgument = errors.New("invalid argument")

// TxStatus is the lifecycle state of a transaction
type TxStatus int32

const (
	Pending TxStatus = iota
	Executing
	Validated
	Rejected
	Committed
)

var txStatusNames = map[TxStatus]string{
	Pending:   "PENDING",
	Executing: "EXECUTING",
	Validated: "VALIDATED",
	Rejected:  "REJECTED",
	Committed: "COMMITTED",
}

func (s TxStatus) String() string {
	if name, ok := txStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("TxStatus(%d)", int32(s))
}

// TxValidationCode is the reason attached to a transaction outcome
type TxValidationCode int32

const (
	Valid TxValidationCode = iota
	StaleReadConflict
	ChaincodeError
	ChaincodeTimeout
	ChaincodeCrashed
	ReadOnlyViolation
	ChaincodeNotFound
	ChaincodeUnavailable
	InvalidArgument
	// CommitFailed marks the transactions of a block the committer could not apply
	CommitFailed
)

var txValidationCodeNames = map[TxValidationCode]string{
	Valid:                "VALID",
	StaleReadConflict:    "STALE_READ_CONFLICT",
	ChaincodeError:       "CHAINCODE_ERROR",
	ChaincodeTimeout:     "CHAINCODE_TIMEOUT",
	ChaincodeCrashed:     "CHAINCODE_CRASHED",
	ReadOnlyViolation:    "READ_ONLY_VIOLATION",
	ChaincodeNotFound:    "CHAINCODE_NOT_FOUND",
	ChaincodeUnavailable: "CHAINCODE_UNAVAILABLE",
	InvalidArgument:      "INVALID_ARGUMENT",
	CommitFailed:         "COMMIT_FAILED",
}

func (c TxValidationCode) String() string {
	if name, ok := txValidationCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("TxValidationCode(%d)", int32(c))
}

// Transaction is a chaincode invocation together with its execution outcome.
// The first group of fields is supplied by the submitter, the rest is filled by execution and commit.
type Transaction struct {
	TxID        string
	ChaincodeID string
	Function    string
	Args        []string
	ReadOnly    bool
	Metadata    map[string]string

	RWSet    *rwsetutil.TxRwSet
	Status   TxStatus
	Reason   TxValidationCode
	Message  string
	Response *pb.Response
	Event    *pb.ChaincodeEvent
}

// Block is an ordered batch of transactions. Every write of the transaction at index i
// is committed at version (Height, i).
type Block struct {
	Height       uint64
	Transactions []*Transaction
}

// RejectedTx names a transaction excluded from a block and the reason
type RejectedTx struct {
	TxID    string
	Reason  TxValidationCode
	Message string
}

// CommitReport summarizes the outcome of committing a block
type CommitReport struct {
	BlockHeight uint64
	Committed   []string
	Rejected    []*RejectedTx
	Events      []*pb.ChaincodeEvent
}

// TxStatusInfo is the recorded outcome of a transaction
type TxStatusInfo struct {
	TxID        string
	Status      TxStatus
	Reason      TxValidationCode
	Message     string
	BlockHeight uint64
	TxIndex     uint64
	Metadata    map[string]string
}

// ResultsIterator iterates over query results. Next returns nil once exhausted.
type ResultsIterator interface {
	Next() (*queryresult.KV, error)
	Close()
}

// QueryResultsIterator adds GetBookmarkAndClose method
type QueryResultsIterator interface {
	ResultsIterator
	GetBookmarkAndClose() string
}

// HistoryEntry is one committed modification of a key
type HistoryEntry struct {
	TxID     string
	Value    []byte
	IsDelete bool
	Version  *version.Height
}

// HistoryIterator iterates over the modifications of a key in ascending version order
type HistoryIterator interface {
	Next() (*HistoryEntry, error)
	Close()
}

// QueryExecutor executes queries against a snapshot of the state taken when it was created
type QueryExecutor interface {
	// GetState gets the value for given namespace and key. For a chaincode, the namespace corresponds to the chaincodeId.
	// A deleted or never written key returns nil.
	GetState(namespace string, key string) ([]byte, error)
	// GetStateRangeScanIterator returns an iterator over keys in [startKey, endKey). An empty endKey
	// refers to the last available key.
	GetStateRangeScanIterator(namespace string, startKey string, endKey string) (QueryResultsIterator, error)
	// GetStateRangeScanIteratorWithPagination is GetStateRangeScanIterator bounded by pageSize and resumed at bookmark
	GetStateRangeScanIteratorWithPagination(namespace string, startKey string, endKey string, pageSize int32, bookmark string) (QueryResultsIterator, error)
	// ExecuteQuery runs a structured key query
	ExecuteQuery(namespace string, query statedb.Query, pageSize int32, bookmark string) (QueryResultsIterator, error)
	// Height returns the committed height the executor reads at
	Height() *version.Height
	// Done releases resources occupied by the QueryExecutor
	Done()
}

// HistoryQueryExecutor executes the history queries
type HistoryQueryExecutor interface {
	// GetHistoryForKey retrieves the history of values for a key, restricted to versions in [from, to]
	// and bounded by limit (0 for unbounded)
	GetHistoryForKey(namespace string, key string, from, to *version.Height, limit int) (HistoryIterator, error)
}

// TxSimulator simulates a transaction on a consistent snapshot of the 'as recent state as possible'.
// Reads are recorded in the read set and writes are buffered; nothing is applied to the state.
type TxSimulator interface {
	QueryExecutor
	HistoryQueryExecutor
	// SetState sets the given value for the given namespace and key
	SetState(namespace string, key string, value []byte) error
	// DeleteState deletes the given namespace and key
	DeleteState(namespace string, key string) error
	// GetTxSimulationResults encapsulates the results of the transaction simulation
	GetTxSimulationResults() (*rwsetutil.TxRwSet, error)
}

// PeerLedger is the world state as seen by the execution and commit layers
type PeerLedger interface {
	// Height returns the height of the last committed block, nil when nothing was committed
	Height() (*version.Height, error)
	// NewTxSimulator gives handle to a transaction simulator reading at the given height (nil for latest)
	NewTxSimulator(txID string, at *version.Height) (TxSimulator, error)
	// NewQueryExecutor gives handle to a query executor reading at the given height (nil for latest).
	// A height above the last committed one is rejected.
	NewQueryExecutor(at *version.Height) (QueryExecutor, error)
	// NewHistoryQueryExecutor gives handle to a history query executor
	NewHistoryQueryExecutor() (HistoryQueryExecutor, error)
	// CommitBlock validates the executed transactions of the block and applies the survivors atomically
	CommitBlock(block *Block) (*CommitReport, error)
	// GetTransactionStatus returns the recorded outcome of a transaction, nil if unknown
	GetTransactionStatus(txID string) (*TxStatusInfo, error)
	// BlockExists reports whether a block was committed at the given height
	BlockExists(height uint64) (bool, error)
	// Close closes the ledger
	Close()
}
