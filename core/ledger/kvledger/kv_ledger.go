/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package kvledger

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/beacon-ledger/beacon/core/ledger"
	"github.com/beacon-ledger/beacon/core/ledger/kvledger/txmgmt/statedb"
	"github.com/beacon-ledger/beacon/core/ledger/kvledger/txmgmt/txmgr"
	"github.com/beacon-ledger/beacon/core/ledger/kvledger/txmgmt/validation"
	"github.com/beacon-ledger/beacon/core/ledger/kvledger/txmgmt/version"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/pkg/errors"
)

var logger = flogging.MustGetLogger("kvledger")

// kvLedger provides an implementation of `ledger.PeerLedger` over a versioned state db.
// It is the only writer of the db.
type kvLedger struct {
	ledgerID  string
	db        statedb.VersionedDB
	txmgr     *txmgr.TxMgr
	validator *validation.Validator
	stats     *ledgerStats

	commitLock sync.Mutex
	// savepoint published after each commit; readers snapshot it
	savepoint atomic.Pointer[version.Height]
}

var _ ledger.PeerLedger = (*kvLedger)(nil)

func newKVLedger(ledgerID string, db statedb.VersionedDB, stats *ledgerStats) (*kvLedger, error) {
	l := &kvLedger{
		ledgerID:  ledgerID,
		db:        db,
		txmgr:     txmgr.NewTxMgr(db),
		validator: validation.NewValidator(db),
		stats:     stats,
	}
	savepoint, err := db.GetLatestSavePoint()
	if err != nil {
		return nil, errors.WithMessagef(err, "error reading save point of ledger [%s]", ledgerID)
	}
	l.savepoint.Store(savepoint)
	var height uint64
	if savepoint != nil {
		height = savepoint.BlockNum
	}
	l.stats.updateBlockchainHeight(height)
	logger.Infof("[%s] Opened ledger at block height %d", ledgerID, height)
	return l, nil
}

// Height implements method in interface `ledger.PeerLedger`
func (l *kvLedger) Height() (*version.Height, error) {
	return l.savepoint.Load(), nil
}

// BlockHeight returns the height of the last committed block, 0 when none was committed
func (l *kvLedger) BlockHeight() uint64 {
	if savepoint := l.savepoint.Load(); savepoint != nil {
		return savepoint.BlockNum
	}
	return 0
}

// NewTxSimulator implements method in interface `ledger.PeerLedger`
func (l *kvLedger) NewTxSimulator(txid string, at *version.Height) (ledger.TxSimulator, error) {
	if at == nil {
		at = l.savepoint.Load()
	}
	return l.txmgr.NewTxSimulator(txid, at), nil
}

// NewQueryExecutor implements method in interface `ledger.PeerLedger`
func (l *kvLedger) NewQueryExecutor(at *version.Height) (ledger.QueryExecutor, error) {
	savepoint := l.savepoint.Load()
	if at == nil {
		return l.txmgr.NewQueryExecutor("", savepoint), nil
	}
	if savepoint == nil || at.Compare(savepoint) > 0 {
		return nil, errors.WithMessagef(ledger.ErrInvalidArgument, "height %s is above the committed height %s", at, savepoint)
	}
	return l.txmgr.NewQueryExecutor("", at), nil
}

// NewHistoryQueryExecutor implements method in interface `ledger.PeerLedger`
func (l *kvLedger) NewHistoryQueryExecutor() (ledger.HistoryQueryExecutor, error) {
	return l.txmgr.NewHistoryQueryExecutor(l.savepoint.Load()), nil
}

// GetTransactionStatus implements method in interface `ledger.PeerLedger`
func (l *kvLedger) GetTransactionStatus(txID string) (*ledger.TxStatusInfo, error) {
	if txID == "" {
		return nil, errors.WithMessage(ledger.ErrInvalidArgument, "transaction id must not be empty")
	}
	b, err := l.db.GetRecord(txStatusRecordKey(txID))
	if err != nil || b == nil {
		return nil, err
	}
	return decodeTxStatusRecord(txID, b)
}

// BlockExists implements method in interface `ledger.PeerLedger`
func (l *kvLedger) BlockExists(height uint64) (bool, error) {
	b, err := l.db.GetRecord(blockRecordKey(height))
	if err != nil {
		return false, err
	}
	return b != nil, nil
}

// CommitBlock implements method in interface `ledger.PeerLedger`.
// The transactions of the block must have been executed. Valid transactions are applied in one
// atomic batch together with the block record and the status record of every transaction.
func (l *kvLedger) CommitBlock(block *ledger.Block) (*ledger.CommitReport, error) {
	l.commitLock.Lock()
	defer l.commitLock.Unlock()

	expectedHeight := l.BlockHeight() + 1
	if block.Height != expectedHeight {
		return nil, errors.WithMessagef(ledger.ErrInvalidArgument, "block height %d is not the next height %d", block.Height, expectedHeight)
	}
	savepoint := version.NewHeight(block.Height, uint64(len(block.Transactions)))

	startBlockProcessing := time.Now()
	logger.Debugf("[%s] Validating state for block [%d]", l.ledgerID, block.Height)
	stale := map[int]bool{}
	var result *validation.Result
	var elapsedCommitState time.Duration
	for {
		var err error
		if result, err = l.validator.ValidateAndPrepareBatch(block, stale); err != nil {
			return nil, err
		}
		if err := l.addRecords(block, result); err != nil {
			return nil, err
		}

		startCommitState := time.Now()
		err = l.db.ApplyUpdates(result.Updates, result.Expected, savepoint)
		elapsedCommitState = time.Since(startCommitState)
		if err == nil {
			break
		}
		conflict, ok := statedb.IsConflict(err)
		if !ok {
			return nil, err
		}
		txIndexes := result.TxsReading(conflict.Keys)
		if len(txIndexes) == 0 {
			return nil, errors.WithMessage(err, "conflict on keys not read by any transaction")
		}
		logger.Warningf("[%s] Block [%d]: %s, excluding transactions at %v", l.ledgerID, block.Height, conflict, txIndexes)
		for _, txIndex := range txIndexes {
			stale[txIndex] = true
		}
	}
	l.savepoint.Store(savepoint)

	report := &ledger.CommitReport{BlockHeight: block.Height}
	for txIndex, tx := range block.Transactions {
		code := result.Codes[txIndex]
		l.stats.updateTransactionCounts(tx.ChaincodeID, code)
		if code != ledger.Valid {
			tx.Status = ledger.Rejected
			tx.Reason = code
			report.Rejected = append(report.Rejected, &ledger.RejectedTx{TxID: tx.TxID, Reason: code, Message: tx.Message})
			continue
		}
		tx.Status = ledger.Committed
		report.Committed = append(report.Committed, tx.TxID)
		if tx.Event != nil {
			report.Events = append(report.Events, tx.Event)
		}
	}

	elapsedBlockProcessing := time.Since(startBlockProcessing)
	logger.Infof("[%s] Committed block [%d] with %d transaction(s) in %dms (state_commit=%dms), %d rejected",
		l.ledgerID, block.Height, len(block.Transactions),
		elapsedBlockProcessing/time.Millisecond,
		elapsedCommitState/time.Millisecond,
		len(report.Rejected),
	)
	l.stats.updateBlockProcessingTime(elapsedBlockProcessing)
	l.stats.updateStatedbCommitTime(elapsedCommitState)
	l.stats.updateBlockchainHeight(block.Height)
	return report, nil
}

func (l *kvLedger) addRecords(block *ledger.Block, result *validation.Result) error {
	blockRec, err := encodeBlockRecord(block, result.Codes)
	if err != nil {
		return err
	}
	result.Updates.PutRecord(blockRecordKey(block.Height), blockRec)
	for txIndex, tx := range block.Transactions {
		info := &ledger.TxStatusInfo{
			TxID:        tx.TxID,
			Status:      ledger.Committed,
			Reason:      result.Codes[txIndex],
			Message:     tx.Message,
			BlockHeight: block.Height,
			TxIndex:     uint64(txIndex),
			Metadata:    tx.Metadata,
		}
		if info.Reason != ledger.Valid {
			info.Status = ledger.Rejected
		}
		txRec, err := encodeTxStatusRecord(info)
		if err != nil {
			return err
		}
		result.Updates.PutRecord(txStatusRecordKey(tx.TxID), txRec)
	}
	return nil
}

// Close implements method in interface `ledger.PeerLedger`
func (l *kvLedger) Close() {
	l.db.Close()
}
