/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package validation

import (
	"github.com/beacon-ledger/beacon/core/ledger"
	"github.com/beacon-ledger/beacon/core/ledger/kvledger/txmgmt/rwsetutil"
	"github.com/beacon-ledger/beacon/core/ledger/kvledger/txmgmt/statedb"
	"github.com/beacon-ledger/beacon/core/ledger/kvledger/txmgmt/version"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/hyperledger/fabric-protos-go/ledger/rwset/kvrwset"
	"github.com/pkg/errors"
)

var logger = flogging.MustGetLogger("statevalidator")

// Validator validates a tx against the latest committed state
// and preceding valid transactions with in the same block
type Validator struct {
	db statedb.VersionedDB
}

// NewValidator constructs a Validator
func NewValidator(db statedb.VersionedDB) *Validator {
	return &Validator{db: db}
}

// Result is the outcome of validating a block
type Result struct {
	// Updates holds the writes of the valid transactions, at (block height, tx index)
	Updates *statedb.UpdateBatch
	// Expected holds, for every key read by a valid transaction and not written earlier in the
	// block, the version the transaction observed
	Expected map[statedb.CompositeKey]*version.Height
	// Codes holds the validation code of every transaction, in block order
	Codes []ledger.TxValidationCode

	readKeys [][]statedb.CompositeKey
}

// TxsReading returns the indexes of the valid transactions that read any of the given keys
func (r *Result) TxsReading(keys []statedb.CompositeKey) []int {
	lookup := make(map[statedb.CompositeKey]struct{}, len(keys))
	for _, k := range keys {
		lookup[k] = struct{}{}
	}
	var txIndexes []int
	for txIndex, reads := range r.readKeys {
		if r.Codes[txIndex] != ledger.Valid {
			continue
		}
		for _, k := range reads {
			if _, ok := lookup[k]; ok {
				txIndexes = append(txIndexes, txIndex)
				break
			}
		}
	}
	return txIndexes
}

// ValidateAndPrepareBatch walks the transactions of the block in order and prepares the batch of
// writes of those that remain valid. Transactions listed in stale are rejected without further checks.
func (v *Validator) ValidateAndPrepareBatch(block *ledger.Block, stale map[int]bool) (*Result, error) {
	logger.Debugf("Validating a block [%d] with [%d] transactions", block.Height, len(block.Transactions))
	result := &Result{
		Updates:  statedb.NewUpdateBatch(),
		Expected: map[statedb.CompositeKey]*version.Height{},
		Codes:    make([]ledger.TxValidationCode, len(block.Transactions)),
		readKeys: make([][]statedb.CompositeKey, len(block.Transactions)),
	}

	for txIndex, tx := range block.Transactions {
		switch tx.Status {
		case ledger.Validated:
		case ledger.Rejected:
			result.Codes[txIndex] = tx.Reason
			logger.Debugf("Block [%d] Transaction index [%d] TxId [%s] was rejected during execution. Reason code [%s]",
				block.Height, txIndex, tx.TxID, tx.Reason)
			continue
		default:
			return nil, errors.Errorf("transaction [%s] at index %d has not been executed, status %s", tx.TxID, txIndex, tx.Status)
		}

		if stale[txIndex] {
			result.Codes[txIndex] = ledger.StaleReadConflict
			continue
		}
		if tx.ReadOnly {
			// nothing to apply; the result reflects the snapshot it was executed at
			result.Codes[txIndex] = ledger.Valid
			continue
		}

		code, reads, err := v.validateTx(tx.RWSet, result.Updates)
		if err != nil {
			return nil, err
		}
		result.Codes[txIndex] = code
		if code != ledger.Valid {
			logger.Warningf("Block [%d] Transaction index [%d] TxId [%s] marked as invalid by state validator. Reason code [%s]",
				block.Height, txIndex, tx.TxID, code)
			continue
		}
		for ck, ver := range reads {
			result.Expected[ck] = ver
			result.readKeys[txIndex] = append(result.readKeys[txIndex], ck)
		}
		addWriteSetToBatch(tx.RWSet, tx.TxID, version.NewHeight(block.Height, uint64(txIndex)), result.Updates)
		logger.Debugf("Block [%d] Transaction index [%d] TxId [%s] marked as valid by state validator",
			block.Height, txIndex, tx.TxID)
	}
	return result, nil
}

func addWriteSetToBatch(txRWSet *rwsetutil.TxRwSet, txID string, txHeight *version.Height, batch *statedb.UpdateBatch) {
	if txRWSet == nil {
		return
	}
	for _, nsRWSet := range txRWSet.NsRwSets {
		ns := nsRWSet.NameSpace
		for _, kvWrite := range nsRWSet.KvRwSet.Writes {
			if kvWrite.IsDelete {
				batch.Delete(ns, kvWrite.Key, txHeight, txID)
				continue
			}
			value := kvWrite.Value
			if value == nil {
				value = []byte{}
			}
			batch.Put(ns, kvWrite.Key, value, txHeight, txID)
		}
	}
}

// validateTx returns the reads of the transaction when it is valid
func (v *Validator) validateTx(txRWSet *rwsetutil.TxRwSet, updates *statedb.UpdateBatch) (ledger.TxValidationCode, map[statedb.CompositeKey]*version.Height, error) {
	reads := map[statedb.CompositeKey]*version.Height{}
	if txRWSet == nil {
		return ledger.Valid, reads, nil
	}
	for _, nsRWSet := range txRWSet.NsRwSets {
		ns := nsRWSet.NameSpace
		for _, kvRead := range nsRWSet.KvRwSet.Reads {
			valid, err := v.validateKVRead(ns, kvRead, updates)
			if err != nil {
				return ledger.Valid, nil, err
			}
			if !valid {
				return ledger.StaleReadConflict, nil, nil
			}
			reads[statedb.CompositeKey{Namespace: ns, Key: kvRead.Key}] = rwsetutil.NewVersion(kvRead.Version)
		}
	}
	return ledger.Valid, reads, nil
}

// validateKVRead performs mvcc check for a key read during transaction simulation.
// i.e., it checks whether a key/version combination is already updated in the statedb (by an already committed block)
// or in the updates (by a preceding valid transaction in the current block)
func (v *Validator) validateKVRead(ns string, kvRead *kvrwset.KVRead, updates *statedb.UpdateBatch) (bool, error) {
	if updates.Exists(ns, kvRead.Key) {
		return false, nil
	}
	committedVersion, err := v.db.GetVersion(ns, kvRead.Key)
	if err != nil {
		return false, &statedb.ErrStorageIO{Err: err}
	}
	if !version.AreSame(committedVersion, rwsetutil.NewVersion(kvRead.Version)) {
		logger.Debugf("Version mismatch for key [%s:%s]. Committed version = [%s], Version in readSet [%s]",
			ns, kvRead.Key, committedVersion, kvRead.Version)
		return false, nil
	}
	return true, nil
}
