/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package kvledger

import (
	"github.com/beacon-ledger/beacon/common/ledger/util"
	"github.com/beacon-ledger/beacon/core/ledger"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v4"
)

const (
	blockRecordPrefix    = "b"
	txStatusRecordPrefix = "t"
)

type blockRecord struct {
	Height uint64   `msgpack:"h"`
	TxIDs  []string `msgpack:"ids"`
	Codes  []int32  `msgpack:"codes"`
}

type txStatusRecord struct {
	Status      int32             `msgpack:"s"`
	Reason      int32             `msgpack:"r"`
	Message     string            `msgpack:"m,omitempty"`
	BlockHeight uint64            `msgpack:"h"`
	TxIndex     uint64            `msgpack:"i"`
	Metadata    map[string]string `msgpack:"md,omitempty"`
}

func blockRecordKey(height uint64) string {
	return blockRecordPrefix + string(util.EncodeOrderPreservingVarUint64(height))
}

func txStatusRecordKey(txID string) string {
	return txStatusRecordPrefix + txID
}

func encodeBlockRecord(block *ledger.Block, codes []ledger.TxValidationCode) ([]byte, error) {
	rec := &blockRecord{Height: block.Height}
	for i, tx := range block.Transactions {
		rec.TxIDs = append(rec.TxIDs, tx.TxID)
		rec.Codes = append(rec.Codes, int32(codes[i]))
	}
	return msgpack.Marshal(rec)
}

func encodeTxStatusRecord(info *ledger.TxStatusInfo) ([]byte, error) {
	return msgpack.Marshal(&txStatusRecord{
		Status:      int32(info.Status),
		Reason:      int32(info.Reason),
		Message:     info.Message,
		BlockHeight: info.BlockHeight,
		TxIndex:     info.TxIndex,
		Metadata:    info.Metadata,
	})
}

func decodeTxStatusRecord(txID string, b []byte) (*ledger.TxStatusInfo, error) {
	rec := &txStatusRecord{}
	if err := msgpack.Unmarshal(b, rec); err != nil {
		return nil, errors.Wrapf(err, "error decoding status record of transaction [%s]", txID)
	}
	return &ledger.TxStatusInfo{
		TxID:        txID,
		Status:      ledger.TxStatus(rec.Status),
		Reason:      ledger.TxValidationCode(rec.Reason),
		Message:     rec.Message,
		BlockHeight: rec.BlockHeight,
		TxIndex:     rec.TxIndex,
		Metadata:    rec.Metadata,
	}, nil
}
