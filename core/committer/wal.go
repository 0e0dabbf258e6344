/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package committer

import (
	"github.com/beacon-ledger/beacon/core/ledger"
	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"github.com/tidwall/wal"
	"github.com/vmihailenco/msgpack/v4"
)

type walTransaction struct {
	TxID        string            `msgpack:"id"`
	ChaincodeID string            `msgpack:"cc"`
	Function    string            `msgpack:"fn"`
	Args        []string          `msgpack:"args,omitempty"`
	ReadOnly    bool              `msgpack:"ro,omitempty"`
	Metadata    map[string]string `msgpack:"md,omitempty"`
}

type walBlock struct {
	Height       uint64            `msgpack:"h"`
	Transactions []*walTransaction `msgpack:"txs"`
	// Discarded cancels the preceding entry at the same height.
	Discarded bool `msgpack:"x,omitempty"`
}

// BlockWAL is a write-ahead log of the blocks handed to the committer. Only
// the invocation fields of a transaction are logged; the outcome is
// recomputed on replay.
type BlockWAL struct {
	log *wal.Log
}

// OpenBlockWAL opens or creates the log in dir.
func OpenBlockWAL(dir string) (*BlockWAL, error) {
	log, err := wal.Open(dir, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open block wal at %s", dir)
	}
	return &BlockWAL{log: log}, nil
}

func encodeWALBlock(block *ledger.Block) ([]byte, error) {
	rec := &walBlock{Height: block.Height}
	for _, tx := range block.Transactions {
		rec.Transactions = append(rec.Transactions, &walTransaction{
			TxID:        tx.TxID,
			ChaincodeID: tx.ChaincodeID,
			Function:    tx.Function,
			Args:        tx.Args,
			ReadOnly:    tx.ReadOnly,
			Metadata:    tx.Metadata,
		})
	}
	b, err := msgpack.Marshal(rec)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode block %d", block.Height)
	}
	return snappy.Encode(nil, b), nil
}

func decodeWALBlock(data []byte) (*ledger.Block, bool, error) {
	b, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to decompress wal record")
	}
	rec := &walBlock{}
	if err := msgpack.Unmarshal(b, rec); err != nil {
		return nil, false, errors.Wrap(err, "failed to decode wal record")
	}

	block := &ledger.Block{Height: rec.Height}
	for _, tx := range rec.Transactions {
		block.Transactions = append(block.Transactions, &ledger.Transaction{
			TxID:        tx.TxID,
			ChaincodeID: tx.ChaincodeID,
			Function:    tx.Function,
			Args:        tx.Args,
			ReadOnly:    tx.ReadOnly,
			Metadata:    tx.Metadata,
			Status:      ledger.Pending,
		})
	}
	return block, rec.Discarded, nil
}

// Append logs the block and syncs it to disk.
func (w *BlockWAL) Append(block *ledger.Block) error {
	data, err := encodeWALBlock(block)
	if err != nil {
		return err
	}
	return w.write(data, block.Height)
}

// Discard logs that the last block appended at height was not committed, so
// it is not replayed.
func (w *BlockWAL) Discard(height uint64) error {
	b, err := msgpack.Marshal(&walBlock{Height: height, Discarded: true})
	if err != nil {
		return errors.Wrapf(err, "failed to encode discard of block %d", height)
	}
	return w.write(snappy.Encode(nil, b), height)
}

func (w *BlockWAL) write(data []byte, height uint64) error {
	last, err := w.log.LastIndex()
	if err != nil {
		return errors.Wrap(err, "failed to read wal index")
	}
	if err := w.log.Write(last+1, data); err != nil {
		return errors.Wrapf(err, "failed to append block %d to wal", height)
	}
	return errors.Wrap(w.log.Sync(), "failed to sync wal")
}

// Blocks returns the logged blocks above the given height, in log order.
// Discarded blocks are left out.
func (w *BlockWAL) Blocks(above uint64) ([]*ledger.Block, error) {
	first, err := w.log.FirstIndex()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read wal index")
	}
	last, err := w.log.LastIndex()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read wal index")
	}
	if last == 0 {
		return nil, nil
	}

	var blocks []*ledger.Block
	for index := first; index <= last; index++ {
		data, err := w.log.Read(index)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read wal entry %d", index)
		}
		block, discarded, err := decodeWALBlock(data)
		if err != nil {
			return nil, errors.WithMessagef(err, "wal entry %d", index)
		}
		if discarded {
			if n := len(blocks); n > 0 && blocks[n-1].Height == block.Height {
				blocks = blocks[:n-1]
			}
			continue
		}
		if block.Height > above {
			blocks = append(blocks, block)
		}
	}
	return blocks, nil
}

// Truncate drops every entry but the last one. The log cannot be emptied, so
// the newest block stays and is skipped on replay once it is committed.
func (w *BlockWAL) Truncate() error {
	last, err := w.log.LastIndex()
	if err != nil || last == 0 {
		return err
	}
	return errors.Wrap(w.log.TruncateFront(last), "failed to truncate wal")
}

func (w *BlockWAL) Close() error {
	return w.log.Close()
}
