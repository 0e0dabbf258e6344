/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package committer

import (
	"context"
	"sync"

	"github.com/beacon-ledger/beacon/core/ledger"
	"github.com/beacon-ledger/beacon/core/ledger/kvledger/txmgmt/statedb"
	"github.com/beacon-ledger/beacon/core/ledger/kvledger/txmgmt/version"
	"github.com/gammazero/workerpool"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/pkg/errors"
)

var logger = flogging.MustGetLogger("committer")

var (
	// ErrDuplicateBlock is returned for a block at or below the committed height.
	ErrDuplicateBlock = errors.New("duplicate block")
	// ErrCommitterHalted is returned once a storage failure stopped the committer.
	ErrCommitterHalted = errors.New("committer halted")
)

// IsDuplicateBlock reports whether err means the block was already committed.
func IsDuplicateBlock(err error) bool {
	return errors.Cause(err) == ErrDuplicateBlock
}

// retainedError is a failure that left the block in the WAL, to be committed on replay.
type retainedError struct {
	error
}

func (r *retainedError) Cause() error  { return r.error }
func (r *retainedError) Unwrap() error { return r.error }

// IsRetained reports whether the block that failed with err is kept in the WAL
// and will be committed when the node recovers.
func IsRetained(err error) bool {
	var r *retainedError
	return errors.As(err, &r)
}

// Executor executes a transaction against a snapshot of the state.
type Executor interface {
	Execute(ctx context.Context, tx *ledger.Transaction, snapshot *version.Height) *ledger.Transaction
}

// Committer executes the transactions of ordered blocks and commits their
// write sets to the ledger, one block at a time.
type Committer struct {
	Ledger   ledger.PeerLedger
	Executor Executor
	// WAL is optional.
	WAL     *BlockWAL
	Workers int
	Metrics *Metrics

	mutex   sync.Mutex
	haltMu  sync.RWMutex
	haltErr error
}

// CommitBlock executes and commits the block. Blocks must be committed in
// height order; a block already committed returns ErrDuplicateBlock.
func (c *Committer) CommitBlock(ctx context.Context, block *ledger.Block) (*ledger.CommitReport, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if err := c.Halted(); err != nil {
		return nil, err
	}
	if block == nil {
		return nil, errors.WithMessage(ledger.ErrInvalidArgument, "nil block")
	}

	savepoint, err := c.Ledger.Height()
	if err != nil {
		return nil, c.failed(err)
	}
	if err := c.checkHeight(block.Height, savepoint); err != nil {
		return nil, err
	}

	if c.WAL != nil {
		if err := c.WAL.Append(block); err != nil {
			return nil, c.halt(err)
		}
	}

	report, err := c.commit(ctx, block, savepoint)
	if err != nil {
		if c.WAL == nil {
			return nil, err
		}
		// a halted committer keeps the block for replay
		if c.Halted() != nil {
			return nil, &retainedError{err}
		}
		if werr := c.WAL.Discard(block.Height); werr != nil {
			return nil, c.halt(werr)
		}
		return nil, err
	}

	if c.WAL != nil {
		if err := c.WAL.Truncate(); err != nil {
			logger.Warningf("Failed to truncate wal after block [%d]: %s", block.Height, err)
		}
	}
	return report, nil
}

func (c *Committer) checkHeight(height uint64, savepoint *version.Height) error {
	committed := uint64(0)
	if savepoint != nil {
		committed = savepoint.BlockNum
	}
	if height <= committed {
		return errors.Wrapf(ErrDuplicateBlock, "block %d is at or below committed height %d", height, committed)
	}
	exists, err := c.Ledger.BlockExists(height)
	if err != nil {
		return c.failed(err)
	}
	if exists {
		return errors.Wrapf(ErrDuplicateBlock, "block %d was already committed", height)
	}
	if height != committed+1 {
		return errors.WithMessagef(ledger.ErrInvalidArgument, "block %d does not follow committed height %d", height, committed)
	}
	return nil
}

func (c *Committer) commit(ctx context.Context, block *ledger.Block, snapshot *version.Height) (*ledger.CommitReport, error) {
	logger.Debugf("Executing %d transaction(s) of block [%d]", len(block.Transactions), block.Height)

	wp := workerpool.New(c.workers())
	for _, tx := range block.Transactions {
		tx := tx
		tx.Status = ledger.Pending
		wp.Submit(func() {
			c.Executor.Execute(ctx, tx, snapshot)
		})
	}
	wp.StopWait()

	report, err := c.Ledger.CommitBlock(block)
	if err != nil {
		return nil, c.failed(err)
	}
	return report, nil
}

func (c *Committer) workers() int {
	if c.Workers <= 0 {
		return 1
	}
	return c.Workers
}

// failed halts the committer if err is a storage failure.
func (c *Committer) failed(err error) error {
	var ioErr *statedb.ErrStorageIO
	if errors.As(err, &ioErr) {
		return c.halt(err)
	}
	return err
}

func (c *Committer) halt(err error) error {
	c.haltMu.Lock()
	defer c.haltMu.Unlock()
	if c.haltErr == nil {
		logger.Errorf("Committer halted: %s", err)
		c.haltErr = err
		c.Metrics.Halted.Set(1)
	}
	return errors.WithMessage(err, ErrCommitterHalted.Error())
}

// Halted returns ErrCommitterHalted, wrapping the failure that caused it,
// once the committer has stopped.
func (c *Committer) Halted() error {
	c.haltMu.RLock()
	defer c.haltMu.RUnlock()
	if c.haltErr == nil {
		return nil
	}
	return errors.Wrapf(ErrCommitterHalted, "storage failure: %s", c.haltErr)
}

// HealthCheck implements healthz.HealthChecker.
func (c *Committer) HealthCheck(ctx context.Context) error {
	return c.Halted()
}

// Recover commits the blocks of the wal above the committed height.
func (c *Committer) Recover(ctx context.Context) error {
	if c.WAL == nil {
		return nil
	}

	savepoint, err := c.Ledger.Height()
	if err != nil {
		return err
	}
	committed := uint64(0)
	if savepoint != nil {
		committed = savepoint.BlockNum
	}

	blocks, err := c.WAL.Blocks(committed)
	if err != nil {
		return err
	}
	for _, block := range blocks {
		logger.Infof("Replaying block [%d] from wal", block.Height)
		c.mutex.Lock()
		_, err := c.replay(ctx, block)
		c.mutex.Unlock()
		if err != nil && !IsDuplicateBlock(err) {
			return errors.WithMessagef(err, "failed to replay block %d", block.Height)
		}
	}
	if len(blocks) > 0 {
		return c.WAL.Truncate()
	}
	return nil
}

func (c *Committer) replay(ctx context.Context, block *ledger.Block) (*ledger.CommitReport, error) {
	if err := c.Halted(); err != nil {
		return nil, err
	}
	savepoint, err := c.Ledger.Height()
	if err != nil {
		return nil, c.failed(err)
	}
	if err := c.checkHeight(block.Height, savepoint); err != nil {
		return nil, err
	}
	return c.commit(ctx, block, savepoint)
}
