/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package solo is a single node sequencer for development. It cuts blocks
// from submitted transactions in arrival order and commits them locally.
package solo

import (
	"context"
	"os"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/beacon-ledger/beacon/core/committer"
	"github.com/beacon-ledger/beacon/core/ledger"
	"github.com/beacon-ledger/beacon/core/ledger/kvledger/txmgmt/version"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/pkg/errors"
)

var logger = flogging.MustGetLogger("sequencer.solo")

const (
	DefaultBatchSize    = 10
	DefaultBatchTimeout = 2 * time.Second
)

// BlockCommitter commits ordered blocks.
type BlockCommitter interface {
	CommitBlock(ctx context.Context, block *ledger.Block) (*ledger.CommitReport, error)
}

// HeightReader reports the committed height.
type HeightReader interface {
	Height() (*version.Height, error)
}

// Sequencer batches transactions into blocks. A block is cut once it holds
// BatchSize transactions or BatchTimeout after its first transaction arrived.
type Sequencer struct {
	Committer    BlockCommitter
	Ledger       HeightReader
	BatchSize    int
	BatchTimeout time.Duration
	Clock        clock.Clock
	// OnCommit, when set, receives the report of every committed block.
	OnCommit func(*ledger.CommitReport)
	// OnReject, when set, receives the transactions of a batch that could not
	// be committed. Duplicate blocks and blocks kept for replay are not rejected.
	OnReject func([]*ledger.RejectedTx)

	submitC  chan *ledger.Transaction
	doneC    chan struct{}
	stopOnce sync.Once
}

// New creates a Sequencer. Zero batch settings take the defaults.
func New(c BlockCommitter, l HeightReader, batchSize int, batchTimeout time.Duration, clk clock.Clock) *Sequencer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if batchTimeout <= 0 {
		batchTimeout = DefaultBatchTimeout
	}
	if clk == nil {
		clk = clock.NewClock()
	}
	return &Sequencer{
		Committer:    c,
		Ledger:       l,
		BatchSize:    batchSize,
		BatchTimeout: batchTimeout,
		Clock:        clk,
		submitC:      make(chan *ledger.Transaction),
		doneC:        make(chan struct{}),
	}
}

// Order queues a transaction for the next block.
func (s *Sequencer) Order(ctx context.Context, tx *ledger.Transaction) error {
	select {
	case s.submitC <- tx:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneC:
		return errors.New("sequencer is stopped")
	}
}

// Stop makes Run return after committing the pending batch.
func (s *Sequencer) Stop() {
	s.stopOnce.Do(func() { close(s.doneC) })
}

// Run serves submissions until signaled or stopped.
func (s *Sequencer) Run(signals <-chan os.Signal, ready chan<- struct{}) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticking := false
	timer := s.Clock.NewTimer(time.Second)
	// a stopped timer rather than nil, the loop selects on timer.C()
	if !timer.Stop() {
		<-timer.C()
	}
	start := func() {
		if !ticking {
			ticking = true
			timer.Reset(s.BatchTimeout)
		}
	}
	stop := func() {
		if !timer.Stop() && ticking {
			<-timer.C()
		}
		ticking = false
	}

	var batch []*ledger.Transaction
	cut := func() {
		if len(batch) == 0 {
			return
		}
		s.commit(ctx, batch)
		batch = nil
	}

	close(ready)
	for {
		select {
		case tx := <-s.submitC:
			batch = append(batch, tx)
			if len(batch) < s.BatchSize {
				start()
				continue
			}
			stop()
			cut()

		case <-timer.C():
			ticking = false
			logger.Debugf("Batch timer expired, cutting block of %d transactions", len(batch))
			cut()

		case sig := <-signals:
			logger.Infof("Received %s, stopping sequencer", sig)
			s.Stop()
			stop()
			cut()
			return nil

		case <-s.doneC:
			logger.Infof("Stop serving requests")
			stop()
			cut()
			return nil
		}
	}
}

func (s *Sequencer) commit(ctx context.Context, txs []*ledger.Transaction) {
	next, err := s.nextHeight()
	if err != nil {
		logger.Errorf("Rejecting batch of %d transactions: %s", len(txs), err)
		s.reject(txs, err)
		return
	}

	block := &ledger.Block{Height: next, Transactions: txs}
	report, err := s.Committer.CommitBlock(ctx, block)
	switch {
	case committer.IsDuplicateBlock(err):
		logger.Warningf("Block %d was already committed", next)
	case committer.IsRetained(err):
		logger.Errorf("Failed to commit block %d, it is kept for replay on restart: %s", next, err)
	case err != nil:
		logger.Errorf("Failed to commit block %d, rejecting its %d transactions: %s", next, len(txs), err)
		s.reject(txs, err)
	default:
		logger.Debugf("Committed block %d with %d valid and %d rejected transactions", next, len(report.Committed), len(report.Rejected))
		if s.OnCommit != nil {
			s.OnCommit(report)
		}
	}
}

func (s *Sequencer) reject(txs []*ledger.Transaction, err error) {
	if s.OnReject == nil {
		return
	}
	reason := ledger.CommitFailed
	if errors.Cause(err) == ledger.ErrInvalidArgument {
		reason = ledger.InvalidArgument
	}
	rejected := make([]*ledger.RejectedTx, 0, len(txs))
	for _, tx := range txs {
		rejected = append(rejected, &ledger.RejectedTx{TxID: tx.TxID, Reason: reason, Message: err.Error()})
	}
	s.OnReject(rejected)
}

func (s *Sequencer) nextHeight() (uint64, error) {
	h, err := s.Ledger.Height()
	if err != nil {
		return 0, errors.WithMessage(err, "failed to read committed height")
	}
	if h == nil {
		return 1, nil
	}
	return h.BlockNum + 1, nil
}
