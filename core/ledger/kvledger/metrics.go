/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package kvledger

import (
	"time"

	"github.com/beacon-ledger/beacon/core/ledger"
	"github.com/hyperledger/fabric-lib-go/common/metrics"
)

type stats struct {
	blockchainHeight    metrics.Gauge
	blockProcessingTime metrics.Histogram
	statedbCommitTime   metrics.Histogram
	transactionsCount   metrics.Counter
}

func newStats(metricsProvider metrics.Provider) *stats {
	stats := &stats{}
	stats.blockchainHeight = metricsProvider.NewGauge(blockchainHeightOpts)
	stats.blockProcessingTime = metricsProvider.NewHistogram(blockProcessingTimeOpts)
	stats.statedbCommitTime = metricsProvider.NewHistogram(statedbCommitTimeOpts)
	stats.transactionsCount = metricsProvider.NewCounter(transactionCountOpts)
	return stats
}

type ledgerStats struct {
	stats    *stats
	ledgerid string
}

func (s *stats) ledgerStats(ledgerid string) *ledgerStats {
	return &ledgerStats{
		s, ledgerid,
	}
}

func (s *ledgerStats) updateBlockchainHeight(height uint64) {
	// casting uint64 to float64 guarantees precision for the numbers upto 9,007,199,254,740,992 (1<<53)
	s.stats.blockchainHeight.With("ledger_id", s.ledgerid).Set(float64(height))
}

func (s *ledgerStats) updateBlockProcessingTime(timeTaken time.Duration) {
	s.stats.blockProcessingTime.With("ledger_id", s.ledgerid).Observe(timeTaken.Seconds())
}

func (s *ledgerStats) updateStatedbCommitTime(timeTaken time.Duration) {
	s.stats.statedbCommitTime.With("ledger_id", s.ledgerid).Observe(timeTaken.Seconds())
}

func (s *ledgerStats) updateTransactionCounts(chaincodeName string, validationCode ledger.TxValidationCode) {
	s.stats.transactionsCount.
		With(
			"ledger_id", s.ledgerid,
			"chaincode", chaincodeName,
			"validation_code", validationCode.String(),
		).
		Add(1)
}

var (
	blockchainHeightOpts = metrics.GaugeOpts{
		Namespace:    "ledger",
		Subsystem:    "",
		Name:         "blockchain_height",
		Help:         "Height of the chain in blocks.",
		LabelNames:   []string{"ledger_id"},
		StatsdFormat: "%{#fqname}.%{ledger_id}",
	}

	blockProcessingTimeOpts = metrics.HistogramOpts{
		Namespace:    "ledger",
		Subsystem:    "",
		Name:         "block_processing_time",
		Help:         "Time taken in seconds for ledger block processing.",
		LabelNames:   []string{"ledger_id"},
		StatsdFormat: "%{#fqname}.%{ledger_id}",
		Buckets:      []float64{0.005, 0.01, 0.015, 0.05, 0.1, 1, 10},
	}

	statedbCommitTimeOpts = metrics.HistogramOpts{
		Namespace:    "ledger",
		Subsystem:    "",
		Name:         "statedb_commit_time",
		Help:         "Time taken in seconds for committing block changes to state db.",
		LabelNames:   []string{"ledger_id"},
		StatsdFormat: "%{#fqname}.%{ledger_id}",
		Buckets:      []float64{0.005, 0.01, 0.015, 0.05, 0.1, 1, 10},
	}

	transactionCountOpts = metrics.CounterOpts{
		Namespace:    "ledger",
		Subsystem:    "",
		Name:         "transaction_counts",
		Help:         "Number of transactions processed.",
		LabelNames:   []string{"ledger_id", "chaincode", "validation_code"},
		StatsdFormat: "%{#fqname}.%{ledger_id}.%{chaincode}.%{validation_code}",
	}
)
