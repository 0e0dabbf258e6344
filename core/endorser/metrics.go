/*
Copyright State Street Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package endorser

import "github.com/hyperledger/fabric-lib-go/common/metrics"

var (
	proposalDurationHistogramOpts = metrics.HistogramOpts{
		Namespace:    "endorser",
		Name:         "proposal_duration",
		Help:         "The time to execute a transaction.",
		LabelNames:   []string{"chaincode", "success"},
		StatsdFormat: "%{#fqname}.%{chaincode}.%{success}",
	}

	receivedProposalsCounterOpts = metrics.CounterOpts{
		Namespace: "endorser",
		Name:      "proposals_received",
		Help:      "The number of transactions received for execution.",
	}

	successfulProposalsCounterOpts = metrics.CounterOpts{
		Namespace: "endorser",
		Name:      "successful_proposals",
		Help:      "The number of transactions executed successfully.",
	}

	executionFailureCounterOpts = metrics.CounterOpts{
		Namespace:    "endorser",
		Name:         "execution_failures",
		Help:         "The number of rejected executions.",
		LabelNames:   []string{"chaincode", "reason"},
		StatsdFormat: "%{#fqname}.%{chaincode}.%{reason}",
	}
)

type Metrics struct {
	ProposalDuration    metrics.Histogram
	ProposalsReceived   metrics.Counter
	SuccessfulProposals metrics.Counter
	ExecutionsFailed    metrics.Counter
}

func NewMetrics(p metrics.Provider) *Metrics {
	return &Metrics{
		ProposalDuration:    p.NewHistogram(proposalDurationHistogramOpts),
		ProposalsReceived:   p.NewCounter(receivedProposalsCounterOpts),
		SuccessfulProposals: p.NewCounter(successfulProposalsCounterOpts),
		ExecutionsFailed:    p.NewCounter(executionFailureCounterOpts),
	}
}
