/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package committer

import "github.com/hyperledger/fabric-lib-go/common/metrics"

var haltedOpts = metrics.GaugeOpts{
	Namespace: "committer",
	Name:      "halted",
	Help:      "Set to 1 once a storage failure stopped the committer.",
}

type Metrics struct {
	Halted metrics.Gauge
}

func NewMetrics(p metrics.Provider) *Metrics {
	return &Metrics{
		Halted: p.NewGauge(haltedOpts),
	}
}
