/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package operations

import (
	"sync"

	"github.com/hyperledger/fabric-lib-go/common/metrics"
	"github.com/hyperledger/fabric-lib-go/common/metrics/prometheus"
)

var (
	beaconVersion = metrics.GaugeOpts{
		Name:         "beacon_version",
		Help:         "The active version of the node.",
		LabelNames:   []string{"version"},
		StatsdFormat: "%{#fqname}.%{version}",
	}

	gaugeLock        sync.Mutex
	promVersionGauge metrics.Gauge
)

// versionGauge registers the gauge once per process with prometheus, which
// rejects duplicate collectors.
func versionGauge(provider metrics.Provider) metrics.Gauge {
	switch provider.(type) {
	case *prometheus.Provider:
		gaugeLock.Lock()
		defer gaugeLock.Unlock()
		if promVersionGauge == nil {
			promVersionGauge = provider.NewGauge(beaconVersion)
		}
		return promVersionGauge

	default:
		return provider.NewGauge(beaconVersion)
	}
}
