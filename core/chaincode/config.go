/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package chaincode

import (
	"time"
)

const (
	defaultExecutionTimeout  = 30 * time.Second
	minimumStartupTimeout    = 5 * time.Second
	defaultMaxRestarts       = 3
	defaultRestartBackoff    = 500 * time.Millisecond
	defaultMaxRestartBackoff = 10 * time.Second
	defaultTotalQueryLimit   = 100000
)

// Config holds the settings of the chaincode runtime.
type Config struct {
	// PeerAddress is the address chaincode processes dial back to.
	PeerAddress    string
	StartupTimeout time.Duration
	ExecuteTimeout time.Duration
	Keepalive      time.Duration
	// MaxRestarts bounds consecutive failed launches or invocations before a
	// chaincode is declared unavailable.
	MaxRestarts       int
	RestartBackoff    time.Duration
	MaxRestartBackoff time.Duration
	TotalQueryLimit   int
}

// WithDefaults returns a copy of the config with unset or invalid values replaced.
func (c Config) WithDefaults() Config {
	if c.StartupTimeout < minimumStartupTimeout {
		if c.StartupTimeout != 0 {
			chaincodeLogger.Warningf("startup timeout %s is below the minimum, using %s", c.StartupTimeout, minimumStartupTimeout)
		}
		c.StartupTimeout = minimumStartupTimeout
	}
	if c.ExecuteTimeout <= 0 {
		c.ExecuteTimeout = defaultExecutionTimeout
	}
	if c.Keepalive < 0 {
		c.Keepalive = 0
	}
	if c.MaxRestarts < 0 {
		c.MaxRestarts = defaultMaxRestarts
	}
	if c.RestartBackoff <= 0 {
		c.RestartBackoff = defaultRestartBackoff
	}
	if c.MaxRestartBackoff < c.RestartBackoff {
		c.MaxRestartBackoff = defaultMaxRestartBackoff
		if c.MaxRestartBackoff < c.RestartBackoff {
			c.MaxRestartBackoff = c.RestartBackoff
		}
	}
	if c.TotalQueryLimit <= 0 {
		c.TotalQueryLimit = defaultTotalQueryLimit
	}
	return c
}
