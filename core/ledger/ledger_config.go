/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package ledger

// Supported state database backends
const (
	GoLevelDB = "goleveldb"
	BadgerDB  = "badger"
	MemoryDB  = "memory"
)

// Config is a structure used to configure a ledger provider.
type Config struct {
	// RootFSPath is the top-level directory where ledger files are stored.
	RootFSPath string
	// StateDBConfig holds the configuration parameters for the state database.
	StateDBConfig *StateDBConfig
}

// StateDBConfig is a structure used to configure the state parameters for the ledger.
type StateDBConfig struct {
	// StateDatabase is the database to use for storing last known state. One of
	// GoLevelDB, BadgerDB or MemoryDB.
	StateDatabase string
	// CacheSizeMBs is the size of the latest-value cache in megabytes. Zero disables it.
	CacheSizeMBs int
	// MaxPageSize bounds the results of an unbounded query.
	MaxPageSize int32
}
