/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package kvledger

import (
	"path/filepath"
	"sync"

	"github.com/beacon-ledger/beacon/common/ledger/dbapi"
	"github.com/beacon-ledger/beacon/common/ledger/util/badgerdbhelper"
	"github.com/beacon-ledger/beacon/common/ledger/util/leveldbhelper"
	"github.com/beacon-ledger/beacon/core/ledger"
	"github.com/beacon-ledger/beacon/core/ledger/kvledger/txmgmt/statedb"
	"github.com/hyperledger/fabric-lib-go/common/metrics"
	"github.com/pkg/errors"
)

// Provider implements interface ledger.PeerLedgerProvider
type Provider struct {
	config *ledger.Config
	stats  *stats

	mutex   sync.Mutex
	ledgers map[string]*kvLedger
}

// NewProvider instantiates a new Provider.
func NewProvider(config *ledger.Config, metricsProvider metrics.Provider) (*Provider, error) {
	if config.StateDBConfig == nil {
		config.StateDBConfig = &ledger.StateDBConfig{StateDatabase: ledger.GoLevelDB}
	}
	switch config.StateDBConfig.StateDatabase {
	case ledger.GoLevelDB, ledger.BadgerDB:
		if config.RootFSPath == "" {
			return nil, errors.Errorf("a root file system path is required for state database %s", config.StateDBConfig.StateDatabase)
		}
	case ledger.MemoryDB:
	default:
		return nil, errors.Errorf("unsupported state database %q", config.StateDBConfig.StateDatabase)
	}
	return &Provider{
		config:  config,
		stats:   newStats(metricsProvider),
		ledgers: map[string]*kvLedger{},
	}, nil
}

// Open opens the ledger with the given id, creating its state database when it does not exist yet
func (p *Provider) Open(ledgerID string) (ledger.PeerLedger, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if _, ok := p.ledgers[ledgerID]; ok {
		return nil, errors.Errorf("ledger [%s] is already open", ledgerID)
	}
	db, err := p.openStateDB(ledgerID)
	if err != nil {
		return nil, err
	}
	stateConf := p.config.StateDBConfig
	vdb := statedb.NewVersionedStore(db, statedb.NewCache(stateConf.CacheSizeMBs), stateConf.MaxPageSize)
	l, err := newKVLedger(ledgerID, vdb, p.stats.ledgerStats(ledgerID))
	if err != nil {
		vdb.Close()
		return nil, err
	}
	p.ledgers[ledgerID] = l
	return l, nil
}

func (p *Provider) openStateDB(ledgerID string) (dbapi.DB, error) {
	dbPath := StateDBPath(p.config.RootFSPath, ledgerID)
	switch p.config.StateDBConfig.StateDatabase {
	case ledger.BadgerDB:
		db := badgerdbhelper.CreateDB(&badgerdbhelper.Conf{DBPath: dbPath})
		if err := db.Open(); err != nil {
			return nil, errors.WithMessagef(err, "error opening badger state database of ledger [%s]", ledgerID)
		}
		return db, nil
	case ledger.MemoryDB:
		db := leveldbhelper.CreateDB(&leveldbhelper.Conf{InMemory: true})
		if err := db.Open(); err != nil {
			return nil, err
		}
		return db, nil
	default:
		db := leveldbhelper.CreateDB(&leveldbhelper.Conf{DBPath: dbPath})
		if err := db.Open(); err != nil {
			return nil, errors.WithMessagef(err, "error opening leveldb state database of ledger [%s]", ledgerID)
		}
		return db, nil
	}
}

// Close closes every ledger opened by the provider
func (p *Provider) Close() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	for id, l := range p.ledgers {
		l.Close()
		delete(p.ledgers, id)
	}
}

// StateDBPath returns the directory of the state database of a ledger
func StateDBPath(rootFSPath, ledgerID string) string {
	return filepath.Join(rootFSPath, "ledgersData", "stateDB", ledgerID)
}
