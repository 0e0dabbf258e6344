/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package txmgr

import (
	"github.com/beacon-ledger/beacon/core/ledger"
	"github.com/beacon-ledger/beacon/core/ledger/kvledger/txmgmt/rwsetutil"
	"github.com/beacon-ledger/beacon/core/ledger/kvledger/txmgmt/version"
	"github.com/pkg/errors"
)

// txSimulator is a transaction simulator used in `TxMgr`. Reads return the committed
// state at the simulator's height; the simulator's own writes are not visible to it.
type txSimulator struct {
	*queryExecutor
	rwsetBuilder              *rwsetutil.RWSetBuilder
	simulationResultsComputed bool
}

func newTxSimulator(txmgr *TxMgr, txid string, at *version.Height) *txSimulator {
	rwsetBuilder := rwsetutil.NewRWSetBuilder()
	qe := newQueryExecutor(txmgr, txid, at, rwsetBuilder)
	logger.Debugf("constructing new tx simulator txid = [%s]", txid)
	return &txSimulator{queryExecutor: qe, rwsetBuilder: rwsetBuilder}
}

// SetState implements method in interface `ledger.TxSimulator`
func (s *txSimulator) SetState(ns string, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	return s.setState(ns, key, value)
}

// DeleteState implements method in interface `ledger.TxSimulator`
func (s *txSimulator) DeleteState(ns string, key string) error {
	return s.setState(ns, key, nil)
}

func (s *txSimulator) setState(ns string, key string, value []byte) error {
	if err := s.checkWritePrecondition(ns, key, value); err != nil {
		return err
	}
	s.rwsetBuilder.AddToWriteSet(ns, key, value)
	return nil
}

// GetTxSimulationResults implements method in interface `ledger.TxSimulator`
func (s *txSimulator) GetTxSimulationResults() (*rwsetutil.TxRwSet, error) {
	if s.simulationResultsComputed {
		return nil, errors.New("this function should only be called once on a transaction simulator instance")
	}
	defer func() { s.simulationResultsComputed = true }()
	logger.Debugf("Simulation completed, getting simulation results")
	return s.rwsetBuilder.GetTxSimulationResults(), nil
}

func (s *txSimulator) checkWritePrecondition(ns string, key string, value []byte) error {
	if err := s.checkDone(); err != nil {
		return err
	}
	if s.simulationResultsComputed {
		return errors.New("simulation results have already been computed")
	}
	if err := s.txmgr.db.ValidateKeyValue(ns, key, value); err != nil {
		return errors.WithMessage(ledger.ErrInvalidArgument, err.Error())
	}
	return nil
}
