/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package endorser

import (
	"context"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/beacon-ledger/beacon/core/chaincode"
	"github.com/beacon-ledger/beacon/core/chaincode/shim"
	"github.com/beacon-ledger/beacon/core/ledger"
	"github.com/beacon-ledger/beacon/core/ledger/kvledger/txmgmt/version"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
	pb "github.com/hyperledger/fabric-protos-go/peer"
	"github.com/pkg/errors"
)

var endorserLogger = flogging.MustGetLogger("endorser")

// ChaincodeInvoker executes a chaincode invocation against a simulator.
type ChaincodeInvoker interface {
	Execute(ctx context.Context, txParams *chaincode.TransactionParams, ccid string, input *pb.ChaincodeInput) (*pb.Response, *pb.ChaincodeEvent, error)
}

// SimulatorProvider opens transaction simulators on the ledger.
type SimulatorProvider interface {
	NewTxSimulator(txID string, at *version.Height) (ledger.TxSimulator, error)
}

// Endorser executes transactions by simulating them against a snapshot of
// the world state. Nothing is written to the ledger.
type Endorser struct {
	Support SimulatorProvider
	Invoker ChaincodeInvoker
	Metrics *Metrics
}

// Execute runs the transaction at the snapshot and returns it with its
// status set to Validated or Rejected. A rejected transaction carries the
// reason and no read-write set.
func (e *Endorser) Execute(ctx context.Context, tx *ledger.Transaction, snapshot *version.Height) *ledger.Transaction {
	startTime := time.Now()
	e.Metrics.ProposalsReceived.Add(1)
	tx.Status = ledger.Executing

	code, err := e.simulate(ctx, tx, snapshot)

	success := err == nil
	e.Metrics.ProposalDuration.With(
		"chaincode", tx.ChaincodeID,
		"success", strconv.FormatBool(success),
	).Observe(time.Since(startTime).Seconds())

	if !success {
		endorserLogger.Debugf("[%s] execution of %s/%s rejected with %s: %s", shorttxid(tx.TxID), tx.ChaincodeID, tx.Function, code, err)
		e.Metrics.ExecutionsFailed.With("chaincode", tx.ChaincodeID, "reason", code.String()).Add(1)
		tx.Status = ledger.Rejected
		tx.Reason = code
		tx.Message = err.Error()
		tx.RWSet = nil
		return tx
	}

	e.Metrics.SuccessfulProposals.Add(1)
	tx.Status = ledger.Validated
	tx.Reason = ledger.Valid
	return tx
}

func (e *Endorser) simulate(ctx context.Context, tx *ledger.Transaction, snapshot *version.Height) (ledger.TxValidationCode, error) {
	if err := ValidateTransaction(tx); err != nil {
		return ledger.InvalidArgument, err
	}

	sim, err := e.Support.NewTxSimulator(tx.TxID, snapshot)
	if err != nil {
		return ledger.ChaincodeError, errors.WithMessage(err, "failed to open transaction simulator")
	}
	defer sim.Done()

	txParams := &chaincode.TransactionParams{
		TxID:        tx.TxID,
		NamespaceID: tx.ChaincodeID,
		ReadOnly:    tx.ReadOnly,
		TXSimulator: sim,
	}
	res, event, err := e.Invoker.Execute(ctx, txParams, tx.ChaincodeID, chaincodeInput(tx))
	if err != nil {
		return validationCode(err), err
	}
	tx.Response = res
	tx.Event = event

	if res.Status >= shim.ERRORTHRESHOLD {
		return ledger.ChaincodeError, errors.Errorf("chaincode %s returned status %d: %s", tx.ChaincodeID, res.Status, res.Message)
	}

	rwset, err := sim.GetTxSimulationResults()
	if err != nil {
		return ledger.ChaincodeError, errors.WithMessage(err, "failed to obtain simulation results")
	}
	if tx.ReadOnly && rwset.NumWrites() > 0 {
		return ledger.ReadOnlyViolation, errors.Errorf("read-only transaction %s produced %d writes", tx.TxID, rwset.NumWrites())
	}
	tx.RWSet = rwset
	return ledger.Valid, nil
}

// ValidateTransaction checks the invocation fields of a transaction.
func ValidateTransaction(tx *ledger.Transaction) error {
	if tx == nil {
		return errors.WithMessage(ledger.ErrInvalidArgument, "nil transaction")
	}
	if tx.TxID == "" {
		return errors.WithMessage(ledger.ErrInvalidArgument, "transaction id must not be empty")
	}
	if tx.ChaincodeID == "" {
		return errors.WithMessage(ledger.ErrInvalidArgument, "chaincode id must not be empty")
	}
	if tx.Function == "" {
		return errors.WithMessage(ledger.ErrInvalidArgument, "function must not be empty")
	}
	if !utf8.ValidString(tx.ChaincodeID) || !utf8.ValidString(tx.Function) {
		return errors.WithMessage(ledger.ErrInvalidArgument, "chaincode id and function must be valid utf8")
	}
	for i, arg := range tx.Args {
		if !utf8.ValidString(arg) {
			return errors.WithMessagef(ledger.ErrInvalidArgument, "argument %d is not valid utf8", i)
		}
	}
	return nil
}

func chaincodeInput(tx *ledger.Transaction) *pb.ChaincodeInput {
	args := make([][]byte, 0, len(tx.Args)+1)
	args = append(args, []byte(tx.Function))
	for _, arg := range tx.Args {
		args = append(args, []byte(arg))
	}
	return &pb.ChaincodeInput{Args: args}
}

// validationCode maps an invocation failure to the reason recorded for the
// transaction.
func validationCode(err error) ledger.TxValidationCode {
	switch errors.Cause(err) {
	case ledger.ErrInvalidArgument:
		return ledger.InvalidArgument
	case chaincode.ErrChaincodeNotFound:
		return ledger.ChaincodeNotFound
	case chaincode.ErrUnavailable:
		return ledger.ChaincodeUnavailable
	case chaincode.ErrChaincodeTimeout:
		return ledger.ChaincodeTimeout
	case chaincode.ErrChaincodeCrashed:
		return ledger.ChaincodeCrashed
	case chaincode.ErrReadOnlyViolation:
		return ledger.ReadOnlyViolation
	default:
		return ledger.ChaincodeError
	}
}

func shorttxid(txid string) string {
	if len(txid) < 8 {
		return txid
	}
	return txid[0:8]
}
