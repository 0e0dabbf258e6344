/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package gateway accepts transaction proposals for ordering and serves
// read-only queries over the committed state.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/beacon-ledger/beacon/core/endorser"
	"github.com/beacon-ledger/beacon/core/ledger"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v4"
)

var logger = flogging.MustGetLogger("gateway")

// DefaultPendingCacheSize bounds the pending pool when no size is configured.
const DefaultPendingCacheSize = 10000

// ErrUnknownTransaction is returned by TransactionStatus for a transaction
// that is neither committed nor pending.
var ErrUnknownTransaction = errors.New("unknown transaction")

// Orderer accepts transactions for inclusion in a block.
type Orderer interface {
	Order(ctx context.Context, tx *ledger.Transaction) error
}

// Proposal is a client request to invoke a chaincode function.
type Proposal struct {
	ChaincodeID string
	Function    string
	Args        []string
	ReadOnly    bool
	Metadata    map[string]string
}

// SubmitResponse acknowledges a proposal accepted for ordering.
type SubmitResponse struct {
	TxID   string
	Status ledger.TxStatus
}

// Gateway is the entry point of clients into the node.
type Gateway struct {
	Ledger  ledger.PeerLedger
	Orderer Orderer
	// AllowFullScan permits AllQuery. It is set for operator tooling only.
	AllowFullScan bool

	pending *lru.Cache[string, *ledger.Transaction]
}

// New creates a Gateway tracking at most pendingCacheSize unacknowledged transactions.
func New(l ledger.PeerLedger, orderer Orderer, pendingCacheSize int) (*Gateway, error) {
	if pendingCacheSize <= 0 {
		pendingCacheSize = DefaultPendingCacheSize
	}
	pending, err := lru.New[string, *ledger.Transaction](pendingCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create pending transaction cache")
	}
	return &Gateway{
		Ledger:  l,
		Orderer: orderer,
		pending: pending,
	}, nil
}

// Submit assigns a transaction id to the proposal and hands it to the
// orderer. It returns without waiting for execution.
func (g *Gateway) Submit(ctx context.Context, proposal *Proposal) (*SubmitResponse, error) {
	if proposal == nil {
		return nil, errors.WithMessage(ledger.ErrInvalidArgument, "nil proposal")
	}

	txID, err := ComputeTxID(proposal, uuid.NewString())
	if err != nil {
		return nil, err
	}
	tx := &ledger.Transaction{
		TxID:        txID,
		ChaincodeID: proposal.ChaincodeID,
		Function:    proposal.Function,
		Args:        append([]string(nil), proposal.Args...),
		ReadOnly:    proposal.ReadOnly,
		Metadata:    copyMetadata(proposal.Metadata),
		Status:      ledger.Pending,
	}
	if err := endorser.ValidateTransaction(tx); err != nil {
		return nil, err
	}

	// the ordered transaction is owned by the committer from here on
	g.pending.Add(txID, &ledger.Transaction{TxID: txID, Metadata: tx.Metadata, Status: ledger.Pending})
	if err := g.Orderer.Order(ctx, tx); err != nil {
		g.pending.Remove(txID)
		return nil, errors.WithMessagef(err, "failed to order transaction %s", txID)
	}
	logger.Debugf("[%s] submitted %s.%s", shorttxid(txID), tx.ChaincodeID, tx.Function)

	return &SubmitResponse{TxID: txID, Status: ledger.Pending}, nil
}

// canonicalProposal is the stable encoding of a proposal hashed into its
// transaction id. Metadata is flattened in key order.
type canonicalProposal struct {
	ChaincodeID string
	Function    string
	Args        []string
	ReadOnly    bool
	Metadata    []string
	Nonce       string
}

// ComputeTxID returns the hex sha256 of the canonical proposal and the nonce.
func ComputeTxID(proposal *Proposal, nonce string) (string, error) {
	keys := make([]string, 0, len(proposal.Metadata))
	for k := range proposal.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	metadata := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		metadata = append(metadata, k, proposal.Metadata[k])
	}

	raw, err := msgpack.Marshal(&canonicalProposal{
		ChaincodeID: proposal.ChaincodeID,
		Function:    proposal.Function,
		Args:        proposal.Args,
		ReadOnly:    proposal.ReadOnly,
		Metadata:    metadata,
		Nonce:       nonce,
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to encode proposal")
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// TransactionStatus returns the recorded outcome of a transaction, or a
// Pending status while it waits for commit.
func (g *Gateway) TransactionStatus(ctx context.Context, txID string) (*ledger.TxStatusInfo, error) {
	if txID == "" {
		return nil, errors.WithMessage(ledger.ErrInvalidArgument, "transaction id must not be empty")
	}
	info, err := g.Ledger.GetTransactionStatus(txID)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to look up transaction %s", txID)
	}
	if info != nil {
		g.pending.Remove(txID)
		return info, nil
	}
	if tx, ok := g.pending.Get(txID); ok {
		status := ledger.Pending
		if tx.Status == ledger.Rejected {
			status = ledger.Rejected
		}
		return &ledger.TxStatusInfo{
			TxID:     txID,
			Status:   status,
			Reason:   tx.Reason,
			Message:  tx.Message,
			Metadata: tx.Metadata,
		}, nil
	}
	return nil, errors.Wrapf(ErrUnknownTransaction, "transaction %s", txID)
}

// Reject records the outcome of transactions that were ordered but never
// reached the ledger, so TransactionStatus stops reporting them Pending.
func (g *Gateway) Reject(rejected []*ledger.RejectedTx) {
	for _, r := range rejected {
		tx, ok := g.pending.Peek(r.TxID)
		if !ok {
			continue
		}
		g.pending.Add(r.TxID, &ledger.Transaction{
			TxID:     r.TxID,
			Metadata: tx.Metadata,
			Status:   ledger.Rejected,
			Reason:   r.Reason,
			Message:  r.Message,
		})
		logger.Debugf("[%s] rejected before commit: %s %s", shorttxid(r.TxID), r.Reason, r.Message)
	}
}

// PendingCount returns the number of transactions tracked as pending.
func (g *Gateway) PendingCount() int {
	return g.pending.Len()
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func shorttxid(txid string) string {
	if len(txid) < 8 {
		return txid
	}
	return txid[0:8]
}
