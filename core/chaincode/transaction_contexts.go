/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package chaincode

import (
	"sync"

	"github.com/beacon-ledger/beacon/core/ledger"
	pb "github.com/hyperledger/fabric-protos-go/peer"
	"github.com/pkg/errors"
)

// TransactionParams are the parameters of a single chaincode invocation.
type TransactionParams struct {
	TxID        string
	NamespaceID string
	ReadOnly    bool
	TXSimulator ledger.TxSimulator
}

// TransactionContexts maintains active transaction contexts for a Handler.
type TransactionContexts struct {
	mutex    sync.Mutex
	contexts map[string]*TransactionContext
}

// NewTransactionContexts creates a registry for active transaction contexts.
func NewTransactionContexts() *TransactionContexts {
	return &TransactionContexts{
		contexts: map[string]*TransactionContext{},
	}
}

// Create creates a new TransactionContext for the specified transaction ID.
// An error is returned when a transaction context has already been created
// for the transaction ID.
func (c *TransactionContexts) Create(txParams *TransactionParams) (*TransactionContext, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.contexts[txParams.TxID] != nil {
		return nil, errors.Errorf("txid: %s exists", txParams.TxID)
	}

	txctx := &TransactionContext{
		NamespaceID:         txParams.NamespaceID,
		TxID:                txParams.TxID,
		ReadOnly:            txParams.ReadOnly,
		ResponseNotifier:    make(chan *pb.ChaincodeMessage, 1),
		TXSimulator:         txParams.TXSimulator,
		queryIteratorMap:    map[string]QueryIterator{},
		pendingQueryResults: map[string]*PendingQueryResult{},
		totalReturnCount:    map[string]*int32{},
	}
	c.contexts[txParams.TxID] = txctx

	return txctx, nil
}

// Get retrieves the transaction context associated with the transaction ID.
func (c *TransactionContexts) Get(txID string) *TransactionContext {
	c.mutex.Lock()
	tc := c.contexts[txID]
	c.mutex.Unlock()
	return tc
}

// Delete removes the transaction context associated with the transaction ID.
func (c *TransactionContexts) Delete(txID string) {
	c.mutex.Lock()
	delete(c.contexts, txID)
	c.mutex.Unlock()
}

// Close closes all query iterators assocated with the context.
func (c *TransactionContexts) Close() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for _, txctx := range c.contexts {
		txctx.CloseQueryIterators()
	}
}
