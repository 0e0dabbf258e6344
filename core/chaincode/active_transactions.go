/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package chaincode

import "sync"

// ActiveTransactions tracks the transactions with a shim request in flight.
// The shim issues one request at a time per transaction.
type ActiveTransactions struct {
	mutex sync.Mutex
	ids   map[string]struct{}
}

func NewActiveTransactions() *ActiveTransactions {
	return &ActiveTransactions{
		ids: map[string]struct{}{},
	}
}

func (a *ActiveTransactions) Add(txID string) bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if _, ok := a.ids[txID]; ok {
		return false
	}

	a.ids[txID] = struct{}{}
	return true
}

func (a *ActiveTransactions) Remove(txID string) {
	a.mutex.Lock()
	delete(a.ids, txID)
	a.mutex.Unlock()
}
