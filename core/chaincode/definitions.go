/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package chaincode

import (
	"sort"
	"sync"

	"github.com/beacon-ledger/beacon/core/container/ccintf"
	"github.com/pkg/errors"
)

// DefinitionRegistry holds the chaincode that may be invoked and how each
// one is run.
type DefinitionRegistry struct {
	mutex       sync.RWMutex
	definitions map[string]*ccintf.ChaincodeDefinition
}

func NewDefinitionRegistry() *DefinitionRegistry {
	return &DefinitionRegistry{
		definitions: map[string]*ccintf.ChaincodeDefinition{},
	}
}

// Define adds or replaces a chaincode definition. A replaced definition takes
// effect on the next launch of the chaincode.
func (d *DefinitionRegistry) Define(definition *ccintf.ChaincodeDefinition) error {
	if definition == nil {
		return errors.New("nil chaincode definition")
	}
	if err := definition.Validate(); err != nil {
		return err
	}

	d.mutex.Lock()
	d.definitions[definition.ID] = definition
	d.mutex.Unlock()
	chaincodeLogger.Infof("defined %s chaincode %s", definition.Type, definition.ID)
	return nil
}

func (d *DefinitionRegistry) Definition(ccid string) (*ccintf.ChaincodeDefinition, bool) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	definition, ok := d.definitions[ccid]
	return definition, ok
}

// IDs returns the defined chaincode ids in sorted order.
func (d *DefinitionRegistry) IDs() []string {
	d.mutex.RLock()
	ids := make([]string, 0, len(d.definitions))
	for id := range d.definitions {
		ids = append(ids, id)
	}
	d.mutex.RUnlock()
	sort.Strings(ids)
	return ids
}
