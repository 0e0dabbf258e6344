/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package container

import (
	"sync"

	"github.com/beacon-ledger/beacon/core/container/ccintf"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/pkg/errors"
)

var vmLogger = flogging.MustGetLogger("container")

// VM is an abstract virtual image for supporting arbitrary virual machines
type VM interface {
	Build(definition *ccintf.ChaincodeDefinition) (Instance, error)
}

// Instance represents a built chaincode instance. A process for exec'd
// chaincode, a set of goroutines for in-process chaincode, or a connection
// target for remote chaincode.
type Instance interface {
	Start(peerConnection *ccintf.PeerConnection) error
	ChaincodeServerInfo() (*ccintf.ChaincodeServerInfo, error)
	Stop() error
	Wait() (int, error)
}

// DefinitionProvider resolves how a chaincode is run.
type DefinitionProvider interface {
	Definition(ccid string) (*ccintf.ChaincodeDefinition, bool)
}

type UninitializedInstance struct{}

func (UninitializedInstance) Start(peerConnection *ccintf.PeerConnection) error {
	return errors.Errorf("instance has not yet been built, cannot be started")
}

func (UninitializedInstance) ChaincodeServerInfo() (*ccintf.ChaincodeServerInfo, error) {
	return nil, errors.Errorf("instance has not yet been built, cannot get chaincode server info")
}

func (UninitializedInstance) Stop() error {
	return errors.Errorf("instance has not yet been built, cannot be stopped")
}

func (UninitializedInstance) Wait() (int, error) {
	return 0, errors.Errorf("instance has not yet been built, cannot wait")
}

// Router builds chaincode instances with the VM matching their runtime type
// and routes lifecycle calls to the built instance.
type Router struct {
	Definitions DefinitionProvider
	VMs         map[ccintf.RuntimeType]VM
	containers  map[string]Instance
	mutex       sync.Mutex
}

func (r *Router) getInstance(ccid string) Instance {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	// entries are replaced, never deleted, so the instance can be used after unlocking
	vm, ok := r.containers[ccid]
	if !ok {
		return UninitializedInstance{}
	}

	return vm
}

// Build creates a fresh instance for the chaincode, replacing any previous
// one. Remote chaincode returns the server to connect to.
func (r *Router) Build(ccid string) (*ccintf.ChaincodeServerInfo, error) {
	definition, ok := r.Definitions.Definition(ccid)
	if !ok {
		return nil, errors.Errorf("chaincode %s is not defined", ccid)
	}

	vm, ok := r.VMs[definition.Type]
	if !ok || vm == nil {
		return nil, errors.Errorf("no runtime available for %s chaincode %s", definition.Type, ccid)
	}

	instance, err := vm.Build(definition)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s build failed", definition.Type)
	}
	vmLogger.Debugf("built %s instance for chaincode %s", definition.Type, ccid)

	r.mutex.Lock()
	if r.containers == nil {
		r.containers = map[string]Instance{}
	}
	r.containers[ccid] = instance
	r.mutex.Unlock()

	return instance.ChaincodeServerInfo()
}

func (r *Router) Start(ccid string, peerConnection *ccintf.PeerConnection) error {
	return r.getInstance(ccid).Start(peerConnection)
}

func (r *Router) Stop(ccid string) error {
	return r.getInstance(ccid).Stop()
}

func (r *Router) Wait(ccid string) (int, error) {
	return r.getInstance(ccid).Wait()
}
