/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package inproccontroller

import (
	"fmt"
	"sync"

	"github.com/beacon-ledger/beacon/core/chaincode/shim"
	"github.com/beacon-ledger/beacon/core/container"
	"github.com/beacon-ledger/beacon/core/container/ccintf"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
	pb "github.com/hyperledger/fabric-protos-go/peer"
	"github.com/pkg/errors"
)

var (
	inprocLogger = flogging.MustGetLogger("inproccontroller")

	// swapped by tests
	_shimStartInProc    = shim.StartInProc
	_inprocLoggerErrorf = inprocLogger.Errorf
)

// ChaincodeRegisteredErr is returned when a chaincode id is registered twice
type ChaincodeRegisteredErr string

func (s ChaincodeRegisteredErr) Error() string {
	return fmt.Sprintf("%s already registered", string(s))
}

// Registry stores the in-process chaincode implementations. It is the VM for
// chaincode defined with the inproc runtime type.
type Registry struct {
	mutex      sync.Mutex
	chaincodes map[string]shim.Chaincode
}

// NewRegistry creates an initialized registry, ready to register chaincodes.
func NewRegistry() *Registry {
	return &Registry{
		chaincodes: map[string]shim.Chaincode{},
	}
}

// Register registers the implementation of a chaincode under its id.
func (r *Registry) Register(ccid string, cc shim.Chaincode) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	inprocLogger.Debugf("Registering chaincode instance: %s", ccid)
	if _, ok := r.chaincodes[ccid]; ok {
		return ChaincodeRegisteredErr(ccid)
	}
	r.chaincodes[ccid] = cc
	return nil
}

// Build returns a fresh, not yet started instance of a registered chaincode.
func (r *Registry) Build(definition *ccintf.ChaincodeDefinition) (container.Instance, error) {
	r.mutex.Lock()
	cc, ok := r.chaincodes[definition.ID]
	r.mutex.Unlock()
	if !ok {
		return nil, errors.Errorf("%s not registered", definition.ID)
	}

	env := append([]string{
		shim.ChaincodeIDEnv + "=" + definition.ID,
	}, definition.Env...)

	return &inprocContainer{
		id:        definition.ID,
		chaincode: cc,
		env:       env,
	}, nil
}

type inprocContainer struct {
	id        string
	chaincode shim.Chaincode
	env       []string

	mutex    sync.Mutex
	running  bool
	stopOnce sync.Once
	stopChan chan struct{}
	exited   chan struct{}
	exitCode int
}

func (ipc *inprocContainer) launchInProc(streamHandler ccintf.StreamHandler) {
	defer close(ipc.exited)

	peerRcvCCSend := make(chan *pb.ChaincodeMessage)
	ccRcvPeerSend := make(chan *pb.ChaincodeMessage)
	ccchan := make(chan struct{}, 1)
	ccsupportchan := make(chan struct{}, 1)
	shimStartInProc := _shimStartInProc // shadow to avoid race in test
	go func() {
		defer close(ccchan)
		inprocLogger.Debugf("chaincode started for %s", ipc.id)
		err := shimStartInProc(ipc.env, ipc.chaincode, ccRcvPeerSend, peerRcvCCSend)
		if err != nil {
			_inprocLoggerErrorf("%s", fmt.Errorf("chaincode-support ended with err: %s", err))
		}
		inprocLogger.Debugf("chaincode ended for %s with err: %v", ipc.id, err)
	}()

	go func() {
		defer close(ccsupportchan)
		inprocStream := newInProcStream(peerRcvCCSend, ccRcvPeerSend)
		inprocLogger.Debugf("chaincode-support started for %s", ipc.id)
		err := streamHandler.HandleChaincodeStream(inprocStream)
		if err != nil {
			_inprocLoggerErrorf("%s", fmt.Errorf("chaincode ended with err: %s", err))
		}
		inprocLogger.Debugf("chaincode-support ended for %s with err: %v", ipc.id, err)
	}()

	exitCode := 0
	select {
	case <-ccchan:
		close(peerRcvCCSend)
		exitCode = 1
		inprocLogger.Debugf("chaincode %s quit", ipc.id)
	case <-ccsupportchan:
		close(ccRcvPeerSend)
		inprocLogger.Debugf("chaincode support %s quit", ipc.id)
	case <-ipc.stopChan:
		close(ccRcvPeerSend)
		close(peerRcvCCSend)
		inprocLogger.Debugf("chaincode %s stopped", ipc.id)
	}

	ipc.mutex.Lock()
	ipc.running = false
	ipc.exitCode = exitCode
	ipc.mutex.Unlock()
}

// Start starts the chaincode goroutines and connects them to the stream
// handler of the peer connection.
func (ipc *inprocContainer) Start(peerConnection *ccintf.PeerConnection) error {
	if peerConnection == nil || peerConnection.StreamHandler == nil {
		return errors.New("in-process communication generator not supplied")
	}

	ipc.mutex.Lock()
	defer ipc.mutex.Unlock()
	if ipc.stopChan != nil {
		return errors.Errorf("chaincode %s has already been started", ipc.id)
	}
	ipc.running = true
	ipc.stopChan = make(chan struct{})
	ipc.exited = make(chan struct{})

	go func() {
		defer func() {
			if r := recover(); r != nil {
				inprocLogger.Errorf("caught panic from chaincode %s: %v", ipc.id, r)
			}
		}()
		ipc.launchInProc(peerConnection.StreamHandler)
	}()

	return nil
}

// ChaincodeServerInfo is nil for in-process chaincode
func (ipc *inprocContainer) ChaincodeServerInfo() (*ccintf.ChaincodeServerInfo, error) {
	return nil, nil
}

// Stop closes the streams of a running chaincode and waits for it to exit.
func (ipc *inprocContainer) Stop() error {
	ipc.mutex.Lock()
	running, stopChan, exited := ipc.running, ipc.stopChan, ipc.exited
	ipc.mutex.Unlock()
	if !running {
		return errors.Errorf("%s not running", ipc.id)
	}

	ipc.stopOnce.Do(func() { close(stopChan) })
	<-exited
	return nil
}

// Wait blocks until the chaincode exits.
func (ipc *inprocContainer) Wait() (int, error) {
	ipc.mutex.Lock()
	exited := ipc.exited
	ipc.mutex.Unlock()
	if exited == nil {
		return -1, errors.Errorf("%s was not started", ipc.id)
	}

	<-exited
	ipc.mutex.Lock()
	defer ipc.mutex.Unlock()
	return ipc.exitCode, nil
}
