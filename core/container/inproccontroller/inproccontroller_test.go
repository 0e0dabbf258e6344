/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package inproccontroller

import (
	"io"
	"testing"
	"time"

	"github.com/beacon-ledger/beacon/core/chaincode/shim"
	"github.com/beacon-ledger/beacon/core/container/ccintf"
	pb "github.com/hyperledger/fabric-protos-go/peer"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type MockShim struct{}

func (MockShim) Invoke(stub shim.ChaincodeStubInterface) pb.Response {
	return shim.Success(nil)
}

// MockCCSupport reads from the stream until it ends
type MockCCSupport struct {
	received chan *pb.ChaincodeMessage
}

func (ccs *MockCCSupport) HandleChaincodeStream(stream ccintf.ChaincodeStream) error {
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if ccs.received != nil {
			ccs.received <- msg
		}
	}
}

func TestError(t *testing.T) {
	err := ChaincodeRegisteredErr("error")
	assert.Regexp(t, "already registered", err.Error())
}

func TestRegister(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("name", MockShim{}))
	assert.Equal(t, MockShim{}, r.chaincodes["name"])

	err := r.Register("name", MockShim{})
	assert.Equal(t, ChaincodeRegisteredErr("name"), err)
}

func TestBuildUnregistered(t *testing.T) {
	r := NewRegistry()
	_, err := r.Build(&ccintf.ChaincodeDefinition{ID: "missing", Type: ccintf.InProc})
	assert.EqualError(t, err, "missing not registered")
}

func TestBuildSetsChaincodeEnv(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("name", MockShim{}))

	instance, err := r.Build(&ccintf.ChaincodeDefinition{ID: "name", Type: ccintf.InProc, Env: []string{"FOO=bar"}})
	require.NoError(t, err)
	ipc := instance.(*inprocContainer)
	assert.Equal(t, []string{"BEACON_CHAINCODE_ID=name", "FOO=bar"}, ipc.env)

	info, err := instance.ChaincodeServerInfo()
	assert.NoError(t, err)
	assert.Nil(t, info)
}

func TestStartRequiresStreamHandler(t *testing.T) {
	ipc := &inprocContainer{id: "name", chaincode: MockShim{}}
	err := ipc.Start(&ccintf.PeerConnection{})
	assert.EqualError(t, err, "in-process communication generator not supplied")
}

func TestChaincodeRegistersOverStream(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("name", MockShim{}))
	instance, err := r.Build(&ccintf.ChaincodeDefinition{ID: "name", Type: ccintf.InProc})
	require.NoError(t, err)

	support := &MockCCSupport{received: make(chan *pb.ChaincodeMessage, 1)}
	require.NoError(t, instance.Start(&ccintf.PeerConnection{StreamHandler: support}))

	select {
	case msg := <-support.received:
		assert.Equal(t, pb.ChaincodeMessage_REGISTER, msg.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("chaincode did not register")
	}

	err = instance.Start(&ccintf.PeerConnection{StreamHandler: support})
	assert.EqualError(t, err, "chaincode name has already been started")

	require.NoError(t, instance.Stop())
	code, err := instance.Wait()
	assert.NoError(t, err)
	assert.Equal(t, 0, code)

	assert.EqualError(t, instance.Stop(), "name not running")
}

func TestChaincodeExitIsReported(t *testing.T) {
	oldShimStartInProc := _shimStartInProc
	oldInprocLoggerErrorf := _inprocLoggerErrorf
	defer func() {
		_shimStartInProc = oldShimStartInProc
		_inprocLoggerErrorf = oldInprocLoggerErrorf
	}()

	_shimStartInProc = func(env []string, cc shim.Chaincode, recv <-chan *pb.ChaincodeMessage, send chan<- *pb.ChaincodeMessage) error {
		return errors.New("boom")
	}
	logged := make(chan string, 2)
	_inprocLoggerErrorf = func(format string, args ...interface{}) {
		logged <- args[0].(error).Error()
	}

	support := &MockCCSupport{}
	ipc := &inprocContainer{id: "name", chaincode: MockShim{}}
	require.NoError(t, ipc.Start(&ccintf.PeerConnection{StreamHandler: support}))

	code, err := ipc.Wait()
	assert.NoError(t, err)
	assert.Equal(t, 1, code)
	assert.Equal(t, "chaincode-support ended with err: boom", <-logged)
}

func TestPeerStreamEndsWhenStopped(t *testing.T) {
	recv := make(chan *pb.ChaincodeMessage)
	send := make(chan *pb.ChaincodeMessage)
	stream := newInProcStream(recv, send)

	close(recv)
	_, err := stream.Recv()
	assert.Equal(t, io.EOF, err)

	close(send)
	assert.Equal(t, io.ErrClosedPipe, stream.Send(&pb.ChaincodeMessage{}))
}
