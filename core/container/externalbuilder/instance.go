/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package externalbuilder

import (
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/beacon-ledger/beacon/core/chaincode/shim"
	"github.com/beacon-ledger/beacon/core/container/ccintf"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/pkg/errors"
)

// KillTimeout bounds the wait for a process after SIGKILL
const KillTimeout = 5 * time.Second

// Instance is a chaincode executable run as a child process of the peer.
type Instance struct {
	ChaincodeID string
	Path        string
	Env         []string
	Logger      *flogging.FabricLogger
	Session     *Session
	TermTimeout time.Duration
}

// ChaincodeServerInfo is nil: exec'd chaincode dials back to the peer.
func (i *Instance) ChaincodeServerInfo() (*ccintf.ChaincodeServerInfo, error) {
	return nil, nil
}

// ProcessEnv returns the environment the chaincode process is started with.
func (i *Instance) ProcessEnv(peerConnection *ccintf.PeerConnection) []string {
	env := []string{
		shim.LegacyChaincodeIDEnv + "=" + i.ChaincodeID,
		shim.LegacyPeerAddressEnv + "=" + peerConnection.Address,
		"CORE_PEER_TLS_ENABLED=false",
		shim.ChaincodeIDEnv + "=" + i.ChaincodeID,
		shim.PeerAddressEnv + "=" + peerConnection.Address,
	}
	// PATH and HOME let scripts and language runtimes work
	for _, name := range []string{"PATH", "HOME", "TMPDIR"} {
		if value, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+value)
		}
	}
	return append(env, i.Env...)
}

func (i *Instance) Start(peerConnection *ccintf.PeerConnection) error {
	if peerConnection == nil || peerConnection.Address == "" {
		return errors.Errorf("a peer address is required to start chaincode %s", i.ChaincodeID)
	}

	cmd := exec.Command(i.Path)
	cmd.Env = i.ProcessEnv(peerConnection)

	sess, err := Start(i.Logger, cmd)
	if err != nil {
		return errors.WithMessagef(err, "could not execute %s", i.Path)
	}
	i.Session = sess
	return nil
}

// Stop signals the process to terminate with SIGTERM. If the process doesn't
// terminate within TermTimeout, the process is killed with SIGKILL.
func (i *Instance) Stop() error {
	if i.Session == nil {
		return errors.Errorf("instance has not been started")
	}

	done := make(chan struct{})
	go func() { i.Wait(); close(done) }()

	i.Session.Signal(syscall.SIGTERM)
	select {
	case <-time.After(i.TermTimeout):
		i.Session.Signal(syscall.SIGKILL)
	case <-done:
		return nil
	}

	select {
	case <-time.After(KillTimeout):
		return errors.Errorf("failed to stop instance '%s'", i.ChaincodeID)
	case <-done:
		return nil
	}
}

func (i *Instance) Wait() (int, error) {
	if i.Session == nil {
		return -1, errors.Errorf("instance was not successfully started")
	}

	err := i.Session.Wait()
	if err == nil {
		return 0, nil
	}
	err = errors.Wrapf(err, "chaincode '%s' run failed", i.ChaincodeID)
	if exitErr, ok := errors.Cause(err).(*exec.ExitError); ok {
		return exitErr.ExitCode(), err
	}
	return -1, err
}
