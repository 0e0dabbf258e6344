/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package chaincode

import (
	"github.com/beacon-ledger/beacon/core/container/ccintf"
	"github.com/pkg/errors"
)

// ContainerRouter builds and runs chaincode processes. It is implemented by
// container.Router.
type ContainerRouter interface {
	Build(ccid string) (*ccintf.ChaincodeServerInfo, error)
	Start(ccid string, peerConnection *ccintf.PeerConnection) error
	Stop(ccid string) error
	Wait(ccid string) (int, error)
}

// ContainerRuntime is responsible for managing chaincode processes.
type ContainerRuntime struct {
	ContainerRouter ContainerRouter
}

// Build prepares a fresh runtime instance for the chaincode. Chaincode that
// runs as a server returns the information needed to connect to it.
func (c *ContainerRuntime) Build(ccid string) (*ccintf.ChaincodeServerInfo, error) {
	serverInfo, err := c.ContainerRouter.Build(ccid)
	if err != nil {
		return nil, errors.WithMessage(err, "error building chaincode")
	}
	return serverInfo, nil
}

// Start launches chaincode in a runtime environment.
func (c *ContainerRuntime) Start(ccid string, peerConnection *ccintf.PeerConnection) error {
	chaincodeLogger.Debugf("start chaincode: %s", ccid)

	if err := c.ContainerRouter.Start(ccid, peerConnection); err != nil {
		return errors.WithMessage(err, "error starting chaincode")
	}

	return nil
}

// Stop terminates chaincode and its runtime environment.
func (c *ContainerRuntime) Stop(ccid string) error {
	if err := c.ContainerRouter.Stop(ccid); err != nil {
		return errors.WithMessage(err, "error stopping chaincode")
	}

	return nil
}

// Wait waits for the chaincode runtime to terminate.
func (c *ContainerRuntime) Wait(ccid string) (int, error) {
	return c.ContainerRouter.Wait(ccid)
}
