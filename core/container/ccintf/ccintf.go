/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package ccintf

// This package defines the interfaces that support runtime and
// communication between chaincode and peer (chaincode support).

import (
	"time"

	pb "github.com/hyperledger/fabric-protos-go/peer"
	"github.com/pkg/errors"
)

// ChaincodeStream interface for stream between Peer and chaincode instance.
type ChaincodeStream interface {
	Send(*pb.ChaincodeMessage) error
	Recv() (*pb.ChaincodeMessage, error)
}

// StreamHandler handles the peer side of a chaincode stream. It returns when
// the stream ends.
type StreamHandler interface {
	HandleChaincodeStream(ChaincodeStream) error
}

// RuntimeType selects how a chaincode process is run.
type RuntimeType string

const (
	// InProc chaincode runs as goroutines inside the peer.
	InProc RuntimeType = "inproc"
	// Exec chaincode runs as a child process that dials back to the peer.
	Exec RuntimeType = "exec"
	// Remote chaincode runs as a server the peer dials.
	Remote RuntimeType = "ccaas"
)

// ChaincodeDefinition describes a chaincode that may be invoked.
type ChaincodeDefinition struct {
	// ID is the name the chaincode registers with.
	ID   string
	Type RuntimeType
	// Path of the executable for Exec chaincode. Defaults to <binariesDir>/<ID>.
	Path string
	// Address of the chaincode server for Remote chaincode.
	Address string
	// Env holds additional KEY=VALUE pairs for Exec chaincode.
	Env []string
}

// Validate checks that the definition is complete for its runtime type.
func (d *ChaincodeDefinition) Validate() error {
	if d.ID == "" {
		return errors.New("chaincode id is required")
	}
	switch d.Type {
	case InProc, Exec:
	case Remote:
		if d.Address == "" {
			return errors.Errorf("chaincode %s: an address is required for %s chaincode", d.ID, d.Type)
		}
	default:
		return errors.Errorf("chaincode %s: unknown runtime type %q", d.ID, d.Type)
	}
	return nil
}

// PeerConnection is the information a chaincode needs to connect to the peer.
type PeerConnection struct {
	// Address is the chaincode listen address for processes that dial back.
	Address string
	// StreamHandler serves in-process chaincode streams.
	StreamHandler StreamHandler
}

// ChaincodeServerInfo describes a chaincode server the peer connects to.
type ChaincodeServerInfo struct {
	Address     string
	DialTimeout time.Duration
}
