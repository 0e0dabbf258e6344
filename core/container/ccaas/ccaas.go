/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package ccaas connects to chaincode that runs as a service. The peer dials
// the chaincode server and serves the chaincode protocol over the resulting
// stream.
package ccaas

import (
	"context"
	"sync"
	"time"

	"github.com/beacon-ledger/beacon/core/container"
	"github.com/beacon-ledger/beacon/core/container/ccintf"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
	pb "github.com/hyperledger/fabric-protos-go/peer"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

var logger = flogging.MustGetLogger("ccaas")

// DefaultDialTimeout is used when a definition does not carry one
const DefaultDialTimeout = 3 * time.Second

type connection struct {
	conn   *grpc.ClientConn
	cancel context.CancelFunc
	done   chan struct{}
}

// Runtime tracks the connections to chaincode servers. It is the VM for
// chaincode defined with the ccaas runtime type and the connection handler of
// the launcher.
type Runtime struct {
	DialTimeout time.Duration
	// DialOptions are appended to the defaults, tests use them to dial in memory.
	DialOptions []grpc.DialOption

	mutex       sync.Mutex
	connections map[string]*connection
}

// Build returns an instance describing where the chaincode server listens.
func (r *Runtime) Build(definition *ccintf.ChaincodeDefinition) (container.Instance, error) {
	if definition.Address == "" {
		return nil, errors.Errorf("chaincode %s has no server address", definition.ID)
	}
	dialTimeout := r.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = DefaultDialTimeout
	}
	return &Instance{
		ChaincodeID: definition.ID,
		Address:     definition.Address,
		DialTimeout: dialTimeout,
		Runtime:     r,
	}, nil
}

// Stream dials the chaincode server and hands the stream to the handler. It
// returns when the stream ends.
func (r *Runtime) Stream(ccid string, info *ccintf.ChaincodeServerInfo, streamHandler ccintf.StreamHandler) error {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                time.Minute,
			Timeout:             20 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           backoff.DefaultConfig,
			MinConnectTimeout: info.DialTimeout,
		}),
	}
	opts = append(opts, r.DialOptions...)

	conn, err := grpc.NewClient(info.Address, opts...)
	if err != nil {
		return errors.WithMessagef(err, "error creating grpc connection to %s", info.Address)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{conn: conn, cancel: cancel, done: make(chan struct{})}
	if err := r.track(ccid, c); err != nil {
		cancel()
		conn.Close()
		return err
	}
	defer r.untrack(ccid, c)

	stream, err := pb.NewChaincodeClient(conn).Connect(ctx)
	if err != nil {
		return errors.WithMessagef(err, "error creating grpc stream to %s", info.Address)
	}
	logger.Debugf("connected to chaincode %s at %s", ccid, info.Address)

	return streamHandler.HandleChaincodeStream(stream)
}

func (r *Runtime) track(ccid string, c *connection) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.connections == nil {
		r.connections = map[string]*connection{}
	}
	if _, ok := r.connections[ccid]; ok {
		return errors.Errorf("chaincode %s is already connected", ccid)
	}
	r.connections[ccid] = c
	return nil
}

func (r *Runtime) untrack(ccid string, c *connection) {
	c.cancel()
	c.conn.Close()

	r.mutex.Lock()
	if r.connections[ccid] == c {
		delete(r.connections, ccid)
	}
	r.mutex.Unlock()

	close(c.done)
}

func (r *Runtime) lookup(ccid string) (*connection, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	c, ok := r.connections[ccid]
	return c, ok
}

// Instance is a chaincode server reached over the network.
type Instance struct {
	ChaincodeID string
	Address     string
	DialTimeout time.Duration
	Runtime     *Runtime
}

func (i *Instance) ChaincodeServerInfo() (*ccintf.ChaincodeServerInfo, error) {
	return &ccintf.ChaincodeServerInfo{Address: i.Address, DialTimeout: i.DialTimeout}, nil
}

// Start is a no-op; the launcher connects through Runtime.Stream.
func (i *Instance) Start(peerConnection *ccintf.PeerConnection) error {
	return nil
}

// Stop closes the connection to the chaincode server.
func (i *Instance) Stop() error {
	c, ok := i.Runtime.lookup(i.ChaincodeID)
	if !ok {
		return nil
	}
	c.cancel()
	<-c.done
	return nil
}

// Wait blocks until the connection to the chaincode server ends.
func (i *Instance) Wait() (int, error) {
	c, ok := i.Runtime.lookup(i.ChaincodeID)
	if !ok {
		return 0, nil
	}
	<-c.done
	return 0, nil
}
