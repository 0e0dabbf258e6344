/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package chaincode

import (
	"context"
	"time"

	"github.com/beacon-ledger/beacon/core/container/ccintf"
	"github.com/golang/protobuf/proto"
	"github.com/google/uuid"
	"github.com/hyperledger/fabric-lib-go/common/metrics"
	pb "github.com/hyperledger/fabric-protos-go/peer"
	"github.com/pkg/errors"
)

// ChaincodeSupport responsible for providing interfacing with chaincodes from the Peer.
type ChaincodeSupport struct {
	ExecuteTimeout  time.Duration
	Keepalive       time.Duration
	TotalQueryLimit int
	HandlerMetrics  *HandlerMetrics
	HandlerRegistry *HandlerRegistry
	Processes       *ProcessManager
}

// NewChaincodeSupport wires the handler registry, the launcher and the
// process manager around the given runtime.
func NewChaincodeSupport(
	config Config,
	definitions Definitions,
	runtime Runtime,
	connectionHandler ConnectionHandler,
	userRunsCC bool,
	metricsProvider metrics.Provider,
) *ChaincodeSupport {
	config = config.WithDefaults()
	registry := NewHandlerRegistry(userRunsCC)

	cs := &ChaincodeSupport{
		ExecuteTimeout:  config.ExecuteTimeout,
		Keepalive:       config.Keepalive,
		TotalQueryLimit: config.TotalQueryLimit,
		HandlerMetrics:  NewHandlerMetrics(metricsProvider),
		HandlerRegistry: registry,
	}
	cs.Processes = &ProcessManager{
		Definitions: definitions,
		Launcher: &RuntimeLauncher{
			Runtime:           runtime,
			Registry:          registry,
			StartupTimeout:    config.StartupTimeout,
			Metrics:           NewLaunchMetrics(metricsProvider),
			PeerAddress:       config.PeerAddress,
			ConnectionHandler: connectionHandler,
		},
		HandlerRegistry:   registry,
		StreamHandler:     cs,
		MaxRestarts:       config.MaxRestarts,
		RestartBackoff:    config.RestartBackoff,
		MaxRestartBackoff: config.MaxRestartBackoff,
		Metrics:           NewProcessMetrics(metricsProvider),
	}
	return cs
}

// HandleChaincodeStream implements ccintf.StreamHandler. It serves the stream
// of a single chaincode process and returns when the stream ends.
func (cs *ChaincodeSupport) HandleChaincodeStream(stream ccintf.ChaincodeStream) error {
	handler := &Handler{
		Keepalive:            cs.Keepalive,
		TotalQueryLimit:      cs.TotalQueryLimit,
		Registry:             cs.HandlerRegistry,
		TXContexts:           NewTransactionContexts(),
		ActiveTransactions:   NewActiveTransactions(),
		QueryResponseBuilder: &QueryResponseGenerator{MaxResultLimit: 100},
		UUIDGenerator:        UUIDGeneratorFunc(uuid.NewString),
		Metrics:              cs.HandlerMetrics,
	}

	return handler.ProcessStream(stream)
}

// Register the bidi stream entry point called by chaincode to register with the Peer.
func (cs *ChaincodeSupport) Register(stream pb.ChaincodeSupport_RegisterServer) error {
	return cs.HandleChaincodeStream(stream)
}

// Execute invokes chaincode and returns the original response.
func (cs *ChaincodeSupport) Execute(ctx context.Context, txParams *TransactionParams, ccid string, input *pb.ChaincodeInput) (*pb.Response, *pb.ChaincodeEvent, error) {
	resp, err := cs.Invoke(ctx, txParams, ccid, input)
	return processChaincodeExecutionResult(txParams.TxID, ccid, resp, err)
}

func processChaincodeExecutionResult(txid, ccName string, resp *pb.ChaincodeMessage, err error) (*pb.Response, *pb.ChaincodeEvent, error) {
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "failed to execute transaction %s", txid)
	}
	if resp == nil {
		return nil, nil, errors.Errorf("nil response from transaction %s", txid)
	}

	if resp.ChaincodeEvent != nil {
		resp.ChaincodeEvent.ChaincodeId = ccName
		resp.ChaincodeEvent.TxId = txid
	}

	switch resp.Type {
	case pb.ChaincodeMessage_COMPLETED:
		res := &pb.Response{}
		err := proto.Unmarshal(resp.Payload, res)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "failed to unmarshal response for transaction %s", txid)
		}
		return res, resp.ChaincodeEvent, nil

	case pb.ChaincodeMessage_ERROR:
		return nil, resp.ChaincodeEvent, errors.Errorf("transaction returned with failure: %s", resp.Payload)

	default:
		return nil, nil, errors.Errorf("unexpected response type %d for transaction %s", resp.Type, txid)
	}
}

// Invoke sends the input to a process of the chaincode and returns the raw
// COMPLETED or ERROR message.
func (cs *ChaincodeSupport) Invoke(ctx context.Context, txParams *TransactionParams, ccid string, input *pb.ChaincodeInput) (*pb.ChaincodeMessage, error) {
	if txParams.NamespaceID == "" {
		txParams.NamespaceID = ccid
	}

	payload, err := proto.Marshal(input)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create chaincode message")
	}
	ccMsg := &pb.ChaincodeMessage{
		Type:    pb.ChaincodeMessage_TRANSACTION,
		Payload: payload,
		Txid:    txParams.TxID,
	}

	handle, err := cs.Processes.Acquire(ctx, ccid)
	if err != nil {
		return nil, err
	}
	defer cs.Processes.Release(handle)

	return cs.Processes.Invoke(ctx, handle, txParams, ccMsg, cs.ExecuteTimeout)
}
