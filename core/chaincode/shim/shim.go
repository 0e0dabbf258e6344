/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package shim provides APIs for the chaincode to access its state
// variables and transaction context.
package shim

import (
	"context"
	"flag"
	"io"
	"os"
	"strings"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
	pb "github.com/hyperledger/fabric-protos-go/peer"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

var chaincodeLogger = flogging.MustGetLogger("shim")

// Environment variables naming the chaincode and the peer it dials back to.
// The BEACON_* names take precedence over the CORE_* ones.
const (
	ChaincodeIDEnv       = "BEACON_CHAINCODE_ID"
	PeerAddressEnv       = "BEACON_GRPC_ADDRESS"
	LegacyChaincodeIDEnv = "CORE_CHAINCODE_ID_NAME"
	LegacyPeerAddressEnv = "CORE_PEER_ADDRESS"
)

// peerStreamGetter separates the chaincode stream establishment so it
// can be replaced with a mock peer stream
type peerStreamGetter func(address string) (PeerChaincodeStream, error)

// streamGetter is set by tests to a mock stream getter
var streamGetter peerStreamGetter

// userChaincodeStreamGetter dials the peer and opens the Register stream
func userChaincodeStreamGetter(address string) (PeerChaincodeStream, error) {
	clientConn, err := newPeerClientConnection(address)
	if err != nil {
		return nil, errors.Wrap(err, "error trying to connect to local peer")
	}

	chaincodeSupportClient := pb.NewChaincodeSupportClient(clientConn)
	stream, err := chaincodeSupportClient.Register(context.Background())
	if err != nil {
		return nil, errors.WithMessagef(err, "error connecting to peer address %s", address)
	}
	return stream, nil
}

func lookupEnv(env []string, names ...string) string {
	for _, name := range names {
		for _, v := range env {
			if strings.HasPrefix(v, name+"=") {
				if value := strings.TrimPrefix(v, name+"="); value != "" {
					return value
				}
			}
		}
	}
	return ""
}

// Start is the entry point for chaincodes running as separate processes.
// The chaincode name and the peer address come from the environment; the
// -peer.address flag overrides the latter.
func Start(cc Chaincode) error {
	chaincodename := lookupEnv(os.Environ(), ChaincodeIDEnv, LegacyChaincodeIDEnv)
	if chaincodename == "" {
		return errors.Errorf("'%s' or '%s' must be set", ChaincodeIDEnv, LegacyChaincodeIDEnv)
	}

	peerAddress := flag.String("peer.address", "", "peer address")
	if !flag.Parsed() {
		flag.Parse()
	}
	address := *peerAddress
	if address == "" {
		address = lookupEnv(os.Environ(), PeerAddressEnv, LegacyPeerAddressEnv)
	}
	if address == "" {
		return errors.Errorf("flag 'peer.address' or '%s' must be set", PeerAddressEnv)
	}

	if streamGetter == nil {
		streamGetter = userChaincodeStreamGetter
	}

	stream, err := streamGetter(address)
	if err != nil {
		return err
	}

	return chatWithPeer(chaincodename, stream, cc)
}

// StartInProc is an entry point for chaincodes hosted inside the peer process.
func StartInProc(env []string, cc Chaincode, recv <-chan *pb.ChaincodeMessage, send chan<- *pb.ChaincodeMessage) error {
	chaincodename := lookupEnv(env, ChaincodeIDEnv, LegacyChaincodeIDEnv)
	if chaincodename == "" {
		return errors.Errorf("'%s' or '%s' must be set", ChaincodeIDEnv, LegacyChaincodeIDEnv)
	}

	stream := newInProcStream(recv, send)
	return chatWithPeer(chaincodename, stream, cc)
}

func newPeerClientConnection(address string) (*grpc.ClientConn, error) {
	// set the keepalive options to match static settings for chaincode server
	kaParams := keepalive.ClientParameters{
		Time:                1 * time.Minute,
		Timeout:             20 * time.Second,
		PermitWithoutStream: true,
	}
	return grpc.NewClient(
		address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kaParams),
	)
}

func chatWithPeer(chaincodename string, stream PeerChaincodeStream, cc Chaincode) error {
	// Create the shim handler responsible for all control logic
	handler := newChaincodeHandler(stream, cc)
	defer stream.CloseSend()

	// Send the ChaincodeID during register.
	chaincodeID := &pb.ChaincodeID{Name: chaincodename}
	payload, err := proto.Marshal(chaincodeID)
	if err != nil {
		return errors.Wrap(err, "error marshalling chaincodeID during chaincode registration")
	}

	// Register on the stream
	chaincodeLogger.Debugf("Registering.. sending %s", pb.ChaincodeMessage_REGISTER)
	if err = handler.serialSend(&pb.ChaincodeMessage{Type: pb.ChaincodeMessage_REGISTER, Payload: payload}); err != nil {
		return errors.WithMessage(err, "error sending chaincode REGISTER")
	}

	// holds return values from gRPC Recv below
	type recvMsg struct {
		msg *pb.ChaincodeMessage
		err error
	}
	msgAvail := make(chan *recvMsg, 1)
	errc := make(chan error)

	receiveMessage := func() {
		in, err := stream.Recv()
		msgAvail <- &recvMsg{in, err}
	}

	go receiveMessage()
	for {
		select {
		case rmsg := <-msgAvail:
			switch {
			case rmsg.err == io.EOF:
				chaincodeLogger.Debugf("received EOF, ending chaincode stream")
				return errors.Wrapf(rmsg.err, "received EOF, ending chaincode stream")
			case rmsg.err != nil:
				err := errors.Wrap(rmsg.err, "receive failed")
				chaincodeLogger.Errorf("Received error from server, ending chaincode stream: %+v", err)
				return err
			case rmsg.msg == nil:
				err := errors.New("received nil message, ending chaincode stream")
				chaincodeLogger.Errorf("%+v", err)
				return err
			default:
				chaincodeLogger.Debugf("[%s]Received message %s from peer", shorttxid(rmsg.msg.Txid), rmsg.msg.Type)
				err := handler.handleMessage(rmsg.msg, errc)
				if err != nil {
					return errors.WithMessage(err, "error handling message")
				}

				go receiveMessage()
			}

		case sendErr := <-errc:
			if sendErr != nil {
				return errors.Wrap(sendErr, "error sending")
			}
		}
	}
}
