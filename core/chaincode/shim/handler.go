/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package shim

import (
	"sync"

	"github.com/golang/protobuf/proto"
	pb "github.com/hyperledger/fabric-protos-go/peer"
	"github.com/pkg/errors"
)

type state string

const (
	created     state = "created"     // start state
	established state = "established" // connection established
	ready       state = "ready"       // ready for requests
)

// PeerChaincodeStream interface for stream between Peer and chaincode instance.
type PeerChaincodeStream interface {
	Send(*pb.ChaincodeMessage) error
	Recv() (*pb.ChaincodeMessage, error)
	CloseSend() error
}

// Handler handler implementation for shim side of chaincode.
type Handler struct {
	// serialLock is used to prevent concurrent calls to Send on the
	// PeerChaincodeStream. This is required by gRPC.
	serialLock sync.Mutex
	// chatStream is the stream used to communicate with the peer.
	chatStream PeerChaincodeStream

	// cc is the chaincode associated with this handler.
	cc Chaincode
	// state holds the current state of this handler.
	state state

	// Multiple queries (and one transaction) with different txids can be executing in parallel for this chaincode
	// responseChannels is the channel on which responses are communicated by the shim to the chaincodeStub.
	// need lock to protect chaincode from attempting
	// concurrent requests to the peer
	responseChannelsMutex sync.Mutex
	responseChannels      map[string]chan pb.ChaincodeMessage
}

func shorttxid(txid string) string {
	if len(txid) < 8 {
		return txid
	}
	return txid[0:8]
}

// serialSend serializes calls to Send on the gRPC client.
func (h *Handler) serialSend(msg *pb.ChaincodeMessage) error {
	h.serialLock.Lock()
	defer h.serialLock.Unlock()

	return h.chatStream.Send(msg)
}

// serialSendAsync sends the provided message asynchronously in a separate
// goroutine. The result of the send is communicated back to the caller via
// errc.
func (h *Handler) serialSendAsync(msg *pb.ChaincodeMessage, errc chan<- error) {
	go func() {
		err := h.serialSend(msg)
		if errc != nil {
			errc <- err
		}
	}()
}

// transaction context id should be composed of chainID and txid. While
// needed for CC-2-CC, it also allows users to concurrently send proposals
// with the same TXID to the SAME CC on multiple channels
func transactionContextID(chainID, txid string) string {
	return chainID + txid
}

func (h *Handler) createResponseChannel(channelID, txid string) (<-chan pb.ChaincodeMessage, error) {
	h.responseChannelsMutex.Lock()
	defer h.responseChannelsMutex.Unlock()

	if h.responseChannels == nil {
		return nil, errors.Errorf("[%s] cannot create response channel", shorttxid(txid))
	}

	txCtxID := transactionContextID(channelID, txid)
	if h.responseChannels[txCtxID] != nil {
		return nil, errors.Errorf("[%s] channel exists", shorttxid(txCtxID))
	}

	responseChan := make(chan pb.ChaincodeMessage)
	h.responseChannels[txCtxID] = responseChan
	return responseChan, nil
}

func (h *Handler) deleteResponseChannel(channelID, txid string) {
	h.responseChannelsMutex.Lock()
	defer h.responseChannelsMutex.Unlock()
	if h.responseChannels != nil {
		txCtxID := transactionContextID(channelID, txid)
		delete(h.responseChannels, txCtxID)
	}
}

func (h *Handler) handleResponse(msg *pb.ChaincodeMessage) error {
	h.responseChannelsMutex.Lock()
	defer h.responseChannelsMutex.Unlock()

	if h.responseChannels == nil {
		return errors.Errorf("[%s] Cannot send message response channel", shorttxid(msg.Txid))
	}

	txCtxID := transactionContextID(msg.ChannelId, msg.Txid)
	responseCh := h.responseChannels[txCtxID]
	if responseCh == nil {
		return errors.Errorf("[%s] responseChannel does not exist", shorttxid(msg.Txid))
	}
	responseCh <- *msg
	return nil
}

// sendReceive sends msg to the peer and waits for the response to arrive on
// the provided responseChan. On success, the response message will be
// returned. An error will be returned msg was not successfully sent to the
// peer.
func (h *Handler) sendReceive(msg *pb.ChaincodeMessage, responseChan <-chan pb.ChaincodeMessage) (pb.ChaincodeMessage, error) {
	err := h.serialSend(msg)
	if err != nil {
		return pb.ChaincodeMessage{}, err
	}

	outmsg := <-responseChan
	return outmsg, nil
}

// newChaincodeHandler returns a new instance of the shim side handler.
func newChaincodeHandler(peerChatStream PeerChaincodeStream, chaincode Chaincode) *Handler {
	return &Handler{
		chatStream:       peerChatStream,
		cc:               chaincode,
		responseChannels: map[string]chan pb.ChaincodeMessage{},
		state:            created,
	}
}

// handleTransaction handles request to execute a transaction.
func (h *Handler) handleTransaction(msg *pb.ChaincodeMessage) (*pb.ChaincodeMessage, error) {
	// Get the function and args from Payload
	input := &pb.ChaincodeInput{}
	err := proto.Unmarshal(msg.Payload, input)
	if err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal input")
	}

	// Call chaincode's Invoke
	// Create the ChaincodeStub which the chaincode can use to callback
	stub := newChaincodeStub(h, msg.ChannelId, msg.Txid, input)
	res := h.cc.Invoke(stub)

	// Endorser will handle error contained in Response.
	resBytes, err := proto.Marshal(&res)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal response")
	}

	chaincodeLogger.Debugf("[%s] Transaction completed. Sending %s", shorttxid(msg.Txid), pb.ChaincodeMessage_COMPLETED)
	return &pb.ChaincodeMessage{Type: pb.ChaincodeMessage_COMPLETED, Payload: resBytes, Txid: msg.Txid, ChaincodeEvent: stub.chaincodeEvent, ChannelId: stub.ChannelID}, nil
}

// callPeerWithChaincodeMsg sends a chaincode message to the peer for the given
// txid and channel and receives the response.
func (h *Handler) callPeerWithChaincodeMsg(msg *pb.ChaincodeMessage, channelID, txid string) (pb.ChaincodeMessage, error) {
	// Create the channel on which to communicate the response from the peer
	respChan, err := h.createResponseChannel(channelID, txid)
	if err != nil {
		return pb.ChaincodeMessage{}, err
	}
	defer h.deleteResponseChannel(channelID, txid)

	return h.sendReceive(msg, respChan)
}

// callPeer marshals the request, sends it and returns the payload of a
// RESPONSE. An ERROR from the peer is returned as an error carrying its payload.
func (h *Handler) callPeer(msgType pb.ChaincodeMessage_Type, request proto.Message, channelID, txid string) ([]byte, error) {
	payloadBytes, err := proto.Marshal(request)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal %s request", msgType)
	}

	msg := &pb.ChaincodeMessage{Type: msgType, Payload: payloadBytes, Txid: txid, ChannelId: channelID}
	chaincodeLogger.Debugf("[%s] Sending %s", shorttxid(txid), msgType)

	responseMsg, err := h.callPeerWithChaincodeMsg(msg, channelID, txid)
	if err != nil {
		return nil, errors.WithMessagef(err, "[%s] error sending %s", shorttxid(txid), msgType)
	}

	switch responseMsg.Type {
	case pb.ChaincodeMessage_RESPONSE:
		chaincodeLogger.Debugf("[%s] Received %s for %s", shorttxid(responseMsg.Txid), pb.ChaincodeMessage_RESPONSE, msgType)
		return responseMsg.Payload, nil
	case pb.ChaincodeMessage_ERROR:
		return nil, errors.New(string(responseMsg.Payload))
	default:
		return nil, errors.Errorf("[%s] incorrect chaincode message %s received. Expecting %s or %s", shorttxid(responseMsg.Txid), responseMsg.Type, pb.ChaincodeMessage_RESPONSE, pb.ChaincodeMessage_ERROR)
	}
}

func (h *Handler) callPeerForQueryResponse(msgType pb.ChaincodeMessage_Type, request proto.Message, channelID, txid string) (*pb.QueryResponse, error) {
	payload, err := h.callPeer(msgType, request, channelID, txid)
	if err != nil {
		return nil, err
	}
	queryResponse := &pb.QueryResponse{}
	if err := proto.Unmarshal(payload, queryResponse); err != nil {
		return nil, errors.Wrapf(err, "[%s] could not unmarshal %s response", shorttxid(txid), msgType)
	}
	return queryResponse, nil
}

// handleGetState communicates with the peer to fetch the requested state information from the ledger.
func (h *Handler) handleGetState(key string, channelID string, txid string) ([]byte, error) {
	return h.callPeer(pb.ChaincodeMessage_GET_STATE, &pb.GetState{Key: key}, channelID, txid)
}

// handlePutState communicates with the peer to put state information into the ledger.
func (h *Handler) handlePutState(key string, value []byte, channelID string, txid string) error {
	_, err := h.callPeer(pb.ChaincodeMessage_PUT_STATE, &pb.PutState{Key: key, Value: value}, channelID, txid)
	return err
}

// handleDelState communicates with the peer to delete a key from the state in the ledger.
func (h *Handler) handleDelState(key string, channelID string, txid string) error {
	_, err := h.callPeer(pb.ChaincodeMessage_DEL_STATE, &pb.DelState{Key: key}, channelID, txid)
	return err
}

func (h *Handler) handleGetStateByRange(startKey, endKey string, metadata []byte, channelID string, txid string) (*pb.QueryResponse, error) {
	request := &pb.GetStateByRange{StartKey: startKey, EndKey: endKey, Metadata: metadata}
	return h.callPeerForQueryResponse(pb.ChaincodeMessage_GET_STATE_BY_RANGE, request, channelID, txid)
}

func (h *Handler) handleQueryStateNext(id, channelID, txid string) (*pb.QueryResponse, error) {
	return h.callPeerForQueryResponse(pb.ChaincodeMessage_QUERY_STATE_NEXT, &pb.QueryStateNext{Id: id}, channelID, txid)
}

func (h *Handler) handleQueryStateClose(id, channelID, txid string) (*pb.QueryResponse, error) {
	return h.callPeerForQueryResponse(pb.ChaincodeMessage_QUERY_STATE_CLOSE, &pb.QueryStateClose{Id: id}, channelID, txid)
}

func (h *Handler) handleGetHistoryForKey(key string, channelID string, txid string) (*pb.QueryResponse, error) {
	return h.callPeerForQueryResponse(pb.ChaincodeMessage_GET_HISTORY_FOR_KEY, &pb.GetHistoryForKey{Key: key}, channelID, txid)
}

// handleReady handles messages received from the peer when the handler is in the "ready" state.
func (h *Handler) handleReady(msg *pb.ChaincodeMessage, errc chan error) error {
	switch msg.Type {
	case pb.ChaincodeMessage_RESPONSE, pb.ChaincodeMessage_ERROR:
		if err := h.handleResponse(msg); err != nil {
			return err
		}
		return nil

	case pb.ChaincodeMessage_TRANSACTION:
		go h.handleStubInteraction(h.handleTransaction, msg, errc)
		return nil

	default:
		return errors.Errorf("[%s] Chaincode handler cannot handle message (%s) while in state: %s", msg.Txid, msg.Type, h.state)
	}
}

// handleStubInteraction runs the delegate for a peer request and sends the
// resulting COMPLETED or ERROR message back.
func (h *Handler) handleStubInteraction(handler func(*pb.ChaincodeMessage) (*pb.ChaincodeMessage, error), msg *pb.ChaincodeMessage, errc chan<- error) {
	resp, err := handler(msg)
	if err != nil {
		chaincodeLogger.Errorf("[%s] %s failed: %s", shorttxid(msg.Txid), msg.Type, err)
		resp = &pb.ChaincodeMessage{Type: pb.ChaincodeMessage_ERROR, Payload: []byte(err.Error()), Txid: msg.Txid, ChannelId: msg.ChannelId}
	}
	h.serialSendAsync(resp, errc)
}

// handleEstablished handles messages received from the peer when the handler is in the "established" state.
func (h *Handler) handleEstablished(msg *pb.ChaincodeMessage) error {
	if msg.Type != pb.ChaincodeMessage_READY {
		return errors.Errorf("[%s] Chaincode handler cannot handle message (%s) while in state: %s", msg.Txid, msg.Type, h.state)
	}

	h.state = ready
	return nil
}

// handleCreated handles messages received from the peer when the handler is in the "created" state.
func (h *Handler) handleCreated(msg *pb.ChaincodeMessage) error {
	if msg.Type != pb.ChaincodeMessage_REGISTERED {
		return errors.Errorf("[%s] Chaincode handler cannot handle message (%s) while in state: %s", msg.Txid, msg.Type, h.state)
	}

	h.state = established
	return nil
}

// handleMessage message handles loop for shim side of chaincode/peer stream.
func (h *Handler) handleMessage(msg *pb.ChaincodeMessage, errc chan error) error {
	if msg.Type == pb.ChaincodeMessage_KEEPALIVE {
		h.serialSendAsync(msg, nil)
		return nil
	}
	var err error

	switch h.state {
	case ready:
		err = h.handleReady(msg, errc)
	case established:
		err = h.handleEstablished(msg)
	case created:
		err = h.handleCreated(msg)
	default:
		panic("invalid handler state")
	}

	if err != nil {
		payload := []byte(err.Error())
		errorMsg := &pb.ChaincodeMessage{Type: pb.ChaincodeMessage_ERROR, Payload: payload, Txid: msg.Txid}
		h.serialSend(errorMsg)
		return err
	}

	return nil
}
