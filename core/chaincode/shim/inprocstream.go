/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package shim

import (
	"io"

	pb "github.com/hyperledger/fabric-protos-go/peer"
)

// inProcStream is a PeerChaincodeStream over a pair of Go channels.
type inProcStream struct {
	recv <-chan *pb.ChaincodeMessage
	send chan<- *pb.ChaincodeMessage
}

func newInProcStream(recv <-chan *pb.ChaincodeMessage, send chan<- *pb.ChaincodeMessage) *inProcStream {
	return &inProcStream{recv, send}
}

func (s *inProcStream) Send(msg *pb.ChaincodeMessage) (err error) {
	// the peer closes its receive side when the chaincode is stopped
	defer func() {
		if r := recover(); r != nil {
			err = io.ErrClosedPipe
		}
	}()
	s.send <- msg
	return nil
}

func (s *inProcStream) Recv() (*pb.ChaincodeMessage, error) {
	msg, ok := <-s.recv
	if !ok {
		return nil, io.EOF
	}
	return msg, nil
}

func (s *inProcStream) CloseSend() error {
	return nil
}
