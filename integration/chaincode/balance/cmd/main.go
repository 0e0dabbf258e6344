/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"fmt"
	"os"

	"github.com/beacon-ledger/beacon/integration/chaincode/balance"
	"github.com/hyperledger/fabric-chaincode-go/shim"
)

// With CHAINCODE_SERVER_ADDRESS set the chaincode listens for the node to
// connect. Otherwise it dials the node named by CORE_PEER_ADDRESS.
func main() {
	var err error
	if address := os.Getenv("CHAINCODE_SERVER_ADDRESS"); address != "" {
		server := &shim.ChaincodeServer{
			CCID:     os.Getenv("CHAINCODE_ID"),
			Address:  address,
			CC:       &balance.Chaincode{},
			TLSProps: shim.TLSProperties{Disabled: true},
		}
		fmt.Printf("Starting chaincode %s at %s\n", server.CCID, server.Address)
		err = server.Start()
	} else {
		err = shim.Start(&balance.Chaincode{})
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Exiting balance chaincode: %s\n", err)
		os.Exit(2)
	}
}
