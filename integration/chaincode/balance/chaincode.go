/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package balance is a sample chaincode keeping integer account balances.
// It runs against a node either as exec'd chaincode or as a chaincode server.
package balance

import (
	"fmt"
	"strconv"

	"github.com/hyperledger/fabric-chaincode-go/shim"
	pb "github.com/hyperledger/fabric-protos-go/peer"
)

const accountObjectType = "account"

// Chaincode implements accounts with open, deposit, withdraw, transfer,
// balance and close functions.
type Chaincode struct{}

// Init is not called by the node and succeeds unconditionally.
func (c *Chaincode) Init(stub shim.ChaincodeStubInterface) pb.Response {
	return shim.Success(nil)
}

// Invoke dispatches on the function name.
func (c *Chaincode) Invoke(stub shim.ChaincodeStubInterface) pb.Response {
	function, args := stub.GetFunctionAndParameters()
	switch function {
	case "open":
		return c.open(stub, args)
	case "deposit":
		return c.deposit(stub, args)
	case "withdraw":
		return c.withdraw(stub, args)
	case "transfer":
		return c.transfer(stub, args)
	case "balance":
		return c.balance(stub, args)
	case "close":
		return c.close(stub, args)
	default:
		return shim.Error(fmt.Sprintf("unknown function %q", function))
	}
}

func (c *Chaincode) open(stub shim.ChaincodeStubInterface, args []string) pb.Response {
	if len(args) != 2 {
		return shim.Error("open expects an account and an initial balance")
	}
	amount, err := parseAmount(args[1])
	if err != nil {
		return shim.Error(err.Error())
	}
	key, err := accountKey(stub, args[0])
	if err != nil {
		return shim.Error(err.Error())
	}
	existing, err := stub.GetState(key)
	if err != nil {
		return shim.Error(err.Error())
	}
	if existing != nil {
		return shim.Error(fmt.Sprintf("account %s already exists", args[0]))
	}
	if err := stub.PutState(key, []byte(strconv.Itoa(amount))); err != nil {
		return shim.Error(err.Error())
	}
	if err := stub.SetEvent("opened", []byte(args[0])); err != nil {
		return shim.Error(err.Error())
	}
	return shim.Success(nil)
}

func (c *Chaincode) deposit(stub shim.ChaincodeStubInterface, args []string) pb.Response {
	if len(args) != 2 {
		return shim.Error("deposit expects an account and an amount")
	}
	amount, err := parseAmount(args[1])
	if err != nil {
		return shim.Error(err.Error())
	}
	return c.adjust(stub, args[0], amount)
}

func (c *Chaincode) withdraw(stub shim.ChaincodeStubInterface, args []string) pb.Response {
	if len(args) != 2 {
		return shim.Error("withdraw expects an account and an amount")
	}
	amount, err := parseAmount(args[1])
	if err != nil {
		return shim.Error(err.Error())
	}
	return c.adjust(stub, args[0], -amount)
}

func (c *Chaincode) transfer(stub shim.ChaincodeStubInterface, args []string) pb.Response {
	if len(args) != 3 {
		return shim.Error("transfer expects a source, a destination and an amount")
	}
	amount, err := parseAmount(args[2])
	if err != nil {
		return shim.Error(err.Error())
	}
	if resp := c.adjust(stub, args[0], -amount); resp.Status != shim.OK {
		return resp
	}
	return c.adjust(stub, args[1], amount)
}

func (c *Chaincode) balance(stub shim.ChaincodeStubInterface, args []string) pb.Response {
	if len(args) != 1 {
		return shim.Error("balance expects an account")
	}
	key, err := accountKey(stub, args[0])
	if err != nil {
		return shim.Error(err.Error())
	}
	value, err := stub.GetState(key)
	if err != nil {
		return shim.Error(err.Error())
	}
	if value == nil {
		return shim.Error(fmt.Sprintf("account %s does not exist", args[0]))
	}
	return shim.Success(value)
}

func (c *Chaincode) close(stub shim.ChaincodeStubInterface, args []string) pb.Response {
	if len(args) != 1 {
		return shim.Error("close expects an account")
	}
	key, err := accountKey(stub, args[0])
	if err != nil {
		return shim.Error(err.Error())
	}
	if err := stub.DelState(key); err != nil {
		return shim.Error(err.Error())
	}
	return shim.Success(nil)
}

func (c *Chaincode) adjust(stub shim.ChaincodeStubInterface, account string, delta int) pb.Response {
	key, err := accountKey(stub, account)
	if err != nil {
		return shim.Error(err.Error())
	}
	value, err := stub.GetState(key)
	if err != nil {
		return shim.Error(err.Error())
	}
	if value == nil {
		return shim.Error(fmt.Sprintf("account %s does not exist", account))
	}
	current, err := strconv.Atoi(string(value))
	if err != nil {
		return shim.Error(fmt.Sprintf("corrupt balance for account %s", account))
	}
	if current+delta < 0 {
		return shim.Error(fmt.Sprintf("insufficient funds in account %s", account))
	}
	if err := stub.PutState(key, []byte(strconv.Itoa(current+delta))); err != nil {
		return shim.Error(err.Error())
	}
	return shim.Success(nil)
}

func accountKey(stub shim.ChaincodeStubInterface, account string) (string, error) {
	return stub.CreateCompositeKey(accountObjectType, []string{account})
}

func parseAmount(s string) (int, error) {
	amount, err := strconv.Atoi(s)
	if err != nil || amount < 0 {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	return amount, nil
}
