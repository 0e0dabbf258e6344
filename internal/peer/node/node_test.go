/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package node

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/beacon-ledger/beacon/core/chaincode/shim"
	"github.com/beacon-ledger/beacon/core/config"
	"github.com/beacon-ledger/beacon/core/container/ccintf"
	"github.com/beacon-ledger/beacon/core/gateway"
	"github.com/beacon-ledger/beacon/core/ledger"
	"github.com/beacon-ledger/beacon/core/ledger/kvledger/txmgmt/version"
	pb "github.com/hyperledger/fabric-protos-go/peer"
	"github.com/stretchr/testify/require"
	"github.com/tedsuo/ifrit"
)

// balanceChaincode keeps integer balances and rejects overdrafts.
type balanceChaincode struct{}

func (balanceChaincode) Invoke(stub shim.ChaincodeStubInterface) pb.Response {
	fn, args := stub.GetFunctionAndParameters()
	switch fn {
	case "set":
		if err := stub.PutState(args[0], []byte(args[1])); err != nil {
			return shim.Error(err.Error())
		}
		return shim.Success(nil)
	case "withdraw":
		raw, err := stub.GetState(args[0])
		if err != nil {
			return shim.Error(err.Error())
		}
		balance, _ := strconv.Atoi(string(raw))
		amount, _ := strconv.Atoi(args[1])
		if amount > balance {
			return shim.Error("insufficient funds")
		}
		if err := stub.PutState(args[0], []byte(strconv.Itoa(balance-amount))); err != nil {
			return shim.Error(err.Error())
		}
		return shim.Success(nil)
	default:
		return shim.Error("unknown function " + fn)
	}
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Peer: config.Peer{
			ID:                     "test",
			FileSystemPath:         t.TempDir(),
			ChaincodeListenAddress: "127.0.0.1:0",
		},
		Operations: config.Operations{ListenAddress: "127.0.0.1:0"},
		Metrics:    config.Metrics{Provider: "disabled"},
		Ledger: config.Ledger{
			State:    config.State{Backend: ledger.GoLevelDB, PageSize: 100},
			Executor: config.Executor{Workers: 2},
			WAL:      config.WAL{Enabled: true},
		},
		Chaincode: config.Chaincode{ExecuteTimeout: 5 * time.Second, MaxRestarts: 1},
		Sequencer: config.Sequencer{BatchSize: 2, BatchTimeout: 50 * time.Millisecond},
		Gateway:   config.Gateway{PendingCacheSize: 100},
	}
}

func startPeer(t *testing.T, conf *config.Config) *Peer {
	p, err := New(conf, map[string]shim.Chaincode{"balance": balanceChaincode{}})
	require.NoError(t, err)

	process := ifrit.Invoke(p.Runner())
	t.Cleanup(func() {
		process.Signal(os.Interrupt)
		require.NoError(t, <-process.Wait())
		require.NoError(t, p.Close())
	})
	return p
}

func waitForStatus(t *testing.T, gw *gateway.Gateway, txID string) *ledger.TxStatusInfo {
	var info *ledger.TxStatusInfo
	require.Eventually(t, func() bool {
		var err error
		info, err = gw.TransactionStatus(context.Background(), txID)
		require.NoError(t, err)
		return info.Status != ledger.Pending
	}, 5*time.Second, 10*time.Millisecond)
	return info
}

func TestSubmitAndCommit(t *testing.T) {
	p := startPeer(t, testConfig(t))
	gw := p.Gateway
	ctx := context.Background()

	set, err := gw.Submit(ctx, &gateway.Proposal{ChaincodeID: "balance", Function: "set", Args: []string{"balance_alice", "100"}})
	require.NoError(t, err)
	require.Equal(t, ledger.Committed, waitForStatus(t, gw, set.TxID).Status)

	withdraw, err := gw.Submit(ctx, &gateway.Proposal{ChaincodeID: "balance", Function: "withdraw", Args: []string{"balance_alice", "10"}, Metadata: map[string]string{"client": "test"}})
	require.NoError(t, err)
	info := waitForStatus(t, gw, withdraw.TxID)
	require.Equal(t, ledger.Committed, info.Status)
	require.Equal(t, "test", info.Metadata["client"])

	overdraft, err := gw.Submit(ctx, &gateway.Proposal{ChaincodeID: "balance", Function: "withdraw", Args: []string{"balance_alice", "1000"}})
	require.NoError(t, err)
	info = waitForStatus(t, gw, overdraft.TxID)
	require.Equal(t, ledger.Rejected, info.Status)
	require.Equal(t, ledger.ChaincodeError, info.Reason)

	missing, err := gw.Submit(ctx, &gateway.Proposal{ChaincodeID: "nope", Function: "set"})
	require.NoError(t, err)
	info = waitForStatus(t, gw, missing.TxID)
	require.Equal(t, ledger.ChaincodeNotFound, info.Reason)

	val, err := gw.GetState(ctx, "balance", "balance_alice", nil)
	require.NoError(t, err)
	require.Equal(t, "90", string(val))

	setStatus := waitForStatus(t, gw, set.TxID)
	withdrawStatus := waitForStatus(t, gw, withdraw.TxID)
	val, err = gw.GetState(ctx, "balance", "balance_alice", version.NewHeight(setStatus.BlockHeight, setStatus.TxIndex))
	require.NoError(t, err)
	require.Equal(t, "100", string(val))

	history, err := gw.History(ctx, "balance", "balance_alice", nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "100", string(history[0].Value))
	require.Equal(t, version.NewHeight(setStatus.BlockHeight, setStatus.TxIndex), history[0].Version)
	require.Equal(t, "90", string(history[1].Value))
	require.Equal(t, version.NewHeight(withdrawStatus.BlockHeight, withdrawStatus.TxIndex), history[1].Version)
	require.Equal(t, -1, history[0].Version.Compare(history[1].Version))
}

func TestOperationsEndpoint(t *testing.T) {
	p := startPeer(t, testConfig(t))

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", p.Operations.Addr()))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDefineConfiguredChaincode(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "exec-cc"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("docs"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0o755))

	conf := testConfig(t)
	conf.Chaincode.BinariesDir = dir
	conf.Chaincode.External = map[string]string{"remote-cc": "127.0.0.1:9999"}

	p, err := New(conf, nil)
	require.NoError(t, err)
	defer p.Close()

	require.Equal(t, []string{"exec-cc", "remote-cc"}, p.Definitions.IDs())
	def, ok := p.Definitions.Definition("exec-cc")
	require.True(t, ok)
	require.Equal(t, ccintf.Exec, def.Type)
	require.Equal(t, filepath.Join(dir, "exec-cc"), def.Path)
	def, ok = p.Definitions.Definition("remote-cc")
	require.True(t, ok)
	require.Equal(t, ccintf.Remote, def.Type)
}

func TestRecoverReplaysWAL(t *testing.T) {
	conf := testConfig(t)
	p := startPeer(t, conf)

	resp, err := p.Gateway.Submit(context.Background(), &gateway.Proposal{ChaincodeID: "balance", Function: "set", Args: []string{"k", "1"}})
	require.NoError(t, err)
	require.Equal(t, ledger.Committed, waitForStatus(t, p.Gateway, resp.TxID).Status)
	require.NoError(t, p.Recover(context.Background()))

	height, err := p.Ledger.Height()
	require.NoError(t, err)
	require.Equal(t, uint64(1), height.BlockNum)
}
