/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package chaincode_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beacon-ledger/beacon/core/chaincode"
	"github.com/beacon-ledger/beacon/core/chaincode/shim"
	"github.com/beacon-ledger/beacon/core/container"
	"github.com/beacon-ledger/beacon/core/container/ccintf"
	"github.com/beacon-ledger/beacon/core/container/inproccontroller"
	"github.com/beacon-ledger/beacon/core/ledger"
	"github.com/beacon-ledger/beacon/core/ledger/kvledger"
	"github.com/hyperledger/fabric-lib-go/common/metrics/disabled"
	pb "github.com/hyperledger/fabric-protos-go/peer"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
)

// kvChaincode is an in-process chaincode exercising the shim.
type kvChaincode struct {
	release chan struct{}
	crash   func()

	active    int32
	maxActive int32
}

func (cc *kvChaincode) Invoke(stub shim.ChaincodeStubInterface) pb.Response {
	active := atomic.AddInt32(&cc.active, 1)
	defer atomic.AddInt32(&cc.active, -1)
	for {
		maxActive := atomic.LoadInt32(&cc.maxActive)
		if active <= maxActive || atomic.CompareAndSwapInt32(&cc.maxActive, maxActive, active) {
			break
		}
	}

	fn, args := stub.GetFunctionAndParameters()
	switch fn {
	case "put":
		if err := stub.PutState(args[0], []byte(args[1])); err != nil {
			return shim.Error(err.Error())
		}
		return shim.Success(nil)
	case "get":
		value, err := stub.GetState(args[0])
		if err != nil {
			return shim.Error(err.Error())
		}
		return shim.Success(value)
	case "count":
		iter, err := stub.GetStateByRange("", "")
		if err != nil {
			return shim.Error(err.Error())
		}
		defer iter.Close()
		count := 0
		for iter.HasNext() {
			if _, err := iter.Next(); err != nil {
				return shim.Error(err.Error())
			}
			count++
		}
		return shim.Success([]byte(fmt.Sprint(count)))
	case "event":
		if err := stub.SetEvent("moved", []byte(args[0])); err != nil {
			return shim.Error(err.Error())
		}
		return shim.Success(nil)
	case "sleep":
		time.Sleep(50 * time.Millisecond)
		return shim.Success(nil)
	case "block":
		<-cc.release
		return shim.Success(nil)
	case "crash":
		go cc.crash()
		<-cc.release
		return shim.Success(nil)
	default:
		return shim.Error("unknown function " + fn)
	}
}

var _ = Describe("ChaincodeSupport", func() {
	var (
		chaincodeSupport *chaincode.ChaincodeSupport
		router           *container.Router
		peerLedger       ledger.PeerLedger
		cc               *kvChaincode
		config           chaincode.Config
		txCount          int
	)

	BeforeEach(func() {
		txCount = 0
		cc = &kvChaincode{release: make(chan struct{})}
		cc.crash = func() { router.Stop("kv") }

		config = chaincode.Config{
			ExecuteTimeout:    time.Second,
			MaxRestarts:       3,
			RestartBackoff:    10 * time.Millisecond,
			MaxRestartBackoff: 50 * time.Millisecond,
		}

		provider, err := kvledger.NewProvider(&ledger.Config{StateDBConfig: &ledger.StateDBConfig{StateDatabase: ledger.MemoryDB}}, &disabled.Provider{})
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(provider.Close)
		peerLedger, err = provider.Open("chaincode-test")
		Expect(err).NotTo(HaveOccurred())
	})

	JustBeforeEach(func() {
		definitions := chaincode.NewDefinitionRegistry()
		Expect(definitions.Define(&ccintf.ChaincodeDefinition{ID: "kv", Type: ccintf.InProc})).To(Succeed())
		Expect(definitions.Define(&ccintf.ChaincodeDefinition{ID: "missing", Type: ccintf.InProc})).To(Succeed())

		inproc := inproccontroller.NewRegistry()
		Expect(inproc.Register("kv", cc)).To(Succeed())

		router = &container.Router{
			Definitions: definitions,
			VMs:         map[ccintf.RuntimeType]container.VM{ccintf.InProc: inproc},
		}
		chaincodeSupport = chaincode.NewChaincodeSupport(
			config,
			definitions,
			&chaincode.ContainerRuntime{ContainerRouter: router},
			nil,
			false,
			&disabled.Provider{},
		)

		DeferCleanup(func() {
			close(cc.release)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			Expect(chaincodeSupport.Processes.Shutdown(ctx)).To(Succeed())
		})
	})

	execute := func(ccid string, readOnly bool, args ...string) (*pb.Response, *pb.ChaincodeEvent, *ledger.Transaction, error) {
		txCount++
		txID := fmt.Sprintf("tx%d", txCount)
		sim, err := peerLedger.NewTxSimulator(txID, nil)
		Expect(err).NotTo(HaveOccurred())
		defer sim.Done()

		input := &pb.ChaincodeInput{}
		for _, arg := range args {
			input.Args = append(input.Args, []byte(arg))
		}
		resp, event, err := chaincodeSupport.Execute(
			context.Background(),
			&chaincode.TransactionParams{TxID: txID, ReadOnly: readOnly, TXSimulator: sim},
			ccid,
			input,
		)
		if err != nil {
			return resp, event, nil, err
		}

		rwset, simErr := sim.GetTxSimulationResults()
		Expect(simErr).NotTo(HaveOccurred())
		return resp, event, &ledger.Transaction{TxID: txID, ChaincodeID: ccid, Status: ledger.Validated, RWSet: rwset}, nil
	}

	commit := func(txs ...*ledger.Transaction) {
		height, err := peerLedger.Height()
		Expect(err).NotTo(HaveOccurred())
		next := uint64(1)
		if height != nil {
			next = height.BlockNum + 1
		}
		report, err := peerLedger.CommitBlock(&ledger.Block{Height: next, Transactions: txs})
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Rejected).To(BeEmpty())
	}

	It("launches the chaincode and executes transactions against the simulator", func() {
		resp, _, tx, err := execute("kv", false, "put", "alice", "10")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Status).To(Equal(int32(shim.OK)))
		Expect(tx.RWSet.NumWrites()).To(Equal(1))
		commit(tx)

		resp, _, _, err = execute("kv", true, "get", "alice")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Payload).To(Equal([]byte("10")))

		info := chaincodeSupport.Processes.Status("kv")
		Expect(info.Status).To(Equal(chaincode.ProcessReady))
		Expect(info.Generation).To(Equal(uint64(1)))
		Expect(info.RestartCount).To(Equal(0))
	})

	It("serves range queries", func() {
		_, _, tx1, err := execute("kv", false, "put", "a", "1")
		Expect(err).NotTo(HaveOccurred())
		_, _, tx2, err := execute("kv", false, "put", "b", "2")
		Expect(err).NotTo(HaveOccurred())
		commit(tx1, tx2)

		resp, _, _, err := execute("kv", true, "count")
		Expect(err).NotTo(HaveOccurred())
		Expect(string(resp.Payload)).To(Equal("2"))
	})

	It("returns chaincode errors in the response", func() {
		resp, _, _, err := execute("kv", false, "unknown")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Status).To(Equal(int32(shim.ERROR)))
		Expect(resp.Message).To(Equal("unknown function unknown"))
	})

	It("stamps the chaincode event with the chaincode and transaction", func() {
		_, event, _, err := execute("kv", false, "event", "payload")
		Expect(err).NotTo(HaveOccurred())
		Expect(event).NotTo(BeNil())
		Expect(event.ChaincodeId).To(Equal("kv"))
		Expect(event.TxId).To(Equal(fmt.Sprintf("tx%d", txCount)))
		Expect(event.EventName).To(Equal("moved"))
	})

	It("rejects undefined chaincode", func() {
		_, _, _, err := execute("nope", false, "get", "alice")
		Expect(errors.Cause(err)).To(Equal(chaincode.ErrChaincodeNotFound))
	})

	It("rejects writes from read-only transactions", func() {
		_, _, _, err := execute("kv", true, "put", "alice", "10")
		Expect(errors.Cause(err)).To(Equal(chaincode.ErrReadOnlyViolation))

		_, _, _, err = execute("kv", true, "get", "alice")
		Expect(err).NotTo(HaveOccurred())
	})

	It("runs one invocation at a time per chaincode", func() {
		var wg sync.WaitGroup
		errs := make(chan error, 4)
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				txID := fmt.Sprintf("concurrent%d", i)
				sim, err := peerLedger.NewTxSimulator(txID, nil)
				Expect(err).NotTo(HaveOccurred())
				defer sim.Done()
				_, _, err = chaincodeSupport.Execute(context.Background(), &chaincode.TransactionParams{TxID: txID, TXSimulator: sim}, "kv", &pb.ChaincodeInput{Args: [][]byte{[]byte("sleep")}})
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			Expect(err).NotTo(HaveOccurred())
		}
		Expect(atomic.LoadInt32(&cc.maxActive)).To(Equal(int32(1)))
	})

	Context("when the chaincode cannot be launched", func() {
		BeforeEach(func() {
			config.MaxRestarts = 1
		})

		It("gives up after the restart budget", func() {
			_, _, _, err := execute("missing", false, "get", "alice")
			Expect(errors.Cause(err)).To(Equal(chaincode.ErrUnavailable))

			info := chaincodeSupport.Processes.Status("missing")
			Expect(info.Status).To(Equal(chaincode.ProcessStopped))
			Expect(info.RestartCount).To(Equal(1))
		})
	})

	Context("when an invocation exceeds the execute timeout", func() {
		BeforeEach(func() {
			config.ExecuteTimeout = 200 * time.Millisecond
		})

		It("kills the process and relaunches a new generation", func() {
			_, _, _, err := execute("kv", false, "get", "alice")
			Expect(err).NotTo(HaveOccurred())

			_, _, _, err = execute("kv", false, "block")
			Expect(errors.Cause(err)).To(Equal(chaincode.ErrChaincodeTimeout))

			Eventually(func() uint64 { return chaincodeSupport.Processes.Status("kv").Generation }).Should(Equal(uint64(2)))

			_, _, _, err = execute("kv", false, "get", "alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(chaincodeSupport.Processes.Status("kv").RestartCount).To(Equal(1))
		})
	})

	Context("when the chaincode crashes", func() {
		It("fails the invocation and relaunches on demand", func() {
			_, _, _, err := execute("kv", false, "crash")
			Expect(errors.Cause(err)).To(Equal(chaincode.ErrChaincodeCrashed))

			resp, _, _, err := execute("kv", false, "get", "alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Status).To(Equal(int32(shim.OK)))
			Expect(chaincodeSupport.Processes.Status("kv").Generation).To(Equal(uint64(2)))
		})

		Context("more often than the restart budget allows", func() {
			BeforeEach(func() {
				config.MaxRestarts = 1
			})

			It("reports the chaincode unavailable until it is unloaded", func() {
				_, _, _, err := execute("kv", false, "crash")
				Expect(errors.Cause(err)).To(Equal(chaincode.ErrChaincodeCrashed))
				_, _, _, err = execute("kv", false, "crash")
				Expect(errors.Cause(err)).To(Equal(chaincode.ErrChaincodeCrashed))

				_, _, _, err = execute("kv", false, "get", "alice")
				Expect(errors.Cause(err)).To(Equal(chaincode.ErrUnavailable))

				Expect(chaincodeSupport.Processes.Unload(context.Background(), "kv")).To(Succeed())
				_, _, _, err = execute("kv", false, "get", "alice")
				Expect(err).NotTo(HaveOccurred())
			})
		})
	})
})
