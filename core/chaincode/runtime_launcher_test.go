/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package chaincode_test

import (
	"sync"
	"time"

	"github.com/beacon-ledger/beacon/core/chaincode"
	"github.com/beacon-ledger/beacon/core/container/ccintf"
	"github.com/hyperledger/fabric-lib-go/common/metrics/disabled"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
)

type fakeRuntime struct {
	mutex     sync.Mutex
	buildErr  error
	startErr  error
	onStart   func(ccid string, conn *ccintf.PeerConnection)
	exit      chan int
	stopCalls []string
}

func (f *fakeRuntime) Build(ccid string) (*ccintf.ChaincodeServerInfo, error) {
	return nil, f.buildErr
}

func (f *fakeRuntime) Start(ccid string, conn *ccintf.PeerConnection) error {
	if f.startErr != nil {
		return f.startErr
	}
	if f.onStart != nil {
		go f.onStart(ccid, conn)
	}
	return nil
}

func (f *fakeRuntime) Stop(ccid string) error {
	f.mutex.Lock()
	f.stopCalls = append(f.stopCalls, ccid)
	f.mutex.Unlock()
	return nil
}

func (f *fakeRuntime) Wait(ccid string) (int, error) {
	return <-f.exit, nil
}

func (f *fakeRuntime) StopCalls() []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]string(nil), f.stopCalls...)
}

var _ = Describe("RuntimeLauncher", func() {
	var (
		runtime  *fakeRuntime
		registry *chaincode.HandlerRegistry
		launcher *chaincode.RuntimeLauncher
	)

	BeforeEach(func() {
		runtime = &fakeRuntime{exit: make(chan int, 1)}
		registry = chaincode.NewHandlerRegistry(false)
		launcher = &chaincode.RuntimeLauncher{
			Runtime:        runtime,
			Registry:       registry,
			StartupTimeout: 100 * time.Millisecond,
			Metrics:        chaincode.NewLaunchMetrics(&disabled.Provider{}),
			PeerAddress:    "peer:7052",
		}
	})

	It("returns once the chaincode is ready", func() {
		var conn *ccintf.PeerConnection
		runtime.onStart = func(ccid string, c *ccintf.PeerConnection) {
			conn = c
			registry.Ready(ccid)
		}

		Expect(launcher.Launch("cc", nil)).To(Succeed())
		Expect(conn.Address).To(Equal("peer:7052"))
		Expect(runtime.StopCalls()).To(BeEmpty())
	})

	It("stops the runtime when the build fails", func() {
		runtime.buildErr = errors.New("boom")

		err := launcher.Launch("cc", nil)
		Expect(err).To(MatchError("error building chaincode: boom"))
		Expect(runtime.StopCalls()).To(Equal([]string{"cc"}))

		_, started := registry.Launching("cc")
		Expect(started).To(BeFalse())
	})

	It("reports a process that exits before registering", func() {
		runtime.onStart = func(string, *ccintf.PeerConnection) { runtime.exit <- 2 }

		err := launcher.Launch("cc", nil)
		Expect(err).To(MatchError("chaincode registration failed: chaincode exited with 2"))
	})

	It("times out when the chaincode never registers", func() {
		err := launcher.Launch("cc", nil)
		Expect(err).To(MatchError("timeout expired while starting chaincode cc"))
		Expect(runtime.StopCalls()).To(Equal([]string{"cc"}))
		runtime.exit <- 0
	})
})
