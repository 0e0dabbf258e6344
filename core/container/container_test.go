/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package container_test

import (
	"github.com/beacon-ledger/beacon/core/container"
	"github.com/beacon-ledger/beacon/core/container/ccintf"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
)

type fakeDefinitions map[string]*ccintf.ChaincodeDefinition

func (f fakeDefinitions) Definition(ccid string) (*ccintf.ChaincodeDefinition, bool) {
	def, ok := f[ccid]
	return def, ok
}

type fakeInstance struct {
	serverInfo *ccintf.ChaincodeServerInfo
	started    *ccintf.PeerConnection
	stopped    int
	exitCode   int
}

func (f *fakeInstance) Start(pc *ccintf.PeerConnection) error {
	f.started = pc
	return nil
}

func (f *fakeInstance) ChaincodeServerInfo() (*ccintf.ChaincodeServerInfo, error) {
	return f.serverInfo, nil
}

func (f *fakeInstance) Stop() error {
	f.stopped++
	return nil
}

func (f *fakeInstance) Wait() (int, error) { return f.exitCode, nil }

type fakeVM struct {
	builds    []*ccintf.ChaincodeDefinition
	instances []*fakeInstance
	buildErr  error
}

func (f *fakeVM) Build(def *ccintf.ChaincodeDefinition) (container.Instance, error) {
	f.builds = append(f.builds, def)
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	inst := &fakeInstance{exitCode: len(f.builds)}
	if def.Type == ccintf.Remote {
		inst.serverInfo = &ccintf.ChaincodeServerInfo{Address: def.Address}
	}
	f.instances = append(f.instances, inst)
	return inst, nil
}

var _ = Describe("Router", func() {
	var (
		inprocVM *fakeVM
		remoteVM *fakeVM
		router   *container.Router
	)

	BeforeEach(func() {
		inprocVM = &fakeVM{}
		remoteVM = &fakeVM{}
		router = &container.Router{
			Definitions: fakeDefinitions{
				"local":  {ID: "local", Type: ccintf.InProc},
				"remote": {ID: "remote", Type: ccintf.Remote, Address: "cc:9999"},
				"exec":   {ID: "exec", Type: ccintf.Exec},
			},
			VMs: map[ccintf.RuntimeType]container.VM{
				ccintf.InProc: inprocVM,
				ccintf.Remote: remoteVM,
			},
		}
	})

	Describe("Build", func() {
		It("builds with the VM matching the runtime type", func() {
			info, err := router.Build("local")
			Expect(err).NotTo(HaveOccurred())
			Expect(info).To(BeNil())
			Expect(inprocVM.builds).To(HaveLen(1))
			Expect(remoteVM.builds).To(BeEmpty())
		})

		It("returns the server info of remote chaincode", func() {
			info, err := router.Build("remote")
			Expect(err).NotTo(HaveOccurred())
			Expect(info).To(Equal(&ccintf.ChaincodeServerInfo{Address: "cc:9999"}))
		})

		It("fails for unknown chaincode", func() {
			_, err := router.Build("unknown")
			Expect(err).To(MatchError("chaincode unknown is not defined"))
		})

		It("fails when no VM serves the runtime type", func() {
			_, err := router.Build("exec")
			Expect(err).To(MatchError("no runtime available for exec chaincode exec"))
		})

		It("wraps build failures", func() {
			inprocVM.buildErr = errors.New("boom")
			_, err := router.Build("local")
			Expect(err).To(MatchError("inproc build failed: boom"))
		})

		It("replaces the previous instance", func() {
			_, err := router.Build("local")
			Expect(err).NotTo(HaveOccurred())
			_, err = router.Build("local")
			Expect(err).NotTo(HaveOccurred())

			code, err := router.Wait("local")
			Expect(err).NotTo(HaveOccurred())
			Expect(code).To(Equal(2))
		})
	})

	Describe("lifecycle calls", func() {
		It("routes to the built instance", func() {
			_, err := router.Build("local")
			Expect(err).NotTo(HaveOccurred())

			pc := &ccintf.PeerConnection{Address: "peer:7052"}
			Expect(router.Start("local", pc)).To(Succeed())
			Expect(inprocVM.instances[0].started).To(Equal(pc))

			Expect(router.Stop("local")).To(Succeed())
			Expect(inprocVM.instances[0].stopped).To(Equal(1))
		})

		It("fails before the chaincode is built", func() {
			Expect(router.Start("local", &ccintf.PeerConnection{})).To(MatchError("instance has not yet been built, cannot be started"))
			Expect(router.Stop("local")).To(MatchError("instance has not yet been built, cannot be stopped"))
			_, err := router.Wait("local")
			Expect(err).To(MatchError("instance has not yet been built, cannot wait"))
		})
	})
})
