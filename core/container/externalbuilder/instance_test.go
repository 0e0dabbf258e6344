/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package externalbuilder_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/gbytes"

	"github.com/beacon-ledger/beacon/core/container/ccintf"
	"github.com/beacon-ledger/beacon/core/container/externalbuilder"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var _ = Describe("Builder", func() {
	var (
		dir     string
		builder *externalbuilder.Builder
	)

	BeforeEach(func() {
		dir = tempDir()
		builder = &externalbuilder.Builder{BinariesDir: dir}
	})

	It("resolves the executable from the binaries directory", func() {
		path := writeScript(dir, "mycc", "exit 0\n")

		inst, err := builder.Build(&ccintf.ChaincodeDefinition{ID: "mycc", Type: ccintf.Exec})
		Expect(err).NotTo(HaveOccurred())
		Expect(inst).To(BeAssignableToTypeOf(&externalbuilder.Instance{}))
		Expect(inst.(*externalbuilder.Instance).Path).To(Equal(path))
		Expect(inst.(*externalbuilder.Instance).TermTimeout).To(Equal(externalbuilder.DefaultTermTimeout))
	})

	It("prefers the path of the definition", func() {
		other := tempDir()
		path := writeScript(other, "run.sh", "exit 0\n")

		inst, err := builder.Build(&ccintf.ChaincodeDefinition{ID: "mycc", Type: ccintf.Exec, Path: path})
		Expect(err).NotTo(HaveOccurred())
		Expect(inst.(*externalbuilder.Instance).Path).To(Equal(path))
	})

	It("fails when the executable is missing", func() {
		_, err := builder.Build(&ccintf.ChaincodeDefinition{ID: "missing", Type: ccintf.Exec})
		Expect(err).To(MatchError(ContainSubstring("could not find executable for chaincode missing")))
	})

	It("fails when the file is not executable", func() {
		path := filepath.Join(dir, "plain")
		Expect(os.WriteFile(path, []byte("data"), 0o644)).To(Succeed())

		_, err := builder.Build(&ccintf.ChaincodeDefinition{ID: "plain", Type: ccintf.Exec})
		Expect(err).To(MatchError(path + " is not an executable file"))
	})

	It("fails without a path or binaries directory", func() {
		builder.BinariesDir = ""
		_, err := builder.Build(&ccintf.ChaincodeDefinition{ID: "mycc", Type: ccintf.Exec})
		Expect(err).To(MatchError("no path for chaincode mycc and no binaries directory configured"))
	})
})

var _ = Describe("Instance", func() {
	var (
		dir      string
		buf      *gbytes.Buffer
		logger   *flogging.FabricLogger
		instance *externalbuilder.Instance
	)

	BeforeEach(func() {
		dir = tempDir()
		buf = gbytes.NewBuffer()
		enc := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{MessageKey: "msg"})
		core := zapcore.NewCore(enc, zapcore.AddSync(buf), zap.NewAtomicLevel())
		logger = flogging.NewFabricLogger(zap.New(core).Named("logger"))

		instance = &externalbuilder.Instance{
			ChaincodeID: "test-ccid",
			Env:         []string{"EXTRA=value"},
			Logger:      logger,
			TermTimeout: time.Second,
		}
	})

	Describe("ChaincodeServerInfo", func() {
		It("returns nil because the chaincode dials the peer", func() {
			info, err := instance.ChaincodeServerInfo()
			Expect(err).NotTo(HaveOccurred())
			Expect(info).To(BeNil())
		})
	})

	Describe("Start", func() {
		It("passes the chaincode and peer settings in the environment", func() {
			instance.Path = writeScript(dir, "env.sh", "env\n")

			err := instance.Start(&ccintf.PeerConnection{Address: "peer-address:7052"})
			Expect(err).NotTo(HaveOccurred())

			code, err := instance.Wait()
			Expect(err).NotTo(HaveOccurred())
			Expect(code).To(Equal(0))

			output := string(buf.Contents())
			Expect(output).To(ContainSubstring("CORE_CHAINCODE_ID_NAME=test-ccid"))
			Expect(output).To(ContainSubstring("CORE_PEER_ADDRESS=peer-address:7052"))
			Expect(output).To(ContainSubstring("CORE_PEER_TLS_ENABLED=false"))
			Expect(output).To(ContainSubstring("BEACON_CHAINCODE_ID=test-ccid"))
			Expect(output).To(ContainSubstring("BEACON_GRPC_ADDRESS=peer-address:7052"))
			Expect(output).To(ContainSubstring("EXTRA=value"))
		})

		It("requires a peer address", func() {
			instance.Path = writeScript(dir, "noop.sh", "exit 0\n")
			err := instance.Start(&ccintf.PeerConnection{})
			Expect(err).To(MatchError("a peer address is required to start chaincode test-ccid"))
		})

		It("reports when the executable cannot be run", func() {
			instance.Path = filepath.Join(dir, "missing")
			err := instance.Start(&ccintf.PeerConnection{Address: "peer-address"})
			Expect(err).To(MatchError(ContainSubstring("could not execute " + instance.Path)))
		})
	})

	Describe("Stop", func() {
		It("terminates the process", func() {
			cmd := exec.Command("sleep", "90")
			sess, err := externalbuilder.Start(logger, cmd)
			Expect(err).NotTo(HaveOccurred())
			instance.Session = sess

			err = instance.Stop()
			Expect(err).NotTo(HaveOccurred())
			Eventually(sess.Wait).Should(HaveOccurred())
		})

		It("kills a process that ignores SIGTERM", func() {
			path := writeScript(dir, "ignoreterm.sh", "trap '' TERM\nwhile true; do sleep 1; done\n")
			cmd := exec.Command(path)
			sess, err := externalbuilder.Start(logger, cmd)
			Expect(err).NotTo(HaveOccurred())
			instance.Session = sess
			instance.TermTimeout = 100 * time.Millisecond

			err = instance.Stop()
			Expect(err).NotTo(HaveOccurred())
		})

		It("fails when the instance was never started", func() {
			Expect(instance.Stop()).To(MatchError("instance has not been started"))
		})
	})

	Describe("Wait", func() {
		It("returns the exit status of the process", func() {
			instance.Path = writeScript(dir, "fail.sh", "echo failing\nexit 3\n")
			err := instance.Start(&ccintf.PeerConnection{Address: "peer-address"})
			Expect(err).NotTo(HaveOccurred())

			code, err := instance.Wait()
			Expect(err).To(MatchError("chaincode 'test-ccid' run failed: exit status 3"))
			Expect(code).To(Equal(3))
			Expect(buf).To(gbytes.Say("failing"))
		})

		It("returns an error when the instance was not started", func() {
			code, err := instance.Wait()
			Expect(err).To(MatchError("instance was not successfully started"))
			Expect(code).To(Equal(-1))
		})
	})
})
