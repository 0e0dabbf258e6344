/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package chaincode_test

import (
	"github.com/beacon-ledger/beacon/core/chaincode"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
)

var _ = Describe("HandlerRegistry", func() {
	var hr *chaincode.HandlerRegistry
	var handler *chaincode.Handler

	BeforeEach(func() {
		hr = chaincode.NewHandlerRegistry(true)
		handler = &chaincode.Handler{TXContexts: chaincode.NewTransactionContexts()}
		chaincode.SetHandlerChaincodeID(handler, "chaincode-name")
	})

	Describe("Launching", func() {
		It("returns a LaunchState to wait on for registration", func() {
			launchState, started := hr.Launching("chaincode-name")
			Expect(started).To(BeFalse())
			Consistently(launchState.Done()).ShouldNot(BeClosed())
		})

		It("returns the same LaunchState while the launch is in progress", func() {
			first, _ := hr.Launching("chaincode-name")
			second, started := hr.Launching("chaincode-name")
			Expect(started).To(BeTrue())
			Expect(second).To(BeIdenticalTo(first))
		})

		Context("when a handler has already been registered", func() {
			BeforeEach(func() {
				err := hr.Register(handler)
				Expect(err).NotTo(HaveOccurred())
			})

			It("returns a completed LaunchState", func() {
				launchState, started := hr.Launching("chaincode-name")
				Expect(started).To(BeTrue())
				Expect(launchState.Done()).To(BeClosed())
				Expect(launchState.Err()).NotTo(HaveOccurred())
			})
		})
	})

	Describe("Ready", func() {
		var launchState *chaincode.LaunchState

		BeforeEach(func() {
			launchState, _ = hr.Launching("chaincode-name")
			Expect(launchState.Done()).NotTo(BeClosed())
		})

		It("closes the done channel associated with the chaincode name", func() {
			hr.Ready("chaincode-name")
			Expect(launchState.Done()).To(BeClosed())
			Expect(launchState.Err()).To(BeNil())
		})
	})

	Describe("Failed", func() {
		var launchState *chaincode.LaunchState

		BeforeEach(func() {
			launchState, _ = hr.Launching("chaincode-name")
		})

		It("sets a persistent error on launch state", func() {
			hr.Failed("chaincode-name", errors.New("star-fruit"))
			Expect(launchState.Done()).To(BeClosed())
			Expect(launchState.Err()).To(MatchError("star-fruit"))

			hr.Failed("chaincode-name", errors.New("mango"))
			Expect(launchState.Err()).To(MatchError("star-fruit"))
		})

		It("leaves the launching state in the registry for explicit cleanup", func() {
			hr.Failed("chaincode-name", errors.New("mango"))
			_, started := hr.Launching("chaincode-name")
			Expect(started).To(BeTrue())
		})
	})

	Describe("Register", func() {
		Context("when unsolicited registration is disallowed", func() {
			BeforeEach(func() {
				hr = chaincode.NewHandlerRegistry(false)
			})

			It("disallows direct registration without launching", func() {
				err := hr.Register(handler)
				Expect(err).To(MatchError(`peer will not accept external chaincode connection chaincode-name (except in dev mode)`))
				Expect(hr.Handler("chaincode-name")).To(BeNil())
			})

			It("allows registration of launching chaincode", func() {
				hr.Launching("chaincode-name")

				err := hr.Register(handler)
				Expect(err).NotTo(HaveOccurred())
				Expect(hr.Handler("chaincode-name")).To(BeIdenticalTo(handler))
			})
		})

		Context("when a handler has already been registered", func() {
			BeforeEach(func() {
				err := hr.Register(handler)
				Expect(err).NotTo(HaveOccurred())
			})

			It("returns an error", func() {
				err := hr.Register(handler)
				Expect(err).To(MatchError("duplicate chaincodeID: chaincode-name"))
			})
		})
	})

	Describe("Deregister", func() {
		var iterator *fakeQueryIterator

		BeforeEach(func() {
			iterator = &fakeQueryIterator{}
			txContext, err := handler.TXContexts.Create(&chaincode.TransactionParams{
				TxID:        "transaction-id",
				NamespaceID: "chaincode-name",
			})
			Expect(err).NotTo(HaveOccurred())
			txContext.InitializeQueryContext("query-id", iterator)

			hr.Launching("chaincode-name")
			err = hr.Register(handler)
			Expect(err).NotTo(HaveOccurred())
		})

		It("removes references to the handler", func() {
			hr.Deregister("chaincode-name")
			Expect(hr.Handler("chaincode-name")).To(BeNil())

			_, started := hr.Launching("chaincode-name")
			Expect(started).To(BeFalse())
		})

		It("closes transaction contexts", func() {
			hr.Deregister("chaincode-name")
			Expect(iterator.closeCount).To(Equal(1))
		})
	})

	Describe("DeregisterHandler", func() {
		BeforeEach(func() {
			err := hr.Register(handler)
			Expect(err).NotTo(HaveOccurred())
		})

		It("removes the registered handler", func() {
			Expect(hr.DeregisterHandler(handler)).To(BeTrue())
			Expect(hr.Handler("chaincode-name")).To(BeNil())
		})

		It("leaves a newer handler for the same chaincode in place", func() {
			Expect(hr.DeregisterHandler(handler)).To(BeTrue())

			replacement := &chaincode.Handler{TXContexts: chaincode.NewTransactionContexts()}
			chaincode.SetHandlerChaincodeID(replacement, "chaincode-name")
			Expect(hr.Register(replacement)).To(Succeed())

			Expect(hr.DeregisterHandler(handler)).To(BeFalse())
			Expect(hr.Handler("chaincode-name")).To(BeIdenticalTo(replacement))
		})
	})
})
