/*
Copyright IBM Corp All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package operations

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/beacon-ledger/beacon/core/operations/fakes"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/hyperledger/fabric-lib-go/common/metrics/disabled"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
)

var _ = Describe("System", func() {
	var (
		system  *System
		client  *http.Client
		baseURL string
	)

	BeforeEach(func() {
		system = NewSystem(Options{
			ListenAddress:   "127.0.0.1:0",
			MetricsProvider: "prometheus",
			Version:         "1.2.3",
		})
		Expect(system.Start()).To(Succeed())
		client = &http.Client{}
		baseURL = fmt.Sprintf("http://%s", system.Addr())
	})

	AfterEach(func() {
		Expect(system.Stop()).To(Succeed())
	})

	get := func(path string) (int, string) {
		resp, err := client.Get(baseURL + path)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		return resp.StatusCode, string(body)
	}

	It("reports the version", func() {
		code, body := get("/version")
		Expect(code).To(Equal(http.StatusOK))
		Expect(body).To(ContainSubstring(`"Version":"1.2.3"`))
	})

	It("serves prometheus metrics", func() {
		code, body := get("/metrics")
		Expect(code).To(Equal(http.StatusOK))
		Expect(body).To(ContainSubstring(`beacon_version{version="1.2.3"} 1`))
	})

	It("reports health of registered checkers", func() {
		checker := &fakes.HealthChecker{}
		Expect(system.RegisterChecker("committer", checker)).To(Succeed())

		code, body := get("/healthz")
		Expect(code).To(Equal(http.StatusOK))
		Expect(body).To(ContainSubstring(`"status":"OK"`))

		checker.Err = errors.New("storage failure")
		code, body = get("/healthz")
		Expect(code).To(Equal(http.StatusServiceUnavailable))
		Expect(body).To(ContainSubstring("committer"))
		Expect(body).To(ContainSubstring("storage failure"))
	})

	It("reads and replaces the log spec", func() {
		defer flogging.Global.ActivateSpec("info")

		req, err := http.NewRequest(http.MethodPut, baseURL+"/logspec", strings.NewReader(`{"spec":"committer=debug:info"}`))
		Expect(err).NotTo(HaveOccurred())
		resp, err := client.Do(req)
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

		code, body := get("/logspec")
		Expect(code).To(Equal(http.StatusOK))
		var spec LogSpec
		Expect(json.Unmarshal([]byte(body), &spec)).To(Succeed())
		Expect(spec.Spec).To(Equal("committer=debug:info"))
	})

	It("rejects an invalid log spec", func() {
		req, err := http.NewRequest(http.MethodPut, baseURL+"/logspec", strings.NewReader(`{"spec":"=debug=info"}`))
		Expect(err).NotTo(HaveOccurred())
		resp, err := client.Do(req)
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
	})

	It("rejects unsupported log spec methods", func() {
		req, err := http.NewRequest(http.MethodDelete, baseURL+"/logspec", nil)
		Expect(err).NotTo(HaveOccurred())
		resp, err := client.Do(req)
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusMethodNotAllowed))
	})

	It("serves additional handlers", func() {
		system.RegisterHandler("/extra", &fakes.Handler{Code: http.StatusTeapot, Text: "extra"})
		code, body := get("/extra")
		Expect(code).To(Equal(http.StatusTeapot))
		Expect(body).To(Equal("extra"))
	})
})

var _ = Describe("Disabled metrics", func() {
	It("uses the disabled provider", func() {
		system := NewSystem(Options{ListenAddress: "127.0.0.1:0", MetricsProvider: "disabled"})
		Expect(system.Provider).To(Equal(&disabled.Provider{}))
	})
})
