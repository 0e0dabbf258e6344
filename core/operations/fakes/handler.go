/*
Copyright IBM Corp All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package fakes

import (
	"context"
	"net/http"
)

type Handler struct {
	Code int
	Text string
}

func (h *Handler) ServeHTTP(resp http.ResponseWriter, req *http.Request) {
	resp.WriteHeader(h.Code)
	resp.Write([]byte(h.Text))
}

// HealthChecker reports Err from every check.
type HealthChecker struct {
	Err error
}

func (h *HealthChecker) HealthCheck(context.Context) error {
	return h.Err
}
