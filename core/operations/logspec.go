/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package operations

import (
	"encoding/json"
	"net/http"

	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/pkg/errors"
)

// LogSpec is the body of the /logspec endpoint.
type LogSpec struct {
	Spec string `json:"spec,omitempty"`
}

// LogSpecHandler reads and replaces the active logging spec.
type LogSpecHandler struct {
	Logger Logger
}

func (h *LogSpecHandler) ServeHTTP(resp http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPut:
		var logSpec LogSpec
		decoder := json.NewDecoder(req.Body)
		if err := decoder.Decode(&logSpec); err != nil {
			sendResponse(h.Logger, resp, http.StatusBadRequest, errors.Wrap(err, "invalid log spec"))
			return
		}
		req.Body.Close()

		if err := flogging.Global.ActivateSpec(logSpec.Spec); err != nil {
			sendResponse(h.Logger, resp, http.StatusBadRequest, err)
			return
		}
		h.Logger.Infof("Log spec changed to %s", logSpec.Spec)
		resp.WriteHeader(http.StatusNoContent)

	case http.MethodGet:
		sendResponse(h.Logger, resp, http.StatusOK, &LogSpec{Spec: flogging.Global.Spec()})

	default:
		notAllowed(resp, req)
	}
}
