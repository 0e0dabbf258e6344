/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package chaincode

func SetHandlerChaincodeID(h *Handler, ccid string) {
	h.chaincodeID = ccid
}
