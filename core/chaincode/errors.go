/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package chaincode

import "github.com/pkg/errors"

// Invocation failures. Callers classify with errors.Cause.
var (
	ErrChaincodeNotFound = errors.New("chaincode not found")
	ErrChaincodeCrashed  = errors.New("chaincode crashed")
	ErrChaincodeTimeout  = errors.New("chaincode timeout")
	ErrUnavailable       = errors.New("chaincode unavailable")
	ErrReadOnlyViolation = errors.New("write attempted by read-only transaction")
)
