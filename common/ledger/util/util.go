/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package util

import (
	"encoding/binary"

	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"
)

// EncodeOrderPreservingVarUint64 returns a byte-representation for a uint64 number such that
// all the bytes in the returned representation are in the same order as the original number.
// The representation begins with a varint holding the count of the significant bytes that follow.
func EncodeOrderPreservingVarUint64(number uint64) []byte {
	bytes := make([]byte, 8)
	binary.BigEndian.PutUint64(bytes, number)
	startingIndex := 0
	size := 0
	for i, b := range bytes {
		if b != 0x00 {
			startingIndex = i
			size = 8 - i
			break
		}
	}
	sizeBytes := proto.EncodeVarint(uint64(size))
	encodedBytes := make([]byte, size+len(sizeBytes))
	copy(encodedBytes[0:], sizeBytes[0:])
	copy(encodedBytes[len(sizeBytes):], bytes[startingIndex:])
	return encodedBytes
}

// DecodeOrderPreservingVarUint64 decodes the number from the bytes obtained from method 'EncodeOrderPreservingVarUint64'.
// It returns the decoded number and the number of bytes consumed in the process.
func DecodeOrderPreservingVarUint64(bytes []byte) (uint64, int, error) {
	s, numBytes := proto.DecodeVarint(bytes)

	switch {
	case numBytes == 0:
		return 0, 0, errors.New("number of consumed bytes from DecodeVarint is invalid, expected >0, but was 0")
	case s > 8:
		return 0, 0, errors.Errorf("decoded size from DecodeVarint is invalid, expected <=8, but was %d", s)
	case int(s) > len(bytes)-numBytes:
		return 0, 0, errors.Errorf("decoded size (%d) from DecodeVarint is more than available bytes (%d)", s, len(bytes)-numBytes)
	default:
		size := int(s)
		decodedBytes := make([]byte, 8)
		copy(decodedBytes[8-size:], bytes[numBytes:numBytes+size])
		return binary.BigEndian.Uint64(decodedBytes), size + numBytes, nil
	}
}
