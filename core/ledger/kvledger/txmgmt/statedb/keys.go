/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package statedb

import (
	"bytes"
	"unicode/utf8"

	"github.com/beacon-ledger/beacon/common/ledger/util"
	"github.com/beacon-ledger/beacon/core/ledger/kvledger/txmgmt/version"
	"github.com/pkg/errors"
)

var (
	dataKeyPrefix    = []byte{'d'}
	historyKeyPrefix = []byte{'h'}
	recordKeyPrefix  = []byte{'x'}
	savePointKey     = []byte{'s'}
	nsKeySep         = []byte{0x00}
	lastKeyIndicator = byte(0x01)
)

const (
	compositeKeyNamespace = "\x00"
	minUnicodeRuneValue   = 0            // U+0000
	maxUnicodeRuneValue   = utf8.MaxRune // U+10FFFF
)

func encodeDataKey(ns, key string) []byte {
	k := append([]byte{}, dataKeyPrefix...)
	k = append(k, []byte(ns)...)
	k = append(k, nsKeySep...)
	return append(k, []byte(key)...)
}

func decodeDataKey(encodedDataKey []byte) (string, string) {
	split := bytes.SplitN(encodedDataKey[len(dataKeyPrefix):], nsKeySep, 2)
	return string(split[0]), string(split[1])
}

// dataKeyRange returns the db range for [startKey, endKey) of a namespace
func dataKeyRange(ns, startKey, endKey string) ([]byte, []byte) {
	start := encodeDataKey(ns, startKey)
	var end []byte
	if endKey == "" {
		end = append([]byte{}, dataKeyPrefix...)
		end = append(end, []byte(ns)...)
		end = append(end, lastKeyIndicator)
	} else {
		end = encodeDataKey(ns, endKey)
	}
	return start, end
}

// historyKeyPrefixFor returns 'h' ns 0x00 len(key) key. Every history entry of the key starts
// with it, and the length keeps the prefix of one key from matching a longer key.
func historyKeyPrefixFor(ns, key string) []byte {
	k := append([]byte{}, historyKeyPrefix...)
	k = append(k, []byte(ns)...)
	k = append(k, nsKeySep...)
	k = append(k, util.EncodeOrderPreservingVarUint64(uint64(len(key)))...)
	return append(k, []byte(key)...)
}

// historyKeyRangeEnd bounds the history entries under prefix. An encoded height starts with
// its byte count, which is below 0xff.
func historyKeyRangeEnd(prefix []byte) []byte {
	return append(append([]byte{}, prefix...), 0xff)
}

func encodeHistoryKey(ns, key string, height *version.Height) []byte {
	return append(historyKeyPrefixFor(ns, key), height.ToBytes()...)
}

// decodeHistoryHeight returns the height encoded after prefix when the remaining bytes are exactly
// one height.
func decodeHistoryHeight(prefix, historyKey []byte) (*version.Height, bool) {
	if !bytes.HasPrefix(historyKey, prefix) {
		return nil, false
	}
	suffix := historyKey[len(prefix):]
	height, n, err := version.NewHeightFromBytes(suffix)
	if err != nil || n != len(suffix) || !bytes.Equal(height.ToBytes(), suffix) {
		return nil, false
	}
	return height, true
}

func encodeRecordKey(key string) []byte {
	return append(append([]byte{}, recordKeyPrefix...), []byte(key)...)
}

// ValidateNamespace checks that a namespace can be embedded in the key layout
func ValidateNamespace(ns string) error {
	if ns == "" {
		return errors.New("namespace must not be empty")
	}
	if bytes.IndexByte([]byte(ns), 0x00) >= 0 {
		return errors.Errorf("namespace [%q] must not contain a nil byte", ns)
	}
	return nil
}

// CreateCompositeKey combines the given attributes to form a composite key.
// The objectType and attributes are expected to have only valid utf8 strings and
// should not contain U+0000 (nil byte) and U+10FFFF (biggest and unallocated code point).
func CreateCompositeKey(objectType string, attributes []string) (string, error) {
	if err := validateCompositeKeyAttribute(objectType); err != nil {
		return "", err
	}
	ck := compositeKeyNamespace + objectType + string(rune(minUnicodeRuneValue))
	for _, att := range attributes {
		if err := validateCompositeKeyAttribute(att); err != nil {
			return "", err
		}
		ck += att + string(rune(minUnicodeRuneValue))
	}
	return ck, nil
}

// SplitCompositeKey splits the specified key into attributes on which the composite key was formed.
func SplitCompositeKey(compositeKey string) (string, []string, error) {
	if len(compositeKey) == 0 || compositeKey[:1] != compositeKeyNamespace {
		return "", nil, errors.Errorf("key [%q] is not a composite key", compositeKey)
	}
	componentIndex := 1
	components := []string{}
	for i := 1; i < len(compositeKey); i++ {
		if compositeKey[i] == minUnicodeRuneValue {
			components = append(components, compositeKey[componentIndex:i])
			componentIndex = i + 1
		}
	}
	if len(components) == 0 {
		return "", nil, errors.Errorf("key [%q] is not a composite key", compositeKey)
	}
	return components[0], components[1:], nil
}

func validateCompositeKeyAttribute(str string) error {
	if !utf8.ValidString(str) {
		return errors.Errorf("not a valid utf8 string: [%x]", str)
	}
	for index, runeValue := range str {
		if runeValue == minUnicodeRuneValue || runeValue == maxUnicodeRuneValue {
			return errors.Errorf(`input contains unicode %#U starting at position [%d]. %#U and %#U are not allowed in the input attribute of a composite key`,
				runeValue, index, minUnicodeRuneValue, maxUnicodeRuneValue)
		}
	}
	return nil
}
