/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package statedb

import (
	"github.com/beacon-ledger/beacon/core/ledger/kvledger/txmgmt/version"
	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v4"
)

// dbValue is the persisted form of a VersionedValue, used for both latest and history records
type dbValue struct {
	Value    []byte `msgpack:"v"`
	IsDelete bool   `msgpack:"d"`
	Version  []byte `msgpack:"h"`
	TxID     string `msgpack:"t"`
}

func encodeValue(v *VersionedValue) ([]byte, error) {
	b, err := msgpack.Marshal(&dbValue{
		Value:    v.Value,
		IsDelete: v.IsDelete,
		Version:  v.Version.ToBytes(),
		TxID:     v.TxID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not encode value")
	}
	return snappy.Encode(nil, b), nil
}

func decodeValue(encodedValue []byte) (*VersionedValue, error) {
	b, err := snappy.Decode(nil, encodedValue)
	if err != nil {
		return nil, errors.Wrap(err, "could not uncompress value")
	}
	dbVal := &dbValue{}
	if err := msgpack.Unmarshal(b, dbVal); err != nil {
		return nil, errors.Wrap(err, "could not decode value")
	}
	ver, _, err := version.NewHeightFromBytes(dbVal.Version)
	if err != nil {
		return nil, err
	}
	val := dbVal.Value
	// msgpack turns an empty byte slice into nil
	if val == nil && !dbVal.IsDelete {
		val = []byte{}
	}
	return &VersionedValue{
		Value:    val,
		IsDelete: dbVal.IsDelete,
		Version:  ver,
		TxID:     dbVal.TxID,
	}, nil
}
