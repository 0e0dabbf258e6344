/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package rwsetutil

import (
	"github.com/beacon-ledger/beacon/core/ledger/kvledger/txmgmt/version"
	"github.com/golang/protobuf/proto"
	"github.com/hyperledger/fabric-protos-go/ledger/rwset"
	"github.com/hyperledger/fabric-protos-go/ledger/rwset/kvrwset"
)

// TxRwSet acts as a proxy of 'rwset.TxReadWriteSet' proto message and helps constructing Read-write set specifically for KV data model
type TxRwSet struct {
	NsRwSets []*NsRwSet
}

// NsRwSet encapsulates 'kvrwset.KVRWSet' proto message for a specific name space (chaincode)
type NsRwSet struct {
	NameSpace string
	KvRwSet   *kvrwset.KVRWSet
}

// NumWrites returns the number of writes across namespaces
func (txRwSet *TxRwSet) NumWrites() int {
	if txRwSet == nil {
		return 0
	}
	n := 0
	for _, nsRwSet := range txRwSet.NsRwSets {
		n += len(nsRwSet.KvRwSet.Writes)
	}
	return n
}

// ToProtoBytes constructs TxReadWriteSet proto message and serializes using protobuf Marshal
func (txRwSet *TxRwSet) ToProtoBytes() ([]byte, error) {
	protoTxRWSet := &rwset.TxReadWriteSet{DataModel: rwset.TxReadWriteSet_KV}
	for _, nsRwSet := range txRwSet.NsRwSets {
		protoRwSetBytes, err := proto.Marshal(nsRwSet.KvRwSet)
		if err != nil {
			return nil, err
		}
		protoTxRWSet.NsRwset = append(protoTxRWSet.NsRwset, &rwset.NsReadWriteSet{
			Namespace: nsRwSet.NameSpace,
			Rwset:     protoRwSetBytes,
		})
	}
	return proto.Marshal(protoTxRWSet)
}

// FromProtoBytes deserializes protobytes into TxReadWriteSet proto message and populates 'TxRwSet'
func (txRwSet *TxRwSet) FromProtoBytes(protoBytes []byte) error {
	protoTxRwSet := &rwset.TxReadWriteSet{}
	if err := proto.Unmarshal(protoBytes, protoTxRwSet); err != nil {
		return err
	}
	for _, protoNsRwSet := range protoTxRwSet.GetNsRwset() {
		protoKvRwSet := &kvrwset.KVRWSet{}
		if err := proto.Unmarshal(protoNsRwSet.Rwset, protoKvRwSet); err != nil {
			return err
		}
		txRwSet.NsRwSets = append(txRwSet.NsRwSets, &NsRwSet{
			NameSpace: protoNsRwSet.Namespace,
			KvRwSet:   protoKvRwSet,
		})
	}
	return nil
}

// NewKVRead helps constructing proto message kvrwset.KVRead
func NewKVRead(key string, version *version.Height) *kvrwset.KVRead {
	return &kvrwset.KVRead{Key: key, Version: newProtoVersion(version)}
}

// NewVersion helps converting proto message kvrwset.Version to version.Height
func NewVersion(protoVersion *kvrwset.Version) *version.Height {
	if protoVersion == nil {
		return nil
	}
	return version.NewHeight(protoVersion.BlockNum, protoVersion.TxNum)
}

func newProtoVersion(height *version.Height) *kvrwset.Version {
	if height == nil {
		return nil
	}
	return &kvrwset.Version{BlockNum: height.BlockNum, TxNum: height.TxNum}
}

func newKVWrite(key string, value []byte) *kvrwset.KVWrite {
	return &kvrwset.KVWrite{Key: key, IsDelete: value == nil, Value: value}
}
