/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package rwsetutil

import (
	"sort"

	"github.com/beacon-ledger/beacon/core/ledger/kvledger/txmgmt/version"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/hyperledger/fabric-protos-go/ledger/rwset/kvrwset"
)

var logger = flogging.MustGetLogger("rwsetutil")

type nsPubRwBuilder struct {
	namespace string
	readMap   map[string]*kvrwset.KVRead
	writeMap  map[string]*kvrwset.KVWrite
	// writes keep first-write order
	writeOrder []string
}

// RWSetBuilder helps building the read-write set
type RWSetBuilder struct {
	pubRwBuilderMap map[string]*nsPubRwBuilder
}

// NewRWSetBuilder constructs a new instance of RWSetBuilder
func NewRWSetBuilder() *RWSetBuilder {
	return &RWSetBuilder{make(map[string]*nsPubRwBuilder)}
}

// AddToReadSet adds a key and corresponding version to the read-set.
// A nil version records that the key was observed absent. The first observation of a key is kept.
func (b *RWSetBuilder) AddToReadSet(ns string, key string, version *version.Height) {
	nsPubRwBuilder := b.getOrCreateNsPubRwBuilder(ns)
	if _, ok := nsPubRwBuilder.readMap[key]; ok {
		return
	}
	nsPubRwBuilder.readMap[key] = NewKVRead(key, version)
}

// AddToWriteSet adds a key and value to the write-set. A nil value marks a delete.
func (b *RWSetBuilder) AddToWriteSet(ns string, key string, value []byte) {
	nsPubRwBuilder := b.getOrCreateNsPubRwBuilder(ns)
	if _, ok := nsPubRwBuilder.writeMap[key]; !ok {
		nsPubRwBuilder.writeOrder = append(nsPubRwBuilder.writeOrder, key)
	}
	nsPubRwBuilder.writeMap[key] = newKVWrite(key, value)
}

// GetTxSimulationResults returns the read-write set. Namespaces and reads are sorted, writes keep first-write order
func (b *RWSetBuilder) GetTxSimulationResults() *TxRwSet {
	txRwSet := &TxRwSet{}
	for _, ns := range sortedNamespaces(b.pubRwBuilderMap) {
		nsBuilder := b.pubRwBuilderMap[ns]
		kvRwSet := &kvrwset.KVRWSet{}
		for _, key := range sortedKeys(nsBuilder.readMap) {
			kvRwSet.Reads = append(kvRwSet.Reads, nsBuilder.readMap[key])
		}
		for _, key := range nsBuilder.writeOrder {
			kvRwSet.Writes = append(kvRwSet.Writes, nsBuilder.writeMap[key])
		}
		txRwSet.NsRwSets = append(txRwSet.NsRwSets, &NsRwSet{NameSpace: ns, KvRwSet: kvRwSet})
	}
	logger.Debugf("Built read-write set for %d namespaces", len(txRwSet.NsRwSets))
	return txRwSet
}

func (b *RWSetBuilder) getOrCreateNsPubRwBuilder(ns string) *nsPubRwBuilder {
	nsBuilder, ok := b.pubRwBuilderMap[ns]
	if !ok {
		nsBuilder = &nsPubRwBuilder{
			namespace: ns,
			readMap:   make(map[string]*kvrwset.KVRead),
			writeMap:  make(map[string]*kvrwset.KVWrite),
		}
		b.pubRwBuilderMap[ns] = nsBuilder
	}
	return nsBuilder
}

func sortedNamespaces(m map[string]*nsPubRwBuilder) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
