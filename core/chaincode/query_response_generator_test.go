/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package chaincode_test

import (
	"math"

	"github.com/beacon-ledger/beacon/core/chaincode"
	"github.com/golang/protobuf/proto"
	"github.com/hyperledger/fabric-protos-go/ledger/queryresult"
	pb "github.com/hyperledger/fabric-protos-go/peer"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("QueryResponseGenerator", func() {
	var (
		generator *chaincode.QueryResponseGenerator
		txContext *chaincode.TransactionContext
		iterator  *fakeQueryIterator
	)

	BeforeEach(func() {
		generator = &chaincode.QueryResponseGenerator{MaxResultLimit: 2}
		iterator = &fakeQueryIterator{}
		for _, k := range []string{"a", "b", "c"} {
			iterator.results = append(iterator.results, &queryresult.KV{Namespace: "cc", Key: k, Value: []byte(k)})
		}

		var err error
		txContext, err = chaincode.NewTransactionContexts().Create(&chaincode.TransactionParams{TxID: "tx", NamespaceID: "cc"})
		Expect(err).NotTo(HaveOccurred())
		txContext.InitializeQueryContext("query-id", iterator)
	})

	It("cuts batches at the max result limit", func() {
		resp, err := generator.BuildQueryResponse(txContext, iterator, "query-id", false, math.MaxInt32)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.HasMore).To(BeTrue())
		Expect(resp.Results).To(HaveLen(2))
		Expect(resp.Id).To(Equal("query-id"))

		resp, err = generator.BuildQueryResponse(txContext, iterator, "query-id", false, math.MaxInt32)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.HasMore).To(BeFalse())
		Expect(resp.Results).To(HaveLen(1))

		kv := &queryresult.KV{}
		Expect(proto.Unmarshal(resp.Results[0].ResultBytes, kv)).To(Succeed())
		Expect(kv.Key).To(Equal("c"))

		Expect(iterator.closeCount).To(Equal(1))
		Expect(txContext.GetQueryIterator("query-id")).To(BeNil())
	})

	It("stops at the total return limit and reports it in the metadata", func() {
		resp, err := generator.BuildQueryResponse(txContext, iterator, "query-id", true, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.HasMore).To(BeFalse())
		Expect(resp.Results).To(HaveLen(2))

		metadata := &pb.QueryResponseMetadata{}
		Expect(proto.Unmarshal(resp.Metadata, metadata)).To(Succeed())
		Expect(metadata.FetchedRecordsCount).To(Equal(int32(2)))
		Expect(iterator.closeCount).To(Equal(1))
	})
})
