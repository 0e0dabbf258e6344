/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package gateway

import (
	"context"
	"strings"

	"github.com/beacon-ledger/beacon/core/ledger"
	"github.com/beacon-ledger/beacon/core/ledger/kvledger/txmgmt/statedb"
	"github.com/beacon-ledger/beacon/core/ledger/kvledger/txmgmt/version"
	"github.com/hyperledger/fabric-protos-go/ledger/queryresult"
	"github.com/pkg/errors"
)

// QueryType selects how the parameters of a query are interpreted.
type QueryType int

const (
	// QueryPrefix takes one parameter, the key prefix.
	QueryPrefix QueryType = iota
	// QueryRange takes the start key and an optional end key.
	QueryRange
	// QueryComposite takes the object type followed by leading attributes.
	QueryComposite
	// QueryAll takes no parameters.
	QueryAll
)

var queryTypeNames = map[string]QueryType{
	"prefix":    QueryPrefix,
	"range":     QueryRange,
	"composite": QueryComposite,
	"all":       QueryAll,
}

// ParseQueryType returns the QueryType for its lower case name.
func ParseQueryType(name string) (QueryType, error) {
	qt, ok := queryTypeNames[strings.ToLower(name)]
	if !ok {
		return 0, errors.WithMessagef(ledger.ErrInvalidArgument, "unknown query type %q", name)
	}
	return qt, nil
}

// QueryResult is one page of a state query.
type QueryResult struct {
	Results []*queryresult.KV
	// Bookmark resumes the query after the last result; empty once exhausted.
	Bookmark string
}

// BuildQuery turns a query type and its parameters into a state query.
func BuildQuery(queryType QueryType, params []string) (statedb.Query, error) {
	switch queryType {
	case QueryPrefix:
		if len(params) != 1 {
			return nil, errors.WithMessage(ledger.ErrInvalidArgument, "prefix query takes exactly one parameter")
		}
		return statedb.PrefixQuery{Prefix: params[0]}, nil
	case QueryRange:
		switch len(params) {
		case 1:
			return statedb.RangeQuery{StartKey: params[0]}, nil
		case 2:
			return statedb.RangeQuery{StartKey: params[0], EndKey: params[1]}, nil
		default:
			return nil, errors.WithMessage(ledger.ErrInvalidArgument, "range query takes a start key and an optional end key")
		}
	case QueryComposite:
		if len(params) < 1 {
			return nil, errors.WithMessage(ledger.ErrInvalidArgument, "composite query requires an object type")
		}
		return statedb.CompositeQuery{ObjectType: params[0], Attributes: params[1:]}, nil
	case QueryAll:
		if len(params) != 0 {
			return nil, errors.WithMessage(ledger.ErrInvalidArgument, "all query takes no parameters")
		}
		return statedb.AllQuery{}, nil
	default:
		return nil, errors.WithMessagef(ledger.ErrInvalidArgument, "unknown query type %d", queryType)
	}
}

// GetState returns the value of a key as of height at, nil if absent. A nil
// height reads the latest committed value.
func (g *Gateway) GetState(ctx context.Context, chaincodeID, key string, at *version.Height) ([]byte, error) {
	if chaincodeID == "" {
		return nil, errors.WithMessage(ledger.ErrInvalidArgument, "chaincode id must not be empty")
	}
	qe, err := g.Ledger.NewQueryExecutor(at)
	if err != nil {
		return nil, err
	}
	defer qe.Done()
	return qe.GetState(chaincodeID, key)
}

// Query returns up to limit keys of the chaincode matching the query, in key
// order. A zero limit is unbounded except for QueryAll.
func (g *Gateway) Query(ctx context.Context, chaincodeID string, queryType QueryType, params []string, limit int32, bookmark string) (*QueryResult, error) {
	if chaincodeID == "" {
		return nil, errors.WithMessage(ledger.ErrInvalidArgument, "chaincode id must not be empty")
	}
	if limit < 0 {
		return nil, errors.WithMessagef(ledger.ErrInvalidArgument, "invalid limit %d", limit)
	}
	if queryType == QueryAll && !g.AllowFullScan {
		return nil, errors.WithMessage(ledger.ErrInvalidArgument, "full namespace scans are not permitted")
	}
	query, err := BuildQuery(queryType, params)
	if err != nil {
		return nil, err
	}

	qe, err := g.Ledger.NewQueryExecutor(nil)
	if err != nil {
		return nil, err
	}
	defer qe.Done()

	itr, err := qe.ExecuteQuery(chaincodeID, query, limit, bookmark)
	if err != nil {
		return nil, err
	}

	result := &QueryResult{}
	for {
		if err := ctx.Err(); err != nil {
			itr.Close()
			return nil, err
		}
		kv, err := itr.Next()
		if err != nil {
			itr.Close()
			return nil, err
		}
		if kv == nil {
			break
		}
		result.Results = append(result.Results, kv)
	}
	result.Bookmark = itr.GetBookmarkAndClose()
	return result, nil
}

// History returns up to limit modifications of a key with versions in
// [from, to], in ascending version order. Nil bounds are open and a zero
// limit is unbounded.
func (g *Gateway) History(ctx context.Context, chaincodeID, key string, from, to *version.Height, limit int) ([]*ledger.HistoryEntry, error) {
	if chaincodeID == "" || key == "" {
		return nil, errors.WithMessage(ledger.ErrInvalidArgument, "chaincode id and key must not be empty")
	}
	if limit < 0 {
		return nil, errors.WithMessagef(ledger.ErrInvalidArgument, "invalid limit %d", limit)
	}
	hqe, err := g.Ledger.NewHistoryQueryExecutor()
	if err != nil {
		return nil, err
	}
	itr, err := hqe.GetHistoryForKey(chaincodeID, key, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer itr.Close()

	var entries []*ledger.HistoryEntry
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry, err := itr.Next()
		if err != nil {
			return nil, err
		}
		if entry == nil {
			return entries, nil
		}
		entries = append(entries, entry)
	}
}
