/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package ledger

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/beacon-ledger/beacon/core/gateway"
	ledgerapi "github.com/beacon-ledger/beacon/core/ledger"
	"github.com/beacon-ledger/beacon/core/ledger/kvledger/txmgmt/version"
	"github.com/hyperledger/fabric-protos-go/ledger/queryresult"
	"github.com/spf13/cobra"
)

func getCmd(cfgFile *string) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "get <chaincode> <key>",
		Short: "Print the committed value of a key.",
		Args:  exactArgs(2, "<chaincode> <key>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			height, err := parseHeight(at)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			conf, err := loadConfig(*cfgFile)
			if err != nil {
				return err
			}
			gw, closeLedger, err := readGateway(conf)
			if err != nil {
				return err
			}
			defer closeLedger()

			value, err := gw.GetState(cmd.Context(), args[0], args[1], height)
			if err != nil {
				return err
			}
			if value == nil {
				return fmt.Errorf("key %s not found in chaincode %s", args[1], args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", value)
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "read the value as of <block>[:<tx>] instead of the latest")
	return cmd
}

func queryCmd(cfgFile *string) *cobra.Command {
	var (
		limit    int32
		bookmark string
	)
	cmd := &cobra.Command{
		Use:   "query <chaincode> <prefix|range|composite|all> [params...]",
		Short: "Print the committed keys matching a query.",
		Long: `Print the committed keys matching a query.
  prefix <prefix>
  range <startKey> [endKey]
  composite <objectType> [attributes...]
  all`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			queryType, err := gateway.ParseQueryType(args[1])
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			conf, err := loadConfig(*cfgFile)
			if err != nil {
				return err
			}
			gw, closeLedger, err := readGateway(conf)
			if err != nil {
				return err
			}
			defer closeLedger()

			result, err := gw.Query(cmd.Context(), args[0], queryType, args[2:], limit, bookmark)
			if err != nil {
				return err
			}
			printKVs(cmd.OutOrStdout(), result.Results)
			if result.Bookmark != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "bookmark: %q\n", result.Bookmark)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.Int32VarP(&limit, "limit", "l", 0, "maximum number of results, 0 for the configured page size")
	flags.StringVarP(&bookmark, "bookmark", "b", "", "key to resume a previous query from")
	return cmd
}

func historyCmd(cfgFile *string) *cobra.Command {
	var (
		limit    int
		from, to string
	)
	cmd := &cobra.Command{
		Use:   "history <chaincode> <key>",
		Short: "Print the committed modifications of a key, oldest first.",
		Args:  exactArgs(2, "<chaincode> <key>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			fromHeight, err := parseHeight(from)
			if err != nil {
				return err
			}
			toHeight, err := parseHeight(to)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			conf, err := loadConfig(*cfgFile)
			if err != nil {
				return err
			}
			gw, closeLedger, err := readGateway(conf)
			if err != nil {
				return err
			}
			defer closeLedger()

			entries, err := gw.History(cmd.Context(), args[0], args[1], fromHeight, toHeight, limit)
			if err != nil {
				return err
			}
			printHistory(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.IntVarP(&limit, "limit", "l", 0, "maximum number of modifications, 0 for all")
	flags.StringVar(&from, "from", "", "lowest version <block>[:<tx>] to include")
	flags.StringVar(&to, "to", "", "highest version <block>[:<tx>] to include")
	return cmd
}

// parseHeight reads a version written as <block>[:<tx>]. An empty string is nil.
func parseHeight(s string) (*version.Height, error) {
	if s == "" {
		return nil, nil
	}
	blockPart, txPart, hasTx := strings.Cut(s, ":")
	blockNum, err := strconv.ParseUint(blockPart, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid height %q, expected <block>[:<tx>]", s)
	}
	var txNum uint64
	if hasTx {
		if txNum, err = strconv.ParseUint(txPart, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid height %q, expected <block>[:<tx>]", s)
		}
	}
	return version.NewHeight(blockNum, txNum), nil
}

func printKVs(w io.Writer, kvs []*queryresult.KV) {
	for _, kv := range kvs {
		fmt.Fprintf(w, "%q %s\n", kv.Key, kv.Value)
	}
}

func printHistory(w io.Writer, entries []*ledgerapi.HistoryEntry) {
	for _, entry := range entries {
		v := entry.Version
		if entry.IsDelete {
			fmt.Fprintf(w, "%d:%d %s deleted\n", v.BlockNum, v.TxNum, entry.TxID)
			continue
		}
		fmt.Fprintf(w, "%d:%d %s %s\n", v.BlockNum, v.TxNum, entry.TxID, entry.Value)
	}
}
