/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package ledger

import (
	"fmt"

	"github.com/beacon-ledger/beacon/core/config"
	"github.com/beacon-ledger/beacon/core/gateway"
	"github.com/beacon-ledger/beacon/internal/peer/node"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/hyperledger/fabric-lib-go/common/metrics/disabled"
	"github.com/spf13/cobra"
)

var logger = flogging.MustGetLogger("peer.ledger")

const (
	ledgerFuncName = "ledger"
	ledgerCmdDes   = "Read or commit the world state of a stopped node: get|query|history|commit."
)

// Cmd returns the cobra command for Ledger
func Cmd() *cobra.Command {
	ledgerCmd := &cobra.Command{
		Use:   ledgerFuncName,
		Short: ledgerCmdDes,
		Long:  ledgerCmdDes,
	}
	cfgFile := ledgerCmd.PersistentFlags().StringP("config", "c", "", "path to beacon.yaml")

	ledgerCmd.AddCommand(getCmd(cfgFile))
	ledgerCmd.AddCommand(queryCmd(cfgFile))
	ledgerCmd.AddCommand(historyCmd(cfgFile))
	ledgerCmd.AddCommand(commitCmd(cfgFile))
	return ledgerCmd
}

func loadConfig(cfgFile string) (*config.Config, error) {
	conf, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	node.InitLogging(conf)
	return conf, nil
}

// readGateway opens the ledger of the node for reading. Full scans are
// permitted since the caller is an operator with file system access.
func readGateway(conf *config.Config) (*gateway.Gateway, func(), error) {
	provider, l, err := node.OpenLedger(conf, &disabled.Provider{})
	if err != nil {
		return nil, nil, err
	}
	gw, err := gateway.New(l, nil, 1)
	if err != nil {
		provider.Close()
		return nil, nil, err
	}
	gw.AllowFullScan = true
	return gw, provider.Close, nil
}

func exactArgs(n int, usage string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return fmt.Errorf("expected %s", usage)
		}
		return nil
	}
}
