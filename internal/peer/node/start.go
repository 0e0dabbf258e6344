/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package node

import (
	"fmt"
	"os"

	"github.com/beacon-ledger/beacon/common/metadata"
	"github.com/beacon-ledger/beacon/core/config"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/spf13/cobra"
	"github.com/tedsuo/ifrit"
	"github.com/tedsuo/ifrit/sigmon"
	"gopkg.in/yaml.v2"
)

const (
	nodeFuncName = "node"
	nodeCmdDes   = "Operate a node: start."
)

var cfgFile string

// Cmd returns the cobra command for Node
func Cmd() *cobra.Command {
	nodeCmd.AddCommand(startCmd())
	return nodeCmd
}

var nodeCmd = &cobra.Command{
	Use:   nodeFuncName,
	Short: fmt.Sprint(nodeCmdDes),
	Long:  fmt.Sprint(nodeCmdDes),
}

func startCmd() *cobra.Command {
	flags := nodeStartCmd.Flags()
	flags.StringVarP(&cfgFile, "config", "c", "", "path to beacon.yaml")
	return nodeStartCmd
}

var nodeStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Starts the node.",
	Long:  `Starts a node that executes and commits transactions.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 0 {
			return fmt.Errorf("trailing args detected")
		}
		// Parsing of the command line is done so silence cmd usage
		cmd.SilenceUsage = true
		conf, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		return serve(conf)
	},
}

// InitLogging applies the logging section of the configuration.
func InitLogging(conf *config.Config) {
	flogging.Init(flogging.Config{
		Format:  conf.Logging.Format,
		LogSpec: conf.Logging.Spec,
		Writer:  os.Stderr,
	})
}

func serve(conf *config.Config) error {
	InitLogging(conf)
	logger.Infof("Starting beacon %s (%s)", metadata.Version, metadata.CommitSHA)

	settings, err := yaml.Marshal(conf)
	if err != nil {
		return err
	}
	logger.Debugf("Node config with beacon.yaml settings and environment variable overrides:\n%s", settings)

	p, err := New(conf, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			logger.Errorf("Failed to shut down cleanly: %s", err)
		}
	}()

	logger.Infof("Started node with ID=[%s], chaincode address=[%s]", conf.Peer.ID, p.ccListener.Addr())
	process := ifrit.Invoke(sigmon.New(p.Runner()))
	return <-process.Wait()
}
