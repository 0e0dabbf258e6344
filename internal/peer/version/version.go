/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package version

import (
	"fmt"
	"runtime"

	"github.com/beacon-ledger/beacon/common/metadata"
	"github.com/spf13/cobra"
)

// ProgramName is the name of the node binary
const ProgramName = "beacon"

// Cmd returns the Cobra Command for Version
func Cmd() *cobra.Command {
	return cobraCommand
}

var cobraCommand = &cobra.Command{
	Use:   "version",
	Short: "Print beacon version.",
	Long:  `Print current version of the beacon node.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 0 {
			return fmt.Errorf("trailing args detected")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// Parsing of the command line is done so silence cmd usage
		cmd.SilenceUsage = true
		fmt.Fprint(cmd.OutOrStdout(), GetInfo())
		return nil
	},
}

// GetInfo returns version information for the node
func GetInfo() string {
	return fmt.Sprintf("%s:\n Version: %s\n Commit SHA: %s\n Go version: %s\n OS/Arch: %s\n",
		ProgramName, metadata.Version, metadata.CommitSHA, runtime.Version(),
		fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH))
}
