/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package ledger

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/beacon-ledger/beacon/core/chaincode/shim"
	"github.com/beacon-ledger/beacon/core/config"
	"github.com/beacon-ledger/beacon/core/gateway"
	ledgerapi "github.com/beacon-ledger/beacon/core/ledger"
	"github.com/beacon-ledger/beacon/internal/peer/node"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/tedsuo/ifrit"
	"gopkg.in/yaml.v2"
)

// BlockSpec is one ordered block of a blocks file. A zero height commits the
// block at the next height of the ledger.
type BlockSpec struct {
	Height       uint64   `yaml:"height"`
	Transactions []TxSpec `yaml:"transactions"`
}

// TxSpec is one transaction of a blocks file. An empty txid is generated.
type TxSpec struct {
	TxID      string            `yaml:"txid"`
	Chaincode string            `yaml:"chaincode"`
	Function  string            `yaml:"function"`
	Args      []string          `yaml:"args"`
	ReadOnly  bool              `yaml:"readOnly"`
	Metadata  map[string]string `yaml:"metadata"`
}

func commitCmd(cfgFile *string) *cobra.Command {
	var blocksFile string
	cmd := &cobra.Command{
		Use:   "commit -f <blocks.yaml>",
		Short: "Execute and commit ordered blocks read from a file.",
		Args:  exactArgs(0, "no positional arguments"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if blocksFile == "" {
				return errors.New("a blocks file must be given with --file")
			}
			cmd.SilenceUsage = true
			blocks, err := ReadBlocks(blocksFile)
			if err != nil {
				return err
			}
			conf, err := loadConfig(*cfgFile)
			if err != nil {
				return err
			}
			return CommitBlocks(cmd.Context(), conf, nil, blocks, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&blocksFile, "file", "f", "", "YAML file holding a list of blocks")
	return cmd
}

// ReadBlocks parses a YAML list of blocks.
func ReadBlocks(path string) ([]*BlockSpec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read blocks file %s", path)
	}
	var blocks []*BlockSpec
	if err := yaml.UnmarshalStrict(b, &blocks); err != nil {
		return nil, errors.Wrapf(err, "failed to parse blocks file %s", path)
	}
	return blocks, nil
}

// CommitBlocks assembles a node from the configuration, replays any
// interrupted commit and then commits the blocks in order. A report line is
// written for every block. In-process chaincode is defined alongside the
// configured chaincode.
func CommitBlocks(ctx context.Context, conf *config.Config, inproc map[string]shim.Chaincode, blocks []*BlockSpec, out io.Writer) (err error) {
	p, err := node.New(conf, inproc)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := p.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	process := ifrit.Invoke(p.ChaincodeServer())
	defer func() {
		process.Signal(os.Interrupt)
		if werr := <-process.Wait(); werr != nil {
			logger.Warningf("Chaincode server stopped: %s", werr)
		}
	}()

	if err := p.Recover(ctx); err != nil {
		return err
	}

	next := uint64(1)
	if h, err := p.Ledger.Height(); err != nil {
		return err
	} else if h != nil {
		next = h.BlockNum + 1
	}

	for i, spec := range blocks {
		block, err := toBlock(spec, next)
		if err != nil {
			return errors.WithMessagef(err, "block %d of the blocks file", i)
		}
		report, err := p.Committer.CommitBlock(ctx, block)
		if err != nil {
			return errors.WithMessagef(err, "failed to commit block %d", block.Height)
		}
		printReport(out, report)
		next = report.BlockHeight + 1
	}
	return nil
}

func toBlock(spec *BlockSpec, next uint64) (*ledgerapi.Block, error) {
	block := &ledgerapi.Block{Height: spec.Height}
	if block.Height == 0 {
		block.Height = next
	}
	for _, ts := range spec.Transactions {
		tx := &ledgerapi.Transaction{
			TxID:        ts.TxID,
			ChaincodeID: ts.Chaincode,
			Function:    ts.Function,
			Args:        ts.Args,
			ReadOnly:    ts.ReadOnly,
			Metadata:    ts.Metadata,
		}
		if tx.TxID == "" {
			txID, err := gateway.ComputeTxID(&gateway.Proposal{
				ChaincodeID: tx.ChaincodeID,
				Function:    tx.Function,
				Args:        tx.Args,
				ReadOnly:    tx.ReadOnly,
				Metadata:    tx.Metadata,
			}, uuid.NewString())
			if err != nil {
				return nil, err
			}
			tx.TxID = txID
		}
		block.Transactions = append(block.Transactions, tx)
	}
	return block, nil
}

func printReport(w io.Writer, report *ledgerapi.CommitReport) {
	fmt.Fprintf(w, "block %d: %d committed, %d rejected\n", report.BlockHeight, len(report.Committed), len(report.Rejected))
	for _, txID := range report.Committed {
		fmt.Fprintf(w, "  %s VALID\n", txID)
	}
	for _, rejected := range report.Rejected {
		fmt.Fprintf(w, "  %s %s %s\n", rejected.TxID, rejected.Reason, rejected.Message)
	}
}
