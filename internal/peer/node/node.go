/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package node

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/beacon-ledger/beacon/core/chaincode"
	"github.com/beacon-ledger/beacon/core/chaincode/shim"
	"github.com/beacon-ledger/beacon/core/committer"
	"github.com/beacon-ledger/beacon/core/config"
	"github.com/beacon-ledger/beacon/core/container"
	"github.com/beacon-ledger/beacon/core/container/ccaas"
	"github.com/beacon-ledger/beacon/core/container/ccintf"
	"github.com/beacon-ledger/beacon/core/container/externalbuilder"
	"github.com/beacon-ledger/beacon/core/container/inproccontroller"
	"github.com/beacon-ledger/beacon/core/endorser"
	"github.com/beacon-ledger/beacon/core/gateway"
	"github.com/beacon-ledger/beacon/core/ledger"
	"github.com/beacon-ledger/beacon/core/ledger/kvledger"
	"github.com/beacon-ledger/beacon/core/operations"
	"github.com/beacon-ledger/beacon/core/sequencer/solo"
	"github.com/hashicorp/go-multierror"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/hyperledger/fabric-lib-go/common/metrics"
	pb "github.com/hyperledger/fabric-protos-go/peer"
	"github.com/pkg/errors"
	"github.com/tedsuo/ifrit"
	"github.com/tedsuo/ifrit/grouper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

var logger = flogging.MustGetLogger("peer.node")

// LedgerID names the world state ledger of a node.
const LedgerID = "worldstate"

// Peer holds the components of a running node.
type Peer struct {
	Config           *config.Config
	Operations       *operations.System
	LedgerProvider   *kvledger.Provider
	Ledger           ledger.PeerLedger
	Definitions      *chaincode.DefinitionRegistry
	InProc           *inproccontroller.Registry
	Router           *container.Router
	ChaincodeSupport *chaincode.ChaincodeSupport
	Endorser         *endorser.Endorser
	Committer        *committer.Committer
	Sequencer        *solo.Sequencer
	Gateway          *gateway.Gateway

	wal          *committer.BlockWAL
	ccListener   net.Listener
	ccGRPCServer *grpc.Server
}

// New assembles a node from the configuration. The in-process chaincode is
// defined alongside the exec and remote chaincode found in the configuration.
// Nothing is served until the runner of the node is invoked.
func New(conf *config.Config, inproc map[string]shim.Chaincode) (p *Peer, err error) {
	p = &Peer{Config: conf}
	defer func() {
		if err != nil {
			if cerr := p.Close(); cerr != nil {
				logger.Warningf("Cleanup after failed start: %s", cerr)
			}
		}
	}()

	p.Operations = operations.NewSystem(operations.Options{
		ListenAddress:   conf.Operations.ListenAddress,
		MetricsProvider: conf.Metrics.Provider,
	})
	metricsProvider := p.Operations.Provider

	if err := p.initLedger(metricsProvider); err != nil {
		return nil, err
	}
	if err := p.initChaincode(inproc, metricsProvider); err != nil {
		return nil, err
	}

	p.Endorser = &endorser.Endorser{
		Support: p.Ledger,
		Invoker: p.ChaincodeSupport,
		Metrics: endorser.NewMetrics(metricsProvider),
	}
	p.Committer = &committer.Committer{
		Ledger:   p.Ledger,
		Executor: p.Endorser,
		WAL:      p.wal,
		Workers:  conf.Ledger.Executor.Workers,
		Metrics:  committer.NewMetrics(metricsProvider),
	}
	if err := p.Operations.RegisterChecker("committer", p.Committer); err != nil {
		return nil, errors.WithMessage(err, "failed to register committer health check")
	}

	p.Sequencer = solo.New(p.Committer, p.Ledger, conf.Sequencer.BatchSize, conf.Sequencer.BatchTimeout, nil)
	p.Sequencer.OnCommit = logCommit
	p.Gateway, err = gateway.New(p.Ledger, p.Sequencer, conf.Gateway.PendingCacheSize)
	if err != nil {
		return nil, err
	}
	p.Sequencer.OnReject = p.Gateway.Reject

	return p, nil
}

func (p *Peer) initLedger(metricsProvider metrics.Provider) error {
	conf := p.Config
	provider, l, err := OpenLedger(conf, metricsProvider)
	if err != nil {
		return err
	}
	p.LedgerProvider, p.Ledger = provider, l

	if conf.Ledger.WAL.Enabled && conf.Ledger.State.Backend != ledger.MemoryDB {
		p.wal, err = committer.OpenBlockWAL(filepath.Join(ledgersPath(conf), "wal", LedgerID))
		if err != nil {
			return err
		}
	}
	return nil
}

// OpenLedger opens the world state ledger under the file system path of the
// node. The caller closes the returned provider.
func OpenLedger(conf *config.Config, metricsProvider metrics.Provider) (*kvledger.Provider, ledger.PeerLedger, error) {
	provider, err := kvledger.NewProvider(&ledger.Config{
		RootFSPath: ledgersPath(conf),
		StateDBConfig: &ledger.StateDBConfig{
			StateDatabase: conf.Ledger.State.Backend,
			CacheSizeMBs:  conf.Ledger.State.CacheSize,
			MaxPageSize:   conf.Ledger.State.PageSize,
		},
	}, metricsProvider)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "failed to create ledger provider")
	}

	l, err := provider.Open(LedgerID)
	if err != nil {
		provider.Close()
		return nil, nil, errors.WithMessagef(err, "failed to open ledger %s", LedgerID)
	}
	return provider, l, nil
}

func ledgersPath(conf *config.Config) string {
	return filepath.Join(conf.Peer.FileSystemPath, "ledgersData")
}

func (p *Peer) initChaincode(inproc map[string]shim.Chaincode, metricsProvider metrics.Provider) error {
	conf := p.Config

	listener, err := net.Listen("tcp", conf.Peer.ChaincodeListenAddress)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on chaincode address %s", conf.Peer.ChaincodeListenAddress)
	}
	p.ccListener = listener

	p.Definitions = chaincode.NewDefinitionRegistry()
	p.InProc = inproccontroller.NewRegistry()
	for ccid, cc := range inproc {
		if err := p.InProc.Register(ccid, cc); err != nil {
			return err
		}
		if err := p.Definitions.Define(&ccintf.ChaincodeDefinition{ID: ccid, Type: ccintf.InProc}); err != nil {
			return err
		}
	}
	if err := defineConfiguredChaincode(p.Definitions, conf.Chaincode); err != nil {
		return err
	}

	remote := &ccaas.Runtime{}
	p.Router = &container.Router{
		Definitions: p.Definitions,
		VMs: map[ccintf.RuntimeType]container.VM{
			ccintf.InProc: p.InProc,
			ccintf.Exec:   &externalbuilder.Builder{BinariesDir: conf.Chaincode.BinariesDir},
			ccintf.Remote: remote,
		},
	}

	p.ChaincodeSupport = chaincode.NewChaincodeSupport(
		chaincode.Config{
			PeerAddress:       listener.Addr().String(),
			StartupTimeout:    conf.Chaincode.StartupTimeout,
			ExecuteTimeout:    conf.Chaincode.ExecuteTimeout,
			MaxRestarts:       conf.Chaincode.MaxRestarts,
			RestartBackoff:    conf.Chaincode.RestartBackoff,
			MaxRestartBackoff: conf.Chaincode.MaxRestartBackoff,
		},
		p.Definitions,
		&chaincode.ContainerRuntime{ContainerRouter: p.Router},
		remote,
		false,
		metricsProvider,
	)

	p.ccGRPCServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{Time: time.Minute, Timeout: 20 * time.Second}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: time.Minute, PermitWithoutStream: true}),
	)
	pb.RegisterChaincodeSupportServer(p.ccGRPCServer, p.ChaincodeSupport)
	return nil
}

// defineConfiguredChaincode defines every executable in the binaries
// directory as exec chaincode and every external address as ccaas chaincode.
func defineConfiguredChaincode(definitions *chaincode.DefinitionRegistry, conf config.Chaincode) error {
	if conf.BinariesDir != "" {
		entries, err := os.ReadDir(conf.BinariesDir)
		if err != nil {
			return errors.Wrapf(err, "failed to read chaincode binaries directory %s", conf.BinariesDir)
		}
		for _, entry := range entries {
			info, err := entry.Info()
			if err != nil || !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
				continue
			}
			err = definitions.Define(&ccintf.ChaincodeDefinition{
				ID:   entry.Name(),
				Type: ccintf.Exec,
				Path: filepath.Join(conf.BinariesDir, entry.Name()),
			})
			if err != nil {
				return err
			}
		}
	}
	for ccid, address := range conf.External {
		err := definitions.Define(&ccintf.ChaincodeDefinition{ID: ccid, Type: ccintf.Remote, Address: address})
		if err != nil {
			return err
		}
	}
	return nil
}

// Recover replays blocks left in the write-ahead log by an interrupted commit.
func (p *Peer) Recover(ctx context.Context) error {
	return p.Committer.Recover(ctx)
}

// ChaincodeServer serves the chaincode protocol to exec'd chaincode.
func (p *Peer) ChaincodeServer() ifrit.Runner {
	return ifrit.RunFunc(func(signals <-chan os.Signal, ready chan<- struct{}) error {
		errC := make(chan error, 1)
		go func() { errC <- p.ccGRPCServer.Serve(p.ccListener) }()
		logger.Infof("Chaincode server listening on %s", p.ccListener.Addr())
		close(ready)

		select {
		case <-signals:
			p.ccGRPCServer.GracefulStop()
			return nil
		case err := <-errC:
			return errors.Wrap(err, "chaincode server exited")
		}
	})
}

// Runner returns the process group of the node. Members start in order and
// stop in reverse order.
func (p *Peer) Runner() ifrit.Runner {
	return grouper.NewOrdered(os.Interrupt, grouper.Members{
		{Name: "operations", Runner: p.Operations},
		{Name: "chaincode-server", Runner: p.ChaincodeServer()},
		{Name: "recovery", Runner: ifrit.RunFunc(p.runRecovery)},
		{Name: "sequencer", Runner: p.Sequencer},
	})
}

func (p *Peer) runRecovery(signals <-chan os.Signal, ready chan<- struct{}) error {
	if err := p.Recover(context.Background()); err != nil {
		return err
	}
	close(ready)
	<-signals
	return nil
}

// Close stops the chaincode processes and releases the ledger.
func (p *Peer) Close() error {
	var result *multierror.Error
	if p.ChaincodeSupport != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		result = multierror.Append(result, p.ChaincodeSupport.Processes.Shutdown(ctx))
		cancel()
	}
	if p.ccGRPCServer != nil {
		p.ccGRPCServer.Stop()
	} else if p.ccListener != nil {
		p.ccListener.Close()
	}
	if p.wal != nil {
		result = multierror.Append(result, p.wal.Close())
	}
	if p.LedgerProvider != nil {
		p.LedgerProvider.Close()
	}
	return result.ErrorOrNil()
}

func logCommit(report *ledger.CommitReport) {
	logger.Infof("Committed block [%d] with %d valid and %d rejected transactions", report.BlockHeight, len(report.Committed), len(report.Rejected))
	for _, rejected := range report.Rejected {
		logger.Debugf("Transaction %s rejected: %s %s", rejected.TxID, rejected.Reason, rejected.Message)
	}
}
