/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package chaincode

import (
	"strconv"
	"time"

	"github.com/beacon-ledger/beacon/core/container/ccintf"
	"github.com/pkg/errors"
)

// Runtime is used to manage chaincode runtime instances.
type Runtime interface {
	Build(ccid string) (*ccintf.ChaincodeServerInfo, error)
	Start(ccid string, peerConnection *ccintf.PeerConnection) error
	Stop(ccid string) error
	Wait(ccid string) (int, error)
}

// LaunchRegistry tracks launching chaincode instances.
type LaunchRegistry interface {
	Launching(ccid string) (launchState *LaunchState, started bool)
	Deregister(ccid string)
}

// ConnectionHandler serves the chaincode stream of chaincode that runs as a
// server. Stream returns when the stream ends.
type ConnectionHandler interface {
	Stream(ccid string, ccinfo *ccintf.ChaincodeServerInfo, streamHandler ccintf.StreamHandler) error
}

// RuntimeLauncher is responsible for launching chaincode runtimes.
type RuntimeLauncher struct {
	Runtime           Runtime
	Registry          LaunchRegistry
	StartupTimeout    time.Duration
	Metrics           *LaunchMetrics
	PeerAddress       string
	ConnectionHandler ConnectionHandler
}

// Launch starts the chaincode unless it is already running or launching,
// then waits until it has registered or the launch failed.
func (r *RuntimeLauncher) Launch(ccid string, streamHandler ccintf.StreamHandler) error {
	var startFailCh chan error
	var timeoutCh <-chan time.Time

	startTime := time.Now()
	launchState, alreadyStarted := r.Registry.Launching(ccid)
	if !alreadyStarted {
		startFailCh = make(chan error, 1)
		timer := time.NewTimer(r.StartupTimeout)
		defer timer.Stop()
		timeoutCh = timer.C

		go func() {
			// go through the build process to obtain connection information
			ccservinfo, err := r.Runtime.Build(ccid)
			if err != nil {
				startFailCh <- errors.WithMessage(err, "error building chaincode")
				return
			}

			// chaincode server model indicated... proceed to connect to CC
			if ccservinfo != nil {
				if r.ConnectionHandler == nil {
					startFailCh <- errors.Errorf("no connection handler for chaincode server %s", ccservinfo.Address)
					return
				}
				go func() {
					if err := r.ConnectionHandler.Stream(ccid, ccservinfo, streamHandler); err != nil {
						startFailCh <- errors.WithMessagef(err, "connection to %s failed", ccid)
						return
					}
					launchState.Notify(errors.Errorf("connection to %s terminated", ccid))
				}()
				return
			}

			// peer-as-server model, the chaincode dials back
			peerConnection := &ccintf.PeerConnection{
				Address:       r.PeerAddress,
				StreamHandler: streamHandler,
			}
			if err := r.Runtime.Start(ccid, peerConnection); err != nil {
				startFailCh <- errors.WithMessage(err, "error starting chaincode")
				return
			}
			exitCode, err := r.Runtime.Wait(ccid)
			if err != nil {
				launchState.Notify(errors.Wrap(err, "failed to wait on chaincode exit"))
			}
			launchState.Notify(errors.Errorf("chaincode exited with %d", exitCode))
		}()
	}

	var err error
	select {
	case <-launchState.Done():
		err = errors.WithMessage(launchState.Err(), "chaincode registration failed")
	case err = <-startFailCh:
		launchState.Notify(err)
		r.Metrics.LaunchFailures.With("chaincode", ccid).Add(1)
	case <-timeoutCh:
		err = errors.Errorf("timeout expired while starting chaincode %s", ccid)
		launchState.Notify(err)
		r.Metrics.LaunchTimeouts.With("chaincode", ccid).Add(1)
	}

	success := true
	if err != nil && !alreadyStarted {
		success = false
		chaincodeLogger.Debugf("stopping due to error while launching: %+v", err)
		if stopErr := r.Runtime.Stop(ccid); stopErr != nil {
			chaincodeLogger.Debugf("stop failed: %+v", stopErr)
		}
		defer r.Registry.Deregister(ccid)
	}

	r.Metrics.LaunchDuration.With(
		"chaincode", ccid,
		"success", strconv.FormatBool(success),
	).Observe(time.Since(startTime).Seconds())

	chaincodeLogger.Debug("launch complete")
	return err
}

// Stop terminates the chaincode runtime.
func (r *RuntimeLauncher) Stop(ccid string) error {
	err := r.Runtime.Stop(ccid)
	if err != nil {
		return errors.WithMessagef(err, "failed to stop chaincode %s", ccid)
	}

	return nil
}
