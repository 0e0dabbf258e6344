/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package chaincode

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/beacon-ledger/beacon/common/semaphore"
	"github.com/beacon-ledger/beacon/core/container/ccintf"
	"github.com/hashicorp/go-multierror"
	pb "github.com/hyperledger/fabric-protos-go/peer"
	"github.com/pkg/errors"
	"github.com/sethvargo/go-retry"
)

// ProcessStatus is the lifecycle state of a chaincode process.
type ProcessStatus int

const (
	ProcessStopped ProcessStatus = iota
	ProcessStarting
	ProcessReady
	ProcessBusy
	ProcessCrashed
)

func (s ProcessStatus) String() string {
	switch s {
	case ProcessStopped:
		return "Stopped"
	case ProcessStarting:
		return "Starting"
	case ProcessReady:
		return "Ready"
	case ProcessBusy:
		return "Busy"
	case ProcessCrashed:
		return "Crashed"
	default:
		return fmt.Sprintf("ProcessStatus(%d)", int(s))
	}
}

// ProcessInfo describes a chaincode process.
type ProcessInfo struct {
	ChaincodeID string
	Status      ProcessStatus
	// RestartCount is the number of launches after the first one.
	RestartCount int
	// Generation is incremented every time the process registers.
	Generation uint64
}

// Launcher starts and stops chaincode runtimes.
type Launcher interface {
	Launch(ccid string, streamHandler ccintf.StreamHandler) error
	Stop(ccid string) error
}

// HandlerLookup finds the handler of a registered chaincode.
type HandlerLookup interface {
	Handler(ccid string) *Handler
	DeregisterHandler(h *Handler) bool
}

// Definitions resolves chaincode definitions.
type Definitions interface {
	Definition(ccid string) (*ccintf.ChaincodeDefinition, bool)
}

type process struct {
	ccid string
	sem  *semaphore.Semaphore

	// the fields below are guarded by ProcessManager.mutex
	status              ProcessStatus
	handler             *Handler
	generation          uint64
	launched            bool
	restartCount        int
	consecutiveFailures int
	exhausted           bool
	unloaded            bool
	needsStop           bool
	launchDone          chan struct{}
	cancelLaunch        context.CancelFunc
	lastErr             error
}

// ProcessHandle grants exclusive use of a chaincode process until released.
type ProcessHandle struct {
	process    *process
	handler    *Handler
	generation uint64
	released   bool
}

func (h *ProcessHandle) ChaincodeID() string { return h.process.ccid }

func (h *ProcessHandle) Generation() uint64 { return h.generation }

// ProcessManager keeps at most one process per chaincode, serializes the
// invocations of each and restarts processes that crash or time out.
type ProcessManager struct {
	Definitions       Definitions
	Launcher          Launcher
	HandlerRegistry   HandlerLookup
	StreamHandler     ccintf.StreamHandler
	MaxRestarts       int
	RestartBackoff    time.Duration
	MaxRestartBackoff time.Duration
	Metrics           *ProcessMetrics

	mutex     sync.Mutex
	processes map[string]*process
	shutdown  bool
}

func (pm *ProcessManager) getProcess(ccid string) (*process, error) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	if pm.shutdown {
		return nil, errors.Wrapf(ErrUnavailable, "chaincode %s: process manager is shut down", ccid)
	}
	if pm.processes == nil {
		pm.processes = map[string]*process{}
	}
	p, ok := pm.processes[ccid]
	if !ok {
		p = &process{ccid: ccid, sem: semaphore.New(1)}
		pm.processes[ccid] = p
	}
	return p, nil
}

// Acquire returns a handle on a ready process for the chaincode, launching it
// when needed. A second caller for the same chaincode waits until the handle
// is released.
func (pm *ProcessManager) Acquire(ctx context.Context, ccid string) (*ProcessHandle, error) {
	if _, ok := pm.Definitions.Definition(ccid); !ok {
		return nil, errors.Wrapf(ErrChaincodeNotFound, "chaincode %s is not defined", ccid)
	}

	for {
		p, err := pm.getProcess(ccid)
		if err != nil {
			return nil, err
		}

		if err := p.sem.Acquire(ctx); err != nil {
			return nil, errors.Wrapf(ErrChaincodeTimeout, "waiting for chaincode %s: %s", ccid, err)
		}

		handle, err := pm.awaitReady(ctx, p)
		if err != nil || handle != nil {
			if err != nil {
				p.sem.Release()
			}
			return handle, err
		}

		// the process was unloaded while waiting, start over with a new one
		p.sem.Release()
	}
}

func (pm *ProcessManager) awaitReady(ctx context.Context, p *process) (*ProcessHandle, error) {
	for {
		pm.mutex.Lock()
		switch {
		case p.unloaded:
			pm.mutex.Unlock()
			return nil, nil
		case p.exhausted:
			lastErr := p.lastErr
			pm.mutex.Unlock()
			return nil, errors.Wrapf(ErrUnavailable, "chaincode %s failed %d consecutive times: %v", p.ccid, pm.MaxRestarts+1, lastErr)
		case p.status == ProcessReady && p.handler != nil:
			if p.handler.Alive() {
				p.status = ProcessBusy
				handle := &ProcessHandle{process: p, handler: p.handler, generation: p.generation}
				pm.mutex.Unlock()
				return handle, nil
			}
			pm.processFailed(p, p.handler, errors.New("chaincode stream ended while idle"))
		}

		done := p.launchDone
		if done == nil {
			done = pm.startLaunch(p)
		}
		pm.mutex.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return nil, errors.Wrapf(ErrChaincodeTimeout, "chaincode %s did not start: %s", p.ccid, ctx.Err())
		}
	}
}

// startLaunch must be called with the mutex held.
func (pm *ProcessManager) startLaunch(p *process) chan struct{} {
	done := make(chan struct{})
	if pm.shutdown || p.unloaded {
		close(done)
		return done
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.launchDone = done
	p.cancelLaunch = cancel
	if !p.exhausted {
		p.status = ProcessStarting
	}

	go pm.launch(ctx, p, done)
	return done
}

func (pm *ProcessManager) newBackoff() retry.Backoff {
	backoff := retry.NewExponential(pm.RestartBackoff)
	backoff = retry.WithCappedDuration(pm.MaxRestartBackoff, backoff)
	backoff = retry.WithJitterPercent(10, backoff)
	return retry.WithMaxRetries(uint64(pm.MaxRestarts), backoff)
}

func (pm *ProcessManager) launch(ctx context.Context, p *process, done chan struct{}) {
	defer close(done)

	err := retry.Do(ctx, pm.newBackoff(), func(ctx context.Context) error {
		pm.mutex.Lock()
		needsStop := p.needsStop
		p.needsStop = false
		exhausted := p.exhausted
		if !exhausted {
			if p.launched {
				p.restartCount++
				pm.Metrics.Restarts.With("chaincode", p.ccid).Add(1)
			}
			p.launched = true
		}
		pm.mutex.Unlock()

		if needsStop {
			if err := pm.Launcher.Stop(p.ccid); err != nil {
				chaincodeLogger.Debugf("stopping chaincode %s before relaunch: %s", p.ccid, err)
			}
		}
		if exhausted {
			return errors.Wrapf(ErrUnavailable, "chaincode %s will not be restarted", p.ccid)
		}

		chaincodeLogger.Debugf("launching chaincode %s", p.ccid)
		err := pm.Launcher.Launch(p.ccid, pm.StreamHandler)
		var handler *Handler
		if err == nil {
			handler = pm.HandlerRegistry.Handler(p.ccid)
			if handler == nil {
				err = errors.Errorf("chaincode %s launched without a registered handler", p.ccid)
			}
		}

		pm.mutex.Lock()
		defer pm.mutex.Unlock()

		if err != nil {
			p.lastErr = err
			p.consecutiveFailures++
			chaincodeLogger.Warningf("launch of chaincode %s failed (%d consecutive failures): %s", p.ccid, p.consecutiveFailures, err)
			if p.consecutiveFailures > pm.MaxRestarts {
				return err
			}
			return retry.RetryableError(err)
		}

		p.handler = handler
		p.generation++
		p.status = ProcessReady
		chaincodeLogger.Infof("chaincode %s is ready (generation %d)", p.ccid, p.generation)
		go pm.watch(p, handler)
		return nil
	})

	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	p.launchDone = nil
	p.cancelLaunch = nil
	if err == nil {
		return
	}

	if p.consecutiveFailures > pm.MaxRestarts && !p.exhausted {
		chaincodeLogger.Errorf("chaincode %s exhausted its restart budget: %s", p.ccid, err)
		p.exhausted = true
	}
	if p.handler == nil {
		p.status = ProcessStopped
	}
}

// watch reports a process whose stream ends while it is idle.
func (pm *ProcessManager) watch(p *process, handler *Handler) {
	done := handler.streamDone()
	if done == nil {
		return
	}
	<-done

	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	if p.handler == handler && p.status == ProcessReady {
		pm.processFailed(p, handler, errors.New("chaincode stream ended while idle"))
	}
}

// processFailed marks the process crashed and schedules a restart, unless
// the restart budget is exhausted. It must be called with the mutex held.
func (pm *ProcessManager) processFailed(p *process, handler *Handler, reason error) {
	if handler == nil || p.handler != handler {
		return
	}

	chaincodeLogger.Warningf("chaincode %s generation %d failed: %s", p.ccid, p.generation, reason)
	p.handler = nil
	p.status = ProcessCrashed
	p.needsStop = true
	p.lastErr = reason
	pm.HandlerRegistry.DeregisterHandler(handler)

	p.consecutiveFailures++
	if p.consecutiveFailures > pm.MaxRestarts {
		chaincodeLogger.Errorf("chaincode %s exhausted its restart budget", p.ccid)
		p.exhausted = true
		p.status = ProcessStopped
	}

	// a launch in progress stops the old runtime before it starts a new one
	if p.launchDone == nil {
		pm.startLaunch(p)
	}
}

// Invoke sends the message to the process of the handle and waits for the
// result. A timeout or a crash fails the process and schedules a restart.
func (pm *ProcessManager) Invoke(ctx context.Context, handle *ProcessHandle, txParams *TransactionParams, msg *pb.ChaincodeMessage, timeout time.Duration) (*pb.ChaincodeMessage, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := handle.handler.Execute(ctx, txParams, msg)

	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	switch errors.Cause(err) {
	case ErrChaincodeTimeout, ErrChaincodeCrashed:
		pm.processFailed(handle.process, handle.handler, err)
	case nil, ErrReadOnlyViolation:
		if handle.process.handler == handle.handler {
			handle.process.consecutiveFailures = 0
		}
	}

	return resp, err
}

// Release returns the process of the handle to the pool.
func (pm *ProcessManager) Release(handle *ProcessHandle) {
	if handle == nil || handle.released {
		return
	}
	handle.released = true

	p := handle.process
	pm.mutex.Lock()
	if p.handler == handle.handler && p.status == ProcessBusy {
		if handle.handler.Alive() {
			p.status = ProcessReady
		} else {
			pm.processFailed(p, handle.handler, errors.New("chaincode stream ended during invocation"))
		}
	}
	pm.mutex.Unlock()

	p.sem.Release()
}

// Status describes the process of the chaincode.
func (pm *ProcessManager) Status(ccid string) ProcessInfo {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	p, ok := pm.processes[ccid]
	if !ok {
		return ProcessInfo{ChaincodeID: ccid, Status: ProcessStopped}
	}
	return ProcessInfo{
		ChaincodeID:  ccid,
		Status:       p.status,
		RestartCount: p.restartCount,
		Generation:   p.generation,
	}
}

// Unload stops the process of the chaincode and forgets it, which resets its
// restart budget.
func (pm *ProcessManager) Unload(ctx context.Context, ccid string) error {
	pm.mutex.Lock()
	p, ok := pm.processes[ccid]
	if ok {
		p.unloaded = true
		delete(pm.processes, ccid)
	}
	pm.mutex.Unlock()

	if !ok {
		return nil
	}
	return pm.stopProcess(ctx, p)
}

// Shutdown stops every process. No process is launched afterwards.
func (pm *ProcessManager) Shutdown(ctx context.Context) error {
	pm.mutex.Lock()
	pm.shutdown = true
	processes := make([]*process, 0, len(pm.processes))
	for _, p := range pm.processes {
		processes = append(processes, p)
	}
	pm.mutex.Unlock()

	var result error
	for _, p := range processes {
		if err := pm.stopProcess(ctx, p); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

func (pm *ProcessManager) stopProcess(ctx context.Context, p *process) error {
	pm.mutex.Lock()
	if p.cancelLaunch != nil {
		p.cancelLaunch()
	}
	done := p.launchDone
	pm.mutex.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "waiting for launch of chaincode %s", p.ccid)
		}
	}

	pm.mutex.Lock()
	handler := p.handler
	running := handler != nil || p.needsStop
	p.handler = nil
	p.needsStop = false
	p.status = ProcessStopped
	pm.mutex.Unlock()

	if handler != nil {
		pm.HandlerRegistry.DeregisterHandler(handler)
	}
	if !running {
		return nil
	}
	if err := pm.Launcher.Stop(p.ccid); err != nil {
		return errors.WithMessagef(err, "failed to stop chaincode %s", p.ccid)
	}
	chaincodeLogger.Infof("stopped chaincode %s", p.ccid)
	return nil
}
