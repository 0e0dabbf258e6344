/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package externalbuilder

import (
	"bufio"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/pkg/errors"
)

// ExitFunc is called with the exit error of the process.
type ExitFunc func(error)

// Session tracks a running child process.
type Session struct {
	mutex     sync.Mutex
	command   *exec.Cmd
	exited    chan struct{}
	exitErr   error
	exitFuncs []ExitFunc
}

// Start will start the provided command and return a Session that can be used
// to await completion or signal the process.
//
// The provided logger is used to forward the stdout and stderr of the process,
// one entry per line.
func Start(logger *flogging.FabricLogger, cmd *exec.Cmd, exitFuncs ...ExitFunc) (*Session, error) {
	logger = logger.With("command", filepath.Base(cmd.Path))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open stdout")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open stderr")
	}

	err = cmd.Start()
	if err != nil {
		return nil, err
	}

	sess := &Session{
		command:   cmd,
		exitFuncs: exitFuncs,
		exited:    make(chan struct{}),
	}
	go sess.waitForExit(logger, stdout, stderr)

	return sess, nil
}

func (s *Session) waitForExit(logger *flogging.FabricLogger, stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	forward := func(r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			logger.Info(scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			logger.Errorf("command output scanning failed: %s", err)
		}
	}

	// the pipes must be drained before Wait closes them
	wg.Add(2)
	go forward(stdout)
	go forward(stderr)
	wg.Wait()

	err := s.command.Wait()

	s.mutex.Lock()
	s.exitErr = err
	s.mutex.Unlock()

	for _, exit := range s.exitFuncs {
		exit(err)
	}

	close(s.exited)
}

// Wait waits for the running command to terminate and returns the exit error
// from the command. If the command has already exited, the exit err will be
// returned immediately.
func (s *Session) Wait() error {
	<-s.exited

	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.exitErr
}

// Signal will send a signal to the running process.
func (s *Session) Signal(sig os.Signal) {
	s.command.Process.Signal(sig)
}
