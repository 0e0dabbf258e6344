/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package externalbuilder

import (
	"os"
	"path/filepath"
	"time"

	"github.com/beacon-ledger/beacon/core/container"
	"github.com/beacon-ledger/beacon/core/container/ccintf"
	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/pkg/errors"
)

// DefaultTermTimeout is the grace period between SIGTERM and SIGKILL
const DefaultTermTimeout = 5 * time.Second

// Builder resolves chaincode executables. It is the VM for chaincode
// defined with the exec runtime type.
type Builder struct {
	BinariesDir string
	TermTimeout time.Duration
}

// Build locates the executable of the chaincode and returns an instance that
// runs it. Output of the process is logged under chaincode.<id>.
func (b *Builder) Build(definition *ccintf.ChaincodeDefinition) (container.Instance, error) {
	path := definition.Path
	if path == "" {
		if b.BinariesDir == "" {
			return nil, errors.Errorf("no path for chaincode %s and no binaries directory configured", definition.ID)
		}
		path = filepath.Join(b.BinariesDir, definition.ID)
	}

	fi, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not find executable for chaincode %s", definition.ID)
	}
	if fi.IsDir() || fi.Mode().Perm()&0o111 == 0 {
		return nil, errors.Errorf("%s is not an executable file", path)
	}

	termTimeout := b.TermTimeout
	if termTimeout == 0 {
		termTimeout = DefaultTermTimeout
	}

	return &Instance{
		ChaincodeID: definition.ID,
		Path:        path,
		Env:         definition.Env,
		Logger:      flogging.MustGetLogger("chaincode." + definition.ID),
		TermTimeout: termTimeout,
	}, nil
}
