/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package config loads the node configuration from beacon.yaml and BEACON_*
// environment variables.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hyperledger/fabric-lib-go/common/flogging"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

var logger = flogging.MustGetLogger("config")

const (
	// ConfigName is the stem of the configuration file.
	ConfigName = "beacon"
	// EnvPrefix prefixes environment overrides, e.g. BEACON_PEER_ID.
	EnvPrefix = "BEACON"
	// CfgPathEnv names a directory searched for the configuration file.
	CfgPathEnv = "BEACON_CFG_PATH"
)

type Config struct {
	Peer       Peer       `mapstructure:"peer"`
	Operations Operations `mapstructure:"operations"`
	Metrics    Metrics    `mapstructure:"metrics"`
	Logging    Logging    `mapstructure:"logging"`
	Ledger     Ledger     `mapstructure:"ledger"`
	Chaincode  Chaincode  `mapstructure:"chaincode"`
	Sequencer  Sequencer  `mapstructure:"sequencer"`
	Gateway    Gateway    `mapstructure:"gateway"`
}

type Peer struct {
	ID                     string `mapstructure:"id"`
	FileSystemPath         string `mapstructure:"fileSystemPath"`
	ChaincodeListenAddress string `mapstructure:"chaincodeListenAddress"`
}

type Operations struct {
	ListenAddress string `mapstructure:"listenAddress"`
}

type Metrics struct {
	// Provider is prometheus or disabled.
	Provider string `mapstructure:"provider"`
}

type Logging struct {
	Spec   string `mapstructure:"spec"`
	Format string `mapstructure:"format"`
}

type Ledger struct {
	State    State    `mapstructure:"state"`
	Executor Executor `mapstructure:"executor"`
	WAL      WAL      `mapstructure:"wal"`
}

type State struct {
	// Backend is goleveldb, badger or memory.
	Backend string `mapstructure:"backend"`
	// CacheSize is the latest-value cache size in megabytes.
	CacheSize int   `mapstructure:"cacheSize"`
	PageSize  int32 `mapstructure:"pageSize"`
}

type Executor struct {
	Workers int `mapstructure:"workers"`
}

type WAL struct {
	Enabled bool `mapstructure:"enabled"`
}

type Chaincode struct {
	StartupTimeout    time.Duration `mapstructure:"startupTimeout"`
	ExecuteTimeout    time.Duration `mapstructure:"executeTimeout"`
	MaxRestarts       int           `mapstructure:"maxRestarts"`
	RestartBackoff    time.Duration `mapstructure:"restartBackoff"`
	MaxRestartBackoff time.Duration `mapstructure:"maxRestartBackoff"`
	// BinariesDir holds one executable per exec chaincode, named by its id.
	BinariesDir string `mapstructure:"binariesDir"`
	// External maps chaincode ids to the address of their chaincode server.
	External map[string]string `mapstructure:"external"`
}

type Sequencer struct {
	BatchSize    int           `mapstructure:"batchSize"`
	BatchTimeout time.Duration `mapstructure:"batchTimeout"`
}

type Gateway struct {
	PendingCacheSize int `mapstructure:"pendingCacheSize"`
}

var defaults = map[string]interface{}{
	"peer.id":                     "beacon0",
	"peer.fileSystemPath":         "/var/beacon/production",
	"peer.chaincodeListenAddress": "127.0.0.1:7052",
	"operations.listenAddress":    "127.0.0.1:9443",
	"metrics.provider":            "prometheus",
	"logging.spec":                "info",
	"logging.format":              "%{color}%{time:2006-01-02 15:04:05.000 MST} [%{module}] %{shortfunc} -> %{level:.4s} %{id:03x}%{color:reset} %{message}",
	"ledger.state.backend":        "goleveldb",
	"ledger.state.cacheSize":      64,
	"ledger.state.pageSize":       1000,
	"ledger.executor.workers":     8,
	"ledger.wal.enabled":          true,
	"chaincode.startupTimeout":    "300s",
	"chaincode.executeTimeout":    "30s",
	"chaincode.maxRestarts":       3,
	"chaincode.restartBackoff":    "500ms",
	"chaincode.maxRestartBackoff": "10s",
	"chaincode.binariesDir":       "",
	"chaincode.external":          map[string]string{},
	"sequencer.batchSize":         10,
	"sequencer.batchTimeout":      "2s",
	"gateway.pendingCacheSize":    10000,
}

// ConfigPaths returns the directories searched for beacon.yaml: the
// BEACON_CFG_PATH directory when set, then the working directory.
func ConfigPaths() []string {
	var paths []string
	if p := os.Getenv(CfgPathEnv); p != "" {
		paths = append(paths, p)
	}
	return append(paths, ".")
}

// Load reads the configuration. An explicit cfgFile must exist; otherwise
// beacon.yaml is looked up in ConfigPaths and defaults apply when absent.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "error reading config file %s", cfgFile)
		}
	} else {
		v.SetConfigName(ConfigName)
		for _, p := range ConfigPaths() {
			v.AddConfigPath(p)
		}
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, errors.Wrap(err, "error reading config file")
			}
			logger.Debugf("No %s.yaml found in %v, using defaults", ConfigName, ConfigPaths())
		}
	}
	if used := v.ConfigFileUsed(); used != "" {
		logger.Debugf("Using config file %s", used)
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	conf := &Config{}
	err := v.Unmarshal(conf, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			byteSizeDecodeHook,
		)
	})
	if err != nil {
		return nil, errors.Wrap(err, "error decoding config")
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}
	conf.Peer.FileSystemPath = filepath.Clean(conf.Peer.FileSystemPath)
	return conf, nil
}

func (c *Config) validate() error {
	switch c.Ledger.State.Backend {
	case "goleveldb", "badger", "memory":
	default:
		return errors.Errorf("unknown ledger.state.backend %q", c.Ledger.State.Backend)
	}
	if c.Ledger.State.PageSize <= 0 {
		return errors.Errorf("ledger.state.pageSize must be positive, got %d", c.Ledger.State.PageSize)
	}
	if c.Sequencer.BatchSize <= 0 {
		return errors.Errorf("sequencer.batchSize must be positive, got %d", c.Sequencer.BatchSize)
	}
	if c.Chaincode.MaxRestarts < 0 {
		return errors.Errorf("chaincode.maxRestarts must not be negative, got %d", c.Chaincode.MaxRestarts)
	}
	return nil
}

// byteSizeDecodeHook turns sizes such as "64MB" into megabytes for integer
// fields. Plain numbers pass through unchanged.
func byteSizeDecodeHook(f reflect.Kind, t reflect.Kind, data interface{}) (interface{}, error) {
	if f != reflect.String || t != reflect.Int {
		return data, nil
	}
	raw := strings.TrimSpace(data.(string))
	re := regexp.MustCompile(`^(?P<size>[0-9]+)\s*(?i)(?P<unit>(k|m|g))b$`)
	if !re.MatchString(raw) {
		return data, nil
	}
	size, err := strconv.ParseUint(re.ReplaceAllString(raw, "${size}"), 0, 64)
	if err != nil {
		return data, nil
	}
	switch strings.ToLower(re.ReplaceAllString(raw, "${unit}")) {
	case "k":
		size = size >> 10
	case "g":
		size = size << 10
	}
	if size > math.MaxInt32 {
		return size, fmt.Errorf("value '%s' overflows int32", raw)
	}
	return int(size), nil
}
