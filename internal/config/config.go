// Package config is the Client Context's configuration surface, §6. It
// loads from environment variables or an in-process override map, and
// (de)serializes through jsoniter the way the teacher's cmn.Config does,
// so the same struct round-trips through a JSON override file in tests.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// FlushStrategy selects when a TCP transport's send buffer is handed to the
// kernel, §4.4.
type FlushStrategy int

const (
	FlushImmediate FlushStrategy = iota
	FlushDelayed
	FlushUserControlled
)

func (f FlushStrategy) String() string {
	switch f {
	case FlushImmediate:
		return "immediate"
	case FlushUserControlled:
		return "user-controlled"
	default:
		return "delayed"
	}
}

func ParseFlushStrategy(s string) FlushStrategy {
	switch strings.ToLower(s) {
	case "immediate":
		return FlushImmediate
	case "user-controlled":
		return FlushUserControlled
	default:
		return FlushDelayed
	}
}

// Config is the full §6 table plus the defaults named there.
type Config struct {
	AddressList       []string      `json:"address_list"`
	AutoAddressList   bool          `json:"auto_address_list"`
	ConnTimeout       time.Duration `json:"conn_timeout"`
	BeaconPeriod      time.Duration `json:"beacon_period"`
	BroadcastPort     uint16        `json:"broadcast_port"`
	ServerPort        uint16        `json:"server_port"`
	ReceiveBufferSize int           `json:"receive_buffer_size"`
	ProviderNames     []string      `json:"provider_names"`
	FlushStrategy     FlushStrategy `json:"flush_strategy"`
}

const (
	DefaultBroadcastPort = 5076
	DefaultServerPort    = 5075
	DefaultReceiveBuffer = 16 * 1024 * 1024
)

// Default returns the table's documented defaults.
func Default() *Config {
	return &Config{
		AutoAddressList:   true,
		ConnTimeout:       30 * time.Second,
		BeaconPeriod:      15 * time.Second,
		BroadcastPort:     DefaultBroadcastPort,
		ServerPort:        DefaultServerPort,
		ReceiveBufferSize: DefaultReceiveBuffer,
		ProviderNames:     []string{"pva"},
		FlushStrategy:     FlushDelayed,
	}
}

// env keys, one per §6 row.
const (
	EnvAddressList       = "EPICS_PVA_ADDR_LIST"
	EnvAutoAddressList   = "EPICS_PVA_AUTO_ADDR_LIST"
	EnvConnTimeout       = "EPICS_PVA_CONN_TMO"
	EnvBeaconPeriod      = "EPICS_PVA_BEACON_PERIOD"
	EnvBroadcastPort     = "EPICS_PVA_BROADCAST_PORT"
	EnvServerPort        = "EPICS_PVA_SERVER_PORT"
	EnvReceiveBufferSize = "EPICS_PVA_RCV_BUF_SIZE"
	EnvProviderNames     = "EPICS_PVA_PROVIDER_NAMES"
	EnvFlushStrategy     = "EPICS_PVA_FLUSH_STRATEGY"
)

// FromEnv layers process environment variables over the documented
// defaults. Unset variables leave the default untouched.
func FromEnv() *Config {
	cfg := Default()
	if v, ok := os.LookupEnv(EnvAddressList); ok {
		cfg.AddressList = strings.Fields(v)
	}
	if v, ok := os.LookupEnv(EnvAutoAddressList); ok {
		cfg.AutoAddressList = parseBool(v, cfg.AutoAddressList)
	}
	if v, ok := os.LookupEnv(EnvConnTimeout); ok {
		cfg.ConnTimeout = parseSeconds(v, cfg.ConnTimeout)
	}
	if v, ok := os.LookupEnv(EnvBeaconPeriod); ok {
		cfg.BeaconPeriod = parseSeconds(v, cfg.BeaconPeriod)
	}
	if v, ok := os.LookupEnv(EnvBroadcastPort); ok {
		cfg.BroadcastPort = parsePort(v, cfg.BroadcastPort)
	}
	if v, ok := os.LookupEnv(EnvServerPort); ok {
		cfg.ServerPort = parsePort(v, cfg.ServerPort)
	}
	if v, ok := os.LookupEnv(EnvReceiveBufferSize); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ReceiveBufferSize = n
		}
	}
	if v, ok := os.LookupEnv(EnvProviderNames); ok {
		cfg.ProviderNames = strings.Split(v, ",")
	}
	if v, ok := os.LookupEnv(EnvFlushStrategy); ok {
		cfg.FlushStrategy = ParseFlushStrategy(v)
	}
	return cfg
}

// Override applies an in-process override map (the alternative source named
// in §6) on top of cfg, keyed by the same Env* names so callers can mix
// environment and explicit overrides uniformly.
func (cfg *Config) Override(m map[string]string) *Config {
	for k, v := range m {
		switch k {
		case EnvAddressList:
			cfg.AddressList = strings.Fields(v)
		case EnvAutoAddressList:
			cfg.AutoAddressList = parseBool(v, cfg.AutoAddressList)
		case EnvConnTimeout:
			cfg.ConnTimeout = parseSeconds(v, cfg.ConnTimeout)
		case EnvBeaconPeriod:
			cfg.BeaconPeriod = parseSeconds(v, cfg.BeaconPeriod)
		case EnvBroadcastPort:
			cfg.BroadcastPort = parsePort(v, cfg.BroadcastPort)
		case EnvServerPort:
			cfg.ServerPort = parsePort(v, cfg.ServerPort)
		case EnvReceiveBufferSize:
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				cfg.ReceiveBufferSize = n
			}
		case EnvProviderNames:
			cfg.ProviderNames = strings.Split(v, ",")
		case EnvFlushStrategy:
			cfg.FlushStrategy = ParseFlushStrategy(v)
		}
	}
	return cfg
}

func parseBool(s string, dflt bool) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return dflt
	}
	return b
}

func parseSeconds(s string, dflt time.Duration) time.Duration {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return dflt
	}
	return time.Duration(n) * time.Second
}

func parsePort(s string, dflt uint16) uint16 {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n > 65535 {
		return dflt
	}
	return uint16(n)
}

// MarshalJSON/UnmarshalJSON round-trip through jsoniter, matching the
// teacher's use of jsoniter for its own Config and FsID types.
func (cfg *Config) MarshalJSON() ([]byte, error) {
	type alias Config
	return jsoniter.Marshal((*alias)(cfg))
}

func (cfg *Config) UnmarshalJSON(b []byte) error {
	type alias Config
	return jsoniter.Unmarshal(b, (*alias)(cfg))
}

// RequestOptions is the per-operation pvRequest-derived configuration of
// §6's second table: field subsets, process coupling, and the monitor
// queue-size selector.
type RequestOptions struct {
	Process       bool // record._options.process
	AlwaysSendAll bool // record._options.alwaysSendAll
	QueueSize     int  // record._options.queueSize; see internal/monitor for strategy selection
	Fields        []string
	PutFields     []string
	GetFields     []string
}

// ReadMostly caches the handful of Config fields read on every hot-path
// decision (conn-timeout, beacon period, flush strategy) so those paths don't re-read the
// full Config under its lock, mirroring the teacher's cmn.Rom read-mostly
// cache.
type ReadMostly struct {
	connTimeout   time.Duration
	beaconPeriod  time.Duration
	flushStrategy FlushStrategy
}

func (rm *ReadMostly) Set(cfg *Config) {
	rm.connTimeout = cfg.ConnTimeout
	rm.beaconPeriod = cfg.BeaconPeriod
	rm.flushStrategy = cfg.FlushStrategy
}

func (rm *ReadMostly) ConnTimeout() time.Duration    { return rm.connTimeout }
func (rm *ReadMostly) BeaconPeriod() time.Duration   { return rm.beaconPeriod }
func (rm *ReadMostly) Flush() FlushStrategy          { return rm.flushStrategy }
