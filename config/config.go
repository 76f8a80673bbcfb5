// Package config parses the P2P/sync configuration recognized by the node,
// loaded from TOML with naoina/toml.
package config

import (
	"os"
	"time"

	"github.com/naoina/toml"
	"github.com/pkg/errors"
)

// P2PConfig holds every configuration knob the sync core reads, plus the
// peripheral peer-manager knobs the node carries in the same file even
// though the sync core itself never acts on them.
type P2PConfig struct {
	// MsgHeaderCountLimit bounds headers per HeaderListResponse and per
	// locator-triggered batch.
	MsgHeaderCountLimit uint32 `toml:"msg_header_count_limit"`
	// MsgMaxLocatorCount bounds the number of ids in a Locator.
	MsgMaxLocatorCount uint32 `toml:"msg_max_locator_count"`
	// MaxRequestBlocksCount bounds concurrent block requests to one peer.
	MaxRequestBlocksCount uint32 `toml:"max_request_blocks_count"`
	// SyncStallingTimeout bounds how long a session with outstanding block
	// requests waits between iterations of its loop (an inbound message, a
	// local event or a block sent to the peer); every iteration restarts the
	// wait. It is not a deadline for the block batch as a whole, and messages
	// other than block responses restart it too.
	SyncStallingTimeout time.Duration `toml:"sync_stalling_timeout"`

	// Peripheral, owned by the peer manager; carried here so one config
	// file describes the whole P2P subsystem.
	PingCheckPeriod time.Duration `toml:"ping_check_period"`
	PingTimeout     time.Duration `toml:"ping_timeout"`
	MaxClockDiff    time.Duration `toml:"max_clock_diff"`
}

// Default returns the configuration the node ships with absent an override
// file: mainnet-scale locator/header limits and a 20-block request
// pipeline.
func Default() P2PConfig {
	return P2PConfig{
		MsgHeaderCountLimit:   2000,
		MsgMaxLocatorCount:    101,
		MaxRequestBlocksCount: 20,
		SyncStallingTimeout:   25 * time.Second,
		PingCheckPeriod:       60 * time.Second,
		PingTimeout:           30 * time.Second,
		MaxClockDiff:          10 * time.Second,
	}
}

// Load reads and parses a P2PConfig from a TOML file at path, decoding on
// top of Default() so that any field the file leaves unset keeps its
// default value. On error the defaults are returned alongside it.
func Load(path string) (P2PConfig, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "opening p2p config %s", path)
	}
	defer f.Close()

	if err := toml.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, errors.Wrapf(err, "decoding p2p config %s", path)
	}
	return cfg, nil
}
