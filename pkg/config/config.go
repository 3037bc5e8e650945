// Package config loads the runtime's tunables: which liveness and
// persistence policies to run under, how often the epoch advancer ticks,
// and where the durable heap lives. Options round-trips through YAML the
// same way the rest of the stack's configuration does, with Cobra flags
// in cmd/epochtx layered on top as overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/epochtx/pkg/epoch"
	"github.com/cuemby/epochtx/pkg/persist"
)

// Options holds every tunable of the transactional runtime's external
// configuration surface.
type Options struct {
	// Liveness is "blocking" or "nonblocking". See package epoch: in both
	// cases Advance force-aborts stragglers rather than waiting for them.
	Liveness string `yaml:"liveness"`
	// PersistStrategy is "direct" (synchronous per-block writes) or
	// "buffered" (batched, see BufferSize). See package persist.
	PersistStrategy string `yaml:"persist_strategy"`
	// Free is loaded from the config file but no component reads it: the
	// advancer reclaims retired nodes whether it is true or false.
	Free bool `yaml:"free"`
	// TransTracker is loaded from the config file but no component reads
	// it: transaction metrics are always recorded.
	TransTracker bool `yaml:"trans_tracker"`
	// PersistTracker is loaded from the config file but no component reads
	// it: persistence metrics are always recorded.
	PersistTracker bool `yaml:"persist_tracker"`
	// EpochLength is the advancer's tick period, in EpochLengthUnit.
	EpochLength int `yaml:"epoch_length"`
	// EpochLengthUnit is "ms", "us", or "s".
	EpochLengthUnit string `yaml:"epoch_length_unit"`
	// BufferSize is how many blocks the buffered persistence strategy
	// accumulates before flushing.
	BufferSize int `yaml:"buffer_size"`
	// HeapName is the bbolt database file the durable heap opens.
	HeapName string `yaml:"heap_name"`
}

// Default returns the runtime's out-of-the-box configuration.
func Default() Options {
	return Options{
		Liveness:        "nonblocking",
		PersistStrategy: "direct",
		Free:            true,
		TransTracker:    true,
		PersistTracker:  true,
		EpochLength:     100,
		EpochLengthUnit: "ms",
		BufferSize:      64,
		HeapName:        "epochtx.db",
	}
}

// Load reads and merges a YAML config file over Default. An empty path
// returns Default unchanged.
func Load(path string) (Options, error) {
	opts := Default()
	if path == "" {
		return opts, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return opts, nil
}

// EpochLiveness translates Liveness into the epoch package's enum.
func (o Options) EpochLiveness() (epoch.Liveness, error) {
	switch o.Liveness {
	case "", "nonblocking":
		return epoch.NonBlocking, nil
	case "blocking":
		return epoch.Blocking, nil
	default:
		return 0, fmt.Errorf("config: unknown liveness %q", o.Liveness)
	}
}

// PersistenceStrategy translates PersistStrategy into the persist
// package's enum.
func (o Options) PersistenceStrategy() (persist.Strategy, error) {
	switch o.PersistStrategy {
	case "", "direct":
		return persist.DirectWrite, nil
	case "buffered":
		return persist.BufferedWrite, nil
	default:
		return 0, fmt.Errorf("config: unknown persist strategy %q", o.PersistStrategy)
	}
}

// Interval converts EpochLength/EpochLengthUnit into a time.Duration for
// the advancer's ticker.
func (o Options) Interval() (time.Duration, error) {
	n := o.EpochLength
	if n <= 0 {
		n = 100
	}
	switch o.EpochLengthUnit {
	case "", "ms":
		return time.Duration(n) * time.Millisecond, nil
	case "us":
		return time.Duration(n) * time.Microsecond, nil
	case "s":
		return time.Duration(n) * time.Second, nil
	default:
		return 0, fmt.Errorf("config: unknown epoch length unit %q", o.EpochLengthUnit)
	}
}
