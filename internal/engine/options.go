package engine

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/solatis/scankeeper/internal/types"
)

// Options tunes one scan. Zero values take the defaults below.
type Options struct {
	Workers            int           // Concurrency Pool width shared by every check
	RuleSetConcurrency int           // targets evaluated at once
	MaxAttempts        int           // attempts per call, first try included
	BaseDelay          time.Duration // first retry delay, doubled per attempt
	MaxDelay           time.Duration // retry delay cap
	CallTimeout        time.Duration // per-attempt deadline; 0 disables
}

// Defaults for Options.
const (
	DefaultRuleSetConcurrency = 4
	DefaultBaseDelay          = 500 * time.Millisecond
	DefaultMaxDelay           = 10 * time.Second
	DefaultCallTimeout        = 30 * time.Second
)

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{}.withDefaults()
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = types.DefaultWorkers
	}
	if o.RuleSetConcurrency <= 0 {
		o.RuleSetConcurrency = DefaultRuleSetConcurrency
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = types.DefaultMaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = o.BaseDelay
	}
	if o.CallTimeout < 0 {
		o.CallTimeout = 0
	}
	return o
}

// ScanContext carries everything scoped to one scan invocation: identity,
// response cache, worker pool and options. It is created by Engine for each
// Scan or Stream call and never reused.
type ScanContext struct {
	ID      types.ScanID
	Cache   *ResponseCache
	Pool    *Pool
	Options Options
	Log     *log.Entry
}

// NewScanContext creates a fresh per-scan context.
func NewScanContext(opts Options) *ScanContext {
	opts = opts.withDefaults()
	id := types.NewScanID()
	return &ScanContext{
		ID:      id,
		Cache:   NewResponseCache(),
		Pool:    NewPool(opts.Workers),
		Options: opts,
		Log:     logger.WithFields(log.Fields{"scan_id": id}),
	}
}
