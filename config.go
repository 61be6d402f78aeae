package galera

import "time"

// Config configures an Engine. Passed once to New; no package-level
// global state, unlike the source this was distilled from (spec.md §9's
// design notes: "re-architect as an engine handle threaded through
// every API call").
type Config struct {
	// ApplierPoolSize is the number of applier pool slots (spec.md
	// §4.2's "default 8").
	ApplierPoolSize int

	// QueueCapacity is the TOQ/CQ ring size (spec.md §4.1's "ring of
	// >= 16384 slots").
	QueueCapacity int64

	// ReportInterval / PurgeInterval carry the same values as
	// cluster.ReportInterval / cluster.PurgeInterval. New does not read
	// them: cluster.Controller always uses its own package constants.
	ReportInterval int
	PurgeInterval  int

	// FlowControlSleep is how long the commit path sleeps between
	// re-checks of GCS's pause signal (spec.md §4.3 step 1's
	// GALERA_USLEEP).
	FlowControlSleep time.Duration

	// StateTransferRetryInterval is not read by New:
	// cluster.Controller.RequestStateTransfer always sleeps one second
	// between EAGAIN retries, whatever this is set to.
	StateTransferRetryInterval time.Duration

	// ApplyMaxRetries caps how many apply attempts the receive loop
	// makes for a failing remote write set before treating it as Fatal.
	// Zero means retry forever, matching the original's literal
	// MAX_RETRIES=0 behavior (see SPEC_FULL.md's Open Question decision
	// #1).
	ApplyMaxRetries int

	// Callbacks the host supplies (spec.md §6).
	Callbacks Callbacks
}

// DefaultConfig returns a Config with spec.md's stated defaults.
func DefaultConfig() Config {
	return Config{
		ApplierPoolSize:            8,
		QueueCapacity:              16384,
		ReportInterval:             200,
		PurgeInterval:              100,
		FlowControlSleep:           10 * time.Millisecond,
		StateTransferRetryInterval: time.Second,
		ApplyMaxRetries:            0,
	}
}

// ConfParam is a typed host configuration option recognized by
// conf_param (spec.md §6). Only the options the core itself consults
// are named here; unrecognized options are the host's business.
type ConfParam int

const (
	// MarkCommitEarly is the mark_commit_early option, supplemented
	// from original_source/wsdb/src/galera.c's global of that name (see
	// SPEC_FULL.md's SUPPLEMENTED FEATURES #3). Commit marks every trx
	// REPLICATED (and releases the commit mutex) right after the GCS
	// broadcast, before certification, whether or not this is set;
	// when the host reports it true, Commit only adds a debug log line.
	MarkCommitEarly ConfParam = iota
	Debug
)

// Callbacks are the host-supplied hooks of spec.md §6.
type Callbacks struct {
	// Execute applies a captured SQL statement (bf_execute).
	Execute func(ctx interface{}, sql string) error

	// ExecuteRBR applies a row-based-replication buffer
	// (bf_execute_rbr).
	ExecuteRBR func(ctx interface{}, rbr []byte) error

	// ApplyRow applies a single row descriptor (bf_apply_row).
	ApplyRow func(ctx interface{}, row []byte) error

	// WSStart informs the host that application at seqnoL begins;
	// seqnoL == 0 signals "end" (ws_start).
	WSStart func(ctx interface{}, seqnoL int64)

	// ConfParamFn answers conf_param queries; a nil function means
	// every option reports its zero value.
	ConfParamFn func(param ConfParam) interface{}

	// Log receives engine log events (the log callback); in addition
	// to this, every package also logs via op/go-logging.
	Log func(severity string, message string)
}

// confBool reads a boolean conf_param, defaulting to false if the host
// supplied no callback.
func (c Callbacks) confBool(param ConfParam) bool {
	if c.ConfParamFn == nil {
		return false
	}
	v, _ := c.ConfParamFn(param).(bool)
	return v
}
