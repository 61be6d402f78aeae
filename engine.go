package galera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/op/go-logging"

	"github.com/codership/galera-go/applier"
	"github.com/codership/galera-go/cluster"
	"github.com/codership/galera-go/gcs"
	"github.com/codership/galera-go/gseq"
	"github.com/codership/galera-go/metrics"
	"github.com/codership/galera-go/monitor"
	"github.com/codership/galera-go/ws"
	"github.com/codership/galera-go/wsdb"
	"github.com/codership/galera-go/xdr"
)

var logger = logging.MustGetLogger("galera")

// ReplState is the engine's own lifecycle, separate from the per-trx
// TrxState WSDB owns (spec.md §3's "Engine state").
type ReplState int

const (
	Uninitialized ReplState = iota
	Initialized
	Enabled
	Disabled
)

// Engine is the host-facing replication handle (spec.md §6's "galera
// vtable", re-architected per §9's design notes as a handle rather than
// a vtable of functions closing over global state). One Engine per
// node.
type Engine struct {
	cfg  Config
	db   wsdb.WSDB
	gcsT gcs.Transport
	toq  *monitor.Monitor
	cq   *monitor.Monitor
	pool *applier.Pool
	ctrl *cluster.Controller

	mySeqno *gseq.GlobalSeqno
	metrics *metrics.Metrics

	myUUID uuid.UUID

	stateMu sync.Mutex
	state   ReplState

	// commitMtx serializes local-trx state transitions (spec.md §5);
	// held briefly, never across GCS calls.
	commitMtx sync.Mutex
	// replicatingCond is broadcast whenever a trx transitions
	// REPLICATING -> REPLICATED, replacing cancel_commit's busy-wait
	// on that transition (spec.md §9's design notes).
	replicatingCond *sync.Cond

	buildersMu sync.Mutex
	builders   map[uint64]*ws.Builder

	toExecMu   sync.Mutex
	toExecHeld map[uint64]gseq.SeqnoL
}

// New creates an Engine wired to the given collaborators. db and
// transport are the WSDB/GCS boundaries of spec.md §1; snap backs the
// cluster-state controller's state-transfer handshake (§4.6).
func New(cfg Config, db wsdb.WSDB, transport gcs.Transport, snap cluster.SnapshotProvider) *Engine {
	toq := monitor.New("toq", cfg.QueueCapacity)
	cq := monitor.New("cq", cfg.QueueCapacity)
	mySeqno := gseq.NewGlobalSeqno()
	pool := applier.New(cfg.ApplierPoolSize, applier.WriteSetConflicts(db))
	ctrl := cluster.New(toq, cq, transport, db, snap, mySeqno)

	e := &Engine{
		cfg:        cfg,
		db:         db,
		gcsT:       transport,
		toq:        toq,
		cq:         cq,
		pool:       pool,
		ctrl:       ctrl,
		mySeqno:    mySeqno,
		myUUID:     uuid.New(),
		state:      Initialized,
		builders:   make(map[uint64]*ws.Builder),
		toExecHeld: make(map[uint64]gseq.SeqnoL),
	}
	e.replicatingCond = sync.NewCond(&e.commitMtx)
	return e
}

// WithMetrics attaches a metrics bundle; optional, matching the
// teacher's pattern of metrics being an additive concern rather than a
// constructor-required one.
func (e *Engine) WithMetrics(m *metrics.Metrics) *Engine {
	e.metrics = m
	return e
}

// Enable transitions the engine into ENABLED, after which commit/recv
// are expected to be called.
func (e *Engine) Enable() {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.state = Enabled
}

// Disable transitions the engine into DISABLED; the receive loop
// should stop dispatching after observing this.
func (e *Engine) Disable() {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.state = Disabled
}

// State reports the engine's current lifecycle state.
func (e *Engine) State() ReplState {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state
}

// MySeqno returns the highest seqno_g observed on the total-order path
// (spec.md §3's my_seqno).
func (e *Engine) MySeqno() gseq.SeqnoG { return e.mySeqno.Get() }

// GroupUUID / MyIdx expose the membership identity adopted from the
// most recent CONF action (spec.md §3's my_uuid/my_idx).
func (e *Engine) GroupUUID() string { return e.ctrl.GroupUUID() }
func (e *Engine) MyIdx() int        { return e.ctrl.MyIdx() }

// --- host-facing write-set capture (spec.md §6) ---

// BeginTrx creates a new local trx record and its write-set builder,
// anchored at the engine's current my_seqno (the trx's last_seen_trx).
func (e *Engine) BeginTrx() uint64 {
	trxID := e.db.BeginLocalTrx()
	e.buildersMu.Lock()
	e.builders[trxID] = ws.NewBuilder(e.mySeqno.Get())
	e.buildersMu.Unlock()
	return trxID
}

func (e *Engine) builder(trxID uint64) (*ws.Builder, error) {
	e.buildersMu.Lock()
	defer e.buildersMu.Unlock()
	b, ok := e.builders[trxID]
	if !ok {
		return nil, wsdb.ErrTrxMissing{TrxID: trxID}
	}
	return b, nil
}

// AppendQuery records a transactional SQL statement (append_query).
func (e *Engine) AppendQuery(trxID uint64, sql string, ts time.Time, rnd int64) error {
	b, err := e.builder(trxID)
	if err != nil {
		return err
	}
	b.AppendQuery(sql, ts, rnd)
	return nil
}

// AppendRowKey records a row-level mutation descriptor
// (append_row_key).
func (e *Engine) AppendRowKey(trxID uint64, dbTable string, key []byte, action ws.RowAction) error {
	b, err := e.builder(trxID)
	if err != nil {
		return err
	}
	b.AppendRowKey(dbTable, key, action)
	return nil
}

// SetVariable records a connection-scoped SET statement, keyed by the
// trx id the host associates with the connection's pending CONN write
// set (set_variable).
func (e *Engine) SetVariable(connID uint64, key, query string) error {
	b, err := e.builder(connID)
	if err != nil {
		return err
	}
	b.SetVariable(key, query)
	return nil
}

// SetDatabase records a connection-scoped database-switch statement
// (set_database).
func (e *Engine) SetDatabase(connID uint64, query string) error {
	b, err := e.builder(connID)
	if err != nil {
		return err
	}
	b.SetDatabase(query)
	return nil
}

// buildWriteSet assembles trxID's accumulated builder state into a
// write set and hands it to WSDB so ComposeWriteSet (and later
// replay-time lookups) can see it — spec.md §4.3 step 2.
func (e *Engine) buildWriteSet(trxID uint64) (*ws.WriteSet, error) {
	b, err := e.builder(trxID)
	if err != nil {
		return nil, err
	}
	w := b.Build()
	e.db.PinForReplay(trxID, w, wsdb.NoPosition)
	return e.db.ComposeWriteSet(trxID)
}

// --- C4 local replication path (spec.md §4.3) ---

// Commit implements commit(trx_id, conn_id, rbr_bytes).
func (e *Engine) Commit(ctx context.Context, trxID, connID uint64, rbr []byte) (Status, error) {
	e.commitMtx.Lock()
	for {
		sig, err := e.gcsT.Wait(ctx)
		if err != nil {
			e.commitMtx.Unlock()
			return ConnFail, &ConnFailError{Op: "wait", Err: err}
		}
		if !sig.Pause {
			break
		}
		e.commitMtx.Unlock()
		select {
		case <-ctx.Done():
			return ConnFail, ctx.Err()
		case <-time.After(e.cfg.FlowControlSleep):
		}
		e.commitMtx.Lock()
	}

	trx, ok := e.db.GetLocalTrx(trxID)
	if !ok {
		e.commitMtx.Unlock()
		return TrxMissing, wsdb.ErrTrxMissing{TrxID: trxID}
	}
	switch trx.State {
	case wsdb.Aborted:
		e.db.DeleteLocalTrx(trxID)
		e.commitMtx.Unlock()
		return TrxFail, nil
	case wsdb.Missing:
		e.commitMtx.Unlock()
		return TrxMissing, wsdb.ErrTrxMissing{TrxID: trxID}
	}
	e.commitMtx.Unlock()

	if len(rbr) > 0 {
		if b, err := e.builder(trxID); err == nil {
			b.SetRBR(rbr)
		}
	}

	w, err := e.buildWriteSet(trxID)
	if err != nil {
		return TrxFail, err
	}
	if w.Empty() {
		return OK, nil
	}

	payload, err := xdr.Encode(w)
	if err != nil {
		return Fatal, &FatalError{Op: "encode write set", Err: err}
	}

	markEarly := e.cfg.Callbacks.confBool(MarkCommitEarly)

	e.commitMtx.Lock()
	e.db.SetLocalTrxState(trxID, wsdb.Replicating)
	e.commitMtx.Unlock()

	seqnoG, seqnoL, err := e.gcsT.Broadcast(ctx, payload)
	if err != nil {
		return ConnFail, &ConnFailError{Op: "broadcast", Err: err}
	}
	if !seqnoG.Valid() || !seqnoL.Valid() {
		return Fatal, &FatalError{Op: "broadcast", Err: fmt.Errorf("gcs returned invalid seqno (%d, %d)", seqnoG, seqnoL)}
	}

	e.commitMtx.Lock()
	e.db.SetLocalTrxSeqnos(trxID, seqnoG, seqnoL)
	e.db.SetLocalTrxState(trxID, wsdb.Replicated)
	e.replicatingCond.Broadcast()
	e.commitMtx.Unlock()

	if markEarly {
		// SUPPLEMENTED FEATURES #3: the host may start its own storage
		// commit speculatively as soon as REPLICATED is visible,
		// ahead of certification.
		logger.Debugf("galera: trx %d marked REPLICATED early (mark_commit_early)", trxID)
	}

	if grabErr := e.toq.Grab(int64(seqnoL)); grabErr != nil {
		var ge *monitor.GrabError
		if errors.As(grabErr, &ge) && ge.Kind == monitor.ErrInterrupted {
			result, certErr := e.db.CertificationTest(w, seqnoG)
			if certErr != nil {
				return Fatal, &FatalError{Op: "certification recheck", Err: certErr}
			}
			if result == wsdb.CertOK {
				e.db.PinForReplay(trxID, w, wsdb.ToQueue)
				return BFAbort, nil
			}
			e.toq.SelfCancel(int64(seqnoL))
			e.cq.SelfCancel(int64(seqnoL))
			return TrxFail, nil
		}
		return Fatal, &FatalError{Op: "toq grab", Err: grabErr}
	}

	applied := e.advanceGlobalSeqno(seqnoG)
	if !applied {
		e.toq.Release(int64(seqnoL))
		e.cq.SelfCancel(int64(seqnoL))
		return TrxFail, nil
	}

	certResult, err := e.db.AppendWriteSet(seqnoG, w)
	e.toq.Release(int64(seqnoL))
	if err != nil {
		return Fatal, &FatalError{Op: "append write set", Err: err}
	}
	if certResult != wsdb.CertOK {
		if e.metrics != nil {
			e.metrics.CertificationFailTotal.Inc()
		}
		e.cq.SelfCancel(int64(seqnoL))
		return TrxFail, nil
	}

	if cqErr := e.cq.Grab(int64(seqnoL)); cqErr != nil {
		var ge *monitor.GrabError
		if errors.As(cqErr, &ge) {
			switch ge.Kind {
			case monitor.ErrInterrupted:
				e.db.PinForReplay(trxID, w, wsdb.CommitQueue)
				return BFAbort, nil
			case monitor.ErrCanceled:
				return TrxFail, nil
			}
		}
		return Fatal, &FatalError{Op: "cq grab", Err: cqErr}
	}

	return OK, nil
}

// advanceGlobalSeqno is the galera_update_global_seqno contract (see
// SPEC_FULL.md's Open Question decision #2): it must be called while
// the caller holds TOQ for seqnoG's seqno_l.
func (e *Engine) advanceGlobalSeqno(seqnoG gseq.SeqnoG) bool {
	return e.mySeqno.AdvanceIfGreater(seqnoG)
}

// Committed implements committed(trx_id).
func (e *Engine) Committed(ctx context.Context, trxID uint64) (Status, error) {
	e.commitMtx.Lock()
	trx, ok := e.db.GetLocalTrx(trxID)
	if !ok || trx.State != wsdb.Replicated {
		e.commitMtx.Unlock()
		return Warning, nil
	}
	seqnoL := trx.SeqnoL
	e.commitMtx.Unlock()

	e.cq.Release(int64(seqnoL))

	e.commitMtx.Lock()
	e.buildersMu.Lock()
	delete(e.builders, trxID)
	e.buildersMu.Unlock()
	e.db.DeleteLocalTrx(trxID)
	e.commitMtx.Unlock()

	e.ctrl.ReportLastApplied(ctx)
	if e.metrics != nil {
		e.metrics.CommitTotal.Inc()
		e.metrics.MySeqnoGauge.Set(float64(e.mySeqno.Get()))
	}
	return OK, nil
}

// RolledBack implements rolledback(trx_id).
func (e *Engine) RolledBack(ctx context.Context, trxID uint64) (Status, error) {
	e.commitMtx.Lock()
	trx, ok := e.db.GetLocalTrx(trxID)
	if !ok || trx.State != wsdb.Replicated {
		e.commitMtx.Unlock()
		return Warning, nil
	}
	seqnoL := trx.SeqnoL
	e.commitMtx.Unlock()

	e.cq.Release(int64(seqnoL))

	e.commitMtx.Lock()
	e.buildersMu.Lock()
	delete(e.builders, trxID)
	e.buildersMu.Unlock()
	e.db.DeleteLocalTrx(trxID)
	e.commitMtx.Unlock()

	e.ctrl.ReportLastApplied(ctx)
	if e.metrics != nil {
		e.metrics.CommitFailTotal.Inc()
	}
	return OK, nil
}

// CancelCommit implements cancel_commit(victim_trx_id) — the BF-abort
// entry point. It replaces the source's busy-wait on REPLICATING with
// a condition variable wait (spec.md §9's design notes).
func (e *Engine) CancelCommit(victimTrxID uint64) (Status, error) {
	e.commitMtx.Lock()
	defer e.commitMtx.Unlock()

	trx, ok := e.db.GetLocalTrx(victimTrxID)
	if !ok {
		return Warning, nil
	}
	for trx.State == wsdb.Replicating {
		e.replicatingCond.Wait()
		trx, ok = e.db.GetLocalTrx(victimTrxID)
		if !ok {
			return Warning, nil
		}
	}

	switch trx.State {
	case wsdb.Void:
		e.db.SetLocalTrxState(victimTrxID, wsdb.Aborted)
		return Warning, nil
	case wsdb.Aborted, wsdb.Missing:
		// idempotent: re-issuing cancel_commit on an already-aborted
		// trx is a no-op (spec.md §8 property 5).
		return OK, nil
	case wsdb.Replicated:
		seqnoL := trx.SeqnoL
		if e.metrics != nil {
			e.metrics.BFAbortTotal.Inc()
		}
		if !e.toq.Interrupt(int64(seqnoL)) {
			e.cq.Interrupt(int64(seqnoL))
		}
		return OK, nil
	default:
		return OK, nil
	}
}

// ReplayTrx implements replay_trx(trx_id, app_ctx): re-applies a
// BF-aborted local trx whose write set was pinned, dispatching through
// the applier pool like a remote write set would be.
func (e *Engine) ReplayTrx(ctx context.Context, trxID uint64, appCtx interface{}) (Status, error) {
	trx, ok := e.db.GetLocalTrx(trxID)
	if !ok {
		return TrxMissing, wsdb.ErrTrxMissing{TrxID: trxID}
	}
	w := trx.WS
	seqnoL := trx.SeqnoL
	seqnoG := trx.SeqnoG

	slot, err := e.pool.NewWorker()
	if err != nil {
		return NodeFail, &NodeFailError{Reason: err.Error()}
	}
	defer e.pool.RemoveWorker(slot)

	jobCtx := applier.JobContext{Seqno: seqnoG, WS: w}
	e.pool.StartJob(slot, jobCtx)
	defer e.pool.EndJob(slot)

	if trx.Position == wsdb.ToQueue {
		if err := e.toq.Grab(int64(seqnoL)); err != nil {
			return Fatal, &FatalError{Op: "replay toq grab", Err: err}
		}
		certResult := wsdb.CertSkip
		if e.advanceGlobalSeqno(seqnoG) {
			certResult, err = e.db.AppendWriteSet(seqnoG, w)
			if err != nil {
				e.toq.Release(int64(seqnoL))
				return Fatal, &FatalError{Op: "replay append", Err: err}
			}
		}
		e.toq.Release(int64(seqnoL))
		if certResult != wsdb.CertOK {
			e.cq.SelfCancel(int64(seqnoL))
			return TrxFail, nil
		}
	}

	if err := e.applyWriteSet(appCtx, w, seqnoL); err != nil {
		return Fatal, &FatalError{Op: "replay apply", Err: err}
	}

	if err := e.cq.Grab(int64(seqnoL)); err != nil {
		return Fatal, &FatalError{Op: "replay cq grab", Err: err}
	}
	if err := e.applyCommit(appCtx); err != nil {
		e.cq.Release(int64(seqnoL))
		return Fatal, &FatalError{Op: "replay commit", Err: err}
	}
	e.cq.Release(int64(seqnoL))

	e.commitMtx.Lock()
	e.db.DeleteLocalTrx(trxID)
	e.commitMtx.Unlock()

	if e.metrics != nil {
		e.metrics.ReplayTotal.Inc()
	}
	return OK, nil
}

// applyWriteSet runs a write set's mutations through the host's apply
// callbacks (bf_execute / bf_execute_rbr / bf_apply_row), signaled by
// ws_start(seqnoL) / ws_start(0).
func (e *Engine) applyWriteSet(appCtx interface{}, w *ws.WriteSet, seqnoL gseq.SeqnoL) error {
	cb := e.cfg.Callbacks
	if cb.WSStart != nil {
		cb.WSStart(appCtx, int64(seqnoL))
		defer cb.WSStart(appCtx, 0)
	}

	switch w.Level {
	case ws.DataRBR:
		if cb.ExecuteRBR != nil {
			return cb.ExecuteRBR(appCtx, w.RBR)
		}
	case ws.DataRow, ws.DataCols:
		for _, rk := range w.RowKeys {
			if cb.ApplyRow != nil {
				if err := cb.ApplyRow(appCtx, rk.Key); err != nil {
					return err
				}
			}
		}
	default:
		for _, q := range w.Queries {
			if cb.Execute != nil {
				if err := cb.Execute(appCtx, q.SQL); err != nil {
					return err
				}
			}
		}
	}
	if e.metrics != nil {
		e.metrics.ApplyTotal.Inc()
	}
	return nil
}

// applyCommit executes the literal "commit" statement spec.md §4.5
// calls for after a TRX write set has been applied.
func (e *Engine) applyCommit(appCtx interface{}) error {
	if e.cfg.Callbacks.Execute != nil {
		return e.cfg.Callbacks.Execute(appCtx, "commit")
	}
	return nil
}

// --- TO isolation (spec.md §6, SUPPLEMENTED FEATURES #1) ---

// ToExecuteStart implements to_execute_start(conn_id, query): broadcast
// a CONN write set carrying the DDL text, wait on TOQ, then grab CQ and
// hold it until ToExecuteEnd.
func (e *Engine) ToExecuteStart(ctx context.Context, connID uint64, query string) (Status, error) {
	w := &ws.WriteSet{
		Type:        ws.CONN,
		Level:       ws.QUERY,
		Queries:     []ws.Query{{SQL: query}},
		LastSeenTrx: e.mySeqno.Get(),
	}
	payload, err := xdr.Encode(w)
	if err != nil {
		return Fatal, &FatalError{Op: "encode to_execute_start", Err: err}
	}

	seqnoG, seqnoL, err := e.gcsT.Broadcast(ctx, payload)
	if err != nil {
		return ConnFail, &ConnFailError{Op: "to_execute_start broadcast", Err: err}
	}

	if err := e.toq.Grab(int64(seqnoL)); err != nil {
		return Fatal, &FatalError{Op: "to_execute_start toq grab", Err: err}
	}
	if !e.advanceGlobalSeqno(seqnoG) {
		e.toq.Release(int64(seqnoL))
		e.cq.SelfCancel(int64(seqnoL))
		return ConnFail, nil
	}
	e.toq.Release(int64(seqnoL))

	if err := e.cq.Grab(int64(seqnoL)); err != nil {
		return Fatal, &FatalError{Op: "to_execute_start cq grab", Err: err}
	}

	e.toExecMu.Lock()
	e.toExecHeld[connID] = seqnoL
	e.toExecMu.Unlock()
	return OK, nil
}

// ToExecuteEnd implements to_execute_end(conn_id): release the CQ held
// since ToExecuteStart.
func (e *Engine) ToExecuteEnd(connID uint64) (Status, error) {
	e.toExecMu.Lock()
	seqnoL, ok := e.toExecHeld[connID]
	delete(e.toExecHeld, connID)
	e.toExecMu.Unlock()
	if !ok {
		return Warning, nil
	}
	e.cq.Release(int64(seqnoL))
	return OK, nil
}
