package galera

import (
	"context"
	"fmt"

	"github.com/codership/galera-go/applier"
	"github.com/codership/galera-go/gcs"
	"github.com/codership/galera-go/gseq"
	"github.com/codership/galera-go/ws"
	"github.com/codership/galera-go/wsdb"
	"github.com/codership/galera-go/xdr"
)

// Run implements the C5 receive loop of spec.md §4.5: a single
// dedicated consumer owns one applier slot and dispatches every action
// GCS delivers until ctx is cancelled or the engine is Disabled.
// It returns nil once it observes Disabled and ctx.Err() once ctx is
// cancelled; any other error is a *NodeFailError (no applier slot), a
// *ConnFailError (recv failed) or the *FatalError that stopped dispatch.
func (e *Engine) Run(ctx context.Context, appCtx interface{}) error {
	slot, err := e.pool.NewWorker()
	if err != nil {
		return &NodeFailError{Reason: err.Error()}
	}
	defer e.pool.RemoveWorker(slot)

	for {
		if e.State() == Disabled {
			return nil
		}

		action, err := e.gcsT.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &ConnFailError{Op: "recv", Err: err}
		}

		if err := e.dispatch(ctx, appCtx, slot, action); err != nil {
			return err
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, appCtx interface{}, slot applier.SlotID, a *gcs.Action) error {
	switch a.Type {
	case gcs.DATA:
		return e.processWriteSet(ctx, appCtx, slot, a)
	case gcs.CommitCut:
		return e.processCommitCut(a)
	case gcs.CONF:
		return e.processConf(ctx, a)
	case gcs.StateReq:
		return e.processStateReq(ctx, a)
	default:
		return &FatalError{Op: "dispatch", Err: &UnrecognizedActionError{Type: int(a.Type)}}
	}
}

// processWriteSet implements the DATA branch of spec.md §4.5's dispatch
// table for both TRX and CONN write sets.
func (e *Engine) processWriteSet(ctx context.Context, appCtx interface{}, slot applier.SlotID, a *gcs.Action) error {
	w, err := xdr.Decode(a.Payload)
	if err != nil {
		return &FatalError{Op: "decode write set", Err: err}
	}

	if err := e.toq.Grab(int64(a.SeqnoL)); err != nil {
		return &FatalError{Op: "recv toq grab", Err: err}
	}

	switch w.Type {
	case ws.TRX:
		return e.processRemoteTrx(ctx, appCtx, slot, a, w)
	case ws.CONN:
		return e.processRemoteConn(ctx, appCtx, a, w)
	default:
		e.toq.Release(int64(a.SeqnoL))
		return &FatalError{Op: "recv", Err: fmt.Errorf("unknown write set type %d", w.Type)}
	}
}

// processRemoteTrx runs after TOQ has already been grabbed at
// a.SeqnoL: certify, release TOQ, apply through the pool on success,
// then re-serialize the commit via CQ.
func (e *Engine) processRemoteTrx(ctx context.Context, appCtx interface{}, slot applier.SlotID, a *gcs.Action, w *ws.WriteSet) error {
	var certResult wsdb.CertResult
	var err error
	if e.advanceGlobalSeqno(a.SeqnoG) {
		certResult, err = e.db.AppendWriteSet(a.SeqnoG, w)
		if err != nil {
			e.toq.Release(int64(a.SeqnoL))
			return &FatalError{Op: "recv append write set", Err: err}
		}
	} else {
		certResult = wsdb.CertSkip
		if e.metrics != nil {
			e.metrics.CertificationSkipTotal.Inc()
		}
	}
	e.toq.Release(int64(a.SeqnoL))

	if certResult != wsdb.CertOK {
		if certResult == wsdb.CertFail && e.metrics != nil {
			e.metrics.CertificationFailTotal.Inc()
		}
		e.cq.SelfCancel(int64(a.SeqnoL))
		return nil
	}

	jobCtx := applier.JobContext{Seqno: a.SeqnoG, WS: w}
	e.pool.StartJob(slot, jobCtx)
	applyErr := e.applyWithRetry(appCtx, w, a.SeqnoL)
	e.pool.EndJob(slot)
	if applyErr != nil {
		return applyErr
	}

	if err := e.cq.Grab(int64(a.SeqnoL)); err != nil {
		return &FatalError{Op: "recv cq grab", Err: err}
	}
	if err := e.applyCommit(appCtx); err != nil {
		e.cq.Release(int64(a.SeqnoL))
		return &FatalError{Op: "recv commit", Err: err}
	}
	e.cq.Release(int64(a.SeqnoL))

	e.ctrl.ReportLastApplied(ctx)
	if e.metrics != nil {
		e.metrics.CommitTotal.Inc()
	}
	return nil
}

// processRemoteConn applies a CONN write set's connection-scoped setup
// statements immediately, with no certification (spec.md §4.5).
func (e *Engine) processRemoteConn(ctx context.Context, appCtx interface{}, a *gcs.Action, w *ws.WriteSet) error {
	if e.advanceGlobalSeqno(a.SeqnoG) {
		if err := e.applyWriteSet(appCtx, w, a.SeqnoL); err != nil {
			e.toq.Release(int64(a.SeqnoL))
			return &FatalError{Op: "recv apply conn ws", Err: err}
		}
	}
	e.toq.Release(int64(a.SeqnoL))

	if err := e.cq.Grab(int64(a.SeqnoL)); err != nil {
		return &FatalError{Op: "recv conn cq grab", Err: err}
	}
	e.cq.Release(int64(a.SeqnoL))

	e.ctrl.ReportLastApplied(ctx)
	return nil
}

// applyWithRetry applies w, retrying on failure until it succeeds or
// Config.ApplyMaxRetries attempts have failed (0 = retry forever, the
// Open Question decision of SPEC_FULL.md #1). Reaching a configured cap
// is Fatal.
func (e *Engine) applyWithRetry(appCtx interface{}, w *ws.WriteSet, seqnoL gseq.SeqnoL) error {
	attempts := 0
	for {
		err := e.applyWriteSet(appCtx, w, seqnoL)
		if err == nil {
			return nil
		}
		attempts++
		if e.metrics != nil {
			e.metrics.ApplyFailTotal.Inc()
		}
		if e.cfg.ApplyMaxRetries > 0 && attempts >= e.cfg.ApplyMaxRetries {
			return &FatalError{Op: "apply write set", Err: fmt.Errorf("exceeded %d retries: %w", e.cfg.ApplyMaxRetries, err)}
		}
		logger.Warningf("galera: apply failed (attempt %d), retrying: %v", attempts, err)
	}
}

// processCommitCut implements the COMMIT_CUT branch of spec.md §4.5.
func (e *Engine) processCommitCut(a *gcs.Action) error {
	if err := e.toq.Grab(int64(a.SeqnoL)); err != nil {
		return &FatalError{Op: "commit_cut toq grab", Err: err}
	}
	err := e.ctrl.MaybePurge(a.SeqnoG)
	e.toq.Release(int64(a.SeqnoL))
	if err != nil {
		return &FatalError{Op: "purge", Err: err}
	}
	e.cq.SelfCancel(int64(a.SeqnoL))
	return nil
}

// processConf implements the CONF branch of spec.md §4.5.
func (e *Engine) processConf(ctx context.Context, a *gcs.Action) error {
	if err := e.toq.Grab(int64(a.SeqnoL)); err != nil {
		return &FatalError{Op: "conf toq grab", Err: err}
	}
	_, err := e.ctrl.HandleConfiguration(ctx, a.Conf, a.SeqnoL)
	e.toq.Release(int64(a.SeqnoL))
	if err != nil {
		return &FatalError{Op: "handle_configuration", Err: err}
	}
	return nil
}

// processStateReq implements the STATE_REQ branch of spec.md §4.5: this
// node has been chosen as state-transfer donor.
func (e *Engine) processStateReq(ctx context.Context, a *gcs.Action) error {
	if err := e.ctrl.HandleStateRequest(ctx, a.SeqnoL, a.SeqnoG); err != nil {
		return &FatalError{Op: "handle_state_request", Err: err}
	}
	return nil
}
