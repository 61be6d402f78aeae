// Package wsdb declares the write-set store collaborator — persistence
// of local/global trx state and the certification index — as an
// interface. spec.md §1 lists WSDB as explicitly out of scope for the
// core; this package is the boundary the core (package galera) depends
// on, plus (in wsdb/memdb) an in-memory reference implementation used
// by tests and the cmd/galerad demo.
package wsdb

import (
	"fmt"

	"github.com/codership/galera-go/gseq"
	"github.com/codership/galera-go/ws"
)

// ErrTrxMissing is returned when a trx id is unknown to WSDB (spec.md
// §7's TRX_MISSING).
type ErrTrxMissing struct {
	TrxID uint64
}

func (e ErrTrxMissing) Error() string {
	return fmt.Sprintf("wsdb: trx %d is missing", e.TrxID)
}

// TrxState is the observable lifecycle state of a local trx record
// (spec.md §3).
type TrxState int

const (
	Void TrxState = iota
	Replicating
	Replicated
	Aborted
	Missing
)

// Position records which queue a BF-aborted trx was interrupted in
// (spec.md §3). The commit path sets it when it returns BFAbort, leaving
// the trx REPLICATED, and ReplayTrx reads it to decide where to resume.
type Position int

const (
	NoPosition Position = iota
	ToQueue
	CommitQueue
)

// LocalTrx is the local trx record WSDB owns.
type LocalTrx struct {
	State    TrxState
	SeqnoL   gseq.SeqnoL
	SeqnoG   gseq.SeqnoG
	Position Position
	WS       *ws.WriteSet // pinned for replay
}

// CertResult is the outcome of a certification test (spec.md §4.5's
// dispatch table names three outcomes; CERTIFICATION_SKIP is made a
// first-class value here rather than folded into Fail, matching
// galera.c's WSDB_CERTIFICATION_SKIP).
type CertResult int

const (
	CertOK CertResult = iota
	CertFail
	CertSkip
)

// WSDB is the write-set store boundary the replication core depends on.
type WSDB interface {
	// BeginLocalTrx creates a VOID local trx record and returns its id.
	BeginLocalTrx() (trxID uint64)

	// GetLocalTrx returns the trx record for trxID, or (nil, false) if
	// WSDB has no record of it (spec.md §7's TRX_MISSING).
	GetLocalTrx(trxID uint64) (*LocalTrx, bool)

	// SetLocalTrxState updates a local trx's observable state under
	// WSDB's own internal locking.
	SetLocalTrxState(trxID uint64, state TrxState)

	// SetLocalTrxSeqnos records the seqnos a trx was assigned by GCS.
	SetLocalTrxSeqnos(trxID uint64, seqnoG gseq.SeqnoG, seqnoL gseq.SeqnoL)

	// PinForReplay attaches the write set a BF-aborted trx should
	// replay with, and records which queue it was interrupted in.
	PinForReplay(trxID uint64, w *ws.WriteSet, pos Position)

	// DeleteLocalTrx removes a trx record (VOID->deleted on commit, or
	// on TRX_FAIL/abort handling).
	DeleteLocalTrx(trxID uint64)

	// ComposeWriteSet asks WSDB for the write set accumulated so far
	// for trxID (spec.md §4.3 step 2).
	ComposeWriteSet(trxID uint64) (*ws.WriteSet, error)

	// AppendWriteSet certifies and durably records a write set at
	// seqnoG, returning CertOK/CertFail (CertSkip is never returned
	// here — that outcome belongs to the remote-apply path's own
	// my_seqno check, not to the certification index itself).
	AppendWriteSet(seqnoG gseq.SeqnoG, w *ws.WriteSet) (CertResult, error)

	// CertificationTest re-runs the certification predicate for a
	// pinned write set against the index as of seqnoG, without
	// appending it — used by the BF-abort recheck of spec.md §4.4.
	CertificationTest(w *ws.WriteSet, seqnoG gseq.SeqnoG) (CertResult, error)

	// Conflicts reports whether ws depends on (conflicts with) the
	// write set committed at seqnoB — the dedicated conflict probe
	// spec.md §9 asks for, replacing the source's trick of mutating
	// last_seen_trx to reuse the certification test.
	Conflicts(w *ws.WriteSet, seqnoB gseq.SeqnoG) bool

	// PurgeTrxsUpto discards certification-index history no longer
	// needed once every node has committed up to seqno (spec.md §4.5's
	// COMMIT_CUT handling).
	PurgeTrxsUpto(seqno gseq.SeqnoG) error

	// SafeToDiscardSeqno returns the highest seqno known to be
	// committed everywhere, for last-applied reporting (spec.md §4.6).
	SafeToDiscardSeqno() gseq.SeqnoG
}
