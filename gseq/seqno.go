// Package gseq defines the two sequence-number spaces that every
// GCS-delivered action carries, and the monotonic tracker a node uses
// to decide whether an action is still relevant.
package gseq

import "sync"

// SeqnoG is the global sequence number, agreed cluster-wide by the GCS.
// It may be sparse at any single node.
type SeqnoG int64

// SeqnoL is the local sequence number, dense and node-private, assigned
// in GCS delivery order.
type SeqnoL int64

const (
	// Nil marks a seqno that has never been assigned.
	Nil SeqnoG = -1

	// Ill marks a seqno field in an error state.
	Ill SeqnoG = -2

	// NilL / IllL mirror Nil/Ill in the local-seqno space.
	NilL SeqnoL = -1
	IllL SeqnoL = -2
)

// Valid reports whether g is neither Nil nor Ill.
func (g SeqnoG) Valid() bool { return g != Nil && g != Ill }

// Valid reports whether l is neither NilL nor IllL.
func (l SeqnoL) Valid() bool { return l != NilL && l != IllL }

// GlobalSeqno tracks my_seqno: the highest SeqnoG observed on the
// total-order path. It only ever advances, and must be read/written
// while the caller holds the total-order queue for the seqno in
// question (monitor.TOQ) — the mutex here guards against the rare
// concurrent read from a status/metrics goroutine, not against
// concurrent writers.
type GlobalSeqno struct {
	mu  sync.Mutex
	val SeqnoG
}

// NewGlobalSeqno creates a tracker starting at Nil.
func NewGlobalSeqno() *GlobalSeqno {
	return &GlobalSeqno{val: Nil}
}

// Get returns the current value.
func (g *GlobalSeqno) Get() SeqnoG {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.val
}

// Set forces the tracker to an exact value, used when joining after a
// state transfer (spec.md §4.6 step 5: "set my_seqno = conf.seqno").
func (g *GlobalSeqno) Set(v SeqnoG) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.val = v
}

// AdvanceIfGreater advances the tracker to seqno and reports true if
// seqno was strictly greater than the current value (the action should
// be applied); otherwise it leaves the tracker untouched and reports
// false (the action should be skipped). This is the
// galera_update_global_seqno contract of spec.md's Open Questions: it
// takes the action's seqno_g and returns whether to apply.
func (g *GlobalSeqno) AdvanceIfGreater(seqno SeqnoG) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if seqno > g.val {
		g.val = seqno
		return true
	}
	return false
}
