// Package gcs defines the GCS-facing wire protocol of spec.md §6: the
// Transport interface every node uses to broadcast and receive
// totally-ordered actions, plus the Action envelope that carries
// (seqno_g, seqno_l) alongside each payload.
//
// Transport itself is the boundary; concrete implementations live in
// gcs/memory (an in-process loopback used by tests and single-node
// scenarios) and gcs/kafka (a franz-go-backed adapter using one
// single-partition topic per cluster to get GCS's total-order broadcast
// guarantee "for free" from partition ordering).
package gcs

import (
	"context"

	"github.com/codership/galera-go/gseq"
)

// ActionType is the dispatch tag of spec.md §4.5.
type ActionType int

const (
	DATA ActionType = iota
	CommitCut
	CONF
	StateReq
)

// ConfChange describes a membership-change action (spec.md §4.6).
type ConfChange struct {
	ConfID      int64
	Seqno       gseq.SeqnoG
	GroupUUID   string
	MembNum     int
	MyIdx       int
	STRequired  bool
}

// Action is one totally-ordered message delivered by the GCS transport.
type Action struct {
	Type   ActionType
	SeqnoG gseq.SeqnoG
	SeqnoL gseq.SeqnoL

	// Payload carries the encoded write set for DATA and is nil for the
	// other types. A CommitCut carries its cut value in SeqnoG, and a
	// CONF carries its membership change in Conf.
	Payload []byte
	Conf    *ConfChange
}

// WaitSignal is the flow-control signal gcs_wait reports (spec.md
// §4.3 step 1): Pause asks the caller to stop broadcasting briefly.
type WaitSignal struct {
	Pause bool
}

// Transport is the GCS-facing API the replication core depends on. It
// corresponds to spec.md §6's "GCS-facing wire protocol": actions of
// type DATA|COMMIT_CUT|CONF|STATE_REQ, gcs_wait, gcs_join,
// gcs_set_last_applied, gcs_request_state_transfer.
type Transport interface {
	// Broadcast sends a write set and returns the (seqno_g, seqno_l)
	// GCS assigned it.
	Broadcast(ctx context.Context, payload []byte) (gseq.SeqnoG, gseq.SeqnoL, error)

	// Recv blocks until the next action is available.
	Recv(ctx context.Context) (*Action, error)

	// Wait reports the current flow-control signal without blocking
	// for long (spec.md §4.3 step 1's pause/retry gate).
	Wait(ctx context.Context) (WaitSignal, error)

	// Join announces that this node has finished joining up to seqno.
	Join(ctx context.Context, seqno gseq.SeqnoG) error

	// SetLastApplied publishes the last seqno this node is known to
	// have safely applied (spec.md §4.6's last-applied reporting).
	SetLastApplied(ctx context.Context, seqno gseq.SeqnoG) error

	// RequestStateTransfer asks GCS to coordinate a state-transfer
	// donor selection for this node, sending mySeqno as the joiner's
	// current state. It returns the chosen donor index and the local
	// seqno the request action itself was assigned.
	RequestStateTransfer(ctx context.Context, mySeqno gseq.SeqnoG) (donorIdx int, reqSeqnoL gseq.SeqnoL, err error)
}
