// Package memory implements an in-process loopback gcs.Transport. A
// Cluster is a shared totally-ordered action log; each node gets a
// *Node view onto it via Cluster.Join. Every action broadcast by any
// node is delivered, in the same order, to every other node's Recv
// loop — the property GCS promises. The broadcasting node itself
// consumes the (seqno_g, seqno_l) pair synchronously from the
// Broadcast call, matching spec.md §4.3 step 5 (the local commit path
// drives certification directly rather than waiting for its own write
// set to come back around a receive loop).
//
// A loopback transport has no business depending on a real broker —
// this is a plain channel fan-out, grounded in the teacher's own
// preference for unadorned stdlib concurrency wherever a library
// wouldn't add anything (see DESIGN.md's gcs entry).
package memory

import (
	"context"
	"sync"

	"github.com/codership/galera-go/gcs"
	"github.com/codership/galera-go/gseq"
)

// Cluster is the shared broadcast medium for an in-process group of
// nodes.
type Cluster struct {
	mu         sync.Mutex
	nextSeqnoG gseq.SeqnoG
	nodes      []*nodeState
	paused     bool
}

type nodeState struct {
	nextSeqnoL gseq.SeqnoL
	ch         chan *gcs.Action
}

// NewCluster creates an empty shared broadcast medium.
func NewCluster() *Cluster {
	return &Cluster{}
}

// Join attaches a new node to the cluster and returns its Transport.
func (c *Cluster) Join() *Node {
	c.mu.Lock()
	defer c.mu.Unlock()

	ns := &nodeState{ch: make(chan *gcs.Action, 1024)}
	c.nodes = append(c.nodes, ns)
	return &Node{cluster: c, self: ns}
}

// SetPaused toggles the flow-control signal every node's Wait reports.
func (c *Cluster) SetPaused(paused bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = paused
}

// broadcast assigns a global seqno (except to a COMMIT_CUT, which
// carries its cut value in SeqnoG), then delivers a per-node-seqno'd
// copy to every node except skip (if non-nil). Each node's local seqnos
// start at 1, the first position of the TOQ/CQ monitors. It returns
// skip's own assigned (seqno_g, seqno_l) even when skip is excluded from
// delivery.
func (c *Cluster) broadcast(a gcs.Action, skip *nodeState) (gseq.SeqnoG, gseq.SeqnoL) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if a.Type != gcs.CommitCut {
		a.SeqnoG = c.nextSeqnoG
		c.nextSeqnoG++
	}

	var skipSeqnoL gseq.SeqnoL
	for _, ns := range c.nodes {
		cp := a
		ns.nextSeqnoL++
		cp.SeqnoL = ns.nextSeqnoL
		if ns == skip {
			skipSeqnoL = cp.SeqnoL
			continue
		}
		ns.ch <- &cp
	}
	return a.SeqnoG, skipSeqnoL
}

// Node is one node's Transport view onto a Cluster.
type Node struct {
	cluster *Cluster
	self    *nodeState
}

var _ gcs.Transport = (*Node)(nil)

func (n *Node) Broadcast(ctx context.Context, payload []byte) (gseq.SeqnoG, gseq.SeqnoL, error) {
	seqnoG, seqnoL := n.cluster.broadcast(gcs.Action{Type: gcs.DATA, Payload: payload}, n.self)
	return seqnoG, seqnoL, nil
}

func (n *Node) Recv(ctx context.Context) (*gcs.Action, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case a := <-n.self.ch:
		return a, nil
	}
}

func (n *Node) Wait(ctx context.Context) (gcs.WaitSignal, error) {
	n.cluster.mu.Lock()
	defer n.cluster.mu.Unlock()
	return gcs.WaitSignal{Pause: n.cluster.paused}, nil
}

func (n *Node) Join(ctx context.Context, seqno gseq.SeqnoG) error {
	return nil
}

func (n *Node) SetLastApplied(ctx context.Context, seqno gseq.SeqnoG) error {
	return nil
}

// BroadcastConfChange delivers a CONF action to every node, for tests
// driving the cluster-state controller (spec.md §4.6).
func (c *Cluster) BroadcastConfChange(conf *gcs.ConfChange) {
	c.broadcast(gcs.Action{Type: gcs.CONF, Conf: conf}, nil)
}

// BroadcastCommitCut delivers a COMMIT_CUT action with the given cut
// value as its SeqnoG to every node.
func (c *Cluster) BroadcastCommitCut(value gseq.SeqnoG) {
	c.broadcast(gcs.Action{Type: gcs.CommitCut, SeqnoG: value}, nil)
}

func (n *Node) RequestStateTransfer(ctx context.Context, mySeqno gseq.SeqnoG) (int, gseq.SeqnoL, error) {
	_, seqnoL := n.cluster.broadcast(gcs.Action{Type: gcs.StateReq}, n.self)
	return 0, seqnoL, nil
}
