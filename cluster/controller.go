// Package cluster implements the Cluster-State Controller (C6 of
// spec.md §4.6): handling CONF (membership-change) actions, driving
// the state-transfer request/donor handshake, and throttled
// last-applied reporting.
//
// Grounded on topology.DatacenterContainer's "container of cluster
// membership state behind one lock" shape (topology/datacenter.go) and
// original_source/wsdb/src/galera.c's mm_galera_handle_configuration /
// mm_galera_request_state_transfer for the exact control flow.
package cluster

import (
	"context"
	"fmt"
	"time"

	logging "github.com/op/go-logging"
	catrate "github.com/joeycumines/go-catrate"

	"github.com/codership/galera-go/gcs"
	"github.com/codership/galera-go/gseq"
	"github.com/codership/galera-go/monitor"
	"github.com/codership/galera-go/wsdb"
)

var logger = logging.MustGetLogger("cluster")

// ReportInterval is the last-applied reporting cadence of spec.md §4.6.
const ReportInterval = 200

// PurgeInterval is the COMMIT_CUT purge rate limit of spec.md §4.5.
const PurgeInterval = 100

// SnapshotProvider is the "[external SST]" collaborator of spec.md
// §4.6: whatever fills my_seqno on the joiner side, and whatever reads
// a consistent snapshot on the donor side. Supplemented from
// original_source/wsdb/src/galera.c, which distinguishes joiner and
// donor roles explicitly (see SPEC_FULL.md §"SUPPLEMENTED FEATURES").
type SnapshotProvider interface {
	// ReceiveSnapshot blocks until a state-transfer snapshot from
	// donorIdx has been applied locally, returning the seqno it left
	// the node at.
	ReceiveSnapshot(ctx context.Context, donorIdx int) (gseq.SeqnoG, error)

	// SendSnapshot sends a snapshot of the local state as of the
	// controller's current seqno to the requesting node.
	SendSnapshot(ctx context.Context) error
}

// Controller is the cluster-state control plane for one node.
type Controller struct {
	toq  *monitor.Monitor
	cq   *monitor.Monitor
	gcsT gcs.Transport
	db   wsdb.WSDB
	snap SnapshotProvider

	mySeqno *gseq.GlobalSeqno

	groupUUID string
	myIdx     int

	reportLimiter *catrate.Limiter
	purgeLimiter  *catrate.Limiter
}

// New creates a Controller wired to the given collaborators.
func New(toq, cq *monitor.Monitor, transport gcs.Transport, db wsdb.WSDB, snap SnapshotProvider, mySeqno *gseq.GlobalSeqno) *Controller {
	return &Controller{
		toq:     toq,
		cq:      cq,
		gcsT:    transport,
		db:      db,
		snap:    snap,
		mySeqno: mySeqno,
		reportLimiter: catrate.NewLimiter(map[time.Duration]int{
			time.Hour: ReportInterval,
		}),
		purgeLimiter: catrate.NewLimiter(map[time.Duration]int{
			time.Hour: PurgeInterval,
		}),
	}
}

// HandleConfiguration implements spec.md §4.6's handle_configuration.
// Call it with the CONF action's own seqno_l; the caller (the receive
// loop, C5) is responsible for having already grabbed TOQ at that
// position.
func (c *Controller) HandleConfiguration(ctx context.Context, conf *gcs.ConfChange, seqnoL gseq.SeqnoL) (myIdx int, err error) {
	if conf.ConfID < 0 {
		// non-primary view: self-cancel CQ and bail.
		c.cq.SelfCancel(int64(seqnoL))
		return -1, nil
	}

	if !conf.STRequired {
		if c.mySeqno.Get() != conf.Seqno {
			return 0, fmt.Errorf("cluster: non-ST conf expects my_seqno == conf.seqno (%d != %d)", c.mySeqno.Get(), conf.Seqno)
		}
		c.cq.SelfCancel(int64(seqnoL))
		c.groupUUID = conf.GroupUUID
		c.myIdx = conf.MyIdx
		return conf.MyIdx, nil
	}

	return c.handleStateTransfer(ctx, conf, seqnoL)
}

func (c *Controller) handleStateTransfer(ctx context.Context, conf *gcs.ConfChange, seqnoL gseq.SeqnoL) (int, error) {
	if err := c.cq.Grab(int64(seqnoL)); err != nil {
		return 0, fmt.Errorf("cluster: grab CQ for ST conf: %w", err)
	}

	donorIdx, err := c.RequestStateTransfer(ctx)
	if err != nil {
		c.cq.Release(int64(seqnoL))
		return 0, err
	}

	if _, err := c.snap.ReceiveSnapshot(ctx, donorIdx); err != nil {
		c.cq.Release(int64(seqnoL))
		return 0, fmt.Errorf("cluster: receive snapshot: %w", err)
	}

	c.cq.Release(int64(seqnoL))

	if err := c.gcsT.Join(ctx, conf.Seqno); err != nil {
		return 0, fmt.Errorf("cluster: join: %w", err)
	}
	c.mySeqno.Set(conf.Seqno)
	c.groupUUID = conf.GroupUUID
	c.myIdx = conf.MyIdx
	return conf.MyIdx, nil
}

// RequestStateTransfer is the joiner-side operation of spec.md §4.6
// step 2: loops on EAGAIN (sleeping 1s between retries, per spec) until
// GCS hands back a donor index, then self-cancels TOQ/CQ at the
// request's own local seqno.
func (c *Controller) RequestStateTransfer(ctx context.Context) (donorIdx int, err error) {
	for {
		idx, reqSeqnoL, err := c.gcsT.RequestStateTransfer(ctx, c.mySeqno.Get())
		if err == errEAgain {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(time.Second):
				continue
			}
		}
		if err != nil {
			return 0, fmt.Errorf("cluster: request state transfer: %w", err)
		}
		c.toq.SelfCancel(int64(reqSeqnoL))
		c.cq.SelfCancel(int64(reqSeqnoL))
		return idx, nil
	}
}

// errEAgain is the "no donor available yet, retry" sentinel
// RequestStateTransfer retries on. It is unexported and compared with
// ==, so no gcs.Transport outside this package can return it, and a
// wrapped copy of it is not recognised.
var errEAgain = fmt.Errorf("gcs: EAGAIN")

// HandleStateRequest is the donor-side operation of spec.md §4.5's
// STATE_REQ dispatch: grab TOQ then CQ, send a snapshot, release both,
// then join at the action's own seqno_g.
func (c *Controller) HandleStateRequest(ctx context.Context, seqnoL gseq.SeqnoL, seqnoG gseq.SeqnoG) error {
	if err := c.toq.Grab(int64(seqnoL)); err != nil {
		return fmt.Errorf("cluster: grab TOQ for STATE_REQ: %w", err)
	}
	if err := c.cq.Grab(int64(seqnoL)); err != nil {
		c.toq.Release(int64(seqnoL))
		return fmt.Errorf("cluster: grab CQ for STATE_REQ: %w", err)
	}

	sendErr := c.snap.SendSnapshot(ctx)

	c.toq.Release(int64(seqnoL))
	c.cq.Release(int64(seqnoL))

	if sendErr != nil {
		return fmt.Errorf("cluster: send snapshot: %w", sendErr)
	}
	return c.gcsT.Join(ctx, seqnoG)
}

// ReportLastApplied implements the last-applied reporting of spec.md
// §4.6: called after every CQ release; throttled so it only actually
// publishes once the report limiter's budget allows it.
func (c *Controller) ReportLastApplied(ctx context.Context) {
	if _, ok := c.reportLimiter.Allow("report"); !ok {
		return
	}
	seqno := c.db.SafeToDiscardSeqno()
	if err := c.gcsT.SetLastApplied(ctx, seqno); err != nil {
		logger.Warningf("cluster: set_last_applied failed, will retry: %v", err)
	}
}

// MaybePurge implements the rate-limited history purge of spec.md §4.5
// ("at least every 100 seqnos"): called on every COMMIT_CUT, it only
// actually purges once the purge limiter's budget allows it.
func (c *Controller) MaybePurge(value gseq.SeqnoG) error {
	if _, ok := c.purgeLimiter.Allow("purge"); !ok {
		return nil
	}
	return c.db.PurgeTrxsUpto(value)
}

// GroupUUID returns the cluster's group identity as last adopted from
// a CONF action.
func (c *Controller) GroupUUID() string { return c.groupUUID }

// MyIdx returns this node's membership index as last adopted.
func (c *Controller) MyIdx() int { return c.myIdx }
