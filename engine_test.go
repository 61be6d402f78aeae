package galera

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codership/galera-go/gcs/memory"
	"github.com/codership/galera-go/gseq"
	"github.com/codership/galera-go/wsdb/memdb"
)

type fakeSnapshot struct{}

func (fakeSnapshot) ReceiveSnapshot(ctx context.Context, donorIdx int) (gseq.SeqnoG, error) {
	return gseq.Nil, nil
}

func (fakeSnapshot) SendSnapshot(ctx context.Context) error { return nil }

func newTestEngine(t *testing.T) (*Engine, *memory.Cluster) {
	t.Helper()
	cl := memory.NewCluster()
	node := cl.Join()
	db := memdb.New()
	cfg := DefaultConfig()
	cfg.QueueCapacity = 64
	eng := New(cfg, db, node, fakeSnapshot{})
	eng.Enable()
	return eng, cl
}

// S1: a single node commits a transaction with no concurrent peers.
func TestCommitSingleNodeQuery(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	trxID := eng.BeginTrx()
	require.NoError(t, eng.AppendQuery(trxID, "insert into t values (1)", time.Time{}, 0))

	status, err := eng.Commit(ctx, trxID, 0, nil)
	require.NoError(t, err)
	require.Equal(t, OK, status)

	status, err = eng.Committed(ctx, trxID)
	require.NoError(t, err)
	require.Equal(t, OK, status)

	require.Equal(t, gseq.SeqnoG(0), eng.MySeqno())

	if _, ok := lookupTrx(eng, trxID); ok {
		t.Fatalf("trx %d should have been deleted after Committed", trxID)
	}
}

// An empty write set (no queries, no row keys, no RBR) commits as a
// trivial OK with no certification round trip at all.
func TestCommitEmptyWriteSetIsNoop(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	trxID := eng.BeginTrx()
	status, err := eng.Commit(ctx, trxID, 0, nil)
	require.NoError(t, err)
	require.Equal(t, OK, status)
}

func TestCommitUnknownTrxIsTrxMissing(t *testing.T) {
	eng, _ := newTestEngine(t)
	status, err := eng.Commit(context.Background(), 999, 0, nil)
	require.Error(t, err)
	require.Equal(t, TrxMissing, status)
}

// CancelCommit on a Void trx (never sent to commit) just marks it
// Aborted and reports Warning, per spec.md §8 property 5's idempotence.
func TestCancelCommitVoidTrx(t *testing.T) {
	eng, _ := newTestEngine(t)
	trxID := eng.BeginTrx()

	status, err := eng.CancelCommit(trxID)
	require.NoError(t, err)
	require.Equal(t, Warning, status)

	// re-issuing cancel_commit on the now-Aborted trx is a no-op.
	status, err = eng.CancelCommit(trxID)
	require.NoError(t, err)
	require.Equal(t, OK, status)
}

func TestCancelCommitUnknownTrx(t *testing.T) {
	eng, _ := newTestEngine(t)
	status, err := eng.CancelCommit(12345)
	require.NoError(t, err)
	require.Equal(t, Warning, status)
}

// A Void trx that commit() picks up after it was cancelled observes
// Aborted and returns TrxFail.
func TestCommitAfterCancelReturnsTrxFail(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	trxID := eng.BeginTrx()

	status, err := eng.CancelCommit(trxID)
	require.NoError(t, err)
	require.Equal(t, Warning, status)

	status, err = eng.Commit(ctx, trxID, 0, nil)
	require.NoError(t, err)
	require.Equal(t, TrxFail, status)
}

func TestToExecuteStartAndEnd(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	status, err := eng.ToExecuteStart(ctx, 7, "create table t (id int)")
	require.NoError(t, err)
	require.Equal(t, OK, status)

	status, err = eng.ToExecuteEnd(7)
	require.NoError(t, err)
	require.Equal(t, OK, status)

	// ending an connection that never started is a Warning, not a panic.
	status, err = eng.ToExecuteEnd(7)
	require.NoError(t, err)
	require.Equal(t, Warning, status)
}

// ToExecuteStart must reject a write set whose seqno_g is already
// stale by the time TOQ is held, rather than applying it and holding
// CQ regardless (spec.md §3 invariant 3).
func TestToExecuteStartStaleSeqnoReturnsConnFail(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	// The in-memory transport assigns seqno_g 0 to the first broadcast
	// on a fresh cluster; pre-advancing my_seqno to 0 makes that
	// broadcast's advanceGlobalSeqno call report "stale".
	eng.mySeqno.Set(0)

	status, err := eng.ToExecuteStart(ctx, 9, "create table t (id int)")
	require.NoError(t, err)
	require.Equal(t, ConnFail, status)

	// no CQ hold should have been recorded for the rejected connection.
	status, err = eng.ToExecuteEnd(9)
	require.NoError(t, err)
	require.Equal(t, Warning, status)
}

func TestRolledBackReleasesCQAndDeletesTrx(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	trxID := eng.BeginTrx()
	require.NoError(t, eng.AppendQuery(trxID, "delete from t where id = 1", time.Time{}, 0))

	status, err := eng.Commit(ctx, trxID, 0, nil)
	require.NoError(t, err)
	require.Equal(t, OK, status)

	status, err = eng.RolledBack(ctx, trxID)
	require.NoError(t, err)
	require.Equal(t, OK, status)

	if _, ok := lookupTrx(eng, trxID); ok {
		t.Fatalf("trx %d should have been deleted after RolledBack", trxID)
	}
}

// lookupTrx peeks at WSDB directly, bypassing the Engine's own API, to
// assert cleanup happened.
func lookupTrx(eng *Engine, trxID uint64) (*struct{}, bool) {
	if _, ok := eng.db.GetLocalTrx(trxID); ok {
		return &struct{}{}, true
	}
	return nil, false
}
