package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codership/galera-go/gcs"
)

func TestBroadcastDeliversToOtherNodesNotSelf(t *testing.T) {
	cl := NewCluster()
	a := cl.Join()
	b := cl.Join()

	seqnoG, seqnoL, err := a.Broadcast(context.Background(), []byte("payload"))
	require.NoError(t, err)
	require.Equal(t, 0, int(seqnoG))
	require.Equal(t, 1, int(seqnoL))

	select {
	case got := <-b.self.ch:
		require.Equal(t, gcs.DATA, got.Type)
		require.Equal(t, []byte("payload"), got.Payload)
		require.Equal(t, seqnoG, got.SeqnoG)
	default:
		t.Fatal("expected node b to receive the broadcast action")
	}

	select {
	case <-a.self.ch:
		t.Fatal("broadcasting node should not receive its own action")
	default:
	}
}

func TestBroadcastAssignsIncreasingGlobalSeqno(t *testing.T) {
	cl := NewCluster()
	a := cl.Join()
	_ = cl.Join()

	g0, _, err := a.Broadcast(context.Background(), []byte("one"))
	require.NoError(t, err)
	g1, _, err := a.Broadcast(context.Background(), []byte("two"))
	require.NoError(t, err)
	require.Equal(t, g0+1, g1)
}

func TestWaitReportsPauseSignal(t *testing.T) {
	cl := NewCluster()
	n := cl.Join()

	sig, err := n.Wait(context.Background())
	require.NoError(t, err)
	require.False(t, sig.Pause)

	cl.SetPaused(true)
	sig, err = n.Wait(context.Background())
	require.NoError(t, err)
	require.True(t, sig.Pause)
}

func TestRecvRespectsContextCancellation(t *testing.T) {
	cl := NewCluster()
	n := cl.Join()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := n.Recv(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
