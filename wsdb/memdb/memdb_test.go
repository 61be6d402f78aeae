package memdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codership/galera-go/gseq"
	"github.com/codership/galera-go/wsdb"
	"github.com/codership/galera-go/ws"
)

func TestAppendWriteSetNonConflicting(t *testing.T) {
	db := New()

	a := &ws.WriteSet{RowKeys: []ws.RowKey{{DBTable: "t", Key: []byte("1")}}, LastSeenTrx: gseq.Nil}
	b := &ws.WriteSet{RowKeys: []ws.RowKey{{DBTable: "t", Key: []byte("2")}}, LastSeenTrx: gseq.Nil}

	res, err := db.AppendWriteSet(1, a)
	require.NoError(t, err)
	assert.Equal(t, wsdb.CertOK, res)

	res, err = db.AppendWriteSet(2, b)
	require.NoError(t, err)
	assert.Equal(t, wsdb.CertOK, res)
}

func TestAppendWriteSetConflicting(t *testing.T) {
	db := New()

	a := &ws.WriteSet{RowKeys: []ws.RowKey{{DBTable: "t", Key: []byte("1")}}, LastSeenTrx: gseq.Nil}
	b := &ws.WriteSet{RowKeys: []ws.RowKey{{DBTable: "t", Key: []byte("1")}}, LastSeenTrx: gseq.Nil}

	res, err := db.AppendWriteSet(1, a)
	require.NoError(t, err)
	assert.Equal(t, wsdb.CertOK, res)

	res, err = db.AppendWriteSet(2, b)
	require.NoError(t, err)
	assert.Equal(t, wsdb.CertFail, res)
}

func TestAppendWriteSetPastLastSeenIsIgnored(t *testing.T) {
	db := New()

	a := &ws.WriteSet{RowKeys: []ws.RowKey{{DBTable: "t", Key: []byte("1")}}, LastSeenTrx: gseq.Nil}
	_, err := db.AppendWriteSet(1, a)
	require.NoError(t, err)

	// b has seen seqno 1, so it should not conflict with a even though
	// they touch the same row.
	b := &ws.WriteSet{RowKeys: []ws.RowKey{{DBTable: "t", Key: []byte("1")}}, LastSeenTrx: gseq.SeqnoG(1)}
	res, err := db.AppendWriteSet(2, b)
	require.NoError(t, err)
	assert.Equal(t, wsdb.CertOK, res)
}

func TestPurgeTrxsUpto(t *testing.T) {
	db := New()
	w := &ws.WriteSet{LastSeenTrx: gseq.Nil}
	_, err := db.AppendWriteSet(1, w)
	require.NoError(t, err)
	// a row-less write set conflicts with everything it has not seen, so
	// the second one must have seen seqno 1 to be appended.
	_, err = db.AppendWriteSet(2, &ws.WriteSet{LastSeenTrx: gseq.SeqnoG(1)})
	require.NoError(t, err)

	require.NoError(t, db.PurgeTrxsUpto(1))
	assert.Equal(t, gseq.SeqnoG(1), db.SafeToDiscardSeqno())
	assert.Equal(t, 1, db.certIndex.Len())
}

func TestLocalTrxLifecycle(t *testing.T) {
	db := New()
	id := db.BeginLocalTrx()
	trx, ok := db.GetLocalTrx(id)
	require.True(t, ok)
	assert.Equal(t, wsdb.Void, trx.State)

	db.SetLocalTrxState(id, wsdb.Replicating)
	trx, _ = db.GetLocalTrx(id)
	assert.Equal(t, wsdb.Replicating, trx.State)

	db.DeleteLocalTrx(id)
	_, ok = db.GetLocalTrx(id)
	assert.False(t, ok)
}
