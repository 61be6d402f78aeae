package ws

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codership/galera-go/gseq"
)

func TestBuilderProducesConnWriteSetWhenOnlySetupRecorded(t *testing.T) {
	b := NewBuilder(gseq.SeqnoG(3))
	b.SetDatabase("use mydb")
	b.SetVariable("autocommit", "set autocommit=0")

	w := b.Build()
	require.Equal(t, CONN, w.Type)
	require.Equal(t, QUERY, w.Level)
	require.Len(t, w.Queries, 2)
	require.Equal(t, gseq.SeqnoG(3), w.LastSeenTrx)
	require.False(t, w.Empty())
}

func TestBuilderProducesTrxWriteSetAtRowLevel(t *testing.T) {
	b := NewBuilder(gseq.Nil)
	b.AppendQuery("update t set x = 1", time.Time{}, 0)
	b.AppendRowKey("t", []byte("row1"), Update)

	w := b.Build()
	require.Equal(t, TRX, w.Type)
	require.Equal(t, DataRow, w.Level)
	require.Len(t, w.Queries, 1)
	require.Len(t, w.RowKeys, 1)
	require.Equal(t, Update, w.RowKeys[0].Action)
}

func TestBuilderProducesTrxWriteSetAtRBRLevelWhenSet(t *testing.T) {
	b := NewBuilder(gseq.Nil)
	b.AppendRowKey("t", []byte("row1"), Insert)
	b.SetRBR([]byte{0x01, 0x02})

	w := b.Build()
	require.Equal(t, DataRBR, w.Level)
	require.Equal(t, []byte{0x01, 0x02}, w.RBR)
}

func TestEmptyWriteSet(t *testing.T) {
	w := NewBuilder(gseq.Nil).Build()
	require.True(t, w.Empty())

	var nilWS *WriteSet
	require.True(t, nilWS.Empty())
}
