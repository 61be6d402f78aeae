package xdr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codership/galera-go/gseq"
	"github.com/codership/galera-go/ws"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	original := &ws.WriteSet{
		Type:  ws.TRX,
		Level: ws.DataRow,
		Queries: []ws.Query{
			{SQL: "INSERT INTO t VALUES(1)", Timestamp: time.Unix(1700000000, 0), Rand: 42},
		},
		RowKeys: []ws.RowKey{
			{DBTable: "db.t", Key: []byte{1, 2, 3}, Action: ws.Insert},
		},
		RBR:         []byte{0xde, 0xad, 0xbe, 0xef},
		LastSeenTrx: gseq.SeqnoG(7),
	}

	encoded, err := Encode(original)
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)

	assert.Equal(t, original.Type, decoded.Type)
	assert.Equal(t, original.Level, decoded.Level)
	assert.Equal(t, original.LastSeenTrx, decoded.LastSeenTrx)
	assert.Equal(t, original.RBR, decoded.RBR)
	assert.Equal(t, original.RowKeys, decoded.RowKeys)
	require.Len(t, decoded.Queries, 1)
	assert.Equal(t, original.Queries[0].SQL, decoded.Queries[0].SQL)
	assert.Equal(t, original.Queries[0].Rand, decoded.Queries[0].Rand)
	assert.True(t, original.Queries[0].Timestamp.Equal(decoded.Queries[0].Timestamp))
}

func TestEncodeDecodeEmptyWriteSet(t *testing.T) {
	original := &ws.WriteSet{Type: ws.CONN, Level: ws.QUERY, LastSeenTrx: gseq.Nil}
	encoded, err := Encode(original)
	require.NoError(t, err)
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.True(t, decoded.Empty())
}
