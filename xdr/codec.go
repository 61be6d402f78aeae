// Package xdr implements the external write-set framing codec (the
// "XDR-equivalent" of spec.md §4.3 step 3): encoding a ws.WriteSet to a
// byte buffer for broadcast, and decoding it back on the receive side.
//
// The field-framing helpers below are a direct generalization of
// serializer.WriteFieldBytes/ReadFieldBytes from the teacher repo:
// every field is a little-endian uint32 length prefix followed by the
// raw bytes.
package xdr

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/codership/galera-go/gseq"
	"github.com/codership/galera-go/ws"
)

// WriteFieldBytes writes a length-prefixed byte field.
func WriteFieldBytes(w *bufio.Writer, b []byte) error {
	size := uint32(len(b))
	if err := binary.Write(w, binary.LittleEndian, &size); err != nil {
		return err
	}
	n, err := w.Write(b)
	if err != nil {
		return err
	}
	if uint32(n) != size {
		return fmt.Errorf("xdr: short write, expected %d bytes, wrote %d", size, n)
	}
	return nil
}

// ReadFieldBytes reads a length-prefixed byte field.
func ReadFieldBytes(r *bufio.Reader) ([]byte, error) {
	var size uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := readFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func writeInt64(w *bufio.Writer, v int64) error {
	return binary.Write(w, binary.LittleEndian, v)
}

func readInt64(r *bufio.Reader) (int64, error) {
	var v int64
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

// EstimateSize returns the byte-buffer size spec.md §4.3 step 3 asks
// for: roughly 2x the estimated write-set size plus the RBR length.
func EstimateSize(w *ws.WriteSet) int {
	base := 64 + len(w.RowKeys)*48
	for _, q := range w.Queries {
		base += len(q.SQL) + 32
	}
	return base*2 + len(w.RBR)
}

// Encode serializes a write set into the wire format broadcast via GCS.
func Encode(w *ws.WriteSet) ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.Grow(EstimateSize(w))
	bw := bufio.NewWriter(buf)

	if err := writeInt64(bw, int64(w.Type)); err != nil {
		return nil, err
	}
	if err := writeInt64(bw, int64(w.Level)); err != nil {
		return nil, err
	}
	if err := writeInt64(bw, int64(w.LastSeenTrx)); err != nil {
		return nil, err
	}

	if err := writeInt64(bw, int64(len(w.Queries))); err != nil {
		return nil, err
	}
	for _, q := range w.Queries {
		if err := WriteFieldBytes(bw, []byte(q.SQL)); err != nil {
			return nil, err
		}
		if err := writeInt64(bw, q.Timestamp.UnixNano()); err != nil {
			return nil, err
		}
		if err := writeInt64(bw, q.Rand); err != nil {
			return nil, err
		}
	}

	if err := writeInt64(bw, int64(len(w.RowKeys))); err != nil {
		return nil, err
	}
	for _, rk := range w.RowKeys {
		if err := WriteFieldBytes(bw, []byte(rk.DBTable)); err != nil {
			return nil, err
		}
		if err := WriteFieldBytes(bw, rk.Key); err != nil {
			return nil, err
		}
		if err := writeInt64(bw, int64(rk.Action)); err != nil {
			return nil, err
		}
	}

	if err := WriteFieldBytes(bw, w.RBR); err != nil {
		return nil, err
	}

	if err := bw.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode deserializes a write set previously produced by Encode.
func Decode(data []byte) (*ws.WriteSet, error) {
	r := bufio.NewReader(bytes.NewReader(data))

	typ, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	level, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	lastSeen, err := readInt64(r)
	if err != nil {
		return nil, err
	}

	numQueries, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	queries := make([]ws.Query, 0, numQueries)
	for i := int64(0); i < numQueries; i++ {
		sql, err := ReadFieldBytes(r)
		if err != nil {
			return nil, err
		}
		ns, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		rnd, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		queries = append(queries, ws.Query{SQL: string(sql), Timestamp: time.Unix(0, ns), Rand: rnd})
	}

	numRowKeys, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	rowKeys := make([]ws.RowKey, 0, numRowKeys)
	for i := int64(0); i < numRowKeys; i++ {
		dbTable, err := ReadFieldBytes(r)
		if err != nil {
			return nil, err
		}
		key, err := ReadFieldBytes(r)
		if err != nil {
			return nil, err
		}
		action, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		rowKeys = append(rowKeys, ws.RowKey{DBTable: string(dbTable), Key: key, Action: ws.RowAction(action)})
	}

	rbr, err := ReadFieldBytes(r)
	if err != nil {
		return nil, err
	}

	return &ws.WriteSet{
		Type:        ws.Type(typ),
		Level:       ws.Level(level),
		Queries:     queries,
		RowKeys:     rowKeys,
		RBR:         rbr,
		LastSeenTrx: gseq.SeqnoG(lastSeen),
	}, nil
}
