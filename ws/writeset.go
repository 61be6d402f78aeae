// Package ws defines the write-set data model: the opaque-to-the-core
// payload produced by a local transaction and broadcast via GCS, plus
// the incremental Builder the host's append_query/append_row_key/
// set_variable/set_database calls feed (spec.md §3, §6).
package ws

import (
	"time"

	"github.com/codership/galera-go/gseq"
)

// Type distinguishes transactional write sets from connection-scoped
// setup statements.
type Type int

const (
	TRX Type = iota
	CONN
)

// Level describes how the write set's mutations are encoded.
type Level int

const (
	QUERY Level = iota
	DataRow
	DataRBR
	DataCols
)

// RowAction is the kind of row-level mutation a RowKey describes.
type RowAction int

const (
	Insert RowAction = iota
	Update
	Delete
)

// Query is a single SQL-like statement captured by append_query.
type Query struct {
	SQL       string
	Timestamp time.Time
	Rand      int64
}

// RowKey identifies a row touched by a DATA_ROW-level write set.
type RowKey struct {
	DBTable string
	Key     []byte
	Action  RowAction
}

// WriteSet is the set of mutations produced by one transaction plus the
// last_seen_trx anchor used for certification.
type WriteSet struct {
	Type  Type
	Level Level

	// Queries holds the statements for TRX/QUERY write sets and the
	// connection-scoped setup statements for CONN write sets.
	Queries []Query

	// RBR holds the row-based-replication byte buffer for DATA_RBR
	// write sets; opaque to the core, applied via the host's
	// bf_execute_rbr callback.
	RBR []byte

	// RowKeys holds row descriptors for DATA_ROW write sets.
	RowKeys []RowKey

	// LastSeenTrx is the seqno_g observed when the transaction began —
	// the certification anchor of spec.md §3: any write set committed
	// with SeqnoG in (LastSeenTrx, this.SeqnoG) is a potential conflict.
	LastSeenTrx gseq.SeqnoG
}

// Empty reports whether the write set carries no mutations at all —
// spec.md §4.3 step 2 treats an empty write set as an OK no-op.
func (w *WriteSet) Empty() bool {
	if w == nil {
		return true
	}
	return len(w.Queries) == 0 && len(w.RBR) == 0 && len(w.RowKeys) == 0
}

// Builder accumulates the pieces of a write set across a transaction's
// lifetime, mirroring the append_query/append_row_key/set_variable/
// set_database host-facing calls of spec.md §6.
type Builder struct {
	connQueries []Query
	trxQueries  []Query
	rowKeys     []RowKey
	rbr         []byte
	lastSeen    gseq.SeqnoG
}

// NewBuilder starts a write set anchored at the given last-seen seqno.
func NewBuilder(lastSeen gseq.SeqnoG) *Builder {
	return &Builder{lastSeen: lastSeen}
}

// AppendQuery records a transactional SQL statement.
func (b *Builder) AppendQuery(sql string, ts time.Time, rnd int64) {
	b.trxQueries = append(b.trxQueries, Query{SQL: sql, Timestamp: ts, Rand: rnd})
}

// AppendRowKey records a row-level mutation descriptor.
func (b *Builder) AppendRowKey(dbTable string, key []byte, action RowAction) {
	b.rowKeys = append(b.rowKeys, RowKey{DBTable: dbTable, Key: key, Action: action})
}

// SetVariable records a connection-scoped SET statement.
func (b *Builder) SetVariable(key, query string) {
	b.connQueries = append(b.connQueries, Query{SQL: query})
}

// SetDatabase records a connection-scoped USE/database-switch statement.
func (b *Builder) SetDatabase(query string) {
	b.connQueries = append(b.connQueries, Query{SQL: query})
}

// SetRBR attaches a row-based-replication byte buffer to the write set
// being built, switching its level to DataRBR.
func (b *Builder) SetRBR(buf []byte) {
	b.rbr = buf
}

// Build assembles the accumulated pieces into a WriteSet. Connection
// setup statements (set_variable/set_database) always produce a CONN
// write set when present and no transactional work has been recorded;
// otherwise the result is a TRX write set at the most specific level
// the builder has data for.
func (b *Builder) Build() *WriteSet {
	if len(b.connQueries) > 0 && len(b.trxQueries) == 0 && len(b.rowKeys) == 0 && len(b.rbr) == 0 {
		return &WriteSet{
			Type:        CONN,
			Level:       QUERY,
			Queries:     b.connQueries,
			LastSeenTrx: b.lastSeen,
		}
	}

	level := QUERY
	switch {
	case len(b.rbr) > 0:
		level = DataRBR
	case len(b.rowKeys) > 0:
		level = DataRow
	}

	return &WriteSet{
		Type:        TRX,
		Level:       level,
		Queries:     append(append([]Query{}, b.connQueries...), b.trxQueries...),
		RBR:         b.rbr,
		RowKeys:     b.rowKeys,
		LastSeenTrx: b.lastSeen,
	}
}
