// Package memdb is an in-memory reference implementation of wsdb.WSDB,
// grounded on the teacher's store.Store in-memory map pattern
// (store/redis.go's Redis type, which backs its data with a plain
// map[string]Value under a single sync.RWMutex). It is good enough for
// the engine's unit tests and the cmd/galerad demo; it is not meant to
// survive a restart (spec.md's Non-goals explicitly exclude recovery
// across restart).
package memdb

import (
	"container/list"
	"sync"

	"github.com/codership/galera-go/gseq"
	"github.com/codership/galera-go/wsdb"
	"github.com/codership/galera-go/ws"
)

type certEntry struct {
	seqnoG gseq.SeqnoG
	ws     *ws.WriteSet
}

// MemDB is a single-node in-memory write-set store.
type MemDB struct {
	mu sync.RWMutex

	nextTrxID uint64
	trxs      map[uint64]*wsdb.LocalTrx

	// certIndex holds committed write sets in ascending seqno order,
	// trimmed from the front by PurgeTrxsUpto.
	certIndex   *list.List
	safeToDisc  gseq.SeqnoG
}

// New creates an empty MemDB.
func New() *MemDB {
	return &MemDB{
		trxs:      make(map[uint64]*wsdb.LocalTrx),
		certIndex: list.New(),
		safeToDisc: gseq.Nil,
	}
}

func (db *MemDB) BeginLocalTrx() uint64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.nextTrxID++
	id := db.nextTrxID
	db.trxs[id] = &wsdb.LocalTrx{State: wsdb.Void, SeqnoG: gseq.Nil, SeqnoL: gseq.NilL}
	return id
}

func (db *MemDB) GetLocalTrx(trxID uint64) (*wsdb.LocalTrx, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	t, ok := db.trxs[trxID]
	return t, ok
}

func (db *MemDB) SetLocalTrxState(trxID uint64, state wsdb.TrxState) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if t, ok := db.trxs[trxID]; ok {
		t.State = state
	}
}

func (db *MemDB) SetLocalTrxSeqnos(trxID uint64, seqnoG gseq.SeqnoG, seqnoL gseq.SeqnoL) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if t, ok := db.trxs[trxID]; ok {
		t.SeqnoG = seqnoG
		t.SeqnoL = seqnoL
	}
}

func (db *MemDB) PinForReplay(trxID uint64, w *ws.WriteSet, pos wsdb.Position) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if t, ok := db.trxs[trxID]; ok {
		t.WS = w
		t.Position = pos
	}
}

func (db *MemDB) DeleteLocalTrx(trxID uint64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.trxs, trxID)
}

func (db *MemDB) ComposeWriteSet(trxID uint64) (*ws.WriteSet, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	t, ok := db.trxs[trxID]
	if !ok {
		return nil, wsdb.ErrTrxMissing{TrxID: trxID}
	}
	if t.WS != nil {
		return t.WS, nil
	}
	return &ws.WriteSet{}, nil
}

// conflicts reports whether a and b touch overlapping rows. Write sets
// with no row-level information (plain QUERY level) are treated
// conservatively as conflicting with everything, matching Galera's
// real behavior for statement-based replication without row info.
func conflicts(a, b *ws.WriteSet) bool {
	if len(a.RowKeys) == 0 || len(b.RowKeys) == 0 {
		return true
	}
	for _, ak := range a.RowKeys {
		for _, bk := range b.RowKeys {
			if ak.DBTable == bk.DBTable && string(ak.Key) == string(bk.Key) {
				return true
			}
		}
	}
	return false
}

func (db *MemDB) AppendWriteSet(seqnoG gseq.SeqnoG, w *ws.WriteSet) (wsdb.CertResult, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for e := db.certIndex.Back(); e != nil; e = e.Prev() {
		entry := e.Value.(certEntry)
		if entry.seqnoG <= w.LastSeenTrx {
			break
		}
		if conflicts(w, entry.ws) {
			return wsdb.CertFail, nil
		}
	}

	db.certIndex.PushBack(certEntry{seqnoG: seqnoG, ws: w})
	return wsdb.CertOK, nil
}

func (db *MemDB) CertificationTest(w *ws.WriteSet, seqnoG gseq.SeqnoG) (wsdb.CertResult, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	for e := db.certIndex.Back(); e != nil; e = e.Prev() {
		entry := e.Value.(certEntry)
		if entry.seqnoG <= w.LastSeenTrx {
			break
		}
		if entry.seqnoG > seqnoG {
			continue
		}
		if conflicts(w, entry.ws) {
			return wsdb.CertFail, nil
		}
	}
	return wsdb.CertOK, nil
}

func (db *MemDB) Conflicts(w *ws.WriteSet, seqnoB gseq.SeqnoG) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()

	for e := db.certIndex.Back(); e != nil; e = e.Prev() {
		entry := e.Value.(certEntry)
		if entry.seqnoG != seqnoB {
			continue
		}
		return conflicts(w, entry.ws)
	}
	return false
}

func (db *MemDB) PurgeTrxsUpto(seqno gseq.SeqnoG) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for e := db.certIndex.Front(); e != nil; {
		entry := e.Value.(certEntry)
		if entry.seqnoG > seqno {
			break
		}
		next := e.Next()
		db.certIndex.Remove(e)
		e = next
	}
	db.safeToDisc = seqno
	return nil
}

func (db *MemDB) SafeToDiscardSeqno() gseq.SeqnoG {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.safeToDisc
}

var _ wsdb.WSDB = (*MemDB)(nil)
