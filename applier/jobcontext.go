package applier

import (
	"github.com/codership/galera-go/gseq"
	"github.com/codership/galera-go/ws"
	"github.com/codership/galera-go/wsdb"
)

// JobContext is the (seqno, ws) pair the conflict predicate of spec.md
// §4.2 is defined over. Seqno is the write set's certified global
// seqno — the key the certification index (wsdb.WSDB) is organized by.
type JobContext struct {
	Seqno gseq.SeqnoG
	WS    *ws.WriteSet
}

// WriteSetConflicts builds the applier-pool Conflicts function for
// write-set application: older jobs never wait on newer ones (the
// caller's FIFO admission order already guarantees the older job is
// either done or will finish first), and otherwise db decides via its
// dedicated conflict probe.
func WriteSetConflicts(db wsdb.WSDB) Conflicts {
	return func(ctxA, ctxB interface{}) bool {
		a := ctxA.(JobContext)
		b := ctxB.(JobContext)
		if a.Seqno < b.Seqno {
			return false
		}
		return db.Conflicts(a.WS, b.Seqno)
	}
}
