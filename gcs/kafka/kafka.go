// Package kafka implements gcs.Transport on top of a single Kafka
// partition, using github.com/twmb/franz-go/pkg/kgo. A single
// partition gives exactly the total-order, every-node-sees-everything
// broadcast GCS requires "for free" from Kafka's own per-partition
// offset ordering: seqno_g is the partition offset, seqno_l is a dense
// per-node counter starting at 1 (spec.md §3 allows seqno_g to be
// sparse at a node but requires seqno_l to be dense). The two counters
// are tracked independently and do not stay in step: LAST_APPLIED
// records take a partition offset but never get a local seqno.
//
// This adapter does not attempt to reimplement GCS's membership or
// flow-control algorithms (spec.md's Non-goals exclude "the network
// transport itself") — it only has to give the replication core a
// Transport that behaves like one.
package kafka

import (
	"context"
	"fmt"
	"sync"

	logging "github.com/op/go-logging"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/codership/galera-go/gcs"
	"github.com/codership/galera-go/gseq"
)

var logger = logging.MustGetLogger("gcs/kafka")

const partition = int32(0)

// headerKey names the Kafka record header that tags a record's logical
// action type, and the *Value constants are the values it takes, since
// a single partition multiplexes every ActionType (plus the
// monitoring-only LAST_APPLIED records).
const (
	headerKey  = "galera-action-type"
	dataValue  = "DATA"
	confValue  = "CONF"
	cutValue   = "COMMIT_CUT"
	reqValue   = "STATE_REQ"
	lastAppliedValue = "LAST_APPLIED"
)

// Transport is a Kafka-partition-backed gcs.Transport.
type Transport struct {
	client *kgo.Client
	topic  string

	mu         sync.Mutex
	nextSeqnoL gseq.SeqnoL
}

// Config configures a Transport.
type Config struct {
	SeedBrokers []string
	Topic       string
}

// New connects to the given brokers and returns a Transport backed by
// partition 0 of Config.Topic, consuming from the start so every node
// sees the cluster's full action history.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.SeedBrokers...),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			cfg.Topic: {partition: kgo.NewOffset().AtStart()},
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("gcs/kafka: connect: %w", err)
	}
	return &Transport{client: client, topic: cfg.Topic}, nil
}

var _ gcs.Transport = (*Transport)(nil)

func (t *Transport) produce(ctx context.Context, actionType, value string) (gseq.SeqnoG, error) {
	rec := &kgo.Record{
		Topic:     t.topic,
		Partition: partition,
		Value:     []byte(value),
		Headers:   []kgo.RecordHeader{{Key: headerKey, Value: []byte(actionType)}},
	}
	results := t.client.ProduceSync(ctx, rec)
	if err := results.FirstErr(); err != nil {
		return gseq.Ill, fmt.Errorf("gcs/kafka: produce: %w", err)
	}
	produced := results[0].Record
	return gseq.SeqnoG(produced.Offset), nil
}

func (t *Transport) Broadcast(ctx context.Context, payload []byte) (gseq.SeqnoG, gseq.SeqnoL, error) {
	seqnoG, err := t.produce(ctx, dataValue, string(payload))
	if err != nil {
		return gseq.Ill, gseq.IllL, err
	}
	return seqnoG, t.assignLocal(), nil
}

func (t *Transport) assignLocal() gseq.SeqnoL {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextSeqnoL++
	return t.nextSeqnoL
}

func actionTypeHeader(rec *kgo.Record) string {
	for _, h := range rec.Headers {
		if h.Key == headerKey {
			return string(h.Value)
		}
	}
	return dataValue
}

func (t *Transport) Recv(ctx context.Context) (*gcs.Action, error) {
	for {
		fetches := t.client.PollRecords(ctx, 1)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			return nil, fmt.Errorf("gcs/kafka: fetch: %v", errs[0].Err)
		}

		var action *gcs.Action
		fetches.EachRecord(func(rec *kgo.Record) {
			if action != nil {
				return // only the first record of this poll is returned; the rest stay buffered for the next Recv
			}
			kind := actionTypeHeader(rec)
			if kind == lastAppliedValue {
				// monitoring-only record, never dispatched as an action.
				return
			}
			a := &gcs.Action{
				SeqnoG: gseq.SeqnoG(rec.Offset),
				SeqnoL: t.assignLocal(),
			}
			switch kind {
			case confValue:
				a.Type = gcs.CONF
			case cutValue:
				a.Type = gcs.CommitCut
			case reqValue:
				a.Type = gcs.StateReq
			default:
				a.Type = gcs.DATA
				a.Payload = rec.Value
			}
			action = a
		})
		if action != nil {
			return action, nil
		}
		logger.Debug("gcs/kafka: empty poll, retrying")
	}
}

func (t *Transport) Wait(ctx context.Context) (gcs.WaitSignal, error) {
	// Kafka has no native producer-side pause signal analogous to
	// gcs_wait's flow control; a production adapter would derive this
	// from consumer lag on the topic. Reporting "never pause" keeps
	// the contract while leaving the real signal to a future lag-based
	// implementation.
	return gcs.WaitSignal{Pause: false}, nil
}

func (t *Transport) Join(ctx context.Context, seqno gseq.SeqnoG) error {
	logger.Infof("gcs/kafka: join at seqno %d", seqno)
	return nil
}

func (t *Transport) SetLastApplied(ctx context.Context, seqno gseq.SeqnoG) error {
	// a monitoring-only record: no node's Recv loop dispatches on this
	// header value, it exists purely for external observability of the
	// per-node last-applied watermark.
	_, err := t.produce(ctx, lastAppliedValue, fmt.Sprintf("%d", seqno))
	return err
}

func (t *Transport) RequestStateTransfer(ctx context.Context, mySeqno gseq.SeqnoG) (int, gseq.SeqnoL, error) {
	if _, err := t.produce(ctx, reqValue, fmt.Sprintf("%d", mySeqno)); err != nil {
		return 0, gseq.IllL, err
	}
	return 0, t.assignLocal(), nil
}

// Close releases the underlying Kafka client.
func (t *Transport) Close() {
	t.client.Close()
}
