// Command galerad is a demo host process: it wires an Engine to an
// in-memory WSDB and a chosen GCS transport, accepts SQL statements on
// stdin as if they were a single autocommit transaction each, and
// prints the replication Status for each one.
//
// It exists to exercise the library end to end, not as a production
// server — a real host embeds package galera directly, the way a SQL
// engine would.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/op/go-logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	galera "github.com/codership/galera-go"
	"github.com/codership/galera-go/cluster"
	"github.com/codership/galera-go/gcs"
	"github.com/codership/galera-go/gcs/kafka"
	"github.com/codership/galera-go/gcs/memory"
	"github.com/codership/galera-go/gseq"
	"github.com/codership/galera-go/metrics"
	"github.com/codership/galera-go/wsdb/memdb"
)

var logger = logging.MustGetLogger("galerad")

type nullSnapshot struct{}

func (nullSnapshot) ReceiveSnapshot(ctx context.Context, donorIdx int) (gseq.SeqnoG, error) {
	return gseq.Nil, nil
}

func (nullSnapshot) SendSnapshot(ctx context.Context) error { return nil }

func main() {
	var (
		transportName string
		kafkaBrokers  []string
		kafkaTopic    string
		nodeName      string
	)

	root := &cobra.Command{
		Use:   "galerad",
		Short: "demo host process for the galera replication engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			transport, closeTransport, err := buildTransport(ctx, transportName, kafkaBrokers, kafkaTopic)
			if err != nil {
				return fmt.Errorf("build transport: %w", err)
			}
			defer closeTransport()

			reg := prometheus.NewRegistry()
			m := metrics.New(nodeName)
			m.MustRegister(reg)

			eng := galera.New(galera.DefaultConfig(), memdb.New(), transport, nullSnapshot{}).WithMetrics(m)
			eng.Enable()

			appCtx := &hostContext{}
			go func() {
				if err := eng.Run(ctx, appCtx); err != nil && ctx.Err() == nil {
					logger.Errorf("galerad: receive loop exited: %v", err)
				}
			}()

			return replLoop(ctx, eng)
		},
	}

	root.Flags().StringVar(&transportName, "transport", "memory", "gcs transport: memory|kafka")
	root.Flags().StringSliceVar(&kafkaBrokers, "kafka-brokers", nil, "kafka seed brokers (transport=kafka)")
	root.Flags().StringVar(&kafkaTopic, "kafka-topic", "galera", "kafka topic (transport=kafka)")
	root.Flags().StringVar(&nodeName, "node-name", "node1", "this node's name, used as a metrics label")

	if err := root.ExecuteContext(context.Background()); err != nil {
		logger.Errorf("galerad: %v", err)
		os.Exit(1)
	}
}

// buildTransport constructs the chosen gcs.Transport. The "memory"
// transport joins a brand-new single-node loopback cluster — useful
// only to exercise the local commit path in isolation, since nothing
// else will ever join it in a single process invocation.
func buildTransport(ctx context.Context, name string, brokers []string, topic string) (gcs.Transport, func(), error) {
	switch name {
	case "memory":
		cl := memory.NewCluster()
		return cl.Join(), func() {}, nil
	case "kafka":
		t, err := kafka.New(ctx, kafka.Config{SeedBrokers: brokers, Topic: topic})
		if err != nil {
			return nil, nil, err
		}
		return t, func() { t.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", name)
	}
}

// hostContext is the opaque app_ctx threaded through Engine's apply
// callbacks; a real host would carry a DB connection/session here.
type hostContext struct{}

// replLoop reads one SQL statement per line from stdin, wraps it in a
// single-statement transaction, and commits it through the engine.
func replLoop(ctx context.Context, eng *galera.Engine) error {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("galerad ready: enter SQL statements, one per line")
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sql := scanner.Text()
		if sql == "" {
			continue
		}

		trxID := eng.BeginTrx()
		if err := eng.AppendQuery(trxID, sql, time.Now(), 0); err != nil {
			fmt.Printf("append_query failed: %v\n", err)
			continue
		}

		status, err := eng.Commit(ctx, trxID, 0, nil)
		if err != nil {
			fmt.Printf("commit: %s (%v)\n", status, err)
			continue
		}
		if status != galera.OK {
			fmt.Printf("commit: %s\n", status)
			continue
		}
		if _, err := eng.Committed(ctx, trxID); err != nil {
			fmt.Printf("committed: %v\n", err)
			continue
		}
		fmt.Printf("OK seqno=%d\n", eng.MySeqno())
	}
	return scanner.Err()
}

var _ cluster.SnapshotProvider = nullSnapshot{}
