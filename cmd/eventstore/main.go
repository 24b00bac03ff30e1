// Package main provides a small operations tool for an event store: it bootstraps the schema, appends
// events, dumps streams and pages through the commit log.
//
// The backend is configured through EVENTSTORE_* environment variables, optionally loaded from a .env file:
//
//	EVENTSTORE_DIALECT=sqlite EVENTSTORE_DATABASE=orders.db eventstore bootstrap
//	eventstore append -aggregate Order -id 42 -name OrderCreated -payload '{"customerId":"c-7"}'
//	eventstore dump -aggregate Order -id 42
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/appknit/eventsourcing/eventstore"
	"github.com/appknit/eventsourcing/eventstore/config"
	"github.com/appknit/eventsourcing/eventstore/engine"
	"github.com/appknit/eventsourcing/eventstore/promadapters"
)

var errUsage = errors.New("usage: eventstore [-env file] [-log-level level] [-metrics-addr addr] <bootstrap|append|dump|since|snapshot> [flags]")

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer, stderr io.Writer) error {
	global := flag.NewFlagSet("eventstore", flag.ContinueOnError)
	global.SetOutput(stderr)

	envFile := global.String("env", ".env", "dotenv file with EVENTSTORE_* settings")
	logLevel := global.String("log-level", "warn", "log level (debug, info, warn, error)")
	metricsAddr := global.String("metrics-addr", "", "serve Prometheus metrics on this address while the command runs")

	if err := global.Parse(args); err != nil {
		return err
	}

	if global.NArg() == 0 {
		return errUsage
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		return fmt.Errorf("log level: %w", err)
	}

	log := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: level}))

	if err := config.LoadDotEnv(*envFile); err != nil {
		return err
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}

	options := []engine.Option{engine.WithLogger(log)}

	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		options = append(options, engine.WithMetrics(promadapters.NewMetricsCollector(reg)))

		stop := serveMetrics(*metricsAddr, reg, log)
		defer stop()
	}

	command, commandArgs := global.Arg(0), global.Args()[1:]

	switch command {
	case "bootstrap":
		return bootstrap(ctx, cfg, options, stdout)
	case "append":
		return appendEvent(ctx, cfg, options, commandArgs, stdout, stderr)
	case "dump":
		return dump(ctx, cfg, options, commandArgs, stdout, stderr)
	case "since":
		return since(ctx, cfg, options, commandArgs, stdout, stderr)
	case "snapshot":
		return showSnapshot(ctx, cfg, options, commandArgs, stdout, stderr)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, command)
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, log *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("prometheus metrics server starting", slog.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("prometheus server error", slog.Any("error", err))
		}
	}()

	return func() { _ = server.Shutdown(context.Background()) }
}

func bootstrap(ctx context.Context, cfg config.Config, options []engine.Option, stdout io.Writer) error {
	backend, err := engine.NewBackend(ctx, cfg, options...)
	if err != nil {
		return err
	}
	defer func() { _ = backend.Close(ctx) }()

	report, err := backend.Bootstrap(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "created: %s\n", strings.Join(report.Created, ", "))
	fmt.Fprintf(stdout, "already existed: %s\n", strings.Join(report.AlreadyExisted, ", "))

	return nil
}

func appendEvent(ctx context.Context, cfg config.Config, options []engine.Option, args []string, stdout io.Writer, stderr io.Writer) error {
	fs := flag.NewFlagSet("append", flag.ContinueOnError)
	fs.SetOutput(stderr)

	aggregate := fs.String("aggregate", "", "aggregate type, e.g. Order")
	instanceID := fs.String("id", "", "aggregate instance id")
	name := fs.String("name", "", "event type tag")
	version := fs.Int("version", 1, "event schema version")
	payload := fs.String("payload", "{}", "JSON payload")
	eventID := fs.String("event-id", "", "producer event id (default: a new UUID)")
	expected := fs.Int64("expect", int64(eventstore.AnyRevision), "expected stream revision, -1 for any")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *eventID == "" {
		*eventID = uuid.NewString()
	}

	event, err := eventstore.BuildStorableEvent(*eventID, *aggregate, *instanceID, *name, *version, []byte(*payload))
	if err != nil {
		return err
	}

	es, err := engine.Open(ctx, cfg, options...)
	if err != nil {
		return err
	}
	defer func() { _ = es.Close(ctx) }()

	revision := eventstore.AnyRevision
	if *expected >= 0 {
		revision = eventstore.ExpectRevision(uint64(*expected))
	}

	committedID, err := es.StoreEventExpecting(ctx, event, revision)
	if err != nil {
		return err
	}

	fmt.Fprintln(stdout, committedID)

	return nil
}

func dump(ctx context.Context, cfg config.Config, options []engine.Option, args []string, stdout io.Writer, stderr io.Writer) error {
	fs := flag.NewFlagSet("dump", flag.ContinueOnError)
	fs.SetOutput(stderr)

	aggregate := fs.String("aggregate", "", "aggregate type, e.g. Order")
	instanceID := fs.String("id", "", "aggregate instance id")
	from := fs.Uint64("from", 1, "lowest revision")
	to := fs.Uint64("to", 0, "highest revision, 0 for the head")

	if err := fs.Parse(args); err != nil {
		return err
	}

	es, err := engine.Open(ctx, cfg, options...)
	if err != nil {
		return err
	}
	defer func() { _ = es.Close(ctx) }()

	stored, err := es.GetEventsByRevision(ctx, *aggregate, *instanceID, eventstore.RevisionRange{Min: *from, Max: *to})
	if err != nil {
		return err
	}

	return writeEvents(stdout, stored)
}

func since(ctx context.Context, cfg config.Config, options []engine.Option, args []string, stdout io.Writer, stderr io.Writer) error {
	fs := flag.NewFlagSet("since", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fromFlag := fs.String("from", "", "RFC 3339 commit time to start at (default: beginning of time)")
	skip := fs.Int("skip", 0, "events to skip")
	limit := fs.Int("limit", 100, "maximum number of events")

	if err := fs.Parse(args); err != nil {
		return err
	}

	var from time.Time
	if *fromFlag != "" {
		parsed, err := time.Parse(time.RFC3339, *fromFlag)
		if err != nil {
			return fmt.Errorf("from: %w", err)
		}

		from = parsed
	}

	es, err := engine.Open(ctx, cfg, options...)
	if err != nil {
		return err
	}
	defer func() { _ = es.Close(ctx) }()

	stored, err := es.GetEventsSince(ctx, from, *skip, *limit)
	if err != nil {
		return err
	}

	return writeEvents(stdout, stored)
}

func showSnapshot(ctx context.Context, cfg config.Config, options []engine.Option, args []string, stdout io.Writer, stderr io.Writer) error {
	fs := flag.NewFlagSet("snapshot", flag.ContinueOnError)
	fs.SetOutput(stderr)

	aggregate := fs.String("aggregate", "", "aggregate type, e.g. Order")
	instanceID := fs.String("id", "", "aggregate instance id")

	if err := fs.Parse(args); err != nil {
		return err
	}

	es, err := engine.Open(ctx, cfg, options...)
	if err != nil {
		return err
	}
	defer func() { _ = es.Close(ctx) }()

	history, err := es.GetFromSnapshot(ctx, *aggregate, *instanceID)
	if err != nil {
		return err
	}

	out := snapshotLine{EventsAfterSnapshot: len(history.History)}
	if history.Snapshot != nil {
		out.SnapshotID = history.Snapshot.SnapshotID
		out.Revision = history.Snapshot.Revision
		out.Version = history.Snapshot.Version
		out.CommitStamp = &history.Snapshot.CommitStamp
		out.Data = history.Snapshot.Data
	}

	return jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(stdout).Encode(out)
}

type eventLine struct {
	CommittedID string              `json:"committedId"`
	EventID     string              `json:"eventId"`
	StreamID    string              `json:"streamId"`
	Revision    uint64              `json:"revision"`
	EventName   string              `json:"eventName"`
	Version     int                 `json:"version"`
	Context     string              `json:"context,omitempty"`
	CommitStamp time.Time           `json:"commitStamp"`
	Payload     jsoniter.RawMessage `json:"payload"`
}

type snapshotLine struct {
	SnapshotID          string              `json:"snapshotId,omitempty"`
	Revision            uint64              `json:"revision"`
	Version             int                 `json:"version,omitempty"`
	CommitStamp         *time.Time          `json:"commitStamp,omitempty"`
	Data                jsoniter.RawMessage `json:"data,omitempty"`
	EventsAfterSnapshot int                 `json:"eventsAfterSnapshot"`
}

// writeEvents prints one JSON object per line.
func writeEvents(stdout io.Writer, stored eventstore.StorableEvents) error {
	encoder := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(stdout)

	for _, event := range stored {
		err := encoder.Encode(eventLine{
			CommittedID: event.CommittedID,
			EventID:     event.ID,
			StreamID:    event.Stream(),
			Revision:    event.Revision,
			EventName:   event.EventName,
			Version:     event.EventVersion,
			Context:     event.Context,
			CommitStamp: event.CommitStamp,
			Payload:     event.Payload,
		})
		if err != nil {
			return err
		}
	}

	return nil
}
