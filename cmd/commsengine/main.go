package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/msageha/commsengine/internal/daemon"
	"github.com/msageha/commsengine/internal/dispatch"
	"github.com/msageha/commsengine/internal/engine"
	"github.com/msageha/commsengine/internal/events"
	"github.com/msageha/commsengine/internal/incident"
	"github.com/msageha/commsengine/internal/model"
	"github.com/msageha/commsengine/internal/notify"
	"github.com/msageha/commsengine/internal/setup"
	"github.com/msageha/commsengine/internal/snapshot"
	"github.com/msageha/commsengine/internal/syncqueue"
	"github.com/msageha/commsengine/internal/uds"
)

const version = "0.3.0"

const defaultConfigPath = ".commsengine/config.yaml"

// errUsage marks argument errors; main prints usage for them.
var errUsage = errors.New("usage")

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "init":
		err = runInit(os.Args[2:], os.Stdout)
	case "evaluate":
		err = runEvaluate(os.Args[2:], os.Stdout)
	case "transition":
		err = runTransition(os.Args[2:], os.Stdout)
	case "issue":
		err = runIssue(os.Args[2:], os.Stdout)
	case "watch":
		err = runWatch(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:], os.Stdout)
	case "backoff":
		err = runBackoff(os.Args[2:], os.Stdout)
	case "version":
		fmt.Printf("commsengine %s\n", version)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage(os.Stderr)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr)
			printUsage(os.Stderr)
		}
		os.Exit(1)
	}
}

// parseFlags reads "--name value" pairs. Every flag takes a value; unknown flags and
// positional arguments are rejected.
func parseFlags(args []string, names ...string) (map[string]string, error) {
	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}
	out := make(map[string]string)
	for i := 0; i < len(args); i++ {
		name, ok := strings.CutPrefix(args[i], "--")
		if !ok || !known[name] {
			return nil, fmt.Errorf("%w: unexpected argument %q", errUsage, args[i])
		}
		if i+1 >= len(args) {
			return nil, fmt.Errorf("%w: --%s requires a value", errUsage, name)
		}
		i++
		out[name] = args[i]
	}
	return out, nil
}

func loadConfig(path string) (model.Config, error) {
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			path = defaultConfigPath
		}
	}
	return model.LoadConfig(path)
}

func parseNow(s string) (time.Time, error) {
	if s == "" {
		return time.Now().UTC(), nil
	}
	t := model.ParseTimestamp(s)
	if t.IsZero() {
		return time.Time{}, fmt.Errorf("%w: invalid --now %q (want RFC3339)", errUsage, s)
	}
	return t, nil
}

// session is the store, queue, bus and journal behind one CLI invocation.
type session struct {
	cfg     model.Config
	store   snapshot.Store
	bus     *events.Bus
	journal *events.Journal
	queue   *syncqueue.Queue
	logger  *log.Logger
}

func openSession(ctx context.Context, cfg model.Config) (*session, error) {
	level := model.ParseLogLevel(cfg.Logging.Level)
	logger := log.New(os.Stderr, "", 0)
	store, err := snapshot.Open(ctx, cfg.Sync, logger, level)
	if err != nil {
		return nil, err
	}
	journal, err := events.OpenJournal(filepath.Join(cfg.Daemon.StateDir, "logs", "sync.jsonl"), 0)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, err
	}
	s := &session{cfg: cfg, store: store, bus: events.NewBus(64), journal: journal, logger: logger}
	journal.Attach(s.bus)
	s.bus.Subscribe(func(e events.Event) {
		s.logf(model.LogLevelWarn, "sync %s key=%s %s", e.Type, e.Key, e.Detail)
	}, events.EventStateDropped, events.EventStateEvicted, events.EventStateSaveFailed)
	s.queue = syncqueue.New(syncqueue.Options{
		Store:         store,
		Bus:           s.bus,
		Logger:        logger,
		LogLevel:      level,
		Debounce:      time.Duration(cfg.Sync.DebounceMs) * time.Millisecond,
		MaxStateBytes: cfg.Sync.MaxStateBytes,
		MaxPending:    cfg.Sync.MaxPending,
	})
	return s, nil
}

// close flushes pending writes synchronously; a one-shot command must not exit first. The bus
// is drained into the journal before the journal closes.
func (s *session) close(ctx context.Context) {
	pending := s.queue.Pending()
	if delivered := s.queue.FlushAll(ctx); delivered < pending {
		s.logf(model.LogLevelWarn, "delivered %d of %d status writes", delivered, pending)
	}
	s.queue.Close()
	s.bus.Close()
	s.journal.Close()
	if s.store != nil {
		s.store.Close()
	}
}

func (s *session) record(e events.Event) {
	if err := s.journal.Record(e); err != nil {
		s.logf(model.LogLevelWarn, "journal: %v", err)
	}
}

func (s *session) logf(level model.LogLevel, format string, args ...any) {
	model.Logf(s.logger, model.ParseLogLevel(s.cfg.Logging.Level), level, "cli", format, args...)
}

func runInit(args []string, out io.Writer) error {
	flags, err := parseFlags(args, "dir")
	if err != nil {
		return err
	}
	dir := flags["dir"]
	if dir == "" {
		dir = "."
	}
	base, err := setup.Run(dir)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "initialized %s\n", base)
	return nil
}

func runEvaluate(args []string, out io.Writer) error {
	flags, err := parseFlags(args, "snapshot", "config", "scope", "format", "now")
	if err != nil {
		return err
	}
	if flags["snapshot"] == "" {
		return fmt.Errorf("%w: --snapshot is required", errUsage)
	}
	now, err := parseNow(flags["now"])
	if err != nil {
		return err
	}
	cfg, err := loadConfig(flags["config"])
	if err != nil {
		return err
	}
	snap, err := model.LoadSnapshot(flags["snapshot"])
	if err != nil {
		return err
	}

	ctx := context.Background()
	s, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.close(ctx)

	scope := flags["scope"]
	prev, err := engine.LoadState(ctx, s.queue, scope)
	if err != nil {
		return err
	}
	res := engine.Evaluate(snap, prev, cfg, now)
	engine.SaveState(s.queue, scope, res.State())
	return writeOutput(out, flags["format"], res)
}

func runTransition(args []string, out io.Writer) error {
	flags, err := parseFlags(args, "incident", "to", "snapshot", "config", "scope", "now")
	if err != nil {
		return err
	}
	id, to := flags["incident"], model.IncidentStatus(strings.ToUpper(flags["to"]))
	if id == "" || to == "" {
		return fmt.Errorf("%w: --incident and --to are required", errUsage)
	}
	if _, _, err := model.ParseIncidentID(id); err != nil {
		return err
	}
	now, err := parseNow(flags["now"])
	if err != nil {
		return err
	}
	cfg, err := loadConfig(flags["config"])
	if err != nil {
		return err
	}

	scope := flags["scope"]
	if res, ok, err := transitionViaWatcher(cfg, scope, id, to); ok {
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: %s → %s\n", res.IncidentID, res.From, res.To)
		return nil
	}

	ctx := context.Background()
	s, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.close(ctx)

	prev, err := engine.LoadState(ctx, s.queue, scope)
	if err != nil {
		return err
	}

	var next engine.State
	var from model.IncidentStatus
	if path := flags["snapshot"]; path != "" {
		snap, err := model.LoadSnapshot(path)
		if err != nil {
			return err
		}
		next, from, err = engine.Transition(snap, prev, id, to, cfg, now)
		if err != nil {
			return err
		}
	} else {
		from = prev.StatusByID[id]
		next = prev
		if next.StatusByID, err = incident.ApplyTransition(prev.StatusByID, id, to); err != nil {
			return err
		}
	}

	if !engine.SaveState(s.queue, scope, next) {
		return fmt.Errorf("status for %s not persisted (sync store %q)", id, cfg.Sync.Store)
	}
	s.record(events.Event{Type: events.EventIncidentTransition, Key: id, Detail: fmt.Sprintf("%s → %s", from, to)})
	fmt.Fprintf(out, "%s: %s → %s\n", id, from, to)
	return nil
}

// transitionViaWatcher hands the transition to a running watcher serving the same scope, so
// its in-memory status stays authoritative. ok is false when no such watcher answers.
func transitionViaWatcher(cfg model.Config, scope, id string, to model.IncidentStatus) (uds.TransitionResult, bool, error) {
	var res uds.TransitionResult
	client := uds.NewClient(daemon.SocketPath(cfg.Daemon.StateDir))
	client.SetTimeout(5 * time.Second)

	var report uds.StatusReport
	if err := client.Call(uds.CommandStatus, nil, &report); err != nil {
		return res, false, nil
	}
	if syncqueue.NormalizeIdentifier(report.Scope) != syncqueue.NormalizeIdentifier(scope) {
		return res, false, nil
	}
	if err := client.Call(uds.CommandTransition, uds.TransitionParams{IncidentID: id, To: to}, &res); err != nil {
		return res, true, err
	}
	return res, true, nil
}

func runStatus(args []string, out io.Writer) error {
	flags, err := parseFlags(args, "config", "format")
	if err != nil {
		return err
	}
	cfg, err := loadConfig(flags["config"])
	if err != nil {
		return err
	}
	var report uds.StatusReport
	if err := uds.NewClient(daemon.SocketPath(cfg.Daemon.StateDir)).Call(uds.CommandStatus, nil, &report); err != nil {
		return err
	}
	return writeOutput(out, flags["format"], report)
}

func runIssue(args []string, out io.Writer) error {
	flags, err := parseFlags(args, "channel", "directive", "event-type", "incident", "format")
	if err != nil {
		return err
	}
	if flags["channel"] == "" || flags["directive"] == "" {
		return fmt.Errorf("%w: --channel and --directive are required", errUsage)
	}
	eventType := flags["event-type"]
	if eventType == "" {
		eventType = flags["directive"]
	}
	rec := dispatch.Issue(flags["channel"], strings.ToUpper(flags["directive"]), strings.ToUpper(eventType), flags["incident"], time.Now())
	return writeOutput(out, flags["format"], rec)
}

func runWatch(args []string) error {
	flags, err := parseFlags(args, "snapshot", "config", "scope")
	if err != nil {
		return err
	}
	if flags["snapshot"] == "" {
		return fmt.Errorf("%w: --snapshot is required", errUsage)
	}
	cfg, err := loadConfig(flags["config"])
	if err != nil {
		return err
	}
	level := model.ParseLogLevel(cfg.Logging.Level)
	store, err := snapshot.Open(context.Background(), cfg.Sync, log.New(os.Stderr, "", 0), level)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	opts := daemon.Options{
		SnapshotPath: flags["snapshot"],
		Scope:        flags["scope"],
		StateDir:     cfg.Daemon.StateDir,
		Config:       cfg,
		Store:        store,
	}
	if cfg.Daemon.DesktopNotify {
		opts.Notifier = notify.Desktop{}
	}
	d, err := daemon.New(opts)
	if err != nil {
		return err
	}
	return d.RunWithSignals()
}

func runBackoff(args []string, out io.Writer) error {
	flags, err := parseFlags(args, "prev")
	if err != nil {
		return err
	}
	prevMs := 0
	if v := flags["prev"]; v != "" {
		if prevMs, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("%w: invalid --prev %q", errUsage, v)
		}
	}
	next := syncqueue.NextPollDelay(time.Duration(prevMs) * time.Millisecond)
	fmt.Fprintln(out, next.Milliseconds())
	return nil
}

func writeOutput(out io.Writer, format string, v any) error {
	switch strings.ToLower(format) {
	case "", "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return fmt.Errorf("%w: unknown --format %q (want yaml or json)", errUsage, format)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `commsengine - tactical comms intelligence engine

Usage:
  commsengine init [--dir <path>]
  commsengine evaluate --snapshot <file> [--config <file>] [--scope <key>] [--format yaml|json] [--now <RFC3339>]
  commsengine transition --incident <id> --to <NEW|ACKED|ASSIGNED|RESOLVED> [--snapshot <file>] [--config <file>] [--scope <key>]
  commsengine issue --channel <id> --directive <token> [--event-type <type>] [--incident <id>] [--format yaml|json]
  commsengine watch --snapshot <file> [--config <file>] [--scope <key>]
  commsengine status [--config <file>] [--format yaml|json]
  commsengine backoff [--prev <ms>]
  commsengine version

The config defaults to .commsengine/config.yaml when present. While a watcher is running
for the same scope, transition is applied through its control socket.
`)
}
