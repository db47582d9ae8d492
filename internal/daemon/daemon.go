// Package daemon watches a snapshot file and re-evaluates it on change and on a poll
// interval, persisting incident status through the sync queue.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/commsengine/internal/engine"
	"github.com/msageha/commsengine/internal/events"
	"github.com/msageha/commsengine/internal/lock"
	"github.com/msageha/commsengine/internal/model"
	"github.com/msageha/commsengine/internal/notify"
	"github.com/msageha/commsengine/internal/syncqueue"
	"github.com/msageha/commsengine/internal/uds"
)

// Options configures a Daemon. StateDir holds the lock file, log, journal and control socket.
type Options struct {
	SnapshotPath string
	Scope        string
	StateDir     string
	Config       model.Config
	Store        syncqueue.Store // nil: status is kept in memory only
	Notifier     notify.Notifier // nil: no desktop notifications
	OnResult     func(engine.Result)
	Now          func() time.Time
}

// Daemon is the long-running watcher behind `commsengine watch`.
type Daemon struct {
	opts     Options
	config   model.Config
	logLevel model.LogLevel
	logger   *log.Logger
	logFile  io.Closer

	fileLock *lock.FileLock
	watcher  *fsnotify.Watcher
	bus      *events.Bus
	journal  *events.Journal
	queue    *syncqueue.Queue
	server   *uds.Server

	// Owned by the loop goroutine; control requests reach it through requests.
	state        engine.State
	snapshot     model.Snapshot
	haveSnapshot bool
	last         engine.Result
	alerted      map[string]bool // critical alert ids raised by the last evaluation
	failureDelay time.Duration

	requests chan func()
	done     chan struct{}
	shutdown sync.Once
}

// New creates a Daemon that logs to <StateDir>/logs/watch.log.
func New(opts Options) (*Daemon, error) {
	logPath := filepath.Join(opts.StateDir, "logs", "watch.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open watch log: %w", err)
	}
	return newDaemon(opts, logFile, logFile), nil
}

func newDaemon(opts Options, w io.Writer, closer io.Closer) *Daemon {
	cfg := opts.Config.WithDefaults()
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Scope == "" {
		opts.Scope = "default"
	}
	return &Daemon{
		opts:     opts,
		config:   cfg,
		logLevel: model.ParseLogLevel(cfg.Logging.Level),
		logger:   log.New(w, "", 0),
		logFile:  closer,
		fileLock: lock.NewFileLock(filepath.Join(opts.StateDir, "locks", "watch.lock")),
		requests: make(chan func()),
		done:     make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled, then flushes pending status writes and releases
// resources.
func (d *Daemon) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(d.opts.StateDir, "locks"), 0755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("watch lock: %w", err)
	}
	d.log(model.LogLevelInfo, "watcher starting pid=%d snapshot=%s scope=%s", os.Getpid(), d.opts.SnapshotPath, d.opts.Scope)

	if err := d.start(ctx); err != nil {
		d.Shutdown()
		return err
	}
	defer d.Shutdown()

	d.evaluate()
	d.log(model.LogLevelInfo, "watcher ready")
	d.loop(ctx)
	return nil
}

func (d *Daemon) start(ctx context.Context) error {
	d.bus = events.NewBus(256)
	journal, err := events.OpenJournal(filepath.Join(d.opts.StateDir, "logs", "sync.jsonl"), 0)
	if err != nil {
		return err
	}
	d.journal = journal
	d.journal.Attach(d.bus)
	d.bus.Subscribe(func(e events.Event) {
		d.log(model.LogLevelWarn, "sync %s key=%s %s", e.Type, e.Key, e.Detail)
	}, events.EventStateDropped, events.EventStateEvicted, events.EventStateSaveFailed)

	d.queue = syncqueue.New(syncqueue.Options{
		Store:         d.opts.Store,
		Bus:           d.bus,
		Logger:        d.logger,
		LogLevel:      d.logLevel,
		Debounce:      time.Duration(d.config.Sync.DebounceMs) * time.Millisecond,
		MaxStateBytes: d.config.Sync.MaxStateBytes,
		MaxPending:    d.config.Sync.MaxPending,
	})

	state, err := engine.LoadState(ctx, d.queue, d.opts.Scope)
	if err != nil {
		d.log(model.LogLevelWarn, "load incident status: %v (starting empty)", err)
	}
	d.state = state

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher
	// Watch the directory so editors that replace the file by rename are still seen.
	dir := filepath.Dir(d.opts.SnapshotPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	if err := d.startControl(); err != nil {
		d.log(model.LogLevelWarn, "control socket unavailable: %v", err)
	}
	return nil
}

func (d *Daemon) loop(ctx context.Context) {
	timer := time.NewTimer(d.nextPoll())
	defer timer.Stop()
	target := filepath.Clean(d.opts.SnapshotPath)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			d.log(model.LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
			d.evaluate()
			resetTimer(timer, d.nextPoll())
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log(model.LogLevelError, "fsnotify error=%v", err)
		case fn := <-d.requests:
			fn()
		case <-timer.C:
			d.log(model.LogLevelDebug, "periodic evaluation triggered")
			d.evaluate()
			timer.Reset(d.nextPoll())
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// nextPoll is the configured interval after a good read, and the backoff delay while
// reads keep failing.
func (d *Daemon) nextPoll() time.Duration {
	if d.failureDelay > 0 {
		return d.failureDelay
	}
	return time.Duration(d.config.Daemon.PollIntervalSec) * time.Second
}

func (d *Daemon) evaluate() {
	snap, err := model.LoadSnapshot(d.opts.SnapshotPath)
	if err != nil {
		d.failureDelay = syncqueue.NextPollDelay(d.failureDelay)
		d.log(model.LogLevelWarn, "snapshot unavailable: %v (retry in %s)", err, d.failureDelay)
		return
	}
	d.failureDelay = 0

	res := engine.Evaluate(snap, d.state, d.config, d.opts.Now())
	if next := res.State(); !next.Equal(d.state) {
		engine.SaveState(d.queue, d.opts.Scope, next)
	}
	d.state = res.State()
	d.snapshot, d.haveSnapshot, d.last = snap, true, res
	d.notifyCritical(res.Alerts)

	d.log(model.LogLevelInfo, "evaluated channels=%d incidents=%d lanes=%d alerts=%d dispatches=%d risk=%d confidence=%d",
		len(res.Health), len(res.Incidents), len(res.Lanes), len(res.Alerts), len(res.Dispatches),
		res.Surface.Inference.CommandRiskScore, res.Surface.Inference.ConfidenceScore)
	for _, p := range res.Promotions {
		d.log(model.LogLevelDebug, "dispatch %s %s → %s (%s)", p.DispatchID, p.From, p.To, p.Rule)
	}
	if d.opts.OnResult != nil {
		d.opts.OnResult(res)
	}
}

// notifyCritical sends each critical alert once, when it first appears.
func (d *Daemon) notifyCritical(alerts []model.DisciplineAlert) {
	active := make(map[string]bool)
	for _, a := range alerts {
		if a.Severity != model.SeverityCritical {
			continue
		}
		active[a.ID] = true
		if d.alerted[a.ID] || d.opts.Notifier == nil {
			continue
		}
		if err := d.opts.Notifier.Send(a.Title, a.Detail); err != nil {
			d.log(model.LogLevelWarn, "notify %s: %v", a.ID, err)
		}
	}
	d.alerted = active
}

// RunWithSignals runs until SIGINT or SIGTERM. A second signal exits immediately.
func (d *Daemon) RunWithSignals() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)
	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		d.log(model.LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)
		cancel()
		if _, ok := <-sigCh; ok {
			d.log(model.LogLevelWarn, "received second signal, forcing exit")
			os.Exit(1)
		}
	}()

	return d.Run(ctx)
}

// Shutdown flushes pending writes within the shutdown timeout and releases resources.
// It is idempotent.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(model.LogLevelInfo, "shutdown started")
		close(d.done)
		if d.server != nil {
			d.server.Stop()
		}
		if d.watcher != nil {
			d.watcher.Close()
		}
		if d.queue != nil {
			timeout := time.Duration(d.config.Daemon.ShutdownTimeoutSec) * time.Second
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			pending := d.queue.Pending()
			flushed := d.queue.FlushAll(ctx)
			cancel()
			if flushed < pending {
				d.log(model.LogLevelWarn, "flushed %d of %d pending status writes", flushed, pending)
			}
			d.queue.Close()
		}
		d.cleanup()
	})
}

func (d *Daemon) cleanup() {
	if d.bus != nil {
		d.bus.Close()
	}
	if d.journal != nil {
		d.journal.Close()
	}
	d.fileLock.Unlock()
	d.log(model.LogLevelInfo, "watcher stopped")
	if d.logFile != nil {
		d.logFile.Close()
	}
}

func (d *Daemon) log(level model.LogLevel, format string, args ...any) {
	model.Logf(d.logger, d.logLevel, level, "watch", format, args...)
}
