package journal

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-fanout/internal/bus"
	"github.com/nerrad567/gray-logic-fanout/internal/iottcp"
	"github.com/nerrad567/gray-logic-fanout/internal/mqttlink"
)

const (
	defaultQueueSize = 1024
	pruneInterval    = time.Hour
	writeTimeout     = 5 * time.Second
)

// Logger defines the logging interface used by the journal.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// lifecycle lists the envelope types worth keeping.
var lifecycle = map[string]bool{
	bus.TypeRegistered:   true,
	bus.TypeUnregistered: true,
	bus.TypeRouterError:  true,
	bus.TypeLogWarn:      true,
	bus.TypeLogError:     true,

	mqttlink.TypeConnected:      true,
	mqttlink.TypeDisconnected:   true,
	mqttlink.TypeError:          true,
	mqttlink.TypeAdded:          true,
	mqttlink.TypeDeleted:        true,
	mqttlink.TypeEndpointsError: true,

	iottcp.TypeConnected:    true,
	iottcp.TypeDisconnected: true,
	iottcp.TypeClose:        true,
	iottcp.TypeError:        true,
	iottcp.TypeBound:        true,
	iottcp.TypeClosed:       true,
}

// Tracked reports whether envelopes of type typ are journalled.
func Tracked(typ string) bool {
	return lifecycle[typ]
}

// Journal queues lifecycle envelopes and writes them to a Repository.
type Journal struct {
	repo      Repository
	queue     chan Entry
	retention time.Duration
	logger    Logger

	dropped atomic.Uint64
	written atomic.Uint64
}

// Options configures a Journal.
type Options struct {
	QueueSize int
	// Retention prunes older entries while Run is active. Zero keeps all.
	Retention time.Duration
}

// New creates a journal writing to repo.
func New(repo Repository, opts Options) *Journal {
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Journal{
		repo:      repo,
		queue:     make(chan Entry, size),
		retention: opts.Retention,
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for the journal.
func (j *Journal) SetLogger(logger Logger) {
	j.logger = logger
}

// Attach records every lifecycle envelope seen on the router.
func (j *Journal) Attach(r *bus.Router) (stop func()) {
	return bus.Tap(r, func(env bus.Envelope) {
		j.Record(env)
	})
}

// Record enqueues env when it is a lifecycle event. It never blocks; a full
// queue drops the entry and counts it.
func (j *Journal) Record(env bus.Envelope) bool {
	if !Tracked(env.Type) {
		return false
	}

	e := Entry{
		Type:        env.Type,
		Src:         env.Src,
		Dst:         env.Dst,
		Transaction: env.Transaction,
		Detail:      detail(env.Payload),
		CreatedAt:   time.Now().UTC(),
	}

	select {
	case j.queue <- e:
		return true
	default:
		j.dropped.Add(1)
		return false
	}
}

func detail(payload any) string {
	if payload == nil {
		return ""
	}
	b, err := json.Marshal(bus.Summary(payload))
	if err != nil {
		return ""
	}
	return string(b)
}

// Dropped returns how many entries were lost to a full queue.
func (j *Journal) Dropped() uint64 {
	return j.dropped.Load()
}

// Written returns how many entries reached the repository.
func (j *Journal) Written() uint64 {
	return j.written.Load()
}

// Run writes queued entries until ctx is done, then flushes what is left.
func (j *Journal) Run(ctx context.Context) error {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	j.prune(ctx)
	for {
		select {
		case e := <-j.queue:
			j.write(ctx, e)
		case <-ticker.C:
			j.prune(ctx)
		case <-ctx.Done():
			j.flush()
			return nil
		}
	}
}

func (j *Journal) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	for {
		select {
		case e := <-j.queue:
			j.write(ctx, e)
		default:
			return
		}
	}
}

func (j *Journal) write(ctx context.Context, e Entry) {
	if err := j.repo.Create(ctx, &e); err != nil {
		j.logger.Error("journal write failed", "type", e.Type, "error", err)
		return
	}
	j.written.Add(1)
}

func (j *Journal) prune(ctx context.Context) {
	if j.retention <= 0 {
		return
	}
	n, err := j.repo.Prune(ctx, time.Now().Add(-j.retention))
	if err != nil {
		j.logger.Error("journal prune failed", "error", err)
		return
	}
	if n > 0 {
		j.logger.Info("journal pruned", "entries", n)
	}
}

// List returns journal entries, newest first.
func (j *Journal) List(ctx context.Context, filter Filter) (*ListResult, error) {
	return j.repo.List(ctx, filter)
}
