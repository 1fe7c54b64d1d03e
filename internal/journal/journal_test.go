package journal

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-fanout/internal/bus"
	"github.com/nerrad567/gray-logic-fanout/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-fanout/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-fanout/internal/mqttlink"
	"github.com/nerrad567/gray-logic-fanout/migrations"
)

func setupRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, database.Config{Path: database.MemoryPath})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return NewSQLiteRepository(db.DB)
}

// waitWritten polls until n entries reached the repository.
func waitWritten(t *testing.T, j *Journal, n uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for j.Written() < n {
		if time.Now().After(deadline) {
			t.Fatalf("written = %d, want %d", j.Written(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ============================================================================
// Repository
// ============================================================================

func TestRepositoryCreateAndList(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	for i, typ := range []string{bus.TypeRegistered, mqttlink.TypeAdded, bus.TypeRegistered} {
		e := &Entry{Type: typ, Src: "router", Dst: "*", Transaction: "tr-" + string(rune('0'+i))}
		if err := repo.Create(ctx, e); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if e.ID == 0 || e.CreatedAt.IsZero() {
			t.Errorf("entry not filled: %+v", e)
		}
	}

	res, err := repo.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if res.Total != 3 || len(res.Entries) != 3 {
		t.Fatalf("total/len = %d/%d, want 3/3", res.Total, len(res.Entries))
	}
	if res.Entries[0].Transaction != "tr-2" {
		t.Errorf("first entry = %+v, want newest", res.Entries[0])
	}
	if res.Limit != defaultLimit {
		t.Errorf("Limit = %d, want %d", res.Limit, defaultLimit)
	}

	res, err = repo.List(ctx, Filter{Type: bus.TypeRegistered, Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 2 || len(res.Entries) != 1 {
		t.Errorf("filtered total/len = %d/%d, want 2/1", res.Total, len(res.Entries))
	}

	res, err = repo.List(ctx, Filter{Transaction: "tr-1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 1 || res.Entries[0].Type != mqttlink.TypeAdded {
		t.Errorf("by transaction = %+v", res.Entries)
	}
}

func TestRepositoryListClampsLimit(t *testing.T) {
	repo := setupRepo(t)

	res, err := repo.List(context.Background(), Filter{Limit: 10_000, Offset: -3})
	if err != nil {
		t.Fatal(err)
	}
	if res.Limit != maxLimit || res.Offset != 0 {
		t.Errorf("limit/offset = %d/%d", res.Limit, res.Offset)
	}
	if res.Entries == nil {
		t.Error("Entries should be empty, not nil")
	}
}

func TestRepositoryPrune(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	old := &Entry{Type: bus.TypeLogWarn, CreatedAt: time.Now().Add(-48 * time.Hour)}
	fresh := &Entry{Type: bus.TypeLogWarn}
	for _, e := range []*Entry{old, fresh} {
		if err := repo.Create(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	n, err := repo.Prune(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
}

// ============================================================================
// Journal
// ============================================================================

func TestRecordKeepsLifecycleOnly(t *testing.T) {
	j := New(setupRepo(t), Options{QueueSize: 4})

	if j.Record(bus.Envelope{Type: mqttlink.TypeMessage}) {
		t.Error("broker message journalled")
	}
	if !j.Record(bus.Envelope{Type: mqttlink.TypeAdded, Payload: mqttlink.EndpointAddr{Addr: "a"}}) {
		t.Error("added not journalled")
	}
}

func TestRecordDropsWhenFull(t *testing.T) {
	j := New(setupRepo(t), Options{QueueSize: 1})

	j.Record(bus.Envelope{Type: bus.TypeLogWarn})
	if j.Record(bus.Envelope{Type: bus.TypeLogWarn}) {
		t.Error("Record() accepted beyond queue size")
	}
	if j.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", j.Dropped())
	}
}

func TestRunWritesAndFlushes(t *testing.T) {
	repo := setupRepo(t)
	j := New(repo, Options{QueueSize: 16})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	j.Record(bus.Envelope{
		Src:         "mqtt.endpoints.1",
		Dst:         "me-0",
		Transaction: "tr-0",
		Type:        mqttlink.TypeAdded,
		Payload:     mqttlink.EndpointAddr{Addr: "mqtt.connection.1", ConnectionString: "mqtt://0"},
	})
	waitWritten(t, j, 1)

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}

	res, err := j.List(context.Background(), Filter{Transaction: "tr-0"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(res.Entries))
	}
	e := res.Entries[0]
	if e.Src != "mqtt.endpoints.1" || e.Dst != "me-0" || !strings.Contains(e.Detail, "mqtt://0") {
		t.Errorf("entry = %+v", e)
	}
}

func TestAttachJournalsRegistrations(t *testing.T) {
	j := New(setupRepo(t), Options{QueueSize: 16})
	r := bus.NewRouter()
	defer r.Dispose()

	stop := j.Attach(r)
	defer stop()

	ep := bus.NewPort("dev-1")
	r.Register(ep)
	r.Unregister(ep)

	if got := len(j.queue); got != 2 {
		t.Errorf("queued = %d, want 2", got)
	}
}

// nopSession accepts everything and closes at once.
type nopSession struct{}

func (nopSession) Publish(string, []byte) error { return nil }
func (nopSession) Close(done func()) {
	if done != nil {
		done()
	}
}

func TestAttachJournalsPoolMemberEventsOnce(t *testing.T) {
	j := New(setupRepo(t), Options{QueueSize: 64})
	r := bus.NewRouter()
	defer r.Dispose()

	stop := j.Attach(r)
	defer stop()

	dialer := mqttlink.DialerFunc(func(string, []string, mqtt.Hooks) (mqttlink.Session, error) {
		return nopSession{}, nil
	})
	pool := mqttlink.NewPool(r, dialer, nil)
	r.Send(bus.Envelope{
		Src:     "me-0",
		Dst:     pool.Addr(),
		Type:    mqttlink.TypeAdd,
		Payload: mqttlink.ConnectProps{ConnectionString: "mqtt://0"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for _, typ := range []string{mqttlink.TypeAdded, mqttlink.TypeConnected} {
		res, err := j.List(context.Background(), Filter{Type: typ})
		if err != nil {
			t.Fatal(err)
		}
		if res.Total != 1 {
			t.Errorf("journaled %s = %d, want 1", typ, res.Total)
		}
	}
}
