package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kdlbs/taskbroker/internal/clock"
	"github.com/kdlbs/taskbroker/internal/common/config"
	"github.com/kdlbs/taskbroker/internal/common/logger"
	"github.com/kdlbs/taskbroker/internal/db"
	"github.com/kdlbs/taskbroker/internal/db/dialect"
	"github.com/kdlbs/taskbroker/internal/domain"
	"github.com/kdlbs/taskbroker/internal/storage"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	sqlDB, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	writer := sqlx.NewDb(sqlDB, dialect.SQLite3)
	store, err := storage.New(context.Background(), writer, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestRegistry(t *testing.T, c clock.Clock) (*Registry, storage.Store) {
	t.Helper()
	store := newTestStore(t)
	cfg := config.RegistryConfig{HeartbeatDebounceMs: 0, OfflineThresholdMs: 30000}
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	return New(store, nil, c, cfg, log), store
}

func TestRegisterAssignsGeneratedID(t *testing.T) {
	reg, _ := newTestRegistry(t, clock.NewFake(time.Now()))
	a, err := reg.Register(context.Background(), RegisterInput{DisplayName: "worker-one"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if a.ID == "" {
		t.Error("expected a generated agent id")
	}
	if a.DisplayName != "worker-one" {
		t.Errorf("expected display name worker-one, got %s", a.DisplayName)
	}
}

func TestRegisterReusesStableID(t *testing.T) {
	reg, _ := newTestRegistry(t, clock.NewFake(time.Now()))
	ctx := context.Background()

	first, err := reg.Register(ctx, RegisterInput{ID: "agent-fixed", DisplayName: "worker-one"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	second, err := reg.Register(ctx, RegisterInput{ID: "agent-fixed", DisplayName: "worker-one"})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("expected the same id on reconnect with the same display name, got %s vs %s", first.ID, second.ID)
	}
}

func TestRegisterSuffixesConflictingLiveID(t *testing.T) {
	reg, _ := newTestRegistry(t, clock.NewFake(time.Now()))
	ctx := context.Background()

	first, err := reg.Register(ctx, RegisterInput{ID: "agent-fixed", DisplayName: "worker-one"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	second, err := reg.Register(ctx, RegisterInput{ID: "agent-fixed", DisplayName: "worker-two"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if first.ID == second.ID {
		t.Error("expected a different display name on a still-live id to be suffixed, not overwritten")
	}
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	reg, _ := newTestRegistry(t, clock.NewFake(time.Now()))
	if err := reg.Heartbeat(context.Background(), "missing"); err == nil {
		t.Fatal("expected an error heartbeating an unregistered agent")
	}
}

func TestHeartbeatUpdatesLastSeen(t *testing.T) {
	now := time.Now()
	fake := clock.NewFake(now)
	reg, _ := newTestRegistry(t, fake)
	ctx := context.Background()

	a, err := reg.Register(ctx, RegisterInput{ID: "agent-1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	fake.Advance(time.Minute)
	if err := reg.Heartbeat(ctx, a.ID); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	got, ok := reg.Get(a.ID)
	if !ok {
		t.Fatal("expected the agent to still be registered")
	}
	if !got.LastSeen.Equal(fake.Now()) {
		t.Errorf("expected LastSeen to advance to %v, got %v", fake.Now(), got.LastSeen)
	}
}

func TestDerivedStatus(t *testing.T) {
	now := time.Now()
	fake := clock.NewFake(now)
	reg, _ := newTestRegistry(t, fake)

	a := &domain.Agent{ID: "a1", LastSeen: now}

	if got := reg.DerivedStatus(a, true, false); got != domain.AgentStatusProcessing {
		t.Errorf("expected PROCESSING when actively assigned, got %s", got)
	}
	if got := reg.DerivedStatus(a, false, true); got != domain.AgentStatusWaiting {
		t.Errorf("expected WAITING when blocked on a long-poll, got %s", got)
	}

	fake.Advance(time.Hour)
	if got := reg.DerivedStatus(a, false, false); got != domain.AgentStatusOffline {
		t.Errorf("expected OFFLINE after the offline threshold elapses with no activity, got %s", got)
	}
}

func TestRequestEvictionUpgradeOnly(t *testing.T) {
	reg, _ := newTestRegistry(t, clock.NewFake(time.Now()))
	ctx := context.Background()
	a, err := reg.Register(ctx, RegisterInput{ID: "agent-1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := reg.RequestEviction(ctx, a.ID, "restart please", domain.EvictionActionShutdown); err != nil {
		t.Fatalf("request eviction: %v", err)
	}
	if err := reg.RequestEviction(ctx, a.ID, "just a restart", domain.EvictionActionRestart); err != nil {
		t.Fatalf("request eviction downgrade attempt: %v", err)
	}

	got, _ := reg.Get(a.ID)
	if got.Eviction.Action != domain.EvictionActionShutdown {
		t.Errorf("expected SHUTDOWN to win over a later RESTART downgrade, got %s", got.Eviction.Action)
	}
}

func TestPopEviction(t *testing.T) {
	reg, _ := newTestRegistry(t, clock.NewFake(time.Now()))
	ctx := context.Background()
	a, err := reg.Register(ctx, RegisterInput{ID: "agent-1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, ok := reg.PopEviction(ctx, a.ID); ok {
		t.Fatal("expected no pending eviction yet")
	}

	if err := reg.RequestEviction(ctx, a.ID, "restart", domain.EvictionActionRestart); err != nil {
		t.Fatalf("request eviction: %v", err)
	}
	ev, ok := reg.PopEviction(ctx, a.ID)
	if !ok || ev.Action != domain.EvictionActionRestart {
		t.Fatalf("expected to pop the pending restart eviction, got %+v, %v", ev, ok)
	}
	if _, ok := reg.PopEviction(ctx, a.ID); ok {
		t.Fatal("expected the eviction to be cleared after popping")
	}
}

func TestAdminUpdate(t *testing.T) {
	reg, _ := newTestRegistry(t, clock.NewFake(time.Now()))
	ctx := context.Background()
	a, err := reg.Register(ctx, RegisterInput{ID: "agent-1", DisplayName: "before"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	updated, err := reg.AdminUpdate(ctx, a.ID, func(agent *domain.Agent) {
		agent.DisplayName = "after"
	})
	if err != nil {
		t.Fatalf("admin update: %v", err)
	}
	if updated.DisplayName != "after" {
		t.Errorf("expected the updated display name, got %s", updated.DisplayName)
	}

	got, _ := reg.Get(a.ID)
	if got.DisplayName != "after" {
		t.Error("expected AdminUpdate to install the new record in the in-memory map")
	}
}

func TestCleanupRemovesStaleAgentsExceptExempt(t *testing.T) {
	now := time.Now()
	fake := clock.NewFake(now)
	reg, _ := newTestRegistry(t, fake)
	ctx := context.Background()

	stale, err := reg.Register(ctx, RegisterInput{ID: "stale"})
	if err != nil {
		t.Fatalf("register stale: %v", err)
	}
	exempt, err := reg.Register(ctx, RegisterInput{ID: "exempt"})
	if err != nil {
		t.Fatalf("register exempt: %v", err)
	}

	fake.Advance(time.Hour)
	fresh, err := reg.Register(ctx, RegisterInput{ID: "fresh"})
	if err != nil {
		t.Fatalf("register fresh: %v", err)
	}

	removed, err := reg.Cleanup(ctx, 30*time.Minute, map[string]struct{}{exempt.ID: {}})
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected exactly 1 agent removed, got %d", removed)
	}
	if _, ok := reg.Get(stale.ID); ok {
		t.Error("expected the stale agent to be removed")
	}
	if _, ok := reg.Get(exempt.ID); !ok {
		t.Error("expected the exempt agent to survive cleanup")
	}
	if _, ok := reg.Get(fresh.ID); !ok {
		t.Error("expected the freshly-seen agent to survive cleanup")
	}
}
