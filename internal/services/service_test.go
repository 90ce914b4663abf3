// Package services tests for the data service facade.
package services

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/config"
	apperrors "github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/errors"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/events"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/models"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/store"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/testutil/fakeremote"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/uuid"
)

var t0 = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

// =====================================================
// Test Helpers
// =====================================================

type fixture struct {
	svc    *DataService
	server *fakeremote.Server
	clock  *clockwork.FakeClock
}

func newFixture(t *testing.T, mutate ...func(*config.Config)) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	server := fakeremote.New(clock)
	t.Cleanup(server.Close)

	cfg, err := config.LoadFile("")
	require.NoError(t, err)
	cfg.Database.Path = filepath.Join(t.TempDir(), "crm.db")
	cfg.Remote.BaseURL = server.URL()
	cfg.Remote.RequestTimeout = 2 * time.Second
	for _, m := range mutate {
		m(cfg)
	}

	svc, err := Build(cfg, nil, WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	return &fixture{svc: svc, server: server, clock: clock}
}

func (f *fixture) online(t *testing.T, up bool) {
	t.Helper()
	f.server.SetDown(!up)
	require.Equal(t, up, f.svc.CheckConnectivity(context.Background()))
}

func (f *fixture) create(t *testing.T, typ models.EntityType, payload string) (*models.Record, error) {
	t.Helper()
	return f.svc.Mutate(context.Background(), typ, models.OperationCreate, "", json.RawMessage(payload))
}

// =====================================================
// Build Tests
// =====================================================

// TestBuild_BadDatabasePath verifies open failures are reported.
func TestBuild_BadDatabasePath(t *testing.T) {
	cfg, err := config.LoadFile("")
	require.NoError(t, err)
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	cfg.Database.Path = filepath.Join(blocker, "crm.db")

	_, err = Build(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open database")
}

// =====================================================
// Mutate / Read Tests
// =====================================================

// TestMutate_OfflineCreateThenSync walks a record from a temp id to its
// server id.
func TestMutate_OfflineCreateThenSync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.server.SetNextID(models.EntityCustomer, 42)

	rec, err := f.create(t, models.EntityCustomer, `{"name":"Ann Lee","city":"Austin"}`)
	require.NoError(t, err)
	assert.True(t, uuid.IsTemp(rec.ID))
	assert.False(t, rec.Synced)

	got, err := f.svc.Read(ctx, models.EntityCustomer, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ann Lee", got.Entity.(*models.Customer).Name)

	st, err := f.svc.GetSyncStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Pending)
	assert.False(t, st.Online)

	f.online(t, true)
	res, err := f.svc.ForceSync(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pushed)

	_, err = f.svc.Read(ctx, models.EntityCustomer, rec.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	got, err = f.svc.Read(ctx, models.EntityCustomer, "cust_42")
	require.NoError(t, err)
	assert.True(t, got.Synced)

	entries, err := f.svc.QueueEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	st, err = f.svc.GetSyncStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Pending)
	require.NotNil(t, st.LastSyncTime)
	assert.True(t, st.Online)
}

// TestMutate_OnlineCreateIsInline verifies an online create returns the
// server id without queueing.
func TestMutate_OnlineCreateIsInline(t *testing.T) {
	f := newFixture(t)
	f.online(t, true)

	rec, err := f.create(t, models.EntityCustomer, `{"name":"Ann Lee"}`)
	require.NoError(t, err)
	assert.Equal(t, "cust_1", rec.ID)
	assert.True(t, rec.Synced)
	assert.Len(t, f.server.RequestsTo(http.MethodPost, "/customers"), 1)
}

// TestMutate_DependentJobFollowsCustomer verifies a job created against a
// temp customer id is pushed after the customer with the server id.
func TestMutate_DependentJobFollowsCustomer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.server.SetNextID(models.EntityCustomer, 7)

	cust, err := f.create(t, models.EntityCustomer, `{"name":"Ann Lee"}`)
	require.NoError(t, err)
	job, err := f.create(t, models.EntityJob, `{"customerId":"`+cust.ID+`","title":"Fix sink"}`)
	require.NoError(t, err)

	f.online(t, true)
	res, err := f.svc.ForceSync(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Pushed)

	jobs, err := f.svc.List(ctx, models.EntityJob, store.Filter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.NotEqual(t, job.ID, jobs[0].ID)
	assert.Equal(t, "cust_7", jobs[0].Entity.(*models.Job).CustomerID)
}

// TestMutate_UpdateAndDelete verifies patch and delete through the facade.
func TestMutate_UpdateAndDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.online(t, true)

	rec, err := f.create(t, models.EntityCustomer, `{"name":"Ann Lee"}`)
	require.NoError(t, err)

	rec, err = f.svc.Mutate(ctx, models.EntityCustomer, models.OperationUpdate, rec.ID, json.RawMessage(`{"city":"Dallas"}`))
	require.NoError(t, err)
	assert.Equal(t, "Dallas", rec.Entity.(*models.Customer).City)
	assert.Equal(t, "Dallas", f.server.Entity(models.EntityCustomer, rec.ID).(*models.Customer).City)

	_, err = f.svc.Mutate(ctx, models.EntityCustomer, models.OperationDelete, rec.ID, nil)
	require.NoError(t, err)
	_, err = f.svc.Read(ctx, models.EntityCustomer, rec.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	assert.Zero(t, f.server.Count(models.EntityCustomer))
}

// TestMutate_BadInput verifies malformed requests are INVALID_INPUT.
func TestMutate_BadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		typ     models.EntityType
		op      models.Operation
		payload string
	}{
		{"unknown type", "invoice", models.OperationCreate, `{}`},
		{"unknown op", models.EntityCustomer, "upsert", `{}`},
		{"bad create json", models.EntityCustomer, models.OperationCreate, `{`},
		{"bad patch json", models.EntityCustomer, models.OperationUpdate, `[1]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Mutate(ctx, tt.typ, tt.op, "cust_1", json.RawMessage(tt.payload))
			require.Error(t, err)
			assert.Equal(t, apperrors.ErrInvalid, apperrors.CodeOf(err))
		})
	}
}

// TestMutate_ValidationError verifies an invalid entity is rejected locally.
func TestMutate_ValidationError(t *testing.T) {
	f := newFixture(t)

	_, err := f.create(t, models.EntityCustomer, `{"email":"not-an-email"}`)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	recs, err := f.svc.List(context.Background(), models.EntityCustomer, store.Filter{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

// =====================================================
// Failed Entry Tests
// =====================================================

// rejectedCreate makes the server refuse an inline create and returns the
// terminal entry it left behind.
func rejectedCreate(t *testing.T, f *fixture) (*models.Record, *models.QueueEntry) {
	t.Helper()
	f.online(t, true)
	f.server.FailNext(http.StatusUnprocessableEntity)

	rec, err := f.create(t, models.EntityCustomer, `{"name":"Ann Lee"}`)
	require.Error(t, err)
	require.True(t, apperrors.Is(err, apperrors.ErrValidation))
	require.NotNil(t, rec)

	st, err := f.svc.GetSyncStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, st.Failed)
	require.Len(t, st.FailedEntries, 1)
	assert.True(t, st.FailedEntries[0].Terminal)
	return rec, st.FailedEntries[0]
}

// TestRetryFailed verifies a manual retry pushes a terminal entry again.
func TestRetryFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, entry := rejectedCreate(t, f)

	got, err := f.svc.RetryFailed(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, got.Status)
	assert.Zero(t, got.Attempts)

	res, err := f.svc.ForceSync(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pushed)
	assert.Equal(t, 1, f.server.Count(models.EntityCustomer))

	st, err := f.svc.GetSyncStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Failed)
}

// TestRetryAllFailed verifies every failed entry is reset.
func TestRetryAllFailed(t *testing.T) {
	f := newFixture(t)
	rejectedCreate(t, f)

	n, err := f.svc.RetryAllFailed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// TestDiscardFailed_PurgesLocalOnly verifies discarding a never-pushed
// create removes the local record.
func TestDiscardFailed_PurgesLocalOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec, entry := rejectedCreate(t, f)

	got, err := f.svc.DiscardFailed(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, got.ID)

	_, err = f.svc.Read(ctx, models.EntityCustomer, rec.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	entries, err := f.svc.QueueEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// TestDiscardFailed_RevertsToServerCopy verifies a rejected update is undone
// from the server copy.
func TestDiscardFailed_RevertsToServerCopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.online(t, true)

	rec, err := f.create(t, models.EntityCustomer, `{"name":"Ann Lee","city":"Austin"}`)
	require.NoError(t, err)

	f.server.FailNext(http.StatusUnprocessableEntity)
	_, err = f.svc.Mutate(ctx, models.EntityCustomer, models.OperationUpdate, rec.ID, json.RawMessage(`{"city":"Nowhere"}`))
	require.Error(t, err)

	failed, err := f.svc.GetSyncStatus(ctx)
	require.NoError(t, err)
	require.Len(t, failed.FailedEntries, 1)

	_, err = f.svc.DiscardFailed(ctx, failed.FailedEntries[0].ID)
	require.NoError(t, err)

	got, err := f.svc.Read(ctx, models.EntityCustomer, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Synced)
	assert.Equal(t, "Austin", got.Entity.(*models.Customer).City)
}

// TestDiscardFailed_RequiresFailed verifies pending entries cannot be
// discarded.
func TestDiscardFailed_RequiresFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.create(t, models.EntityCustomer, `{"name":"Ann Lee"}`)
	require.NoError(t, err)

	entries, err := f.svc.QueueEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	_, err = f.svc.DiscardFailed(ctx, entries[0].ID)
	assert.Equal(t, apperrors.ErrInvalid, apperrors.CodeOf(err))

	_, err = f.svc.DiscardFailed(ctx, "missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

// =====================================================
// Sync Tests
// =====================================================

// TestConflicts_Recorded verifies a resolved push conflict shows up in the
// conflict history.
func TestConflicts_Recorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.online(t, true)

	rec, err := f.create(t, models.EntityCustomer, `{"name":"Ann Lee","city":"Austin"}`)
	require.NoError(t, err)

	f.online(t, false)
	f.clock.Advance(time.Hour)
	_, err = f.svc.Mutate(ctx, models.EntityCustomer, models.OperationUpdate, rec.ID, json.RawMessage(`{"phone":"555-0100"}`))
	require.NoError(t, err)

	f.online(t, true)
	f.server.ConflictOnce(models.EntityCustomer, rec.ID)
	res, err := f.svc.ForceSync(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)

	logs, err := f.svc.Conflicts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, rec.ID, logs[0].EntityID)

	got, err := f.svc.Read(ctx, models.EntityCustomer, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Synced)
	assert.Equal(t, "555-0100", got.Entity.(*models.Customer).Phone)
}

// TestForceSync_Full verifies a full sync pulls entities the watermark
// would skip.
func TestForceSync_Full(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.online(t, true)

	_, err := f.svc.ForceSync(ctx, false)
	require.NoError(t, err)

	old := &models.Customer{Base: models.Base{ID: "cust_9", CreatedAt: t0.Add(-time.Hour), UpdatedAt: t0.Add(-time.Hour)}, Name: "Old Timer"}
	f.server.Seed(old)

	_, err = f.svc.ForceSync(ctx, false)
	require.NoError(t, err)
	_, err = f.svc.Read(ctx, models.EntityCustomer, "cust_9")
	require.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	res, err := f.svc.ForceSync(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pulled)
	_, err = f.svc.Read(ctx, models.EntityCustomer, "cust_9")
	assert.NoError(t, err)
}

// TestSubscribe verifies local writes are published.
func TestSubscribe(t *testing.T) {
	f := newFixture(t)
	sub := f.svc.Subscribe(16)
	defer sub.Close()

	rec, err := f.create(t, models.EntityCustomer, `{"name":"Ann Lee"}`)
	require.NoError(t, err)

	select {
	case ev := <-sub.C:
		assert.Equal(t, events.RecordChanged, ev.Type)
		assert.Equal(t, rec.ID, ev.EntityID)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

// =====================================================
// Run Tests
// =====================================================

// TestRun_DrainsQueueWhenOnline verifies the running service notices the
// server, syncs queued work and relays events over websocket.
func TestRun_DrainsQueueWhenOnline(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Events.WSAddr = "127.0.0.1:0" })
	_, err := f.create(t, models.EntityCustomer, `{"name":"Ann Lee"}`)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		entries, err := f.svc.QueueEntries(context.Background())
		return err == nil && len(entries) == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.server.Count(models.EntityCustomer))

	dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dcancel()
	conn, _, err := websocket.Dial(dctx, "ws://"+f.svc.EventsAddr()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, err = f.create(t, models.EntityMaterial, `{"name":"PVC pipe","quantity":3}`)
	require.NoError(t, err)

	for {
		_, data, err := conn.Read(dctx)
		require.NoError(t, err)
		var ev events.Event
		require.NoError(t, json.Unmarshal(data, &ev))
		if ev.Type == events.RecordChanged && ev.EntityType == models.EntityMaterial {
			break
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
