package remote

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/errors"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/models"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/testutil/fakeremote"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newClient(t *testing.T, url string) *Client {
	t.Helper()
	return New(Config{BaseURL: url, Token: "secret", Timeout: 2 * time.Second}, newTestLogger())
}

func TestClient_CreateIdempotent(t *testing.T) {
	t.Parallel()

	srv := fakeremote.New(nil)
	defer srv.Close()
	srv.SetNextID(models.EntityCustomer, 42)
	c := newClient(t, srv.URL())
	ctx := context.Background()

	local := &models.Customer{Base: models.Base{ID: "temp_1"}, Name: "Ana"}
	first, err := c.Create(ctx, local, "entry-1")
	require.NoError(t, err)
	assert.Equal(t, "cust_42", first.Meta().ID)
	assert.False(t, first.Meta().CreatedAt.IsZero())

	again, err := c.Create(ctx, local, "entry-1")
	require.NoError(t, err)
	assert.Equal(t, "cust_42", again.Meta().ID)
	assert.Equal(t, 1, srv.Count(models.EntityCustomer))

	reqs := srv.RequestsTo(http.MethodPost, "/customers")
	require.Len(t, reqs, 2)
	assert.Equal(t, "entry-1", reqs[0].IdempotencyKey)
	assert.Equal(t, "Bearer secret", reqs[0].Authorization)
}

func TestClient_UpdateGetDelete(t *testing.T) {
	t.Parallel()

	srv := fakeremote.New(nil)
	defer srv.Close()
	c := newClient(t, srv.URL())
	ctx := context.Background()

	srv.Seed(&models.Job{Base: models.Base{ID: "job_7"}, CustomerID: "cust_1", Title: "Roof"})

	updated, err := c.Update(ctx, "job_7", &models.Job{Base: models.Base{ID: "job_7"}, CustomerID: "cust_1", Title: "Roof v2"}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "Roof v2", updated.(*models.Job).Title)

	got, err := c.Get(ctx, models.EntityJob, "job_7")
	require.NoError(t, err)
	assert.Equal(t, "Roof v2", got.(*models.Job).Title)

	require.NoError(t, c.Delete(ctx, models.EntityJob, "job_7"))

	err = c.Delete(ctx, models.EntityJob, "job_7")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	_, err = c.Get(ctx, models.EntityJob, "job_7")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

// TestClient_UpdateBase verifies the base updatedAt travels with an update and
// a stale base is reported as a conflict.
func TestClient_UpdateBase(t *testing.T) {
	t.Parallel()

	srv := fakeremote.New(nil)
	defer srv.Close()
	c := newClient(t, srv.URL())
	ctx := context.Background()

	base := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	srv.Seed(&models.Customer{Base: models.Base{ID: "cust_42", UpdatedAt: base}, Name: "Acme"})

	updated, err := c.Update(ctx, "cust_42", &models.Customer{Base: models.Base{ID: "cust_42"}, Name: "Acme Corp"}, base)
	require.NoError(t, err)
	assert.True(t, updated.Meta().UpdatedAt.After(base))

	puts := srv.RequestsTo(http.MethodPut, "/customers/")
	require.Len(t, puts, 1)
	assert.Equal(t, "2024-06-01T08:00:00Z", puts[0].BaseUpdatedAt)

	// The first update moved the server copy past base.
	_, err = c.Update(ctx, "cust_42", &models.Customer{Base: models.Base{ID: "cust_42"}, Name: "Acme Inc"}, base)
	var conflictErr *apperrors.ConflictError
	require.ErrorAs(t, err, &conflictErr)
	current, err := models.DecodeEntity(models.EntityCustomer, conflictErr.Current)
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", current.(*models.Customer).Name)

	_, err = c.Update(ctx, "cust_42", &models.Customer{Base: models.Base{ID: "cust_42"}, Name: "Acme Inc"}, updated.Meta().UpdatedAt)
	require.NoError(t, err)
}

func TestClient_Conflict(t *testing.T) {
	t.Parallel()

	srv := fakeremote.New(nil)
	defer srv.Close()
	c := newClient(t, srv.URL())

	srv.Seed(&models.Customer{Base: models.Base{ID: "cust_42"}, Name: "Server Name"})
	srv.ConflictOnce(models.EntityCustomer, "cust_42")

	_, err := c.Update(context.Background(), "cust_42", &models.Customer{Base: models.Base{ID: "cust_42"}, Name: "Local"}, time.Time{})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrConflict))

	var conflictErr *apperrors.ConflictError
	require.ErrorAs(t, err, &conflictErr)
	current, err := models.DecodeEntity(models.EntityCustomer, conflictErr.Current)
	require.NoError(t, err)
	assert.Equal(t, "Server Name", current.(*models.Customer).Name)
}

func TestClient_StatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		body      string
		code      apperrors.ErrorCode
		retryable bool
	}{
		{"server error", http.StatusInternalServerError, `{"error":"boom"}`, apperrors.ErrNetwork, true},
		{"unavailable", http.StatusServiceUnavailable, ``, apperrors.ErrNetwork, true},
		{"bad request", http.StatusBadRequest, `{"error":"bad","fields":{"name":"is required"}}`, apperrors.ErrValidation, false},
		{"unprocessable", http.StatusUnprocessableEntity, `{"message":"invalid"}`, apperrors.ErrValidation, false},
		{"not found", http.StatusNotFound, `{}`, apperrors.ErrNotFound, false},
		{"conflict without body", http.StatusConflict, `not json`, apperrors.ErrConflict, false},
		{"unauthorized", http.StatusUnauthorized, `{}`, apperrors.ErrValidation, false},
		{"forbidden", http.StatusForbidden, `{}`, apperrors.ErrValidation, false},
		{"gone", http.StatusGone, `{"error":"archived"}`, apperrors.ErrValidation, false},
		{"too large", http.StatusRequestEntityTooLarge, ``, apperrors.ErrValidation, false},
		{"request timeout", http.StatusRequestTimeout, ``, apperrors.ErrNetwork, true},
		{"rate limited", http.StatusTooManyRequests, ``, apperrors.ErrNetwork, true},
		{"redirect", http.StatusMultipleChoices, ``, apperrors.ErrInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			err := newClient(t, srv.URL).Delete(context.Background(), models.EntityJob, "job_1")
			require.Error(t, err)
			assert.Equal(t, tt.code, apperrors.CodeOf(err))
			assert.Equal(t, tt.retryable, apperrors.Retryable(err))
		})
	}
}

func TestClient_ValidationFields(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"invalid customer","fields":{"email":"is not a valid email address"}}`))
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL).Create(context.Background(), &models.Customer{Name: "A"}, "k")
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, http.StatusUnprocessableEntity, appErr.Status)
	assert.Equal(t, "is not a valid email address", appErr.Fields["email"])
}

func TestClient_Timeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, newTestLogger())
	err := c.Health(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrNetwork))
	assert.True(t, apperrors.Retryable(err))
}

func TestClient_Unreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := newClient(t, url).Health(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrNetwork))
}

func TestClient_PushPull(t *testing.T) {
	t.Parallel()

	srv := fakeremote.New(nil)
	defer srv.Close()
	srv.SetNextID(models.EntityUser, 9)
	c := newClient(t, srv.URL())
	ctx := context.Background()

	payload, err := models.Encode(&models.User{Name: "Bo", Email: "bo@khs.test", Role: models.RoleWorker})
	require.NoError(t, err)

	acks, err := c.Push(ctx, []PushItem{{Type: models.EntityUser, Operation: models.OperationCreate, Entity: payload}})
	require.NoError(t, err)
	require.Len(t, acks, 1)
	e, err := acks[0].Decode()
	require.NoError(t, err)
	assert.Equal(t, "user_9", e.Meta().ID)

	full, err := c.Pull(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, full.Entities, 1)
	assert.Equal(t, models.EntityUser, full.Entities[0].Type)
	assert.False(t, full.Timestamp.IsZero())

	pulls := srv.RequestsTo(http.MethodPost, "/sync/pull")
	require.Len(t, pulls, 1)
	assert.JSONEq(t, `{"lastSyncTime":null}`, pulls[0].Body)

	delta, err := c.Pull(ctx, full.Timestamp)
	require.NoError(t, err)
	assert.Empty(t, delta.Entities)
}
