package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Chrisleo-16/xtent-sub002/internal/relay"
	"github.com/Chrisleo-16/xtent-sub002/internal/store"
	"github.com/Chrisleo-16/xtent-sub002/pkg/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTopics struct{}

func (fakeTopics) Topics() []relay.TopicInfo {
	return []relay.TopicInfo{{Topic: "notifications:u1", Clients: 2, Filters: []string{"INSERT:notifications"}}}
}

func (fakeTopics) Clients() int { return 2 }

func setupTestAPI(t *testing.T) (*API, *store.Store) {
	t.Helper()
	st, err := store.New(store.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return NewAPI(Config{Addr: ":9999"}, st, fakeTopics{}), st
}

type envelope struct {
	Success   bool            `json:"success"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
	Error     struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Meta struct {
		Count  int `json:"count"`
		Limit  int `json:"limit"`
		Unread int `json:"unread"`
	} `json:"meta"`
}

func do(t *testing.T, a *API, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func TestAPIDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, ":8080", config.Addr)
	assert.Equal(t, 30*time.Second, config.RequestTimeout)
}

func TestAPIEmptyConfig(t *testing.T) {
	a := NewAPI(Config{}, nil, nil)
	assert.Equal(t, DefaultConfig().Addr, a.config.Addr)
	assert.Equal(t, DefaultConfig().IdleTimeout, a.config.IdleTimeout)
	assert.Equal(t, "livesync-api", a.config.ServiceName)
}

func TestHealthAndReadiness(t *testing.T) {
	a, _ := setupTestAPI(t)

	rec, _ := do(t, a, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, a, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, a, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, a.Shutdown(context.Background()))
	rec, env := do(t, a, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "shutting_down", env.Error.Code)
}

func TestNotificationLifecycle(t *testing.T) {
	a, st := setupTestAPI(t)

	rec, env := do(t, a, http.MethodPost, "/v1/users/u1/notifications", map[string]any{
		"type":    "payment_received",
		"title":   "Payment received",
		"payload": map[string]string{"amount": "1200"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.True(t, env.Success)
	assert.NotEmpty(t, env.RequestID)

	var created struct {
		ID     string `json:"id"`
		UserID string `json:"user_id"`
		IsRead bool   `json:"is_read"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, "u1", created.UserID)
	assert.False(t, created.IsRead)

	change := <-st.Events()
	assert.Equal(t, realtime.EventInsert, change.Type)

	rec, env = do(t, a, http.MethodGet, "/v1/users/u1/notifications", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, env.Meta.Count)
	assert.Equal(t, 1, env.Meta.Unread)
	assert.Equal(t, defaultListLimit, env.Meta.Limit)

	rec, _ = do(t, a, http.MethodGet, "/v1/users/u2/notifications/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, env = do(t, a, http.MethodPost, "/v1/users/u1/notifications/"+created.ID+"/read", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var read struct {
		IsRead bool `json:"is_read"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &read))
	assert.True(t, read.IsRead)

	rec, env = do(t, a, http.MethodGet, "/v1/users/u1/notifications", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, env.Meta.Unread)

	rec, _ = do(t, a, http.MethodDelete, "/v1/users/u1/notifications/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec, env = do(t, a, http.MethodGet, "/v1/users/u1/notifications/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "notification_not_found", env.Error.Code)
}

func TestMarkAllRead(t *testing.T) {
	a, st := setupTestAPI(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		_, err := st.CreateNotification(ctx, &realtime.Notification{Id: id, UserId: "u1", Type: "maintenance_update"})
		require.NoError(t, err)
	}

	rec, _ := do(t, a, http.MethodPost, "/v1/users/u1/notifications/read-all", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	list, err := st.ListNotifications(ctx, "u1", 0)
	require.NoError(t, err)
	for _, n := range list {
		assert.True(t, n.IsRead, n.Id)
	}
}

func TestValidationErrors(t *testing.T) {
	a, _ := setupTestAPI(t)

	rec, env := do(t, a, http.MethodPost, "/v1/users/u1/notifications", map[string]any{"title": "no type"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "required_field_missing", env.Error.Code)
	assert.Equal(t, "validation", env.Error.Type)

	rec, env = do(t, a, http.MethodPost, "/v1/users/u1/notifications", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "empty_request_body", env.Error.Code)

	rec, env = do(t, a, http.MethodGet, "/v1/users/u1/notifications?limit=9999", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "query_parameter_out_of_range", env.Error.Code)

	rec, env = do(t, a, http.MethodGet, "/v1/users/a:b/notifications", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_user_id", env.Error.Code)

	rec, env = do(t, a, http.MethodPost, "/v1/users/a:b/notifications/read-all", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_user_id", env.Error.Code)

	rec, env = do(t, a, http.MethodPost, "/v1/changes", map[string]any{"type": "merge", "resource": "payments"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_type", env.Error.Code)

	rec, env = do(t, a, http.MethodPost, "/v1/changes", map[string]any{"type": "DELETE", "resource": "payments"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "missing_old_record", env.Error.Code)
}

func TestPublishChange(t *testing.T) {
	a, st := setupTestAPI(t)

	rec, env := do(t, a, http.MethodPost, "/v1/changes", map[string]any{
		"type":     "insert",
		"resource": "payments",
		"record":   map[string]any{"landlord_id": "u1", "amount": 1200},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var published struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &published))
	assert.NotEmpty(t, published.ID)
	assert.Equal(t, "INSERT", published.Type)

	select {
	case change := <-st.Events():
		assert.Equal(t, published.ID, change.Id)
		assert.Equal(t, "payments", change.Resource)
		assert.Equal(t, "u1", realtime.StringField(change.Record, "landlord_id"))
	case <-time.After(time.Second):
		t.Fatal("change was not published")
	}
}

func TestTopics(t *testing.T) {
	a, _ := setupTestAPI(t)

	rec, env := do(t, a, http.MethodGet, "/v1/topics", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var topics struct {
		Clients int `json:"clients"`
		Topics  []struct {
			Topic   string   `json:"topic"`
			Clients int      `json:"clients"`
			Filters []string `json:"filters"`
		} `json:"topics"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &topics))
	assert.Equal(t, 2, topics.Clients)
	require.Len(t, topics.Topics, 1)
	assert.Equal(t, "notifications:u1", topics.Topics[0].Topic)

	bare := NewAPI(Config{}, nil, nil)
	rec, env = do(t, bare, http.MethodGet, "/v1/topics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"clients":0,"topics":[]}`, string(env.Data))
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	a, st := setupTestAPI(t)
	require.NoError(t, st.Close())

	rec, env := do(t, a, http.MethodPost, "/v1/users/u1/notifications/read-all", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "store_closed", env.Error.Code)
}
