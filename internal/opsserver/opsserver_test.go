package opsserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyd/internal/domain"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

type brokenHistory struct{}

func (brokenHistory) RecentHistory(context.Context, int) ([]domain.HistoryEntry, error) {
	return nil, errors.New("db gone")
}

func do(t *testing.T, h http.Handler, target string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHistoryEndpoint(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	n := 12
	for _, key := range []string{"e1", "e2", "e3"} {
		_, err := st.AppendHistory(ctx, domain.HistoryEntry{EventKey: key, Title: "t", TargetDescription: "topic:all_users", RecipientCount: &n})
		require.NoError(t, err)
	}
	h := NewRouter(Deps{History: st}, "", logx.Nop())

	rec := do(t, h, "/v1/history?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Count   int           `json:"count"`
		Entries []historyItem `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	require.Len(t, body.Entries, 2)
	assert.Equal(t, "e3", body.Entries[0].EventKey)
	assert.Equal(t, "topic:all_users", body.Entries[0].Target)
	assert.Equal(t, 12, *body.Entries[0].RecipientCount)

	assert.Equal(t, http.StatusBadRequest, do(t, h, "/v1/history?limit=abc", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, "/v1/history?limit=0", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, "/v1/history", nil).Code)

	broken := NewRouter(Deps{History: brokenHistory{}}, "", logx.Nop())
	assert.Equal(t, http.StatusInternalServerError, do(t, broken, "/v1/history", nil).Code)
}

func TestStatsEndpoint(t *testing.T) {
	h := NewRouter(Deps{Stats: func() any { return map[string]int{"handled": 3} }}, "", logx.Nop())
	rec := do(t, h, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"handled":3}`, rec.Body.String())

	empty := NewRouter(Deps{}, "", logx.Nop())
	assert.JSONEq(t, `{}`, do(t, empty, "/v1/stats", nil).Body.String())
}

func TestTokenAuth(t *testing.T) {
	h := NewRouter(Deps{History: storage.NewMemory()}, "s3cret", logx.Nop())

	assert.Equal(t, http.StatusOK, do(t, h, "/healthz", nil).Code, "healthz is open")

	rec := do(t, h, "/v1/history", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	assert.Equal(t, http.StatusUnauthorized, do(t, h, "/v1/history", map[string]string{"Authorization": "Bearer nope"}).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, "/v1/history?token=nope", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, "/v1/history", map[string]string{"Authorization": "Bearer s3cret"}).Code)
	assert.Equal(t, http.StatusOK, do(t, h, "/v1/history?token=s3cret", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, "/debug/pprof/cmdline?token=s3cret", nil).Code)
}

func TestRecoverMiddleware(t *testing.T) {
	h := NewRouter(Deps{Stats: func() any { panic("boom") }}, "", logx.Nop())
	assert.Equal(t, http.StatusInternalServerError, do(t, h, "/v1/stats", nil).Code)
}

func TestServerLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := New(Config{}, Deps{History: storage.NewMemory()}, logx.Nop())
	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	s.Reconfigure(ctx, Config{Enabled: false})
	assert.Empty(t, s.Addr())
}

func TestServerRefusesInsecureBind(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Deps{}, logx.Nop())
	s.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, s.Addr())
	s.Stop(ctx)
}
