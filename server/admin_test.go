package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"gridsync/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdmin(t *testing.T) (*httptest.Server, *session.Registry) {
	t.Helper()
	reg := session.NewRegistry()
	t.Cleanup(reg.Close)
	mux := http.NewServeMux()
	NewAdmin(reg, &Metrics{}, nil).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, reg
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	rsp, err := http.Get(url)
	require.NoError(t, err)
	defer rsp.Body.Close()
	if rsp.StatusCode == http.StatusOK && v != nil {
		require.NoError(t, json.NewDecoder(rsp.Body).Decode(v))
	}
	return rsp.StatusCode
}

func TestAdminHealthAndMetrics(t *testing.T) {
	srv, reg := newTestAdmin(t)
	_, err := reg.Create(context.Background(), "one", 2)
	require.NoError(t, err)

	rsp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(rsp.Body)
	rsp.Body.Close()
	assert.Equal(t, "ok", string(body))

	var m struct {
		Sessions int            `json:"sessions"`
		Metrics  map[string]any `json:"metrics"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/metrics", &m))
	assert.Equal(t, 1, m.Sessions)
	assert.Contains(t, m.Metrics, "conflicts")
}

func TestAdminSessions(t *testing.T) {
	srv, reg := newTestAdmin(t)
	id, err := reg.Create(context.Background(), "abc", 4)
	require.NoError(t, err)
	_, err = reg.Join(id, session.Player{Nickname: "alice"})
	require.NoError(t, err)

	var list struct {
		Sessions []session.Summary `json:"sessions"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/sessions", &list))
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, []string{"alice"}, list.Sessions[0].Members)

	var snap session.Snapshot
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/sessions?id="+id, &snap))
	assert.Equal(t, 4, snap.MaxPlayers)
	assert.Len(t, snap.Grid, snap.Size)

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/sessions?id=nope", nil))
}

func TestAdminDeleteSession(t *testing.T) {
	srv, reg := newTestAdmin(t)
	id, err := reg.Create(context.Background(), "doomed", 2)
	require.NoError(t, err)

	assert.Equal(t, http.StatusMethodNotAllowed, getJSON(t, srv.URL+"/admin/sessions/delete?id="+id, nil))

	for i := 0; i < 2; i++ {
		rsp, err := http.Post(srv.URL+"/admin/sessions/delete?id="+id, "application/json", nil)
		require.NoError(t, err)
		rsp.Body.Close()
		assert.Equal(t, http.StatusOK, rsp.StatusCode, "delete is idempotent")
	}
	assert.Equal(t, 0, reg.Len())

	rsp, err := http.Post(srv.URL+"/admin/sessions/delete", "application/json", nil)
	require.NoError(t, err)
	rsp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, rsp.StatusCode)
}
