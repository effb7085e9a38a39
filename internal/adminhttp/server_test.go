package adminhttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/vsrchat/internal/vsr/replica"
)

type stubSource struct {
	view      uint32
	commitNum uint64
	role      replica.Role
	isPrimary bool
}

func (s stubSource) View() uint32            { return s.view }
func (s stubSource) CommitNum() uint64       { return s.commitNum }
func (s stubSource) RoleState() replica.Role { return s.role }
func (s stubSource) IsPrimary() bool         { return s.isPrimary }

func TestHealthzReturnsOK(t *testing.T) {
	srv := NewServer(stubSource{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestStatusReportsReplicaState(t *testing.T) {
	src := stubSource{view: 3, commitNum: 42, role: replica.RoleNormal, isPrimary: true}
	srv := NewServer(src)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, uint32(3), body.View)
	assert.Equal(t, uint64(42), body.CommitNum)
	assert.True(t, body.IsPrimary)
	assert.Equal(t, replica.RoleNormal.String(), body.Role)
}

func TestStatusRejectsNonGETMethods(t *testing.T) {
	srv := NewServer(stubSource{})
	req := httptest.NewRequest(http.MethodPost, "/status", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
