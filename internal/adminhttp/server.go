// Package adminhttp exposes a read-only status and health surface over
// gorilla/mux, grounded on the router setup in cmd/api/main.go and the
// JSON handler style of internal/handlers/infra.go. It is deliberately
// narrow: no client requests, no WebSocket upgrade, nothing that could
// let an operator's curiosity double as a write path into the replica
// group — that edge gateway is out of scope.
package adminhttp

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ocx/vsrchat/internal/vsr/replica"
)

// StatusSource is the subset of replica state the admin surface reports.
// Defined as an interface rather than depending on *replica.Replica
// directly so tests can substitute a stub.
type StatusSource interface {
	View() uint32
	CommitNum() uint64
	RoleState() replica.Role
	IsPrimary() bool
}

var _ StatusSource = (*replica.Replica)(nil)

// Server is the read-only status HTTP surface for one replica process.
type Server struct {
	source StatusSource
	router *mux.Router
}

// NewServer builds the router. source reports live replica state on every
// request. Each field is read through its own accessor, which takes the
// replica's lock for that one read; the fields of a response are not read
// as one atomic snapshot, so a view change between two reads can show up
// in one field and not yet in another.
func NewServer(source StatusSource) *Server {
	s := &Server{source: source, router: mux.NewRouter()}
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	return s
}

// ListenAndServe starts an *http.Server bound to addr, serving in a
// background goroutine until it is shut down or fails, and returns it so
// the caller can shut it down. Timeouts mirror the defensive Read/Write/Idle
// timeouts the teacher sets on its own http.Server.
func (s *Server) ListenAndServe(addr string) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin server stopped", "addr", addr, "error", err)
		}
	}()
	return srv
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type statusResponse struct {
	View      uint32 `json:"view"`
	CommitNum uint64 `json:"commit_num"`
	Role      string `json:"role"`
	IsPrimary bool   `json:"is_primary"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statusResponse{
		View:      s.source.View(),
		CommitNum: s.source.CommitNum(),
		Role:      s.source.RoleState().String(),
		IsPrimary: s.source.IsPrimary(),
	})
}
