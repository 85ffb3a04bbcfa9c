// Package adminapi exposes the minimal admin HTTP surface spec.md §6-7
// calls for: POST /cleanup and POST /vacuum against the snapshot store,
// guarded by a bcrypt-compared admin key so the plaintext secret is
// never held in memory for comparison.
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/pili2026/talos/internal/obs/log"
)

// Store is the subset of snapshotstore.Store the admin surface drives.
type Store interface {
	CleanupOldSnapshots(retentionDays int) (int64, error)
	VacuumDatabase() error
}

// Server is the admin HTTP listener.
type Server struct {
	addr          string
	keyHash       []byte
	store         Store
	retentionDays int
	srv           *http.Server
}

// New builds a Server. keyHash is the bcrypt hash of the admin key
// clients must present in the X-Admin-Key header (TALOS_ADMIN_KEY at
// deploy time is hashed once at startup, never compared in plaintext).
// store may be nil if the snapshot repository failed to open; admin
// calls then return 503 rather than panicking.
func New(addr string, keyHash []byte, store Store, defaultRetentionDays int) *Server {
	s := &Server{addr: addr, keyHash: keyHash, store: store, retentionDays: defaultRetentionDays}
	mux := http.NewServeMux()
	mux.HandleFunc("/cleanup", s.handleCleanup)
	mux.HandleFunc("/vacuum", s.handleVacuum)
	s.srv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// ListenAndServe blocks serving admin requests until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) authenticate(r *http.Request) bool {
	provided := r.Header.Get("X-Admin-Key")
	if provided == "" || len(s.keyHash) == 0 {
		return false
	}
	return bcrypt.CompareHashAndPassword(s.keyHash, []byte(provided)) == nil
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authenticate(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.store == nil {
		http.Error(w, "snapshot store unavailable", http.StatusServiceUnavailable)
		return
	}

	retentionDays := s.retentionDays
	if v := r.URL.Query().Get("retention_days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			retentionDays = n
		}
	}

	removed, err := s.store.CleanupOldSnapshots(retentionDays)
	if err != nil {
		log.WithField("component", "adminapi").Errorf("cleanup failed: %v", err)
		http.Error(w, "cleanup failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{"removed": removed, "retention_days": retentionDays})
}

func (s *Server) handleVacuum(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authenticate(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.store == nil {
		http.Error(w, "snapshot store unavailable", http.StatusServiceUnavailable)
		return
	}

	if err := s.store.VacuumDatabase(); err != nil {
		log.WithField("component", "adminapi").Errorf("vacuum failed: %v", err)
		http.Error(w, "vacuum failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{"vacuumed": true})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// HashKey bcrypt-hashes a plaintext admin key at startup for use with New.
func HashKey(plaintext string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
}
