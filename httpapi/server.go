package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tanaka/schema"
)

// Control is the engine surface served over HTTP.
type Control interface {
	GetStatus() schema.Status
	GetSettings() schema.UserSettings
	UpdateSettings(ctx context.Context, patch schema.SettingsPatch) (schema.UserSettings, error)
	TriggerSync() error
	GetSnapshot() schema.Snapshot
}

// Server serves the HTTP control API.
type Server struct {
	cfg      Config
	control  Control
	hub      *Hub
	basePath string
}

// NewServer constructs an HTTP server.
func NewServer(cfg Config, control Control, hub *Hub) *Server {
	if hub == nil {
		hub = NewHub(cfg.HistorySize, nil)
	}
	return &Server{
		cfg:      cfg,
		control:  control,
		hub:      hub,
		basePath: normalizeBasePath(cfg.BasePath),
	}
}

// Hub returns the event hub feeding stream clients.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.requireToken(s.handleStatus))
	mux.HandleFunc("/api/settings", s.requireToken(s.handleSettings))
	mux.HandleFunc("/api/sync", s.requireToken(s.handleSync))
	mux.HandleFunc("/api/snapshot", s.requireToken(s.handleSnapshot))
	mux.HandleFunc("/api/events", s.requireToken(s.handleEvents))

	handler := withRequestLogging(mux)
	if s.basePath == "" {
		return handler
	}
	prefix := s.basePath
	root := http.NewServeMux()
	root.Handle(prefix+"/", http.StripPrefix(prefix, handler))
	return root
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.control.GetStatus())
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.control.GetSettings())
	case http.MethodPatch:
		log := pslog.Ctx(r.Context()).With("remote", clientIP(r))
		var patch schema.SettingsPatch
		if err := decodeJSON(r.Body, &patch); err != nil {
			log.Warn("http settings decode failed", "err", err)
			writeError(w, http.StatusBadRequest, err)
			return
		}
		updated, err := s.control.UpdateSettings(r.Context(), patch)
		if err != nil {
			log.Warn("http settings update rejected", "err", err)
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := s.control.TriggerSync(); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.control.GetStatus())
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.control.GetSnapshot())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("stream unsupported"))
		return
	}
	log := pslog.Ctx(r.Context()).With("remote", clientIP(r))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	lastID := parseUint(r.Header.Get("Last-Event-ID"))

	ch, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	status := s.control.GetStatus()
	snapshot := s.control.GetSnapshot()
	now := time.Now()
	_ = writeSSEvent(w, StreamEvent{Type: "status", Status: &status, Timestamp: now})
	_ = writeSSEvent(w, StreamEvent{Type: "snapshot", Snapshot: &snapshot, Timestamp: now})

	replayCount := 0
	sent := lastID
	if lastID > 0 {
		replay := s.hub.Replay(lastID)
		replayCount = len(replay)
		for _, event := range replay {
			_ = writeSSEvent(w, event)
			sent = event.Seq
		}
	}
	flusher.Flush()

	log.Info("http stream opened", "last_id", lastID, "replay", replayCount)
	for {
		select {
		case <-r.Context().Done():
			log.Info("http stream closed")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if event.Seq <= sent {
				continue
			}
			sent = event.Seq
			_ = writeSSEvent(w, event)
			flusher.Flush()
		}
	}
}

func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	if s.cfg.Token == "" {
		return next
	}
	want := []byte("Bearer " + s.cfg.Token)
	return func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			pslog.Ctx(r.Context()).Warn("http unauthorized", "remote", clientIP(r))
			writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
			return
		}
		next(w, r)
	}
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, schema.ErrSyncDisabled):
		return http.StatusConflict
	case errors.Is(err, schema.ErrInvalidServerURL),
		errors.Is(err, schema.ErrMissingAuthToken),
		errors.Is(err, schema.ErrInvalidSyncInterval):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(body io.Reader, target any) error {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeSSEvent(w http.ResponseWriter, event StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if event.Seq > 0 {
		_, _ = fmt.Fprintf(w, "id: %d\n", event.Seq)
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", strings.TrimSpace(string(data)))
	return nil
}

func parseUint(value string) uint64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}
