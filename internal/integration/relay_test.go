package integration_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"pkt.systems/tanaka/schema"
)

// relay is a minimal sync server: it appends every uploaded change to one
// log and answers with everything after the caller's cursor.
type relay struct {
	mu    sync.Mutex
	token string
	log   []schema.ChangeEvent
	calls int
}

func newRelay(t *testing.T, token string) (*relay, *httptest.Server) {
	t.Helper()
	r := &relay{token: token}
	mux := http.NewServeMux()
	mux.HandleFunc("/sync", r.handleSync)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return r, srv
}

func (r *relay) handleSync(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if req.Header.Get("Authorization") != "Bearer "+r.token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	var body schema.SyncRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	from := 0
	if body.Cursor != schema.InitialCursor {
		n, err := strconv.Atoi(string(body.Cursor))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		from = n
	}

	r.mu.Lock()
	r.calls++
	if from > len(r.log) {
		from = len(r.log)
	}
	delta := append([]schema.ChangeEvent(nil), r.log[from:]...)
	r.log = append(r.log, body.Changes...)
	cursor := strconv.Itoa(len(r.log))
	r.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(schema.SyncResponse{
		Cursor:  schema.Cursor(cursor),
		Changes: delta,
	})
}

func (r *relay) changes() []schema.ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schema.ChangeEvent(nil), r.log...)
}
