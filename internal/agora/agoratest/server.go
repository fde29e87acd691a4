// Package agoratest provides an in-process fake of the Agora POS API.
package agoratest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/odyssey-erp/agora-connector/internal/agora"
)

// Token is the API token the fake server accepts.
const Token = "test-token"

// ImportFunc answers a POST /import. It returns the status and a body that
// is encoded as JSON.
type ImportFunc func(payload agora.ImportPayload) (int, any)

// Server is a fake POS instance backed by mutable snapshots.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	masters  map[agora.MasterFilter]any
	invoices map[string][]agora.Invoice
	queries  map[string][]any
	imports  []agora.ImportPayload
	onImport ImportFunc
	failures map[string]int
	calls    map[string]int
}

// New starts a fake server that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		masters:  make(map[agora.MasterFilter]any),
		invoices: make(map[string][]agora.Invoice),
		queries:  make(map[string][]any),
		failures: make(map[string]int),
		calls:    make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/export-master", s.exportMaster)
	mux.HandleFunc("/export/", s.exportInvoices)
	mux.HandleFunc("/import", s.importHandler)
	mux.HandleFunc("/custom-query", s.customQuery)
	s.Server = httptest.NewServer(s.authorise(mux))
	t.Cleanup(s.Close)
	return s
}

// Client returns a client pointed at the fake.
func (s *Server) Client(t testing.TB) *agora.Client {
	t.Helper()
	client, err := agora.NewClient(agora.Config{BaseURL: s.URL, Token: Token})
	if err != nil {
		t.Fatalf("agoratest: new client: %v", err)
	}
	return client
}

// SetMaster replaces the snapshot returned for filter.
func (s *Server) SetMaster(filter agora.MasterFilter, records any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.masters[filter] = records
}

// SetInvoices replaces the tickets of a business day (YYYY-MM-DD).
func (s *Server) SetInvoices(day string, invoices ...agora.Invoice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoices[day] = invoices
}

// SetQuery sets the rows returned for a custom query guid.
func (s *Server) SetQuery(guid string, rows ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries[guid] = rows
}

// OnImport installs the import responder. By default imports answer 200
// and echo the payload.
func (s *Server) OnImport(fn ImportFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onImport = fn
}

// Fail forces status for a route key: a master filter name, "Invoices",
// "import" or "custom-query". A zero status clears the failure.
func (s *Server) Fail(key string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.failures, key)
		return
	}
	s.failures[key] = status
}

// Imports returns every payload received so far.
func (s *Server) Imports() []agora.ImportPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]agora.ImportPayload, len(s.imports))
	copy(out, s.imports)
	return out
}

// Calls returns how often a route key was hit.
func (s *Server) Calls(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

func (s *Server) authorise(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Api-Token") != Token {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// hit records a call and reports a forced failure status, if any.
func (s *Server) hit(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[key]++
	return s.failures[key]
}

func (s *Server) exportMaster(w http.ResponseWriter, r *http.Request) {
	filter := agora.MasterFilter(r.URL.Query().Get("filter"))
	if status := s.hit(string(filter)); status != 0 {
		http.Error(w, "forced failure", status)
		return
	}
	s.mu.Lock()
	records, ok := s.masters[filter]
	s.mu.Unlock()
	if !ok {
		records = []any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{string(filter): records})
}

func (s *Server) exportInvoices(w http.ResponseWriter, r *http.Request) {
	if status := s.hit("Invoices"); status != 0 {
		http.Error(w, "forced failure", status)
		return
	}
	day := r.URL.Query().Get("business-day")
	s.mu.Lock()
	invoices := s.invoices[day]
	s.mu.Unlock()
	if invoices == nil {
		invoices = []agora.Invoice{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"Invoices": invoices})
}

func (s *Server) importHandler(w http.ResponseWriter, r *http.Request) {
	if status := s.hit("import"); status != 0 {
		http.Error(w, "forced failure", status)
		return
	}
	var payload agora.ImportPayload
	body, _ := io.ReadAll(r.Body)
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.imports = append(s.imports, payload)
	fn := s.onImport
	s.mu.Unlock()
	if fn == nil {
		writeJSON(w, http.StatusOK, payload)
		return
	}
	status, resp := fn(payload)
	writeJSON(w, status, resp)
}

func (s *Server) customQuery(w http.ResponseWriter, r *http.Request) {
	if status := s.hit("custom-query"); status != 0 {
		http.Error(w, "forced failure", status)
		return
	}
	var req struct {
		QueryGUID string         `json:"QueryGuid"`
		Params    map[string]any `json:"Params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	rows, ok := s.queries[req.QueryGUID]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "unknown query", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
