package keyserver

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/nholik/exposure-sentinel/internal/exposure"
	"github.com/rs/zerolog"
)

const (
	defaultServerPageSize = 50
	maxSubmitBytes        = 1 << 20
)

// Server is an in-memory key service for development and tests. Every
// accepted submission becomes one new key file.
type Server struct {
	logger   zerolog.Logger
	pageSize int
	now      func() time.Time

	mu     sync.RWMutex
	files  [][]byte
	config exposure.Configuration
}

// ServerOption customizes Server behavior.
type ServerOption func(*Server)

// WithPageSize sets the maximum refs returned per list page.
func WithPageSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// NewServer returns a server that serves cfg as the detection configuration.
func NewServer(logger zerolog.Logger, cfg exposure.Configuration, opts ...ServerOption) *Server {
	s := &Server{
		logger:   logger,
		pageSize: defaultServerPageSize,
		now:      time.Now,
		config:   cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP routes of the key service.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/files", s.handleList)
	mux.HandleFunc("GET /v1/files/{index}", s.handleDownload)
	mux.HandleFunc("GET /v1/configuration", s.handleConfiguration)
	mux.HandleFunc("POST /v1/keys", s.handleSubmit)
	mux.HandleFunc("POST /v1/reset", s.handleReset)
	return mux
}

// AddKeys publishes keys as a new file and returns its index.
func (s *Server) AddKeys(keys []exposure.TemporaryExposureKey) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := len(s.files)
	data, err := exposure.EncodeKeyFile(exposure.KeyFile{
		Index:       index,
		GeneratedAt: s.now().UTC(),
		Keys:        keys,
	})
	if err != nil {
		return 0, err
	}
	s.files = append(s.files, data)
	return index, nil
}

// Reset removes every published file.
func (s *Server) Reset() {
	s.mu.Lock()
	s.files = nil
	s.mu.Unlock()
}

// SetConfiguration replaces the served detection configuration.
func (s *Server) SetConfiguration(cfg exposure.Configuration) {
	s.mu.Lock()
	s.config = cfg
	s.mu.Unlock()
}

// FileCount returns the number of published files.
func (s *Server) FileCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.files)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	start, err := queryInt(r, "start", 0)
	if err != nil || start < 0 {
		http.Error(w, "invalid start", http.StatusBadRequest)
		return
	}
	limit, err := queryInt(r, "limit", s.pageSize)
	if err != nil || limit <= 0 {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}
	if limit > s.pageSize {
		limit = s.pageSize
	}

	s.mu.RLock()
	total := len(s.files)
	s.mu.RUnlock()

	resp := listResponse{Files: []FileRef{}, Next: start}
	for i := start; i < total && len(resp.Files) < limit; i++ {
		resp.Files = append(resp.Files, FileRef{Index: i, URL: fmt.Sprintf("v1/files/%d", i)})
		resp.Next = i + 1
	}
	resp.More = resp.Next < total
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		http.Error(w, "invalid index", http.StatusBadRequest)
		return
	}

	s.mu.RLock()
	var data []byte
	if index >= 0 && index < len(s.files) {
		data = s.files[index]
	}
	s.mu.RUnlock()

	if data == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (s *Server) handleConfiguration(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	cfg := s.config
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSubmitBytes+1))
	if err != nil || len(body) > maxSubmitBytes {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	var req submitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.Keys) == 0 {
		http.Error(w, "no keys", http.StatusBadRequest)
		return
	}

	index, err := s.AddKeys(req.Keys)
	if err != nil {
		http.Error(w, "store keys", http.StatusInternalServerError)
		return
	}
	s.logger.Info().Int("keys", len(req.Keys)).Int("file_index", index).Msg("diagnosis keys accepted")
	writeJSON(w, http.StatusCreated, submitResponse{Index: index})
}

func (s *Server) handleReset(w http.ResponseWriter, _ *http.Request) {
	s.Reset()
	s.logger.Info().Msg("diagnosis keys reset")
	w.WriteHeader(http.StatusNoContent)
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	value := r.URL.Query().Get(name)
	if value == "" {
		return fallback, nil
	}
	return strconv.Atoi(value)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
