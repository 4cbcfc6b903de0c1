// Package api exposes the analysis core over HTTP. It is the only consumer
// of the other internal packages besides main; all collaborators arrive via
// Config (no package-level singletons).
package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"screenlens/internal/gateway"
	"screenlens/internal/history"
	"screenlens/internal/metrics"
	"screenlens/internal/search"
	"screenlens/internal/session"
	"screenlens/internal/taglookup"
)

type Service struct {
	history *history.Repository
	index   *search.Index
	gateway *gateway.Client
	tags    *taglookup.Client
	logger  zerolog.Logger
	metrics *metrics.Metrics

	searcher *search.Searcher

	mu       sync.Mutex
	sessions map[string]*analysisSession
	results  []history.Record
}

// analysisSession pairs the seeding summary with the running conversation.
type analysisSession struct {
	summary string
	conv    *session.Session
}

type Config struct {
	History        *history.Repository
	Index          *search.Index
	Gateway        *gateway.Client
	Tags           *taglookup.Client
	SearchDebounce time.Duration
	SearchMinLen   int
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	s := &Service{
		history:  cfg.History,
		index:    cfg.Index,
		gateway:  cfg.Gateway,
		tags:     cfg.Tags,
		logger:   cfg.Logger,
		metrics:  m,
		sessions: map[string]*analysisSession{},
	}
	s.searcher = search.NewSearcher(search.Config{
		Index:       cfg.Index,
		Debounce:    cfg.SearchDebounce,
		MinQueryLen: cfg.SearchMinLen,
		Commit:      s.commitSearchResults,
		Logger:      cfg.Logger,
		Metrics:     m,
	})
	return s
}

func (s *Service) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/analyze", s.analyze)
	mux.HandleFunc("POST /v1/chat/{id}", s.chat)
	mux.HandleFunc("GET /v1/history", s.listHistory)
	mux.HandleFunc("DELETE /v1/history/{id}", s.deleteRecord)
	mux.HandleFunc("DELETE /v1/history", s.clearHistory)
	mux.HandleFunc("POST /v1/search/input", s.searchInput)
	mux.HandleFunc("GET /v1/search/results", s.searchResults)
	mux.HandleFunc("POST /v1/search/open", s.searchOpen)
	mux.HandleFunc("DELETE /v1/search", s.searchDismiss)
	mux.HandleFunc("GET /v1/tags/{number}", s.tagLookup)
}

type analyzeRequest struct {
	ImageBase64 string `json:"image_base64"`
	Instruction string `json:"instruction"`
}

type analyzeResponse struct {
	ID        string    `json:"id"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Service) analyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body", "bad_request")
		return
	}

	var image []byte
	if strings.TrimSpace(req.ImageBase64) != "" {
		var err error
		image, err = base64.StdEncoding.DecodeString(req.ImageBase64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "image_base64 is not valid base64", "bad_request")
			return
		}
	}

	summary, err := s.gateway.AnalyzeScreen(r.Context(), image, req.Instruction)
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}

	records, err := s.history.Append(r.Context(), req.Instruction, summary)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record analysis", "internal")
		return
	}
	s.index.Build(records)

	// When history is disabled the collection stays unchanged; the
	// analysis still gets a session under an ephemeral id.
	id := uuid.NewString()
	createdAt := time.Now().UTC()
	if s.history.Enabled() && len(records) > 0 {
		id = records[0].ID
		createdAt = records[0].CreatedAt
	}

	conv := session.New()
	conv.Seed(summary)
	s.mu.Lock()
	s.sessions[id] = &analysisSession{summary: summary, conv: conv}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, analyzeResponse{ID: id, Summary: summary, CreatedAt: createdAt})
}

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	Reply    string            `json:"reply"`
	Messages []session.Message `json:"messages"`
}

func (s *Service) chat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	as, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "unknown analysis session", "not_found")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required", "bad_request")
		return
	}

	as.conv.AddUser(req.Message)
	reply, err := s.gateway.FollowUp(r.Context(), as.summary, as.conv.All())
	if err != nil {
		// A failed follow-up appends an assistant-role error message
		// instead of replacing prior content.
		as.conv.AddAssistant(userFacingError(err))
		s.writeGatewayError(w, err)
		return
	}
	as.conv.AddAssistant(reply)

	writeJSON(w, http.StatusOK, chatResponse{Reply: reply, Messages: as.conv.Visible()})
}

func (s *Service) listHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.history.Load(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load history", "internal")
		return
	}
	writeJSON(w, http.StatusOK, recordsPayload(records))
}

func (s *Service) deleteRecord(w http.ResponseWriter, r *http.Request) {
	records, err := s.history.Delete(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete record", "internal")
		return
	}
	s.index.Build(records)
	writeJSON(w, http.StatusOK, recordsPayload(records))
}

func (s *Service) clearHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.history.Clear(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to clear history", "internal")
		return
	}
	s.index.Build(records)
	writeJSON(w, http.StatusOK, recordsPayload(records))
}

// recordsPayload keeps an empty collection serializing as [] rather than null.
func recordsPayload(records []history.Record) map[string]any {
	if records == nil {
		records = []history.Record{}
	}
	return map[string]any{"records": records}
}

type searchInputRequest struct {
	Query string `json:"query"`
}

// searchInput feeds one keystroke's worth of query text into the debounced
// searcher. Results become visible via searchResults once the debounce
// window passes and the scan commits.
func (s *Service) searchInput(w http.ResponseWriter, r *http.Request) {
	var req searchInputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body", "bad_request")
		return
	}
	s.searcher.SetQuery(req.Query)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) searchResults(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	results := s.results
	s.mu.Unlock()
	if results == nil {
		results = []history.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Service) searchOpen(w http.ResponseWriter, r *http.Request) {
	s.searcher.Activate()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) searchDismiss(w http.ResponseWriter, r *http.Request) {
	s.searcher.Dismiss()
	s.mu.Lock()
	s.results = nil
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) commitSearchResults(results []history.Record) {
	s.mu.Lock()
	s.results = results
	s.mu.Unlock()
}

func (s *Service) tagLookup(w http.ResponseWriter, r *http.Request) {
	tag := s.tags.Lookup(r.Context(), r.PathValue("number"))
	if tag == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, tag)
}

func (s *Service) writeGatewayError(w http.ResponseWriter, err error) {
	kind := gateway.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case gateway.KindConnectivity, gateway.KindServer, gateway.KindEmptyResponse, gateway.KindDecode:
		status = http.StatusBadGateway
	case gateway.KindConfig:
		status = http.StatusInternalServerError
	}
	s.logger.Warn().Err(err).Str("kind", kind.String()).Msg("gateway call failed")
	writeError(w, status, err.Error(), kind.String())
}

// userFacingError distinguishes "no connectivity" from other failures for
// the conversation transcript.
func userFacingError(err error) string {
	if gateway.KindOf(err) == gateway.KindConnectivity {
		return "网络连接不可用，请检查网络后重试。"
	}
	return "请求失败：" + err.Error()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, kind string) {
	writeJSON(w, status, map[string]string{"error": msg, "kind": kind})
}
