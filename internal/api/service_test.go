package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"screenlens/internal/gateway"
	"screenlens/internal/history"
	"screenlens/internal/search"
	"screenlens/internal/session"
	"screenlens/internal/storage"
	"screenlens/internal/taglookup"
)

type upstream struct {
	srv     *httptest.Server
	status  int
	body    string
	lastReq map[string]any
}

// newUpstream fakes the OpenAI-compatible provider.
func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{status: http.StatusOK}
	u.body = `{"choices":[{"message":{"content":"模型回答"}}]}`
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&u.lastReq)
		w.WriteHeader(u.status)
		_, _ = w.Write([]byte(u.body))
	}))
	t.Cleanup(u.srv.Close)
	return u
}

type staticSecrets struct{ key string }

func (s staticSecrets) Get(context.Context, string) (string, bool, error) {
	return s.key, s.key != "", nil
}

func newTestService(t *testing.T, u *upstream) (*Service, *http.ServeMux) {
	t.Helper()

	st, err := storage.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "api.db"), true, "")
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	repo := history.New(history.Config{
		Store:          st,
		Logger:         zerolog.Nop(),
		Enabled:        true,
		RetentionLimit: 20,
	})
	t.Cleanup(repo.Close)

	gw := gateway.New(gateway.Config{
		BaseURL: u.srv.URL,
		Secrets: staticSecrets{key: "sk-test"},
		Logger:  zerolog.Nop(),
	})

	svc := NewService(Config{
		History:        repo,
		Index:          search.NewIndex(),
		Gateway:        gw,
		Tags:           taglookup.New(taglookup.Config{Logger: zerolog.Nop()}),
		SearchDebounce: 10 * time.Millisecond,
		Logger:         zerolog.Nop(),
	})
	mux := http.NewServeMux()
	svc.Register(mux)
	return svc, mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestAnalyzeAppendsToHistory(t *testing.T) {
	u := newUpstream(t)
	_, mux := newTestService(t, u)

	rec := doJSON(t, mux, http.MethodPost, "/v1/analyze", map[string]string{"instruction": "看看这个"})
	if rec.Code != http.StatusOK {
		t.Fatalf("analyze status %d: %s", rec.Code, rec.Body.String())
	}
	var resp analyzeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID == "" || resp.Summary != "模型回答" {
		t.Fatalf("unexpected response %+v", resp)
	}

	list := doJSON(t, mux, http.MethodGet, "/v1/history", nil)
	var listResp struct {
		Records []history.Record `json:"records"`
	}
	if err := json.Unmarshal(list.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(listResp.Records) != 1 || listResp.Records[0].ID != resp.ID {
		t.Fatalf("history missing analysis: %+v", listResp.Records)
	}
}

func TestAnalyzeUpstreamFailureMapsToBadGateway(t *testing.T) {
	u := newUpstream(t)
	u.status = http.StatusInternalServerError
	u.body = `{"error":{"message":"overloaded"}}`
	_, mux := newTestService(t, u)

	rec := doJSON(t, mux, http.MethodPost, "/v1/analyze", map[string]string{"instruction": "x"})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	var resp map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["kind"] != "server" || !strings.Contains(resp["error"], "overloaded") {
		t.Fatalf("unexpected error payload %+v", resp)
	}
}

func TestChatFollowUpFlow(t *testing.T) {
	u := newUpstream(t)
	_, mux := newTestService(t, u)

	rec := doJSON(t, mux, http.MethodPost, "/v1/analyze", map[string]string{"instruction": "x"})
	var analyzed analyzeResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &analyzed)

	chat := doJSON(t, mux, http.MethodPost, "/v1/chat/"+analyzed.ID, map[string]string{"message": "继续解释"})
	if chat.Code != http.StatusOK {
		t.Fatalf("chat status %d: %s", chat.Code, chat.Body.String())
	}
	var chatResp chatResponse
	if err := json.Unmarshal(chat.Body.Bytes(), &chatResp); err != nil {
		t.Fatalf("decode chat response: %v", err)
	}
	if chatResp.Reply != "模型回答" {
		t.Fatalf("unexpected reply %q", chatResp.Reply)
	}
	// seed + user + assistant
	if len(chatResp.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %+v", chatResp.Messages)
	}
	if chatResp.Messages[1].Role != session.RoleUser || chatResp.Messages[1].Text != "继续解释" {
		t.Fatalf("user turn missing: %+v", chatResp.Messages)
	}
}

func TestChatUnknownSession(t *testing.T) {
	u := newUpstream(t)
	_, mux := newTestService(t, u)

	rec := doJSON(t, mux, http.MethodPost, "/v1/chat/nope", map[string]string{"message": "hi"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestChatFailureAppendsAssistantError(t *testing.T) {
	u := newUpstream(t)
	svc, mux := newTestService(t, u)

	rec := doJSON(t, mux, http.MethodPost, "/v1/analyze", map[string]string{"instruction": "x"})
	var analyzed analyzeResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &analyzed)

	u.status = http.StatusInternalServerError
	u.body = `{"error":{"message":"boom"}}`
	chat := doJSON(t, mux, http.MethodPost, "/v1/chat/"+analyzed.ID, map[string]string{"message": "hi"})
	if chat.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", chat.Code)
	}

	svc.mu.Lock()
	conv := svc.sessions[analyzed.ID].conv
	svc.mu.Unlock()
	msgs := conv.All()
	last := msgs[len(msgs)-1]
	if last.Role != session.RoleAssistant || !strings.Contains(last.Text, "请求失败") {
		t.Fatalf("expected assistant error message appended, got %+v", last)
	}
}

func TestDeleteAndClearHistory(t *testing.T) {
	u := newUpstream(t)
	_, mux := newTestService(t, u)

	first := doJSON(t, mux, http.MethodPost, "/v1/analyze", map[string]string{"instruction": "one"})
	var a1 analyzeResponse
	_ = json.Unmarshal(first.Body.Bytes(), &a1)
	doJSON(t, mux, http.MethodPost, "/v1/analyze", map[string]string{"instruction": "two"})

	del := doJSON(t, mux, http.MethodDelete, "/v1/history/"+a1.ID, nil)
	var delResp struct {
		Records []history.Record `json:"records"`
	}
	_ = json.Unmarshal(del.Body.Bytes(), &delResp)
	if len(delResp.Records) != 1 {
		t.Fatalf("expected one record after delete, got %+v", delResp.Records)
	}

	clear := doJSON(t, mux, http.MethodDelete, "/v1/history", nil)
	_ = json.Unmarshal(clear.Body.Bytes(), &delResp)
	if len(delResp.Records) != 0 {
		t.Fatalf("expected empty history after clear, got %+v", delResp.Records)
	}
}

func TestEmptyHistorySerializesAsArray(t *testing.T) {
	u := newUpstream(t)
	_, mux := newTestService(t, u)

	list := doJSON(t, mux, http.MethodGet, "/v1/history", nil)
	if !strings.Contains(list.Body.String(), `"records":[]`) {
		t.Fatalf("empty history must serialize as [], got %s", list.Body.String())
	}

	clear := doJSON(t, mux, http.MethodDelete, "/v1/history", nil)
	if !strings.Contains(clear.Body.String(), `"records":[]`) {
		t.Fatalf("clear must serialize empty history as [], got %s", clear.Body.String())
	}
}

func TestSearchEndpointsCommitAfterDebounce(t *testing.T) {
	u := newUpstream(t)
	_, mux := newTestService(t, u)

	doJSON(t, mux, http.MethodPost, "/v1/analyze", map[string]string{"instruction": "网络报错"})

	in := doJSON(t, mux, http.MethodPost, "/v1/search/input", map[string]string{"query": "模型"})
	if in.Code != http.StatusAccepted {
		t.Fatalf("search input status %d", in.Code)
	}

	deadline := time.Now().Add(time.Second)
	for {
		res := doJSON(t, mux, http.MethodGet, "/v1/search/results", nil)
		var resp struct {
			Results []history.Record `json:"results"`
		}
		_ = json.Unmarshal(res.Body.Bytes(), &resp)
		if len(resp.Results) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("search results never committed: %s", res.Body.String())
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Dismiss clears results and suppresses further commits.
	doJSON(t, mux, http.MethodDelete, "/v1/search", nil)
	res := doJSON(t, mux, http.MethodGet, "/v1/search/results", nil)
	var resp struct {
		Results []history.Record `json:"results"`
	}
	_ = json.Unmarshal(res.Body.Bytes(), &resp)
	if len(resp.Results) != 0 {
		t.Fatalf("results survived dismissal: %+v", resp.Results)
	}
}

func TestTagEndpointNoTag(t *testing.T) {
	u := newUpstream(t)
	_, mux := newTestService(t, u)

	rec := doJSON(t, mux, http.MethodGet, "/v1/tags/13800138000", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for unconfigured tag service, got %d", rec.Code)
	}
}
