package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pcoelho/chatsync/internal/auth"
	"github.com/pcoelho/chatsync/internal/bus"
	"github.com/pcoelho/chatsync/internal/conn"
	"github.com/pcoelho/chatsync/internal/convstore"
	"github.com/pcoelho/chatsync/internal/message"
	"go.uber.org/zap"
)

type fakeConnection struct {
	phase      conn.Phase
	connectErr error
}

func (f *fakeConnection) Connect(context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.phase = conn.PhaseConnected
	return nil
}

func (f *fakeConnection) Disconnect() error {
	f.phase = conn.PhaseDisconnected
	return nil
}

func (f *fakeConnection) Phase() conn.Phase { return f.phase }

// fakeSyncer sends through the store but skips the durable queue and room
// announcements.
type fakeSyncer struct {
	convs    *convstore.Store
	selected []string
	typing   []bool
}

func (f *fakeSyncer) SendText(_ context.Context, conversationID, text string) (message.Message, error) {
	return f.convs.CreateOutbound(conversationID, text)
}

func (f *fakeSyncer) Select(_ context.Context, conversationID string) error {
	f.selected = append(f.selected, conversationID)
	return f.convs.Select(conversationID)
}

func (f *fakeSyncer) Typing(_ context.Context, _ string, active bool) error {
	f.typing = append(f.typing, active)
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeConnection, *fakeSyncer, *convstore.Store) {
	t.Helper()
	convs := convstore.New(bus.New(), zap.NewNop())
	fc := &fakeConnection{phase: conn.PhaseDisconnected}
	fs := &fakeSyncer{convs: convs}
	h := NewHandler(fc, fs, convs, "main", zap.NewNop())
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return srv, fc, fs, convs
}

func doJSON(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf strings.Builder
	dec := json.NewDecoder(resp.Body)
	var raw json.RawMessage
	if err := dec.Decode(&raw); err == nil {
		buf.Write(raw)
	}
	return resp, []byte(buf.String())
}

func TestStatus(t *testing.T) {
	srv, _, _, convs := newTestServer(t)
	convs.Upsert("c1", "Alice")

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/v1/status", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got map[string]any
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got["phase"] != "disconnected" || got["session"] != "main" {
		t.Errorf("body = %v", got)
	}
	if got["conversations"].(float64) != 1 {
		t.Errorf("conversations = %v, want 1", got["conversations"])
	}
}

func TestConnectUnauthenticated(t *testing.T) {
	srv, fc, _, _ := newTestServer(t)
	fc.connectErr = auth.ErrUnauthenticated

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/connect", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestConnectDisconnect(t *testing.T) {
	srv, fc, _, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/connect", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("connect status = %d", resp.StatusCode)
	}
	if fc.phase != conn.PhaseConnected {
		t.Errorf("phase = %s after connect", fc.phase)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/disconnect", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disconnect status = %d", resp.StatusCode)
	}
	if fc.phase != conn.PhaseDisconnected {
		t.Errorf("phase = %s after disconnect", fc.phase)
	}
}

func TestSendMessage(t *testing.T) {
	srv, _, _, convs := newTestServer(t)
	convs.Upsert("c1", "Alice")

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/conversations/c1/messages", `{"text":"hello"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	var m message.Message
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatal(err)
	}
	if m.Text != "hello" || m.Status != message.StatusPending {
		t.Errorf("message = %+v", m)
	}
}

func TestSendMessageErrors(t *testing.T) {
	srv, _, _, convs := newTestServer(t)
	convs.Upsert("c1", "Alice")

	cases := []struct {
		name string
		url  string
		body string
		want int
	}{
		{"unknown conversation", srv.URL + "/v1/conversations/ghost/messages", `{"text":"hi"}`, http.StatusNotFound},
		{"empty text", srv.URL + "/v1/conversations/c1/messages", `{"text":"  "}`, http.StatusBadRequest},
		{"bad json", srv.URL + "/v1/conversations/c1/messages", `{"text":`, http.StatusBadRequest},
		{"too long", srv.URL + "/v1/conversations/c1/messages", `{"text":"` + strings.Repeat("a", 4097) + `"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, _ := doJSON(t, http.MethodPost, tc.url, tc.body)
			if resp.StatusCode != tc.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestListConversationsAndMessages(t *testing.T) {
	srv, _, _, convs := newTestServer(t)
	convs.Upsert("c1", "Alice")
	if err := convs.AppendInbound("c1", "m1", "hey", 1000); err != nil {
		t.Fatal(err)
	}

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/v1/conversations", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var summaries []convstore.Summary
	if err := json.Unmarshal(body, &summaries); err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 1 || summaries[0].UnreadCount != 1 {
		t.Errorf("summaries = %+v", summaries)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/v1/conversations/c1/messages", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var msgs []message.Message
	if err := json.Unmarshal(body, &msgs); err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Errorf("msgs = %+v", msgs)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/conversations/ghost/messages", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown conversation status = %d, want 404", resp.StatusCode)
	}
}

func TestSelect(t *testing.T) {
	srv, _, fs, convs := newTestServer(t)
	convs.Upsert("c1", "Alice")

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/conversations/c1/select", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(fs.selected) != 1 || fs.selected[0] != "c1" {
		t.Errorf("selected = %v", fs.selected)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/conversations/ghost/select", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown conversation status = %d, want 404", resp.StatusCode)
	}
}

func TestTypingAndSearch(t *testing.T) {
	srv, _, fs, convs := newTestServer(t)
	convs.Upsert("c1", "Alice")
	convs.Upsert("c2", "Bob")

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/conversations/c1/typing", `{"active":true}`)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("typing status = %d", resp.StatusCode)
	}
	if len(fs.typing) != 1 || !fs.typing[0] {
		t.Errorf("typing = %v", fs.typing)
	}

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/v1/search?q=bob", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("search status = %d", resp.StatusCode)
	}
	var results []convstore.Summary
	if err := json.Unmarshal(body, &results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].ID != "c2" {
		t.Errorf("results = %+v", results)
	}
}
