package daemon

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pcoelho/chatsync/internal/api"
	"github.com/pcoelho/chatsync/internal/bus"
	"github.com/pcoelho/chatsync/internal/conn"
	"github.com/pcoelho/chatsync/internal/convstore"
	"github.com/pcoelho/chatsync/internal/lock"
	"github.com/pcoelho/chatsync/internal/message"
	"github.com/pcoelho/chatsync/internal/store"
	"go.uber.org/zap"
)

type stubConnection struct{ phase conn.Phase }

func (s *stubConnection) Connect(context.Context) error { s.phase = conn.PhaseConnected; return nil }
func (s *stubConnection) Disconnect() error             { s.phase = conn.PhaseDisconnected; return nil }
func (s *stubConnection) Phase() conn.Phase             { return s.phase }

type stubSyncer struct{ convs *convstore.Store }

func (s *stubSyncer) SendText(_ context.Context, conversationID, text string) (message.Message, error) {
	return s.convs.CreateOutbound(conversationID, text)
}
func (s *stubSyncer) Select(_ context.Context, conversationID string) error {
	return s.convs.Select(conversationID)
}
func (s *stubSyncer) Typing(context.Context, string, bool) error { return nil }

func unixClient(socketPath string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
}

func TestDaemonLifecycle(t *testing.T) {
	// Use a short path to avoid macOS 104-char Unix socket limit.
	tmpDir, err := os.MkdirTemp("/tmp", "chatsync-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	sessionName := "test"
	sessionDir := filepath.Join(tmpDir, sessionName)
	socketPath := filepath.Join(sessionDir, "d.sock")

	if err := os.MkdirAll(sessionDir, 0700); err != nil {
		t.Fatal(err)
	}

	lk, err := lock.Acquire(sessionDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	db, err := store.Open(filepath.Join(sessionDir, "chatsync.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	logger := zap.NewNop()
	b := bus.New()
	convs := convstore.New(b, logger)
	handler := api.NewHandler(&stubConnection{phase: conn.PhaseDisconnected}, &stubSyncer{convs: convs}, convs, sessionName, logger)

	srv, err := NewServer(Params{SessionName: sessionName, SocketPath: socketPath}, logger, handler)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()
	defer srv.Stop(context.Background())

	time.Sleep(50 * time.Millisecond)

	client := unixClient(socketPath)

	// Status over the socket.
	resp, err := client.Get("http://unix/v1/status")
	if err != nil {
		t.Fatalf("status request: %v", err)
	}
	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if status["session"] != sessionName {
		t.Errorf("session = %v, want %q", status["session"], sessionName)
	}
	if status["phase"] != "disconnected" {
		t.Errorf("phase = %v, want disconnected", status["phase"])
	}

	// Conversations start empty.
	resp, err = client.Get("http://unix/v1/conversations")
	if err != nil {
		t.Fatal(err)
	}
	var summaries []convstore.Summary
	if err := json.NewDecoder(resp.Body).Decode(&summaries); err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if len(summaries) != 0 {
		t.Errorf("expected 0 conversations, got %d", len(summaries))
	}

	// Create a conversation and read it back through the API.
	convs.Upsert("c1", "Alice")
	if err := convs.AppendInbound("c1", "m1", "hello world", 1000); err != nil {
		t.Fatal(err)
	}

	resp, err = client.Get("http://unix/v1/conversations")
	if err != nil {
		t.Fatal(err)
	}
	summaries = nil
	if err := json.NewDecoder(resp.Body).Decode(&summaries); err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if len(summaries) != 1 || summaries[0].DisplayName != "Alice" {
		t.Errorf("summaries = %+v", summaries)
	}

	// Search over the socket.
	resp, err = client.Get("http://unix/v1/search?q=world")
	if err != nil {
		t.Fatal(err)
	}
	summaries = nil
	if err := json.NewDecoder(resp.Body).Decode(&summaries); err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if len(summaries) != 1 {
		t.Errorf("expected 1 search result, got %d", len(summaries))
	}
}

// TestServerParams verifies NewServer accepts Params rather than a bare
// string, which fx cannot resolve.
func TestServerParams(t *testing.T) {
	tmpDir, err := os.MkdirTemp("/tmp", "chatsync-fx-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	socketPath := filepath.Join(tmpDir, "d.sock")
	b := bus.New()
	convs := convstore.New(b, zap.NewNop())
	handler := api.NewHandler(&stubConnection{}, &stubSyncer{convs: convs}, convs, "fxtest", zap.NewNop())

	srv, err := NewServer(Params{SessionName: "fxtest", SocketPath: socketPath}, zap.NewNop(), handler)
	if err != nil {
		t.Fatalf("NewServer() with Params failed: %v", err)
	}

	if _, statErr := os.Stat(socketPath); statErr != nil {
		t.Fatalf("socket not created at %s: %v", socketPath, statErr)
	}

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("socket perms = %o, want 0600", info.Mode().Perm())
	}

	srv.Stop(context.Background())
	if _, statErr := os.Stat(socketPath); !os.IsNotExist(statErr) {
		t.Error("socket should be removed on stop")
	}
}
