package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/cpinitiative/ide-lsp-modal/internal/bridge"
	"github.com/cpinitiative/ide-lsp-modal/internal/config"
	"github.com/cpinitiative/ide-lsp-modal/internal/serverstate"
)

func newTestServer(t *testing.T, mutate func(*config.ServerConfig)) (*Server, *httptest.Server) {
	t.Helper()
	serverstate.Reset()
	t.Cleanup(serverstate.Reset)
	var cfg config.ServerConfig
	cfg.SetDefaults()
	cfg.Backends = map[string]config.BackendConfig{
		"echo": {Command: "/bin/cat"},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s := New(cfg)
	ts := httptest.NewServer(s.Routes())
	t.Cleanup(ts.Close)
	return s, ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func dial(ctx context.Context, t *testing.T, rawURL string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.Dial(ctx, rawURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", rawURL, err)
	}
	return c
}

func readText(ctx context.Context, t *testing.T, c *websocket.Conn) string {
	t.Helper()
	typ, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("message type = %v, want text", typ)
	}
	return string(data)
}

// closeReason waits for the server to close the connection and returns the
// close reason it sent.
func closeReason(ctx context.Context, t *testing.T, c *websocket.Conn) (websocket.StatusCode, string) {
	t.Helper()
	_, _, err := c.Read(ctx)
	if err == nil {
		t.Fatal("read succeeded, want close")
	}
	var ce websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("read error = %v, want close error", err)
	}
	return ce.Code, ce.Reason
}

func TestEchoRoundTrip(t *testing.T) {
	_, ts := newTestServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := dial(ctx, t, wsURL(ts, "/lsp/echo"))
	defer c.Close(websocket.StatusNormalClosure, "")

	msg := `{"jsonrpc":"2.0","id":1,"method":"initialize"}`
	if err := c.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readText(ctx, t, c); got != msg {
		t.Fatalf("echo = %q, want %q", got, msg)
	}
}

func TestUnknownBackend(t *testing.T) {
	_, ts := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/lsp/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestOptionsRejectedWhenUnsupported(t *testing.T) {
	_, ts := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/lsp/echo?options=-O2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestScratchOptionsReachBackend(t *testing.T) {
	// The backend receives the scratch directory as its last argument ($0
	// after sh -c), frames the option file's contents back, then echoes.
	script := `dir=${0#--flags-dir=}; body=$(cat "$dir/flags.txt"); printf 'Content-Length: %d\r\n\r\n%s' "${#body}" "$body"; exec cat`
	_, ts := newTestServer(t, func(cfg *config.ServerConfig) {
		cfg.Backends["cc"] = config.BackendConfig{
			Command:        "/bin/sh",
			Args:           []string{"-c", script},
			AcceptsOptions: true,
			ScratchFile:    "flags.txt",
			ScratchDirFlag: "--flags-dir",
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := dial(ctx, t, wsURL(ts, "/lsp/cc?options="+url.QueryEscape("-O2 -Wall")))
	defer c.Close(websocket.StatusNormalClosure, "")

	if got, want := readText(ctx, t, c), "-O2\n-Wall"; got != want {
		t.Fatalf("scratch contents = %q, want %q", got, want)
	}
}

func TestHandshakeDrainDiscardsStartupFrames(t *testing.T) {
	script := `printf 'Content-Length: 5\r\n\r\nboot1'; printf 'Content-Length: 5\r\n\r\nboot2'; exec cat`
	_, ts := newTestServer(t, func(cfg *config.ServerConfig) {
		cfg.Backends["py"] = config.BackendConfig{
			Command:     "/bin/sh",
			Args:        []string{"-c", script},
			DrainFrames: 2,
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := dial(ctx, t, wsURL(ts, "/lsp/py"))
	defer c.Close(websocket.StatusNormalClosure, "")

	if err := c.Write(ctx, websocket.MessageText, []byte("ready?")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readText(ctx, t, c); got != "ready?" {
		t.Fatalf("first forwarded frame = %q, want %q", got, "ready?")
	}
}

func TestConnectionLimit(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.ServerConfig) {
		cfg.MaxConnections = 1
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := dial(ctx, t, wsURL(ts, "/lsp/echo"))
	defer c.Close(websocket.StatusNormalClosure, "")

	if _, _, err := websocket.Dial(ctx, wsURL(ts, "/lsp/echo"), nil); err == nil {
		t.Fatal("second dial succeeded, want refusal at connection ceiling")
	}
}

func TestDrainRefusesNewConnections(t *testing.T) {
	_, ts := newTestServer(t, nil)
	serverstate.StartDrain()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, _, err := websocket.Dial(ctx, wsURL(ts, "/lsp/echo"), nil); err == nil {
		t.Fatal("dial succeeded, want refusal while draining")
	}
}

func TestPreemptClosesLiveConnections(t *testing.T) {
	s, ts := newTestServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := dial(ctx, t, wsURL(ts, "/lsp/echo"))
	defer c.Close(websocket.StatusNormalClosure, "")

	s.Preempt()
	code, reason := closeReason(ctx, t, c)
	if code != websocket.StatusNormalClosure {
		t.Fatalf("close code = %v, want normal closure", code)
	}
	if reason != bridge.ReasonPreempted {
		t.Fatalf("close reason = %q, want %q", reason, bridge.ReasonPreempted)
	}
}

func TestIdleTimeoutClosesConnection(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.ServerConfig) {
		cfg.IdleTimeout = config.Duration(100 * time.Millisecond)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := dial(ctx, t, wsURL(ts, "/lsp/echo"))
	defer c.Close(websocket.StatusNormalClosure, "")

	code, reason := closeReason(ctx, t, c)
	if code != websocket.StatusNormalClosure {
		t.Fatalf("close code = %v, want normal closure", code)
	}
	if reason != bridge.ReasonInactive {
		t.Fatalf("close reason = %q, want %q", reason, bridge.ReasonInactive)
	}
}

func TestSpawnFailureClosesSocket(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.ServerConfig) {
		cfg.Backends["bad"] = config.BackendConfig{Command: "/nonexistent-language-server"}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := dial(ctx, t, wsURL(ts, "/lsp/bad"))
	defer c.Close(websocket.StatusNormalClosure, "")

	code, _ := closeReason(ctx, t, c)
	if code != websocket.StatusInternalError {
		t.Fatalf("close code = %v, want internal error", code)
	}
}

func TestStateEndpoint(t *testing.T) {
	_, ts := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/state")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var p statePayload
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Status != "ready" {
		t.Fatalf("status = %q, want ready", p.Status)
	}
	if p.ActiveConnections != 0 {
		t.Fatalf("active connections = %d, want 0", p.ActiveConnections)
	}
	if p.Host.NumCPU <= 0 {
		t.Fatalf("num_cpu = %d, want > 0", p.Host.NumCPU)
	}
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
