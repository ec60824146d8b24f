package host

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/danmuck/framelink/internal/channel"
	"github.com/danmuck/framelink/internal/link"
	"github.com/danmuck/framelink/internal/rpc"
	"github.com/danmuck/framelink/internal/testutil/testlog"
	"github.com/danmuck/framelink/internal/transport/wsframe"
)

const embedOrigin = "http://embed.test"

func startHost(t *testing.T, setup func(*link.Link) error) (*Host, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := DefaultConfig("http://host.test")
	cfg.Name = "host-test"
	cfg.AllowedOrigins = []string{embedOrigin}
	cfg.Setup = setup
	h, err := New(cfg)
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	srv := httptest.NewServer(h.Router())
	t.Cleanup(func() {
		_ = h.Close()
		srv.Close()
	})
	return h, srv
}

func dialLink(t *testing.T, srv *httptest.Server) (*link.Link, *wsframe.Conn) {
	t.Helper()
	cfg := wsframe.DefaultDialConfig("ws"+strings.TrimPrefix(srv.URL, "http")+"/link", embedOrigin)
	cfg.Attempts = 1
	conn, err := wsframe.Dial(context.Background(), cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	l, err := link.New(conn, conn, srv.URL+"/app", link.DefaultOptions(channel.RoleChild))
	if err != nil {
		t.Fatalf("child link: %v", err)
	}
	conn.Start()
	return l, conn
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}

func TestFrameLinksAndCallsHost(t *testing.T) {
	testlog.Start(t)
	h, srv := startHost(t, func(l *link.Link) error {
		return l.Query.Register("ping", func(...any) *rpc.Promise { return rpc.Resolve("pong") })
	})
	child, conn := dialLink(t, srv)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := rpc.AwaitAs[string](ctx, child.Query.Call("ping"))
	if err != nil || got != "pong" {
		t.Fatalf("ping: %q %v", got, err)
	}

	eventually(t, "module lists in sync", func() bool {
		peers := h.Peers()
		return len(peers) == 1 && peers[0].Connected && peers[0].InSync
	})

	var body struct {
		Peers []Peer `json:"peers"`
	}
	getJSON(t, srv.URL+"/peers", &body)
	if len(body.Peers) != 1 || body.Peers[0].Origin != embedOrigin {
		t.Fatalf("unexpected peers: %+v", body.Peers)
	}
	if _, ok := h.Link(body.Peers[0].ID); !ok {
		t.Fatalf("peer id should resolve to its link")
	}

	var health map[string]any
	getJSON(t, srv.URL+"/health", &health)
	if health["status"] != "ok" || health["service"] != "host-test" {
		t.Fatalf("unexpected health: %v", health)
	}
}

func TestClosedFrameIsDetached(t *testing.T) {
	testlog.Start(t)
	h, srv := startHost(t, nil)
	child, conn := dialLink(t, srv)
	eventually(t, "peer connected", func() bool {
		peers := h.Peers()
		return len(peers) == 1 && peers[0].Connected
	})

	_ = child.Store.Set("k", "v")
	eventually(t, "store replicated", func() bool {
		peers := h.Peers()
		return len(peers) == 1 && peers[0].StoreKeys == 1
	})

	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	eventually(t, "peer removed", func() bool { return len(h.Peers()) == 0 })
}

func TestVanishedFrameIsDroppedQuietly(t *testing.T) {
	testlog.Start(t)
	capture := testlog.NewCapture()
	gin.SetMode(gin.TestMode)
	cfg := DefaultConfig("http://host.test")
	cfg.AllowedOrigins = []string{embedOrigin}
	logger := capture.Logger()
	cfg.Link.Logger = &logger
	h, err := New(cfg)
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	srv := httptest.NewServer(h.Router())
	defer srv.Close()
	defer h.Close()

	child, conn := dialLink(t, srv)
	eventually(t, "peer connected", func() bool {
		peers := h.Peers()
		return len(peers) == 1 && peers[0].Connected
	})

	// detach first so the socket closes without a FIN
	_ = child.Channel.Close()
	_ = conn.Close()
	eventually(t, "peer removed", func() bool { return len(h.Peers()) == 0 })

	for _, line := range capture.Lines("error") {
		if strings.Contains(line, "control frame not sent") {
			t.Fatalf("vanished frame must not be sent a FIN: %s", line)
		}
	}
	if len(capture.Lines("")) == 0 {
		t.Fatalf("host link should log through the configured logger")
	}
}

func TestNewRequiresAllowedOrigins(t *testing.T) {
	testlog.Start(t)
	if _, err := New(DefaultConfig("http://host.test")); !errors.Is(err, wsframe.ErrNoAllowedOrigin) {
		t.Fatalf("expected ErrNoAllowedOrigin, got %v", err)
	}
}

func TestSetupFailureRefusesLink(t *testing.T) {
	testlog.Start(t)
	h, srv := startHost(t, func(*link.Link) error { return errors.New("no capacity") })
	_, conn := dialLink(t, srv)

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("refused link should be closed by the host")
	}
	if n := len(h.Peers()); n != 0 {
		t.Fatalf("refused link must not be listed, got %d", n)
	}
}

func TestCloseRefusesLaterLinks(t *testing.T) {
	testlog.Start(t)
	h, srv := startHost(t, nil)
	_, conn := dialLink(t, srv)
	eventually(t, "peer attached", func() bool { return len(h.Peers()) == 1 })

	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if n := len(h.Peers()); n != 0 {
		t.Fatalf("close must detach every peer, got %d", n)
	}
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("frame should see its socket closed")
	}
}
