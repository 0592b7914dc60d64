package ws

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"isocity/internal/protocol"
	"isocity/internal/sim/authority"
)

type fakeCore struct {
	mu        sync.Mutex
	connected []authority.Client
	delivered [][]byte
	gone      []string
}

func (f *fakeCore) Connect(c authority.Client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = append(f.connected, c)
	c.Send(protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		UserID:          c.UserID(),
		Username:        c.Username(),
	})
}

func (f *fakeCore) Disconnect(c authority.Client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gone = append(f.gone, c.ID())
}

func (f *fakeCore) Deliver(c authority.Client, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, append([]byte(nil), data...))
}

func testIdentity(token, clientName string) (string, string, error) {
	user, name, ok := strings.Cut(token, ":")
	if !ok {
		return "", "", errors.New("bad token")
	}
	return user, name, nil
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	sock, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return sock
}

func newTestServer(t *testing.T) (*fakeCore, *httptest.Server) {
	t.Helper()
	core := &fakeCore{}
	s := NewServer(core, IdentityFunc(testIdentity), log.New(io.Discard, "", 0))
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return core, srv
}

func TestHandshakeAndDeliver(t *testing.T) {
	core, srv := newTestServer(t)
	sock := dial(t, srv.URL)
	defer sock.Close()

	hello, _ := json.Marshal(protocol.HelloMsg{
		Type: protocol.TypeHello, ProtocolVersion: protocol.Version,
		Token: "u1:alice", ClientName: "soak-bot",
	})
	if err := sock.WriteMessage(websocket.TextMessage, hello); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	_ = sock.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := sock.ReadMessage()
	if err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	var welcome protocol.WelcomeMsg
	if err := json.Unmarshal(raw, &welcome); err != nil {
		t.Fatalf("decode welcome: %v", err)
	}
	if welcome.Type != protocol.TypeWelcome || welcome.UserID != "u1" || welcome.Username != "alice" {
		t.Fatalf("welcome: %+v", welcome)
	}

	load, _ := json.Marshal(protocol.LoadWorldMsg{
		Type: protocol.TypeLoadWorld, ProtocolVersion: protocol.Version,
	})
	if err := sock.WriteMessage(websocket.TextMessage, load); err != nil {
		t.Fatalf("write load: %v", err)
	}
	waitFor(t, func() bool {
		core.mu.Lock()
		defer core.mu.Unlock()
		return len(core.delivered) == 1
	})

	sock.Close()
	waitFor(t, func() bool {
		core.mu.Lock()
		defer core.mu.Unlock()
		return len(core.gone) == 1
	})
}

func TestHandshakeRefusals(t *testing.T) {
	cases := []struct {
		name  string
		first any
	}{
		{"not hello", protocol.LoadWorldMsg{Type: protocol.TypeLoadWorld, ProtocolVersion: protocol.Version}},
		{"bad version", protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: "0.1", Token: "u1:alice"}},
		{"bad token", protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, Token: "garbage"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			core, srv := newTestServer(t)
			sock := dial(t, srv.URL)
			defer sock.Close()

			raw, _ := json.Marshal(tc.first)
			if err := sock.WriteMessage(websocket.TextMessage, raw); err != nil {
				t.Fatalf("write: %v", err)
			}
			_ = sock.SetReadDeadline(time.Now().Add(2 * time.Second))
			if _, _, err := sock.ReadMessage(); err == nil {
				t.Fatalf("expected close, got a message")
			}
			core.mu.Lock()
			defer core.mu.Unlock()
			if len(core.connected) != 0 {
				t.Fatalf("refused handshake reached the core")
			}
		})
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}
