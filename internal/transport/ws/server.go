// Package ws is the websocket transport. It owns connection lifecycle and
// the HELLO handshake; every message after that is handed to the core
// untouched.
package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"isocity/internal/protocol"
	"isocity/internal/sim/authority"
)

const (
	handshakeDeadline = 5 * time.Second
	readDeadline      = 60 * time.Second
	writeDeadline     = 5 * time.Second
	outboundQueue     = 64
)

// Core is the authority surface the transport needs.
type Core interface {
	Connect(c authority.Client)
	Disconnect(c authority.Client)
	Deliver(c authority.Client, data []byte)
}

// Identity verifies the HELLO token and resolves it to a user. The transport
// never interprets credentials itself.
type Identity interface {
	Verify(token, clientName string) (userID, username string, err error)
}

// IdentityFunc adapts a plain function to Identity.
type IdentityFunc func(token, clientName string) (string, string, error)

func (f IdentityFunc) Verify(token, clientName string) (string, string, error) {
	return f(token, clientName)
}

type Server struct {
	core  Core
	ident Identity
	log   *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(core Core, ident Identity, logger *log.Logger) *Server {
	return &Server{
		core:  core,
		ident: ident,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// conn is one live session; it implements authority.Client. Send never
// blocks: the queue absorbs bursts and overflow drops the message, the next
// tick resynchronizes resources anyway. The queue is never closed because
// the core may still send while the disconnect is in flight; stragglers are
// simply collected with the conn.
type conn struct {
	id       string
	userID   string
	username string
	log      *log.Logger

	out chan any
}

func (c *conn) ID() string       { return c.id }
func (c *conn) UserID() string   { return c.userID }
func (c *conn) Username() string { return c.username }

func (c *conn) Send(v any) {
	select {
	case c.out <- v:
	default:
		c.log.Printf("ws: queue full, dropping message to conn=%s", c.id)
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		sock, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer sock.Close()

		c := s.handshake(sock)
		if c == nil {
			return
		}
		s.core.Connect(c)

		quit := make(chan struct{})
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				select {
				case <-quit:
					return
				case v := <-c.out:
					b, err := json.Marshal(v)
					if err != nil {
						s.log.Printf("ws: marshal outbound: %v", err)
						continue
					}
					_ = sock.SetWriteDeadline(time.Now().Add(writeDeadline))
					if err := sock.WriteMessage(websocket.TextMessage, b); err != nil {
						return
					}
				}
			}
		}()

		for {
			_ = sock.SetReadDeadline(time.Now().Add(readDeadline))
			_, msg, err := sock.ReadMessage()
			if err != nil {
				break
			}
			s.core.Deliver(c, msg)
		}

		s.core.Disconnect(c)
		close(quit)
		<-done
	}
}

// handshake reads the HELLO, verifies identity and returns the registered
// connection, or nil after closing the socket with a policy violation.
func (s *Server) handshake(sock *websocket.Conn) *conn {
	_ = sock.SetReadDeadline(time.Now().Add(handshakeDeadline))
	_, msg, err := sock.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		s.refuse(sock, "expected HELLO")
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		s.refuse(sock, "malformed HELLO")
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		s.refuse(sock, "bad protocol_version")
		return nil
	}

	userID, username, err := s.ident.Verify(hello.Token, hello.ClientName)
	if err != nil {
		s.log.Printf("ws: rejected token: %v", err)
		s.refuse(sock, "bad token")
		return nil
	}

	return &conn{
		id:       uuid.NewString(),
		userID:   userID,
		username: username,
		log:      s.log,
		out:      make(chan any, outboundQueue),
	}
}

func (s *Server) refuse(sock *websocket.Conn, reason string) {
	_ = sock.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(time.Second))
}
