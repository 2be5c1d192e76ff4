package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/paseohq/paseod/internal/common/logger"
	"github.com/paseohq/paseod/internal/lifecycle"
	"github.com/paseohq/paseod/internal/terminal"
)

// protocolVersion is bumped on wire-incompatible changes to Message or
// the request/response payload shapes (§4.2 "version/key exchange").
const protocolVersion = 1

// helloRequest is the first frame a client must send after the
// WebSocket upgrade completes, before any other request is dispatched.
type helloRequest struct {
	ProtocolVersion int    `json:"protocolVersion"`
	AuthToken       string `json:"authToken"`
	ClientID        string `json:"clientId,omitempty"` // non-empty to resume a prior identity
}

type helloResponse struct {
	ClientID          string `json:"clientId"`
	RuntimeGeneration uint64 `json:"runtimeGeneration"`
	ProtocolVersion   int    `json:"protocolVersion"`
}

// Server is the Session Gateway's HTTP/WebSocket accept point. Grounded
// on the teacher's cmd/kandev/gateway.go upgrade handler, rebuilt
// directly against gorilla/websocket without gin since this daemon has
// no other REST surface.
type Server struct {
	log       *logger.Logger
	hub       *Hub
	authToken string
	upgrader  websocket.Upgrader

	generation uint64
}

func NewServer(log *logger.Logger, manager *lifecycle.Manager, terminals *terminal.Multiplexer, authToken string) *Server {
	return &Server{
		log:       log.WithFields(zap.String("component", "gateway_server")),
		hub:       NewHub(log, manager, terminals),
		authToken: authToken,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Hub exposes the underlying Hub, e.g. for cmd/paseod shutdown.
func (s *Server) Hub() *Hub { return s.hub }

// ServeHTTP upgrades the connection and performs the accept handshake
// before handing off to the Client's read/write pumps.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		s.log.Warn("client disconnected before completing the hello handshake", zap.Error(err))
		_ = conn.Close()
		return
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.rejectHandshake(conn, "", "malformed hello frame")
		return
	}
	var hello helloRequest
	_ = msg.ParsePayload(&hello)

	if hello.ProtocolVersion != protocolVersion {
		s.rejectHandshake(conn, msg.RequestID, "unsupported protocol version")
		return
	}
	if s.authToken != "" && hello.AuthToken != s.authToken {
		s.rejectHandshake(conn, msg.RequestID, "invalid auth token")
		return
	}

	clientID := hello.ClientID
	if clientID == "" {
		clientID = newClientID()
	}
	generation := atomic.AddUint64(&s.generation, 1)

	client := newClient(conn, s.hub, s.log, clientID, generation)
	resp, _ := newResponse(msg.RequestID, actionHello, helloResponse{
		ClientID: clientID, RuntimeGeneration: generation, ProtocolVersion: protocolVersion,
	})
	client.sendMessage(resp)

	s.hub.register(client)
	go client.WritePump()
	client.ReadPump(r.Context())
}

func (s *Server) rejectHandshake(conn *websocket.Conn, requestID, reason string) {
	errMsg := newErrorMessage(requestID, actionHello, codeUnauthorized, reason)
	data, _ := json.Marshal(errMsg)
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, data)
	_ = conn.Close()
}

// Shutdown disconnects every client. ctx is accepted for symmetry with
// the rest of the daemon's shutdown sequence; disconnecting is
// immediate and never blocks on it.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.CloseAll()
	return nil
}

const actionHello = "hello"
