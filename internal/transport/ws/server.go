package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"snapforge/internal/protocol"
	"snapforge/internal/sim/session"
)

type Server struct {
	session *session.Session
	log     *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(s *session.Session, logger *log.Logger) *Server {
	return &Server{
		session: s,
		log:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		builderID, out := s.handshake(conn)
		if builderID == "" {
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				continue
			}
			if base.Type != protocol.TypeFrame {
				continue
			}
			var frame protocol.FrameMsg
			if err := json.Unmarshal(msg, &frame); err != nil {
				continue
			}
			if frame.ProtocolVersion != protocol.Version {
				continue
			}
			s.session.Inbox() <- session.FrameEnvelope{BuilderID: builderID, Msg: frame}
		}

		// Cleanup.
		s.session.Leave() <- builderID
	}
}

func (s *Server) handshake(conn *websocket.Conn) (builderID string, out chan []byte) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return "", nil
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return "", nil
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return "", nil
	}
	if hello.ClientName == "" {
		hello.ClientName = "builder"
	}

	out = make(chan []byte, 16)
	respCh := make(chan session.JoinResponse, 1)
	s.session.Join() <- session.JoinRequest{
		Name: hello.ClientName,
		Out:  out,
		Resp: respCh,
	}
	resp := <-respCh
	if resp.Welcome.BuilderID == "" {
		return "", nil
	}

	// Send the welcome before any STATE frames.
	b, err := json.Marshal(resp.Welcome)
	if err != nil {
		return "", nil
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return "", nil
	}

	return resp.Welcome.BuilderID, out
}
