package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/coder/websocket"

	"tabletop-server/internal/apperr"
	"tabletop-server/internal/session"
)

// wsTransport adapts a coder/websocket connection to session.Transport.
type wsTransport struct {
	conn *websocket.Conn
}

func (t wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t wsTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}

// websocketHandler is the realtime gateway: it authenticates the
// upgrade, binds the connection to its session, greets the client, and
// pumps inbound frames into the session until the connection dies.
func (s *Server) websocketHandler(w http.ResponseWriter, r *http.Request) {
	socket, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		http.Error(w, "Failed to open websocket", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()

	// Authenticate and locate the session before anything attaches.
	// Failures close the socket with a structured reason; the session
	// participant set is untouched.
	principal, err := s.tokens.Resolve(r.URL.Query().Get("token"))
	if err != nil {
		rejectUpgrade(socket, ctx, err)
		return
	}

	sess, err := s.registry.Get(r.URL.Query().Get("session"))
	if err != nil {
		rejectUpgrade(socket, ctx, err)
		return
	}

	conn := session.NewConn(principal, wsTransport{conn: socket})
	if err := sess.Attach(conn); err != nil {
		rejectUpgrade(socket, ctx, err)
		return
	}
	log.Printf("Session %s: %s attached (connection %s)", sess.ID, principal.ID, conn.ID)

	defer func() {
		sess.Detach(conn)
		s.limiter.RemoveConnection(conn.ID)
		log.Printf("Session %s: %s detached (connection %s)", sess.ID, principal.ID, conn.ID)
	}()

	// Greeting goes out first, before any broadcast can reach this
	// connection's queue.
	s.sendFrame(sess, conn, ServerFrame{
		Type: "welcome",
		Payload: WelcomePayload{
			SessionID:    sess.ID,
			PrincipalID:  principal.ID,
			Role:         string(principal.Role),
			Participants: sess.Connections().Count(),
		},
	})

	s.readLoop(ctx, socket, sess, conn)
}

// readLoop deserializes inbound frames and hands them to the session.
// Returns on close frames and transport errors; the deferred detach in
// the handler tears the connection down.
func (s *Server) readLoop(ctx context.Context, socket *websocket.Conn, sess *session.Session, conn *session.Conn) {
	for {
		msgType, data, err := socket.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				log.Printf("Connection %s read error: %v", conn.ID, err)
			}
			return
		}

		conn.Touch()

		if msgType != websocket.MessageText {
			s.sendErrorFrame(sess, conn, apperr.BadRequest("only text frames are supported"))
			continue
		}

		if !s.limiter.Allow(conn.ID) {
			s.sendErrorFrame(sess, conn, apperr.Conflict("rate limit exceeded, slow down"))
			continue
		}

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.sendErrorFrame(sess, conn, apperr.BadRequest("invalid JSON frame"))
			continue
		}

		switch frame.Type {
		case "ping":
			s.sendFrame(sess, conn, ServerFrame{Type: "pong", Payload: struct{}{}})

		case "message":
			if err := sess.HandleMessage(conn.Principal, frame.Body, frame.Echo); err != nil {
				s.sendErrorFrame(sess, conn, err)
			}

		default:
			s.sendErrorFrame(sess, conn, apperr.BadRequest("unknown frame type: "+frame.Type))
		}
	}
}

// sendFrame queues a frame for one connection through its session's
// connection manager, so ordering with broadcasts is preserved.
func (s *Server) sendFrame(sess *session.Session, conn *session.Conn, frame ServerFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("Failed to marshal %s frame: %v", frame.Type, err)
		return
	}
	if err := sess.Connections().SendTo(conn.Principal.ID, data); err != nil {
		log.Printf("Failed to send %s frame to %s: %v", frame.Type, conn.Principal.ID, err)
	}
}

func (s *Server) sendErrorFrame(sess *session.Session, conn *session.Conn, err error) {
	message := "internal error"
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		message = appErr.Message
	}

	s.sendFrame(sess, conn, ServerFrame{
		Type: "error",
		Payload: FrameError{
			Code:    string(apperr.CodeOf(err)),
			Message: message,
		},
	})
}

// rejectUpgrade sends a structured error frame and closes the socket
// without attaching anything.
func rejectUpgrade(socket *websocket.Conn, ctx context.Context, err error) {
	code := apperr.CodeOf(err)
	message := "internal error"
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		message = appErr.Message
	}

	frame, marshalErr := json.Marshal(ServerFrame{
		Type:    "error",
		Payload: FrameError{Code: string(code), Message: message},
	})
	if marshalErr == nil {
		if writeErr := socket.Write(ctx, websocket.MessageText, frame); writeErr != nil {
			log.Printf("Failed to write rejection frame: %v", writeErr)
		}
	}

	socket.Close(websocket.StatusPolicyViolation, string(code))
}
