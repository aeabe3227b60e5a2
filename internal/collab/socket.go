package collab

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/crdt"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeTimeout    = 10 * time.Second
	pongTimeout     = 60 * time.Second
	pingInterval    = 25 * time.Second
	maxMessageBytes = 4 << 20

	opServe = "collab.serve"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ServeSocket authenticates the request, attaches it to the document name and
// relays frames until either side goes away. Refusals are answered with a
// plain HTTP status before the websocket upgrade.
func (h *Host) ServeSocket(w http.ResponseWriter, r *http.Request, name string) {
	if err := h.extension.OnUpgrade(r, name); err != nil {
		http.Error(w, http.StatusText(statusOf(err)), statusOf(err))
		return
	}

	session := NewSession()
	request := ConnectRequest{
		Name:   name,
		Token:  requestToken(r),
		Cookie: r.Header.Get("Cookie"),
		Header: r.Header.Clone(),
	}
	if err := h.extension.OnConnect(r.Context(), request, session); err != nil {
		session.Terminate()
		http.Error(w, http.StatusText(statusOf(err)), statusOf(err))
		return
	}

	document, err := h.Attach(r.Context(), name, session)
	if err != nil {
		session.Terminate()
		http.Error(w, http.StatusText(statusOf(err)), statusOf(err))
		return
	}
	detachCtx := context.WithoutCancel(r.Context())
	defer func() {
		session.Terminate()
		h.Detach(detachCtx, document, session)
	}()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logError(opServe, "upgrade_failed", err, zap.String("document", name))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageBytes)

	var state []byte
	var encodeErr error
	if err := document.Do(r.Context(), func(doc *crdt.Doc) {
		state, encodeErr = doc.EncodeState()
	}); err != nil || encodeErr != nil {
		h.logError(opServe, "initial_sync_failed", errors.Join(err, encodeErr), zap.String("document", name))
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(Frame{Type: FrameSync, Update: state, Session: session.ID()}); err != nil {
		return
	}
	for _, presence := range document.Awareness() {
		session.deliver(Frame{Type: FrameAwareness, State: presence})
	}

	go h.writeLoop(conn, session)
	h.readLoop(conn, document, session)
}

func (h *Host) writeLoop(conn *websocket.Conn, session *Session) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer conn.Close()
	for {
		select {
		case frame := <-session.Outbox():
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(frame); err != nil {
				session.Terminate()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				session.Terminate()
				return
			}
		case <-session.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			return
		}
	}
}

func (h *Host) readLoop(conn *websocket.Conn, document *Document, session *Session) {
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))

		switch frame.Type {
		case FrameUpdate:
			var changed []string
			var applyErr error
			if err := document.Do(context.Background(), func(doc *crdt.Doc) {
				changed, applyErr = doc.ApplyUpdate(frame.Update, session.ID())
			}); err != nil {
				return
			}
			if applyErr != nil {
				h.logError(opServe, "invalid_update", applyErr, zap.String("document", document.Name()), zap.String("session", session.ID()))
				return
			}
			if len(changed) > 0 {
				session.MarkModified()
			}
		case FrameAwareness:
			session.SetAwareness(frame.State)
			document.broadcast(Frame{Type: FrameAwareness, State: frame.State, Session: session.ID()}, session.ID())
		}
	}
}

func requestToken(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > len("bearer ") && strings.EqualFold(header[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(header[len("bearer "):])
	}
	return ""
}
