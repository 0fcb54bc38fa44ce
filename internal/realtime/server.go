package realtime

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"ptywarden/internal/config"
	"ptywarden/internal/output"
	"ptywarden/internal/permission"
	"ptywarden/internal/protocol"
	"ptywarden/internal/router"
	"ptywarden/internal/session"
	"ptywarden/internal/watcher"

	"github.com/gorilla/websocket"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Operator clients connect from arbitrary origins.
	},
}

// Server is the operator channel: a WebSocket hub plus a small REST API.
// It implements the outbound messaging port (output relay, permission
// prompts, lifecycle notifications) and feeds inbound operator messages to
// the router and permission broker.
type Server struct {
	cfg       config.Config
	history   *output.History
	fileWatch *watcher.Watcher

	registry *session.Registry
	broker   *permission.Broker
	routes   *router.Router

	clients   map[*client]bool
	clientsMu sync.RWMutex
}

type client struct {
	conn       *websocket.Conn
	send       chan []byte
	server     *Server
	operatorID string
}

// New creates the operator channel server. Bind must be called before any
// connection is served.
func New(cfg config.Config, history *output.History, fileWatch *watcher.Watcher) *Server {
	return &Server{
		cfg:       cfg,
		history:   history,
		fileWatch: fileWatch,
		clients:   make(map[*client]bool),
	}
}

// Bind wires the components the server dispatches into. Separate from New
// because the broker needs the server as its prompter.
func (s *Server) Bind(registry *session.Registry, broker *permission.Broker, routes *router.Router) {
	s.registry = registry
	s.broker = broker
	s.routes = routes
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)

	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /sessions/{id}/input", s.handleSessionInput)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleCancelSession)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket. The operator
// identity comes from the `operator` query parameter.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade: %v", err)
		return
	}

	c := &client{
		conn:       conn,
		send:       make(chan []byte, 256),
		server:     s,
		operatorID: r.URL.Query().Get("operator"),
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	s.sendSessionList(c)
	s.replayHistory(c)

	go c.writePump()
	go c.readPump()
}

// sendSessionList sends the current live sessions to a newly connected
// client.
func (s *Server) sendSessionList(c *client) {
	for _, sess := range s.registry.List() {
		msg, err := protocol.NewMessage(protocol.TypeSessionUpdate, sessionUpdatePayload(sess))
		if err != nil {
			continue
		}
		c.enqueue(msg)
	}
}

// replayHistory catches a late-connecting operator up on recent output from
// every live session.
func (s *Server) replayHistory(c *client) {
	for _, sess := range s.registry.List() {
		for _, ev := range s.history.Recent(sess.ID) {
			msg, err := protocol.NewMessage(protocol.TypeSessionOutput, protocol.SessionOutputPayload{
				SessionID: ev.SessionID,
				Stream:    ev.Stream,
				Text:      formatOutput(ev.SessionID, ev.Stream, ev.Text),
			})
			if err != nil {
				continue
			}
			c.enqueue(msg)
		}
	}
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("websocket read: %v", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) enqueue(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		// Client buffer full, drop.
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	s.clientsMu.Unlock()
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	if !s.cfg.OperatorAllowed(c.operatorID) {
		s.sendError(c, protocol.ErrUnauthorized, "Unauthorized")
		return
	}

	switch msg.Type {
	case protocol.TypeSessionCreate:
		var p protocol.SessionCreatePayload
		json.Unmarshal(msg.Payload, &p)
		s.createSession(c, p.Command, p.Cwd)

	case protocol.TypeSessionInput:
		var p protocol.SessionInputPayload
		json.Unmarshal(msg.Payload, &p)
		if err := s.registry.ForwardInput(p.SessionID, p.Text, c.operatorID); err != nil {
			s.sendError(c, protocol.ErrSessionNotFound, err.Error())
		}

	case protocol.TypeSessionKill:
		var p protocol.SessionKillPayload
		json.Unmarshal(msg.Payload, &p)
		if err := s.registry.Cancel(p.SessionID); err != nil {
			s.sendError(c, protocol.ErrSessionNotFound, err.Error())
		}

	case protocol.TypeOperatorMessage:
		var p protocol.OperatorMessagePayload
		json.Unmarshal(msg.Payload, &p)
		s.dispatch(c, p)
	}
}

// createSession allocates, persists, and starts a session, then begins
// watching its working directory.
func (s *Server) createSession(c *client, command, cwd string) {
	if s.registry.AtCapacity() {
		s.sendError(c, protocol.ErrMaxSessions, fmt.Sprintf("maximum session limit reached (%d)", s.cfg.MaxSessions))
		return
	}

	sess := s.registry.Create(command, cwd, envSummary())
	if err := s.registry.Start(sess.ID); err != nil {
		s.sendError(c, protocol.ErrSpawnFailed, err.Error())
		return
	}

	if s.fileWatch != nil {
		if err := s.fileWatch.Watch(sess.ID, sess.Cwd); err != nil {
			log.Printf("session %s: watch workdir: %v", sess.ID, err)
		}
	}
}

// broadcast sends a message to all connected clients.
func (s *Server) broadcast(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			// Client buffer full, skip.
		}
	}
}

func (s *Server) sendError(c *client, code, message string) {
	msg, _ := protocol.NewErrorMessage(code, message)
	c.enqueue(msg)
}

func (s *Server) sendInfo(c *client, text string) {
	msg, _ := protocol.NewInfoMessage(text)
	c.enqueue(msg)
}

// --- outbound messaging port ---

// formatOutput renders the relay text with the embedded session token the
// inbound parser relies on for reply-to binding.
func formatOutput(sessionID, stream, text string) string {
	return fmt.Sprintf("%s %s: %s", protocol.SessionTag(sessionID), strings.ToUpper(stream), text)
}

// SendOutput relays one flushed chunk of session output to all operators.
func (s *Server) SendOutput(sessionID, stream, text string) error {
	msg, err := protocol.NewMessage(protocol.TypeSessionOutput, protocol.SessionOutputPayload{
		SessionID: sessionID,
		Stream:    stream,
		Text:      formatOutput(sessionID, stream, text),
	})
	if err != nil {
		return err
	}
	s.broadcast(msg)
	return nil
}

// SendPermissionPrompt delivers an approval prompt, embedding the request
// and session tokens.
func (s *Server) SendPermissionPrompt(req *permission.Request) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Permission request %s%s\n\n%s\n\nOptions:\n",
		protocol.RequestTag(req.ID), protocol.SessionTag(req.SessionID), req.Summary)
	for _, opt := range req.Options {
		fmt.Fprintf(&b, "%d) %s", opt.Code, opt.Label)
		if opt.Code == req.Default {
			b.WriteString(" (default)")
		}
		b.WriteString("\n")
	}

	options := make([]protocol.PermissionOption, 0, len(req.Options))
	for _, opt := range req.Options {
		options = append(options, protocol.PermissionOption{Code: opt.Code, Label: opt.Label})
	}

	msg, err := protocol.NewMessage(protocol.TypePermissionRequest, protocol.PermissionRequestPayload{
		RequestID: req.ID,
		SessionID: req.SessionID,
		Category:  req.Category,
		Summary:   req.Summary,
		Options:   options,
		Default:   req.Default,
		Text:      b.String(),
	})
	if err != nil {
		return err
	}
	s.broadcast(msg)
	return nil
}

// SessionUpdated broadcasts a lifecycle state change.
func (s *Server) SessionUpdated(sess *session.Session) {
	msg, err := protocol.NewMessage(protocol.TypeSessionUpdate, sessionUpdatePayload(sess))
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// SessionEnded broadcasts a terminal notification.
func (s *Server) SessionEnded(sess *session.Session) {
	msg, err := protocol.NewMessage(protocol.TypeSessionEnded, protocol.SessionEndedPayload{
		SessionID:  sess.ID,
		State:      string(sess.State),
		ExitCode:   sess.ExitCode,
		DurationMS: sess.DurationMS,
	})
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// SessionEvicted tears down the per-session state held by collaborators.
func (s *Server) SessionEvicted(sessionID string) {
	s.broker.DropSession(sessionID)
	s.routes.Disclaim(sessionID)
	s.history.Drop(sessionID)
	if s.fileWatch != nil {
		s.fileWatch.Unwatch(sessionID)
	}
}

// OnFileUpdate is the workdir watcher callback.
func (s *Server) OnFileUpdate(sessionID string, fileCount int) {
	msg, err := protocol.NewMessage(protocol.TypeFilesUpdate, protocol.FilesUpdatePayload{
		SessionID: sessionID,
		FileCount: fileCount,
	})
	if err != nil {
		return
	}
	s.broadcast(msg)
}

func sessionUpdatePayload(sess *session.Session) protocol.SessionUpdatePayload {
	return protocol.SessionUpdatePayload{
		ID:        sess.ID,
		State:     string(sess.State),
		Command:   sess.Command,
		Cwd:       sess.Cwd,
		CreatedAt: sess.StartTime.Format(time.RFC3339Nano),
	}
}
