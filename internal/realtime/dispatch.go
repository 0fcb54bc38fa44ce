package realtime

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"ptywarden/internal/permission"
	"ptywarden/internal/protocol"
	"ptywarden/internal/router"
)

const helpText = `Session warden commands:
/status - List active sessions
/sessions - List all sessions
/send <sid> <text> - Send text to a session
/claim <sid> - Claim a session for auto-forwarding
/release - Release claimed session
/cancel <sid> - Cancel a session
/keys <sid> CTRL_C|CTRL_D - Send a control key to a session
/help - Show this help message

To respond to permission requests, reply with:
1 - Allow
2 - Allow once
3 - Deny (default)`

// dispatch routes one free-form operator message: slash commands first,
// then permission correlation, then session routing.
func (s *Server) dispatch(c *client, p protocol.OperatorMessagePayload) {
	text := strings.TrimSpace(p.Text)

	if strings.HasPrefix(text, "/") {
		s.handleCommand(c, text)
		return
	}

	// A direct reply to a permission prompt carries the request token; this
	// is the only fully unambiguous resolution path.
	if rid := protocol.ExtractRequestID(p.ReplyToText); rid != "" {
		if _, ok := s.broker.Get(rid); ok {
			s.resolveBound(c, rid, text)
			return
		}
	}

	// A bare numeric message is a decision for the oldest matching pending
	// request, FIFO across sessions. Ambiguous with multiple pending
	// requests; documented, not fixed.
	if isDigits(text) {
		code, _ := strconv.Atoi(text)
		if rid, ok := s.broker.ResolveNumeric(code, c.operatorID); ok {
			s.sendInfo(c, fmt.Sprintf("Permission decision recorded for %s", protocol.RequestTag(rid)))
		} else {
			s.sendError(c, protocol.ErrNoPendingRequest, "No pending permission request found for your reply")
		}
		return
	}

	// Free text: resolve the target session and forward.
	sid, err := s.routes.Route(c.operatorID, p.ReplyToText)
	if err != nil {
		s.reportRouteError(c, err)
		return
	}
	if err := s.registry.ForwardInput(sid, text, c.operatorID); err != nil {
		s.sendError(c, protocol.ErrSessionNotFound, err.Error())
		return
	}
}

// resolveBound applies a reply-to-bound decision to a specific request.
func (s *Server) resolveBound(c *client, requestID, text string) {
	if !isDigits(text) {
		s.sendInfo(c, "Please reply with a number (1, 2, or 3)")
		return
	}
	code, _ := strconv.Atoi(text)

	err := s.broker.Resolve(requestID, code, c.operatorID)
	switch {
	case err == nil:
		s.sendInfo(c, "Permission decision recorded")
	case errors.Is(err, permission.ErrInvalidDecision):
		s.sendInfo(c, fmt.Sprintf("Invalid decision %q for this request", text))
	case errors.Is(err, permission.ErrAlreadyResolved):
		s.sendInfo(c, "Request already resolved")
	default:
		s.sendError(c, protocol.ErrNoPendingRequest, "No pending permission request found for your reply")
	}
}

func (s *Server) handleCommand(c *client, text string) {
	parts := strings.SplitN(text, " ", 3)
	cmd := parts[0]

	switch cmd {
	case "/status":
		var b strings.Builder
		b.WriteString("Active sessions:\n")
		for _, sess := range s.registry.List() {
			fmt.Fprintf(&b, "  %s: %s\n", sess.ID, sess.State)
		}
		s.sendInfo(c, b.String())

	case "/sessions":
		var b strings.Builder
		b.WriteString("All sessions:\n")
		for _, sess := range s.registry.List() {
			fmt.Fprintf(&b, "  %s: %s - %s\n", sess.ID, sess.State, sess.Command)
		}
		s.sendInfo(c, b.String())

	case "/send":
		if len(parts) < 3 {
			s.sendInfo(c, "Usage: /send <sid> <text>")
			return
		}
		sid := parts[1]
		if err := s.registry.ForwardInput(sid, parts[2], c.operatorID); err != nil {
			s.sendError(c, protocol.ErrSessionNotFound, fmt.Sprintf("Session %s not found", sid))
			return
		}
		s.sendInfo(c, fmt.Sprintf("Sent to session %s", sid))

	case "/claim":
		if len(parts) < 2 {
			s.sendInfo(c, "Usage: /claim <sid>")
			return
		}
		sid := parts[1]
		if err := s.routes.Claim(c.operatorID, sid); err != nil {
			s.sendError(c, protocol.ErrSessionNotFound, fmt.Sprintf("Session %s not found", sid))
			return
		}
		s.registry.SetClaimOwner(sid, c.operatorID)
		s.sendInfo(c, fmt.Sprintf("Claimed session %s", sid))

	case "/release":
		if sid, ok := s.routes.Release(c.operatorID); ok {
			s.registry.SetClaimOwner(sid, "")
			s.sendInfo(c, fmt.Sprintf("Released session %s", sid))
		} else {
			s.sendInfo(c, "No session claimed")
		}

	case "/cancel":
		if len(parts) < 2 {
			s.sendInfo(c, "Usage: /cancel <sid>")
			return
		}
		sid := parts[1]
		if err := s.registry.Cancel(sid); err != nil {
			s.sendError(c, protocol.ErrSessionNotFound, fmt.Sprintf("Session %s not found", sid))
			return
		}
		s.sendInfo(c, fmt.Sprintf("Cancelled session %s", sid))

	case "/keys":
		if len(parts) < 3 {
			s.sendInfo(c, "Usage: /keys <sid> CTRL_C|CTRL_D")
			return
		}
		sid := parts[1]
		var err error
		switch strings.ToUpper(parts[2]) {
		case "CTRL_C":
			err = s.registry.Interrupt(sid)
		case "CTRL_D":
			err = s.registry.SendEOF(sid)
		default:
			s.sendInfo(c, "Unknown key. Use CTRL_C or CTRL_D")
			return
		}
		if err != nil {
			s.sendError(c, protocol.ErrSessionNotFound, fmt.Sprintf("Session %s not found", sid))
			return
		}
		s.sendInfo(c, fmt.Sprintf("Sent %s to session %s", strings.ToUpper(parts[2]), sid))

	case "/help", "/start":
		s.sendInfo(c, helpText)

	default:
		s.sendInfo(c, fmt.Sprintf("Unknown command %s. Try /help", cmd))
	}
}

func (s *Server) reportRouteError(c *client, err error) {
	switch {
	case errors.Is(err, router.ErrNoActiveSessions):
		s.sendError(c, protocol.ErrNoActiveSession, "No active sessions. Please start a session first.")
	case errors.Is(err, router.ErrAmbiguousRoute):
		s.sendError(c, protocol.ErrAmbiguousRoute, "Multiple active sessions. Please specify session ID or claim one.")
	case errors.Is(err, router.ErrSessionNotFound):
		s.sendError(c, protocol.ErrSessionNotFound, "Session not found")
	default:
		s.sendError(c, protocol.ErrSessionNotFound, err.Error())
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// envSummary captures the relevant environment for the session record.
var summarizedEnv = []string{"PATH", "HOME", "SHELL", "LANG", "TERM", "USER"}

func envSummary() map[string]string {
	summary := make(map[string]string, len(summarizedEnv))
	for _, key := range summarizedEnv {
		if v, ok := os.LookupEnv(key); ok {
			summary[key] = v
		}
	}
	return summary
}
