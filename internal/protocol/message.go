package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeSessionUpdate     = "session.update"
	TypeSessionOutput     = "session.output"
	TypeSessionEnded      = "session.ended"
	TypePermissionRequest = "permission.request"
	TypeFilesUpdate       = "files.update"
	TypeInfo              = "info"
	TypeError             = "error"
)

// Client → Server message types.
const (
	TypeSessionCreate   = "session.create"
	TypeSessionInput    = "session.input"
	TypeSessionKill     = "session.kill"
	TypeOperatorMessage = "operator.message"
)

// Error codes.
const (
	ErrSessionNotFound   = "SESSION_NOT_FOUND"
	ErrSessionTerminated = "SESSION_TERMINATED"
	ErrInvalidMessage    = "INVALID_MESSAGE"
	ErrMaxSessions       = "MAX_SESSIONS"
	ErrSpawnFailed       = "SPAWN_FAILED"
	ErrUnauthorized      = "UNAUTHORIZED"
	ErrAmbiguousRoute    = "AMBIGUOUS_ROUTE"
	ErrNoActiveSession   = "NO_ACTIVE_SESSION"
	ErrNoPendingRequest  = "NO_PENDING_REQUEST"
)

// Server → Client payloads.

type SessionUpdatePayload struct {
	ID        string `json:"sessionId"`
	State     string `json:"state"`
	Command   string `json:"command"`
	Cwd       string `json:"cwd"`
	CreatedAt string `json:"createdAt"`
}

type SessionOutputPayload struct {
	SessionID string `json:"sessionId"`
	Stream    string `json:"stream"` // "stdout" | "stderr"
	Text      string `json:"text"`
}

type SessionEndedPayload struct {
	SessionID  string `json:"sessionId"`
	State      string `json:"state"`
	ExitCode   *int   `json:"exitCode,omitempty"`
	DurationMS *int64 `json:"durationMs,omitempty"`
}

type PermissionRequestPayload struct {
	RequestID string             `json:"requestId"`
	SessionID string             `json:"sessionId"`
	Category  string             `json:"category"`
	Summary   string             `json:"summary"`
	Options   []PermissionOption `json:"options"`
	Default   int                `json:"default"`
	Text      string             `json:"text"`
}

type PermissionOption struct {
	Code  int    `json:"code"`
	Label string `json:"label"`
}

type FilesUpdatePayload struct {
	SessionID string `json:"sessionId"`
	FileCount int    `json:"fileCount"`
}

type InfoPayload struct {
	Text string `json:"text"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type SessionCreatePayload struct {
	Command string `json:"command"`
	Cwd     string `json:"cwd"`
}

type SessionInputPayload struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

type SessionKillPayload struct {
	SessionID string `json:"sessionId"`
}

// OperatorMessagePayload carries free-form operator text: commands, numeric
// permission decisions, and input destined for a session. ReplyToText is the
// full text of the message being replied to, when the client supports
// threading; embedded [SID:]/[RID:] tokens in it recover binding context.
type OperatorMessagePayload struct {
	Text        string `json:"text"`
	ReplyToText string `json:"replyToText,omitempty"`
	MessageID   string `json:"messageId,omitempty"`
}

// Embedded token contract. Outbound session output and permission prompts
// carry these so reply-to text can be parsed back into a binding.
var (
	sessionTagPattern = regexp.MustCompile(`\[SID:([^\]]+)\]`)
	requestTagPattern = regexp.MustCompile(`\[RID:([^\]]+)\]`)
)

// SessionTag renders the machine-parseable session token.
func SessionTag(sessionID string) string {
	return fmt.Sprintf("[SID:%s]", sessionID)
}

// RequestTag renders the machine-parseable permission request token.
func RequestTag(requestID string) string {
	return fmt.Sprintf("[RID:%s]", requestID)
}

// ExtractSessionID recovers a session id from a [SID:...] token, or "".
func ExtractSessionID(text string) string {
	if m := sessionTagPattern.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return ""
}

// ExtractRequestID recovers a request id from a [RID:...] token, or "".
func ExtractRequestID(text string) string {
	if m := requestTagPattern.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return ""
}
