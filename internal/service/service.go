package service

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/floegence/agent-console/internal/protocol"
	"github.com/floegence/agent-console/internal/sessionstore"
	"github.com/floegence/agent-console/internal/transcript"
)

var ErrSessionNotFound = errors.New("session not found")

type Options struct {
	Logger *slog.Logger
	Store  *sessionstore.Store
}

// Service glues the session store and the transcript builder together for the
// HTTP surface. It owns no reconstruction state: every transcript request
// recomputes from the full stored event list.
type Service struct {
	log   *slog.Logger
	store *sessionstore.Store
}

func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("missing Store")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{log: logger, store: opts.Store}, nil
}

// Transcript reconstructs the UI transcript of a session from its full stored
// raw message list plus the recorded real-user message ids.
func (s *Service) Transcript(ctx context.Context, sessionID string) (*transcript.Result, error) {
	if s == nil || s.store == nil {
		return nil, errors.New("service not ready")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("missing session_id")
	}

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}

	recs, err := s.store.ListRawMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	realIDs, err := s.store.RealUserMessageIDs(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(realIDs) == 0 && len(recs) > 0 {
		// No run records yet: the builder falls back to showing every
		// user-role text message.
		s.log.Debug("transcript: no run records for session, showing all user text", "session_id", sessionID)
	}

	raw := make([]protocol.RawMessage, 0, len(recs))
	for _, rec := range recs {
		raw = append(raw, protocol.DecodeStored(rec.ID, rec.Role, rec.ContentJSON, rec.AttachmentsJSON, rec.CreatedAtUnixMs))
	}

	res := transcript.Build(raw, realIDs)
	return &res, nil
}

func (s *Service) CreateSession(ctx context.Context, title string) (*sessionstore.Session, error) {
	if s == nil || s.store == nil {
		return nil, errors.New("service not ready")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	id, err := newSessionID()
	if err != nil {
		return nil, err
	}
	now := time.Now().UnixMilli()
	sess := sessionstore.Session{
		SessionID:       id,
		Title:           strings.TrimSpace(title),
		AgentStatus:     "idle",
		CreatedAtUnixMs: now,
		UpdatedAtUnixMs: now,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	if s == nil || s.store == nil {
		return errors.New("service not ready")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	err := s.store.DeleteSession(ctx, strings.TrimSpace(sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	return err
}

func (s *Service) ListSessions(ctx context.Context, limit int, cursor string) ([]sessionstore.Session, string, error) {
	if s == nil || s.store == nil {
		return nil, "", errors.New("service not ready")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	c, ok := sessionstore.DecodeCursor(cursor)
	if !ok {
		return nil, "", errors.New("invalid cursor")
	}
	return s.store.ListSessions(ctx, limit, c)
}

// AppendMessageRequest is one ingested protocol event.
//
// UserInput marks the event as genuine dashboard input; the service then
// records an agent run tying the stored message id to it, which is what the
// transcript layer later uses to classify user-role turns.
type AppendMessageRequest struct {
	Role        string                `json:"role"`
	Content     json.RawMessage       `json:"content"`
	Attachments []protocol.Attachment `json:"attachments,omitempty"`
	UserInput   bool                  `json:"user_input,omitempty"`
}

type AppendMessageResult struct {
	MessageID int64  `json:"message_id"`
	RunID     string `json:"run_id,omitempty"`
}

func (s *Service) AppendMessage(ctx context.Context, sessionID string, req AppendMessageRequest) (*AppendMessageResult, error) {
	if s == nil || s.store == nil {
		return nil, errors.New("service not ready")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("missing session_id")
	}

	role := strings.TrimSpace(strings.ToLower(req.Role))
	switch role {
	case "user", "assistant":
	default:
		return nil, errors.New("invalid role")
	}
	contentJSON := strings.TrimSpace(string(req.Content))
	if contentJSON == "" || contentJSON == "null" {
		return nil, errors.New("missing content")
	}

	attachmentsJSON := ""
	if len(req.Attachments) > 0 {
		if b, err := json.Marshal(req.Attachments); err == nil {
			attachmentsJSON = string(b)
		}
	}

	userText := ""
	if role == "user" {
		userText = previewText(contentJSON)
	}

	msgID, err := s.store.AppendRawMessage(ctx, sessionID, sessionstore.RawRecord{
		Role:            role,
		ContentJSON:     contentJSON,
		AttachmentsJSON: attachmentsJSON,
		CreatedAtUnixMs: time.Now().UnixMilli(),
	}, userText)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	out := &AppendMessageResult{MessageID: msgID}
	if req.UserInput && role == "user" {
		runID, err := NewRunID()
		if err != nil {
			return nil, err
		}
		if err := s.store.RecordRun(ctx, sessionstore.Run{
			RunID:         runID,
			SessionID:     sessionID,
			UserMessageID: msgID,
			Status:        "running",
		}); err != nil {
			return nil, err
		}
		out.RunID = runID
	}
	return out, nil
}

func (s *Service) UpdateAgentStatus(ctx context.Context, sessionID string, status string) error {
	if s == nil || s.store == nil {
		return errors.New("service not ready")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	err := s.store.UpdateSessionAgentStatus(ctx, strings.TrimSpace(sessionID), status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	return err
}

// previewText extracts a best-effort text preview from a raw content payload
// for session list rendering. Failures yield "".
func previewText(contentJSON string) string {
	var c protocol.RawContent
	if err := json.Unmarshal([]byte(contentJSON), &c); err != nil {
		return ""
	}
	if t := strings.TrimSpace(c.Text); t != "" {
		return t
	}
	var parts []string
	for _, blk := range c.Blocks {
		tb, ok := blk.(protocol.TextBlock)
		if !ok {
			continue
		}
		if t := strings.TrimSpace(tb.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// NewRunID generates a cryptographically random run id.
func NewRunID() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "run_" + base64.RawURLEncoding.EncodeToString(b), nil
}

func newSessionID() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "sess_" + base64.RawURLEncoding.EncodeToString(b), nil
}
