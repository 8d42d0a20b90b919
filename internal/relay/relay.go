// Package relay turns one user message into one persisted, provider-backed
// reply.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/chatrelay/chatrelay/internal/models"
	"github.com/chatrelay/chatrelay/internal/provider"
	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

const (
	defaultMaxMessageChars    = 4000
	defaultHistoryTokenBudget = 3000
	defaultProviderTimeout    = 30 * time.Second
)

// Store is the slice of session persistence the relay needs.
type Store interface {
	CreateSession(ctx context.Context, userID string) (models.Session, error)
	GetSession(ctx context.Context, sessionID string) (models.Session, error)
	AppendMessage(ctx context.Context, sessionID, role, content, errAnnotation string) (models.Message, error)
	GetHistory(ctx context.Context, sessionID string) ([]models.Message, error)
}

type Config struct {
	// MaxMessageChars bounds the accepted user message length, in runes.
	MaxMessageChars int
	// HistoryTokenBudget bounds the trailing history window sent upstream.
	HistoryTokenBudget int
	// ProviderTimeout bounds each outbound attempt.
	ProviderTimeout time.Duration
	// SystemPrompt, when set, is prepended to every outbound call. It is not
	// persisted and does not count against the history budget.
	SystemPrompt string
}

func (c Config) withDefaults() Config {
	if c.MaxMessageChars <= 0 {
		c.MaxMessageChars = defaultMaxMessageChars
	}
	if c.HistoryTokenBudget <= 0 {
		c.HistoryTokenBudget = defaultHistoryTokenBudget
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = defaultProviderTimeout
	}
	return c
}

type Relay struct {
	store    Store
	registry *provider.Registry
	factory  provider.Factory
	cfg      Config
	logger   *zap.Logger

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

func New(store Store, registry *provider.Registry, factory provider.Factory, cfg Config, logger *zap.Logger) *Relay {
	return &Relay{
		store:    store,
		registry: registry,
		factory:  factory,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

type SendRequest struct {
	SessionID string
	UserID    string
	Text      string
}

type SendResult struct {
	SessionID string
	Reply     string
	Provider  string
	Model     string
}

// Send runs one conversation turn: validate, resolve the provider, append the
// user message, call upstream with a bounded history window, and persist the
// reply. A provider failure is persisted as an error-annotated assistant turn
// and surfaced as a ProviderError, so the history is never silently
// truncated.
//
// Validation and configuration failures happen before any write. Once the
// user turn is appended it stays, even if the caller cancels mid-call.
func (r *Relay) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return SendResult{}, ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > r.cfg.MaxMessageChars {
		return SendResult{}, fmt.Errorf("%w: %d > %d runes", ErrMessageTooLong, utf8.RuneCountInString(text), r.cfg.MaxMessageChars)
	}

	cfg, err := r.registry.ResolveActive(ctx)
	if err != nil {
		return SendResult{}, err
	}
	completer, err := r.factory(ctx, cfg)
	if err != nil {
		return SendResult{}, err
	}

	sess, err := r.session(ctx, req)
	if err != nil {
		return SendResult{}, err
	}

	if _, err := r.store.AppendMessage(ctx, sess.ID, models.RoleUser, text, ""); err != nil {
		return SendResult{}, err
	}

	history, err := r.store.GetHistory(ctx, sess.ID)
	if err != nil {
		return SendResult{}, err
	}

	reply, attempts, err := r.complete(ctx, completer, r.window(history))
	if err != nil {
		// Caller cancellation aborts without a reply turn; the user turn,
		// once appended, stays.
		if ctx.Err() != nil {
			return SendResult{SessionID: sess.ID}, ctx.Err()
		}
		if _, appendErr := r.store.AppendMessage(ctx, sess.ID, models.RoleAssistant, "", err.Error()); appendErr != nil {
			r.logger.Error("failed to record provider failure",
				zap.String("session_id", sess.ID),
				zap.Error(appendErr))
		}
		return SendResult{SessionID: sess.ID}, &ProviderError{Provider: cfg.Name, Attempts: attempts, Err: err}
	}

	if _, err := r.store.AppendMessage(ctx, sess.ID, models.RoleAssistant, reply, ""); err != nil {
		return SendResult{}, err
	}

	r.logger.Info("turn completed",
		zap.String("session_id", sess.ID),
		zap.String("provider", cfg.Name),
		zap.Int("attempts", attempts))

	return SendResult{
		SessionID: sess.ID,
		Reply:     reply,
		Provider:  cfg.Name,
		Model:     cfg.Model,
	}, nil
}

func (r *Relay) session(ctx context.Context, req SendRequest) (models.Session, error) {
	if req.SessionID == "" {
		return r.store.CreateSession(ctx, req.UserID)
	}

	sess, err := r.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return models.Session{}, err
	}
	if sess.Status == models.SessionArchived {
		return models.Session{}, ErrSessionArchived
	}
	return sess, nil
}

// complete issues the outbound call with at most one retry, and only for
// timeout/connection-reset class failures. Caller cancellation is never
// retried.
func (r *Relay) complete(ctx context.Context, completer provider.Completer, window []models.Message) (string, int, error) {
	attempts := 0
	for {
		attempts++

		callCtx, cancel := context.WithTimeout(ctx, r.cfg.ProviderTimeout)
		reply, err := completer.Complete(callCtx, window)
		cancel()

		if err == nil {
			return reply, attempts, nil
		}
		if attempts >= 2 || ctx.Err() != nil || !transient(err) {
			return "", attempts, err
		}

		r.logger.Warn("provider call failed, retrying once", zap.Error(err))
	}
}

func transient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// window selects the trailing slice of history that fits the token budget.
// The newest message always makes the cut, error-annotated turns carry no
// content and are skipped, and the configured system prompt is prepended
// outside the budget.
func (r *Relay) window(history []models.Message) []models.Message {
	window := make([]models.Message, 0, len(history))
	budget := r.cfg.HistoryTokenBudget

	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		if msg.Content == "" {
			continue
		}
		budget -= r.tokenCount(msg.Content)
		if budget < 0 && len(window) > 0 {
			break
		}
		window = append(window, msg)
	}

	// Reverse into chronological order.
	for i, j := 0, len(window)-1; i < j; i, j = i+1, j-1 {
		window[i], window[j] = window[j], window[i]
	}

	if r.cfg.SystemPrompt != "" {
		window = append([]models.Message{{
			Role:    models.RoleSystem,
			Content: r.cfg.SystemPrompt,
		}}, window...)
	}
	return window
}

// tokenCount uses the cl100k_base encoding when it is available and falls
// back to the usual four-characters-per-token estimate when the encoding
// cannot be loaded (e.g. no cache and no network).
func (r *Relay) tokenCount(text string) int {
	r.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			r.logger.Warn("tiktoken encoding unavailable, using estimate", zap.Error(err))
			return
		}
		r.enc = enc
	})

	if r.enc != nil {
		return len(r.enc.Encode(text, nil, nil))
	}
	return len(text)/4 + 1
}
