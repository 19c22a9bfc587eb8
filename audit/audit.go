// Package audit delivers security events to external sinks. Events carry
// only error codes and non-secret metadata; no sink ever receives key
// material, passwords, or plaintext.
package audit

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Event is a single audit record
type Event struct {
	Time      time.Time         `json:"time"`
	Code      string            `json:"code"`
	Outcome   string            `json:"outcome"`
	AccountID string            `json:"account_id,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// Event codes emitted by the vault core
const (
	CodeRegister         = "srp.register"
	CodeLoginInit        = "srp.login_init"
	CodeLoginVerified    = "srp.login_verified"
	CodeLoginFailed      = "srp.login_failed"
	CodeLoginExpired     = "srp.login_expired"
	CodeLockout          = "srp.lockout"
	CodeIntegrityFailure = "filestream.integrity_failure"
	CodeUploadCancelled  = "filestream.upload_cancelled"
)

// Outcomes
const (
	OutcomeOK     = "ok"
	OutcomeDenied = "denied"
	OutcomeError  = "error"
)

// Sink receives audit events. Implementations must not block the caller for
// long; auth paths emit synchronously.
type Sink interface {
	Emit(Event)
}

// LogSink writes events through a zerolog logger
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a zerolog-backed sink
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "audit").Logger()}
}

// Emit implements Sink.
func (s *LogSink) Emit(e Event) {
	evt := s.logger.Info().
		Str("code", e.Code).
		Str("outcome", e.Outcome)
	if e.AccountID != "" {
		evt = evt.Str("account_id", e.AccountID)
	}
	for k, v := range e.Meta {
		evt = evt.Str(k, v)
	}
	evt.Msg("Audit event")
}

// NATSSink publishes events as JSON on <subject>.<code>
type NATSSink struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
}

// NewNATSSink connects to NATS and returns a publishing sink
func NewNATSSink(url, subject string, logger zerolog.Logger) (*NATSSink, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}
	return &NATSSink{
		conn:    conn,
		subject: subject,
		logger:  logger.With().Str("component", "audit").Logger(),
	}, nil
}

// Emit implements Sink. Publish failures are logged, never propagated: audit
// delivery must not take down the auth path.
func (s *NATSSink) Emit(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to marshal audit event")
		return
	}
	if err := s.conn.Publish(s.subject+"."+e.Code, data); err != nil {
		s.logger.Warn().Err(err).Str("code", e.Code).Msg("Failed to publish audit event")
	}
}

// Close drains the NATS connection
func (s *NATSSink) Close() {
	s.conn.Close()
}

// MultiSink fans one event out to several sinks
type MultiSink []Sink

// Emit implements Sink.
func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// NopSink discards all events
type NopSink struct{}

// Emit implements Sink.
func (NopSink) Emit(Event) {}
