// Package notify delivers codes and messages to users. Delivery is
// best-effort: callers hand messages to the dispatch queue and never wait
// on a Sink.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type Kind string

const (
	KindRegisterCode  Kind = "register_code"
	KindLoginCode     Kind = "login_code"
	KindPermanentCode Kind = "permanent_code"
)

// Message is one notification addressed to an email.
type Message struct {
	Kind    Kind   `json:"kind"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Sink sends a message. Implementations must honour ctx cancellation.
type Sink interface {
	Send(ctx context.Context, msg Message) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, msg Message) error

func (f SinkFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

func RegisterCode(email, code string, ttl time.Duration) Message {
	return Message{
		Kind:    KindRegisterCode,
		To:      email,
		Subject: "Verify your email",
		Body:    fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", code, int(ttl.Minutes())),
	}
}

func LoginCode(email, code string, ttl time.Duration) Message {
	return Message{
		Kind:    KindLoginCode,
		To:      email,
		Subject: "Your login code",
		Body:    fmt.Sprintf("Your login code is %s. It expires in %d minutes.", code, int(ttl.Minutes())),
	}
}

func PermanentCode(email, code string) Message {
	return Message{
		Kind:    KindPermanentCode,
		To:      email,
		Subject: "Your permanent login code",
		Body:    fmt.Sprintf("Your permanent login code is %s. Keep it safe: it logs you in without an email code.", code),
	}
}

// LogSink writes messages to the logger instead of sending them. It is the
// sink used when no delivery endpoint is configured.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "notification (not delivered: no sink configured)",
		"kind", msg.Kind,
		"to_domain", EmailDomain(msg.To),
		"subject", msg.Subject,
		"body", msg.Body,
	)
	return nil
}

// EmailDomain returns the part after "@", for logs that must not carry the
// full address.
func EmailDomain(email string) string {
	if i := strings.LastIndexByte(email, '@'); i >= 0 {
		return email[i+1:]
	}
	return ""
}
