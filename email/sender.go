// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package email implements a queue that delivers e-mails via SMTP.
// Jobs carry a Message as payload; the processor sends it with go-mail
// and failed deliveries are retried by the queue.
package email

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wneessen/go-mail"
)

// ErrNoRecipients is returned when a message has no recipients at all.
var ErrNoRecipients = errors.New("email: no recipients")

// Config holds SMTP connection parameters.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	TLS      bool
}

// NewClient creates a go-mail client for cfg. It does not connect.
func NewClient(cfg Config) (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
	}
	if cfg.Username != "" {
		opts = append(opts, mail.WithSMTPAuth(mail.SMTPAuthPlain))
		opts = append(opts, mail.WithUsername(cfg.Username))
		opts = append(opts, mail.WithPassword(cfg.Password))
	}
	if cfg.TLS {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSOpportunistic))
	}
	c, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("email: create client: %w", err)
	}
	return c, nil
}

// Dialer delivers messages. *mail.Client implements it.
type Dialer interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// Sender converts Messages into MIME mails and delivers them.
type Sender struct {
	dialer Dialer
	from   string
}

// SenderOption is an options provider for Sender.
type SenderOption func(*Sender)

// SetFrom specifies the sender address for messages without one.
func SetFrom(from string) SenderOption {
	return func(s *Sender) {
		s.from = from
	}
}

// NewSender creates a Sender delivering through dialer.
func NewSender(dialer Dialer, options ...SenderOption) *Sender {
	s := &Sender{dialer: dialer}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Send delivers m. Dialing happens per call.
func (s *Sender) Send(ctx context.Context, m *Message) error {
	msg, err := s.compose(m)
	if err != nil {
		return err
	}
	return s.deliver(ctx, msg)
}

func (s *Sender) deliver(ctx context.Context, msg *mail.Msg) error {
	if err := s.dialer.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("email: send: %w", err)
	}
	return nil
}

func (s *Sender) compose(m *Message) (*mail.Msg, error) {
	if len(m.To)+len(m.Cc)+len(m.Bcc) == 0 {
		return nil, ErrNoRecipients
	}
	from := m.From
	if from == "" {
		from = s.from
	}

	msg := mail.NewMsg()
	if err := msg.From(from); err != nil {
		return nil, fmt.Errorf("email: set from: %w", err)
	}
	if len(m.To) > 0 {
		if err := msg.To(m.To...); err != nil {
			return nil, fmt.Errorf("email: set to: %w", err)
		}
	}
	if len(m.Cc) > 0 {
		if err := msg.Cc(m.Cc...); err != nil {
			return nil, fmt.Errorf("email: set cc: %w", err)
		}
	}
	if len(m.Bcc) > 0 {
		if err := msg.Bcc(m.Bcc...); err != nil {
			return nil, fmt.Errorf("email: set bcc: %w", err)
		}
	}
	if m.ReplyTo != "" {
		if err := msg.ReplyTo(m.ReplyTo); err != nil {
			return nil, fmt.Errorf("email: set reply-to: %w", err)
		}
	}

	// Strip CR/LF from subject to prevent header injection.
	msg.Subject(strings.NewReplacer("\r", "", "\n", "").Replace(m.Subject))

	switch {
	case m.Text != "" && m.HTML != "":
		msg.SetBodyString(mail.TypeTextPlain, m.Text)
		msg.AddAlternativeString(mail.TypeTextHTML, m.HTML)
	case m.HTML != "":
		msg.SetBodyString(mail.TypeTextHTML, m.HTML)
	default:
		msg.SetBodyString(mail.TypeTextPlain, m.Text)
	}
	return msg, nil
}
