package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
)

// SMTPMessenger delivers email-channel messages over plain SMTP (Mailpit in
// development, a relay in production). RecipientRef is the address for this
// channel.
type SMTPMessenger struct {
	Addr string
	From string
}

// Send implements Messenger for the email channel.
func (m *SMTPMessenger) Send(_ context.Context, msg Message) error {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.From)
	fmt.Fprintf(&b, "To: %s\r\n", msg.RecipientRef)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(msg.Body)

	if err := smtp.SendMail(m.Addr, nil, m.From, []string{msg.RecipientRef}, []byte(b.String())); err != nil {
		return fmt.Errorf("jobs: smtp send: %w", err)
	}
	return nil
}

// ChannelMux routes messages to a per-channel messenger. Channels without a
// configured transport are logged and dropped rather than failing the job
// forever.
type ChannelMux struct {
	Channels map[string]Messenger
	Logger   *slog.Logger
}

// Send implements Messenger.
func (m *ChannelMux) Send(ctx context.Context, msg Message) error {
	if messenger, ok := m.Channels[msg.Channel]; ok {
		return messenger.Send(ctx, msg)
	}
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("no transport for channel, dropping message",
		slog.String("channel", msg.Channel),
		slog.Int64("tenant_id", msg.TenantID),
		slog.String("recipient", msg.RecipientRef),
	)
	return nil
}
