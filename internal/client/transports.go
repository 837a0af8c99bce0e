package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nyaruka/phonenumbers"
	"github.com/rs/zerolog"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	twapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/pesio-ai/be-sales-quotes/internal/repository"
	"github.com/pesio-ai/be-sales-quotes/pkg/errors"
)

// Sender delivers one payload over a single channel and returns the provider
// message ID. Errors carry ErrCodeDeliveryTransient or ErrCodeDeliveryPermanent.
type Sender interface {
	Send(ctx context.Context, payload repository.NotificationPayload) (string, error)
}

// ClassifyStatus maps a provider HTTP status to a delivery error, or nil for 2xx/3xx.
func ClassifyStatus(status int, body string) error {
	switch {
	case status < 400:
		return nil
	case status == 429 || status >= 500:
		return errors.DeliveryTransient(fmt.Errorf("provider returned %d: %s", status, body))
	default:
		return errors.DeliveryPermanent(fmt.Errorf("provider returned %d: %s", status, body))
	}
}

// ── Router ────────────────────────────────────────────────────────────────────

// Router dispatches a payload to the sender registered for its channel.
type Router struct {
	senders map[repository.Channel]Sender
}

// NewRouter creates a Router. Channels without a sender fail permanently.
func NewRouter(senders map[repository.Channel]Sender) *Router {
	return &Router{senders: senders}
}

func (r *Router) Send(ctx context.Context, payload repository.NotificationPayload) (string, error) {
	channel := payload.Channel
	if channel == "" {
		channel = repository.ChannelEmail
	}
	sender, ok := r.senders[channel]
	if !ok {
		return "", errors.DeliveryPermanent(fmt.Errorf("no transport configured for channel %q", channel))
	}
	return sender.Send(ctx, payload)
}

// ── SendGrid ──────────────────────────────────────────────────────────────────

// SendGridSender sends email through the SendGrid v3 API.
type SendGridSender struct {
	client   *sendgrid.Client
	fromName string
	fromMail string
}

func NewSendGridSender(apiKey, fromName, fromMail string) *SendGridSender {
	return &SendGridSender{
		client:   sendgrid.NewSendClient(apiKey),
		fromName: fromName,
		fromMail: fromMail,
	}
}

func (s *SendGridSender) Send(ctx context.Context, payload repository.NotificationPayload) (string, error) {
	message := mail.NewSingleEmail(
		mail.NewEmail(s.fromName, s.fromMail),
		payload.Subject,
		mail.NewEmail("", payload.Recipient),
		payload.Body,
		"",
	)
	if payload.QuoteID != "" {
		message.SetCustomArg("quote_id", payload.QuoteID)
	}
	for k, v := range payload.Headers {
		message.SetHeader(k, v)
	}

	resp, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return "", errors.DeliveryTransient(fmt.Errorf("sendgrid send error: %w", err))
	}
	if err := ClassifyStatus(resp.StatusCode, resp.Body); err != nil {
		return "", err
	}

	for name, values := range resp.Headers {
		if strings.EqualFold(name, "X-Message-Id") && len(values) > 0 {
			return values[0], nil
		}
	}
	return "", nil
}

// ── SMTP ──────────────────────────────────────────────────────────────────────

// smtpTimeout bounds an SMTP session when the caller sets no deadline.
const smtpTimeout = 30 * time.Second

// SMTPSender sends plain-text email through an SMTP relay.
type SMTPSender struct {
	addr     string
	host     string
	auth     smtp.Auth
	fromName string
	fromMail string
}

func NewSMTPSender(host string, port int, username, password, fromName, fromMail string) *SMTPSender {
	var auth smtp.Auth
	if username != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &SMTPSender{
		addr:     fmt.Sprintf("%s:%d", host, port),
		host:     host,
		auth:     auth,
		fromName: fromName,
		fromMail: fromMail,
	}
}

func (s *SMTPSender) Send(ctx context.Context, payload repository.NotificationPayload) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errors.DeliveryTransient(err)
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), s.host)
	msg := buildMIMEMessage(s.fromName, s.fromMail, payload, messageID, time.Now().UTC())

	if err := s.deliver(ctx, payload.Recipient, msg); err != nil {
		return "", classifySMTPError(err)
	}
	return messageID, nil
}

// deliver runs one SMTP session bounded by ctx, or by smtpTimeout when ctx has
// no deadline.
func (s *SMTPSender) deliver(ctx context.Context, recipient string, msg []byte) error {
	dialer := &net.Dialer{Timeout: smtpTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(smtpTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return err
	}

	c, err := smtp.NewClient(conn, s.host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.host}); err != nil {
			return err
		}
	}
	if s.auth != nil {
		if err := c.Auth(s.auth); err != nil {
			return err
		}
	}
	if err := c.Mail(s.fromMail); err != nil {
		return err
	}
	if err := c.Rcpt(recipient); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func buildMIMEMessage(fromName, fromMail string, payload repository.NotificationPayload, messageID string, at time.Time) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s <%s>\r\n", headerValue(fromName), headerValue(fromMail))
	fmt.Fprintf(&b, "To: %s\r\n", headerValue(payload.Recipient))
	fmt.Fprintf(&b, "Subject: %s\r\n", headerValue(payload.Subject))
	fmt.Fprintf(&b, "Message-ID: %s\r\n", messageID)
	fmt.Fprintf(&b, "Date: %s\r\n", at.Format(time.RFC1123Z))
	for k, v := range payload.Headers {
		if !validHeaderName(k) {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\r\n", k, headerValue(v))
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	b.WriteString(strings.ReplaceAll(payload.Body, "\n", "\r\n"))
	return []byte(b.String())
}

// headerValue folds CR and LF into spaces so a value cannot start a new header.
func headerValue(v string) string {
	return strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ").Replace(v)
}

func validHeaderName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if r <= ' ' || r >= 0x7f || r == ':' {
			return false
		}
	}
	return true
}

// classifySMTPError treats 5xx replies as permanent and everything else,
// network failures included, as transient.
func classifySMTPError(err error) error {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) && protoErr.Code >= 500 {
		return errors.DeliveryPermanent(err)
	}
	return errors.DeliveryTransient(err)
}

// ── Twilio ────────────────────────────────────────────────────────────────────

// TwilioSender sends SMS through the Twilio messages API.
type TwilioSender struct {
	client     *twilio.RestClient
	fromNumber string
}

func NewTwilioSender(accountSID, authToken, fromNumber string) *TwilioSender {
	return &TwilioSender{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: accountSID,
			Password: authToken,
		}),
		fromNumber: fromNumber,
	}
}

func (t *TwilioSender) Send(ctx context.Context, payload repository.NotificationPayload) (string, error) {
	to, err := NormalizePhone(payload.Recipient)
	if err != nil {
		return "", errors.DeliveryPermanent(err)
	}
	if err := ctx.Err(); err != nil {
		return "", errors.DeliveryTransient(err)
	}

	params := &twapi.CreateMessageParams{}
	params.SetBody(payload.Body)
	params.SetFrom(t.fromNumber)
	params.SetTo(to)

	resp, err := t.client.Api.CreateMessage(params)
	if err != nil {
		var restErr *twclient.TwilioRestError
		if errors.As(err, &restErr) {
			return "", ClassifyStatus(restErr.Status, restErr.Message)
		}
		return "", errors.DeliveryTransient(err)
	}
	if resp.Sid != nil {
		return *resp.Sid, nil
	}
	return "", nil
}

// NormalizePhone validates an international number and returns it in E.164.
func NormalizePhone(num string) (string, error) {
	num = strings.TrimSpace(num)
	if num == "" {
		return "", fmt.Errorf("missing number")
	}
	if num[0] != '+' {
		return "", fmt.Errorf("phone number must be in E.164 format with +")
	}

	parsed, err := phonenumbers.Parse(num, "")
	if err != nil || !phonenumbers.IsValidNumber(parsed) {
		return "", fmt.Errorf("invalid phone number %q", num)
	}
	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}

// ── Log ───────────────────────────────────────────────────────────────────────

// LogSender writes payloads to the log instead of delivering them.
type LogSender struct {
	channel repository.Channel
	log     zerolog.Logger
}

func NewLogSender(channel repository.Channel, log zerolog.Logger) *LogSender {
	return &LogSender{channel: channel, log: log}
}

func (l *LogSender) Send(_ context.Context, payload repository.NotificationPayload) (string, error) {
	messageID := "log-" + uuid.NewString()
	l.log.Info().
		Str("channel", string(l.channel)).
		Str("recipient", payload.Recipient).
		Str("subject", payload.Subject).
		Str("quote_id", payload.QuoteID).
		Str("message_id", messageID).
		Msg("Notification delivered to log")
	return messageID, nil
}
