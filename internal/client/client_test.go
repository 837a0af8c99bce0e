package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-sales-quotes/internal/repository"
	"github.com/pesio-ai/be-sales-quotes/pkg/errors"
)

type recordingBus struct {
	subjects []string
	keys     []string
	ids      []string
	payloads [][]byte
	err      error
}

func (b *recordingBus) Name() string { return "test" }

func (b *recordingBus) Publish(_ context.Context, subject, key, msgID string, data []byte) error {
	if b.err != nil {
		return b.err
	}
	b.subjects = append(b.subjects, subject)
	b.keys = append(b.keys, key)
	b.ids = append(b.ids, msgID)
	b.payloads = append(b.payloads, data)
	return nil
}

func (b *recordingBus) Close() error { return nil }

func TestNotificationPublisher_PublishesBySubject(t *testing.T) {
	bus := &recordingBus{}
	pub := NewNotificationPublisher(bus, zerolog.Nop())

	pub.PublishQuoteEvent(context.Background(), QuoteEvent{
		EventType:  "quote_approved",
		QuoteID:    "q-1",
		FromStatus: "pending_approval",
		ToStatus:   "approved",
	})

	require.Len(t, bus.subjects, 1)
	assert.Equal(t, "quotes.events.quote_approved", bus.subjects[0])
	assert.Equal(t, "q-1", bus.keys[0])

	var got QuoteEvent
	require.NoError(t, json.Unmarshal(bus.payloads[0], &got))
	assert.Equal(t, "approved", got.ToStatus)
}

func TestNotificationPublisher_RepeatedStatusGetsDistinctIDs(t *testing.T) {
	bus := &recordingBus{}
	pub := NewNotificationPublisher(bus, zerolog.Nop())

	// draft -> pending_approval, recalled to draft, resubmitted
	pub.PublishQuoteEvent(context.Background(), QuoteEvent{EventID: "h-2", EventType: "quote_pending_approval", QuoteID: "q-1", Version: 2})
	pub.PublishQuoteEvent(context.Background(), QuoteEvent{EventID: "h-3", EventType: "quote_draft", QuoteID: "q-1", Version: 3})
	pub.PublishQuoteEvent(context.Background(), QuoteEvent{EventID: "h-4", EventType: "quote_pending_approval", QuoteID: "q-1", Version: 4})

	require.Len(t, bus.ids, 3)
	assert.Equal(t, []string{"h-2", "h-3", "h-4"}, bus.ids)
	assert.Equal(t, []string{"q-1", "q-1", "q-1"}, bus.keys)

	pub.PublishQuoteEvent(context.Background(), QuoteEvent{EventType: "quote_sent", QuoteID: "q-2", Version: 5})
	assert.Equal(t, "q-2:5", bus.ids[3])
}

func TestNotificationPublisher_FailureIsSwallowed(t *testing.T) {
	bus := &recordingBus{err: fmt.Errorf("broker down")}
	pub := NewNotificationPublisher(bus, zerolog.Nop())

	assert.NotPanics(t, func() {
		pub.PublishQuoteEvent(context.Background(), QuoteEvent{EventType: "quote_sent", QuoteID: "q-1"})
	})
	assert.Empty(t, bus.subjects)
}

func TestNotificationPublisher_NilBus(t *testing.T) {
	pub := NewNotificationPublisher(nil, zerolog.Nop())
	pub.PublishQuoteEvent(context.Background(), QuoteEvent{EventType: "quote_sent"})
	assert.NoError(t, pub.Close())
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   errors.Code
	}{
		{200, ""},
		{202, ""},
		{400, errors.ErrCodeDeliveryPermanent},
		{401, errors.ErrCodeDeliveryPermanent},
		{404, errors.ErrCodeDeliveryPermanent},
		{429, errors.ErrCodeDeliveryTransient},
		{500, errors.ErrCodeDeliveryTransient},
		{503, errors.ErrCodeDeliveryTransient},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			err := ClassifyStatus(tt.status, "body")
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.HasCode(err, tt.want), "got %v", err)
		})
	}
}

func TestClassifySMTPError(t *testing.T) {
	assert.True(t, errors.HasCode(classifySMTPError(&textproto.Error{Code: 550, Msg: "mailbox unavailable"}), errors.ErrCodeDeliveryPermanent))
	assert.True(t, errors.HasCode(classifySMTPError(&textproto.Error{Code: 421, Msg: "try later"}), errors.ErrCodeDeliveryTransient))
	assert.True(t, errors.HasCode(classifySMTPError(fmt.Errorf("dial tcp: connection refused")), errors.ErrCodeDeliveryTransient))
}

type stubSender struct {
	sent []repository.NotificationPayload
}

func (s *stubSender) Send(_ context.Context, p repository.NotificationPayload) (string, error) {
	s.sent = append(s.sent, p)
	return "msg-1", nil
}

func TestRouter(t *testing.T) {
	email := &stubSender{}
	router := NewRouter(map[repository.Channel]Sender{repository.ChannelEmail: email})

	id, err := router.Send(context.Background(), repository.NotificationPayload{Recipient: "a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "msg-1", id)
	assert.Len(t, email.sent, 1)

	_, err = router.Send(context.Background(), repository.NotificationPayload{Channel: repository.ChannelSMS, Recipient: "+442071838750"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeDeliveryPermanent))
}

func TestNormalizePhone(t *testing.T) {
	got, err := NormalizePhone("+44 20 7183 8750")
	require.NoError(t, err)
	assert.Equal(t, "+442071838750", got)

	_, err = NormalizePhone("02071838750")
	assert.Error(t, err)

	_, err = NormalizePhone("")
	assert.Error(t, err)
}

func TestBuildMIMEMessage(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := string(buildMIMEMessage("Sales", "sales@example.com", repository.NotificationPayload{
		Recipient: "client@example.com",
		Subject:   "Quote Q-1",
		Body:      "line one\nline two",
	}, "<id@example.com>", at))

	assert.Contains(t, msg, "From: Sales <sales@example.com>\r\n")
	assert.Contains(t, msg, "To: client@example.com\r\n")
	assert.Contains(t, msg, "Message-ID: <id@example.com>\r\n")
	assert.True(t, strings.HasSuffix(msg, "line one\r\nline two"))
}

func TestMemoryViewDeduper(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := NewMemoryViewDeduper(func() time.Time { return now })
	ctx := context.Background()

	first, err := d.FirstView(ctx, "q-1", 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	again, _ := d.FirstView(ctx, "q-1", 10*time.Minute)
	assert.False(t, again)

	other, _ := d.FirstView(ctx, "q-2", 10*time.Minute)
	assert.True(t, other)

	now = now.Add(11 * time.Minute)
	later, _ := d.FirstView(ctx, "q-1", 10*time.Minute)
	assert.True(t, later)

	require.NoError(t, d.Forget(ctx, "q-1"))
	forgotten, _ := d.FirstView(ctx, "q-1", 10*time.Minute)
	assert.True(t, forgotten)
}

func TestBuildMIMEMessage_HeaderInjection(t *testing.T) {
	msg := string(buildMIMEMessage("Sales", "sales@example.com", repository.NotificationPayload{
		Recipient: "client@example.com",
		Subject:   "Quote\r\nBcc: victim@example.com",
		Headers: map[string]string{
			"X-Ref":            "a\nX-Injected: 1",
			"Bad Name\r\nBcc:": "x",
		},
		Body: "hi",
	}, "<id@example.com>", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))

	headers := msg[:strings.Index(msg, "\r\n\r\n")]
	assert.Contains(t, headers, "Subject: Quote Bcc: victim@example.com\r\n")
	assert.Contains(t, headers, "X-Ref: a X-Injected: 1\r\n")
	assert.NotContains(t, headers, "\r\nBcc:")
	assert.NotContains(t, headers, "\r\nX-Injected:")
	assert.NotContains(t, headers, "Bad Name")
}

func TestSMTPSender_StuckServerHonoursContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	// accepts but never sends the greeting
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	sender := NewSMTPSender("127.0.0.1", port, "", "", "Sales", "sales@example.com")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = sender.Send(ctx, repository.NotificationPayload{Recipient: "client@example.com", Subject: "s", Body: "b"})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeDeliveryTransient))
	assert.Less(t, time.Since(start), 5*time.Second)
}
