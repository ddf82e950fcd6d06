package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/pesio-ai/be-escalation-approvals/internal/logger"
	"github.com/pesio-ai/be-escalation-approvals/internal/repository"
)

// RetryConfig controls per-send retries and the circuit breaker guarding an
// outbound endpoint.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// BreakerTimeout is how long the breaker stays open before probing again.
	BreakerTimeout time.Duration
	// BreakerFailures is the number of consecutive failed sends that opens it.
	BreakerFailures uint32
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 200 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 5 * time.Second
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 60 * time.Second
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	return c
}

// poster POSTs JSON with retry on transport errors and 5xx responses, behind
// a circuit breaker so a dead endpoint is not hammered on every transition.
type poster struct {
	client  *http.Client
	retry   RetryConfig
	breaker *gobreaker.CircuitBreaker
	log     *logger.Logger
}

func newPoster(name string, client *http.Client, retry RetryConfig, log *logger.Logger) *poster {
	retry = retry.withDefaults()
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	p := &poster{client: client, retry: retry, log: log}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: retry.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= retry.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Notification circuit breaker state change")
		},
	})
	return p
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

func (p *poster) post(ctx context.Context, url string, headers map[string]string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.retry.InitialInterval
	b.MaxInterval = p.retry.MaxInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.retry.MaxRetries)), ctx)

	attempt := 0
	operation := func() error {
		attempt++
		err := p.postOnce(ctx, url, headers, data)
		if err == nil {
			return nil
		}
		if se, ok := err.(*statusError); ok && se.code < 500 && se.code != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		p.log.Debug().Err(err).Int("attempt", attempt).Str("url", url).Msg("Notification send failed, retrying")
		return err
	}

	_, err = p.breaker.Execute(func() (interface{}, error) {
		return nil, backoff.Retry(operation, policy)
	})
	return err
}

func (p *poster) postOnce(ctx context.Context, url string, headers map[string]string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &statusError{code: resp.StatusCode, body: string(snippet)}
}

// ChatOpsMessage is the body posted to the chat-ops collaborator.
type ChatOpsMessage struct {
	Channel      string           `json:"channel"`
	Text         string           `json:"text"`
	Notification StepNotification `json:"notification"`
}

// ChatOpsSender posts step notifications to a chat-ops message API. The
// channel target is the chat-ops channel identifier.
type ChatOpsSender struct {
	url   string
	token string
	p     *poster
}

// NewChatOpsSender creates a sender posting to url with an optional bearer token.
func NewChatOpsSender(url, token string, client *http.Client, retry RetryConfig, log *logger.Logger) *ChatOpsSender {
	l := log.Component("chatops_sender")
	return &ChatOpsSender{url: url, token: token, p: newPoster("chatops", client, retry, l)}
}

func (s *ChatOpsSender) Send(ctx context.Context, ch repository.NotificationChannel, n StepNotification) error {
	if s.url == "" {
		return fmt.Errorf("chat-ops endpoint not configured")
	}
	if ch.Target == "" {
		return fmt.Errorf("chat-ops channel target is empty")
	}

	headers := map[string]string{}
	if s.token != "" {
		headers["Authorization"] = "Bearer " + s.token
	}
	return s.p.post(ctx, s.url, headers, ChatOpsMessage{
		Channel:      ch.Target,
		Text:         chatText(n),
		Notification: n,
	})
}

func chatText(n StepNotification) string {
	who := n.ApproverRole
	if n.Approver != "" {
		who = n.Approver
	}
	text := fmt.Sprintf("Approval needed (%d/%d) %q for %s: %s",
		n.StepNumber, n.TotalSteps, n.StepName, who, n.EscalationReason)
	if n.Deadline != nil {
		text += fmt.Sprintf(" (due %s)", n.Deadline.UTC().Format(time.RFC3339))
	}
	return text
}

// WebhookSender posts the raw StepNotification to the channel target URL.
type WebhookSender struct {
	p *poster
}

func NewWebhookSender(client *http.Client, retry RetryConfig, log *logger.Logger) *WebhookSender {
	return &WebhookSender{p: newPoster("webhook", client, retry, log.Component("webhook_sender"))}
}

func (s *WebhookSender) Send(ctx context.Context, ch repository.NotificationChannel, n StepNotification) error {
	if ch.Target == "" {
		return fmt.Errorf("webhook target is empty")
	}
	return s.p.post(ctx, ch.Target, nil, n)
}
