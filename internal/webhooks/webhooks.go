// Package webhooks forwards ledger events to external HTTP endpoints.
//
// Each delivery is a JSON POST signed with HMAC-SHA256 over
// "<timestamp>.<body>" using the endpoint secret. Receivers check the
// X-Recurra-Signature header with Verify.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/recurra/internal/circuitbreaker"
	"github.com/mbd888/recurra/internal/events"
	"github.com/mbd888/recurra/internal/metrics"
	"github.com/mbd888/recurra/internal/retry"
)

const (
	HeaderEvent     = "X-Recurra-Event"
	HeaderDelivery  = "X-Recurra-Delivery"
	HeaderTimestamp = "X-Recurra-Timestamp"
	HeaderSignature = "X-Recurra-Signature"

	signaturePrefix = "sha256="
)

var ErrBadSignature = errors.New("webhooks: bad signature")

// Endpoint receives events. An empty Kinds list means every kind.
type Endpoint struct {
	URL    string
	Secret string
	Kinds  []events.Kind
}

func (e Endpoint) wants(k events.Kind) bool {
	return len(e.Kinds) == 0 || slices.Contains(e.Kinds, k)
}

// Delivery is the body posted to an endpoint.
type Delivery struct {
	ID    string       `json:"id"`
	Event events.Event `json:"event"`
}

// Notifier is an events.Sink that delivers events in the background.
type Notifier struct {
	endpoints []Endpoint
	queue     chan events.Event
	client    *http.Client
	breaker   *circuitbreaker.Breaker
	policy    retry.Policy
	logger    *slog.Logger
	now       func() time.Time
	done      chan struct{}
}

// Option configures a Notifier.
type Option func(*Notifier)

func WithHTTPClient(c *http.Client) Option { return func(n *Notifier) { n.client = c } }
func WithRetry(p retry.Policy) Option      { return func(n *Notifier) { n.policy = p } }
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(n *Notifier) { n.breaker = b }
}

// WithQueueSize bounds the number of undelivered events held in memory.
func WithQueueSize(size int) Option {
	return func(n *Notifier) { n.queue = make(chan events.Event, size) }
}

// NewNotifier builds a notifier for endpoints. Call Run to start delivering.
func NewNotifier(endpoints []Endpoint, logger *slog.Logger, opts ...Option) *Notifier {
	n := &Notifier{
		endpoints: endpoints,
		queue:     make(chan events.Event, 1024),
		client:    &http.Client{Timeout: 10 * time.Second},
		breaker:   circuitbreaker.New(5, time.Minute),
		policy:    retry.Policy{Attempts: 3, Base: 500 * time.Millisecond, Max: 5 * time.Second},
		logger:    logger,
		now:       time.Now,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Publish queues e. It never blocks; when the queue is full the event is
// dropped for every endpoint.
func (n *Notifier) Publish(e events.Event) {
	select {
	case n.queue <- e:
	default:
		metrics.WebhookDeliveriesTotal.WithLabelValues("dropped").Inc()
		n.logger.Warn("webhook queue full, event dropped", "seq", e.Seq, "kind", e.Kind)
	}
}

// Run delivers queued events until ctx is done.
func (n *Notifier) Run(ctx context.Context) {
	defer close(n.done)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-n.queue:
			for _, ep := range n.endpoints {
				if ep.wants(e.Kind) {
					n.deliver(ctx, ep, e)
				}
			}
		}
	}
}

// Done is closed when Run returns.
func (n *Notifier) Done() <-chan struct{} { return n.done }

func (n *Notifier) deliver(ctx context.Context, ep Endpoint, e events.Event) {
	if !n.breaker.Allow(ep.URL) {
		metrics.WebhookDeliveriesTotal.WithLabelValues("skipped").Inc()
		return
	}

	d := Delivery{ID: uuid.NewString(), Event: e}
	body, err := json.Marshal(d)
	if err != nil {
		n.logger.Error("webhook marshal failed", "seq", e.Seq, "error", err)
		return
	}

	err = retry.Do(ctx, n.policy, func(ctx context.Context) error {
		return n.post(ctx, ep, d.ID, e.Kind, body)
	})
	if err != nil {
		n.breaker.Failure(ep.URL)
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		n.logger.Warn("webhook delivery failed",
			"url", ep.URL,
			"seq", e.Seq,
			"kind", e.Kind,
			"delivery", d.ID,
			"error", err,
		)
		return
	}
	n.breaker.Success(ep.URL)
	metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
}

func (n *Notifier) post(ctx context.Context, ep Endpoint, id string, kind events.Kind, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	ts := n.now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(kind))
	req.Header.Set(HeaderDelivery, id)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	if ep.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(ep.Secret, ts, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

// Sign returns the signature header value for body sent at ts.
func Sign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header produced by Sign.
func Verify(secret string, ts int64, body []byte, signature string) error {
	if !hmac.Equal([]byte(Sign(secret, ts, body)), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

// ParseEndpoints reads a ';'-separated endpoint list. Each entry is a URL
// optionally followed by '|' and a ','-separated list of event kinds, e.g.
// "https://a.example/hook|renewed,paid;https://b.example/hook". Every
// endpoint shares secret.
func ParseEndpoints(raw, secret string) ([]Endpoint, error) {
	var out []Endpoint
	for _, item := range strings.Split(raw, ";") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		rawURL, kinds, _ := strings.Cut(item, "|")
		u, err := url.Parse(strings.TrimSpace(rawURL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("webhooks: invalid endpoint URL %q", rawURL)
		}
		ep := Endpoint{URL: u.String(), Secret: secret}
		for _, k := range strings.Split(kinds, ",") {
			if k = strings.TrimSpace(k); k != "" {
				ep.Kinds = append(ep.Kinds, events.Kind(k))
			}
		}
		out = append(out, ep)
	}
	return out, nil
}

var _ events.Sink = (*Notifier)(nil)
