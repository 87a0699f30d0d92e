package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/recurra/internal/circuitbreaker"
	"github.com/mbd888/recurra/internal/events"
	"github.com/mbd888/recurra/internal/retry"
)

var fast = retry.Policy{Attempts: 3, Base: time.Millisecond}

type received struct {
	header http.Header
	body   []byte
}

type receiver struct {
	mu     sync.Mutex
	got    []received
	status atomic.Int32
	srv    *httptest.Server
}

func newReceiver(t *testing.T) *receiver {
	t.Helper()
	r := &receiver{}
	r.status.Store(http.StatusOK)
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.got = append(r.got, received{header: req.Header.Clone(), body: body})
		r.mu.Unlock()
		w.WriteHeader(int(r.status.Load()))
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *receiver) requests() []received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]received(nil), r.got...)
}

func runNotifier(t *testing.T, n *Notifier) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go n.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-n.Done()
	})
}

func TestNotifier_DeliversSignedEvent(t *testing.T) {
	r := newReceiver(t)
	n := NewNotifier([]Endpoint{{URL: r.srv.URL, Secret: "s3cret"}}, slog.Default(), WithRetry(fast))
	runNotifier(t, n)

	n.Publish(events.Event{Seq: 4, Kind: events.Renewed, TenantID: 1, Account: "0xabc", Data: map[string]string{"amount": "100"}})

	require.Eventually(t, func() bool { return len(r.requests()) == 1 }, 2*time.Second, 5*time.Millisecond)
	got := r.requests()[0]

	var d Delivery
	require.NoError(t, json.Unmarshal(got.body, &d))
	assert.Equal(t, uint64(4), d.Event.Seq)
	assert.Equal(t, events.Renewed, d.Event.Kind)
	assert.Equal(t, "100", d.Event.Data["amount"])
	assert.Equal(t, d.ID, got.header.Get(HeaderDelivery))
	assert.Equal(t, "renewed", got.header.Get(HeaderEvent))

	ts, err := strconv.ParseInt(got.header.Get(HeaderTimestamp), 10, 64)
	require.NoError(t, err)
	assert.NoError(t, Verify("s3cret", ts, got.body, got.header.Get(HeaderSignature)))
	assert.ErrorIs(t, Verify("other", ts, got.body, got.header.Get(HeaderSignature)), ErrBadSignature)
}

func TestNotifier_KindFilter(t *testing.T) {
	r := newReceiver(t)
	n := NewNotifier([]Endpoint{{URL: r.srv.URL, Kinds: []events.Kind{events.Paid}}}, slog.Default(), WithRetry(fast))
	runNotifier(t, n)

	n.Publish(events.Event{Seq: 1, Kind: events.Subscribed})
	n.Publish(events.Event{Seq: 2, Kind: events.Paid})

	require.Eventually(t, func() bool { return len(r.requests()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	reqs := r.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "paid", reqs[0].header.Get(HeaderEvent))
	assert.Empty(t, reqs[0].header.Get(HeaderSignature), "no secret, no signature")
}

func TestNotifier_RetriesServerErrors(t *testing.T) {
	r := newReceiver(t)
	r.status.Store(http.StatusServiceUnavailable)
	n := NewNotifier([]Endpoint{{URL: r.srv.URL}}, slog.Default(), WithRetry(fast))
	runNotifier(t, n)

	n.Publish(events.Event{Seq: 1, Kind: events.Paid})
	require.Eventually(t, func() bool { return len(r.requests()) == 3 }, 2*time.Second, 5*time.Millisecond)

	reqs := r.requests()
	assert.Equal(t, reqs[0].header.Get(HeaderDelivery), reqs[2].header.Get(HeaderDelivery), "retries reuse the delivery id")
}

func TestNotifier_ClientErrorNotRetried(t *testing.T) {
	r := newReceiver(t)
	r.status.Store(http.StatusGone)
	n := NewNotifier([]Endpoint{{URL: r.srv.URL}}, slog.Default(), WithRetry(fast))
	runNotifier(t, n)

	n.Publish(events.Event{Seq: 1, Kind: events.Paid})
	require.Eventually(t, func() bool { return len(r.requests()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, r.requests(), 1)
}

func TestNotifier_BreakerSkipsDeadEndpoint(t *testing.T) {
	r := newReceiver(t)
	r.status.Store(http.StatusBadRequest)
	b := circuitbreaker.New(2, time.Hour)
	n := NewNotifier([]Endpoint{{URL: r.srv.URL}}, slog.Default(), WithRetry(fast), WithBreaker(b))
	runNotifier(t, n)

	for i := range 4 {
		n.Publish(events.Event{Seq: uint64(i + 1), Kind: events.Paid})
	}
	require.Eventually(t, func() bool { return b.State(r.srv.URL) == circuitbreaker.StateOpen }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, r.requests(), 2)
}

func TestNotifier_PublishNeverBlocks(t *testing.T) {
	n := NewNotifier(nil, slog.Default(), WithQueueSize(1))

	done := make(chan struct{})
	go func() {
		for i := range 10 {
			n.Publish(events.Event{Seq: uint64(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
}

func TestParseEndpoints(t *testing.T) {
	eps, err := ParseEndpoints(" https://a.example/hook|renewed, paid ; http://b.example/x ;", "k")
	require.NoError(t, err)
	require.Len(t, eps, 2)
	assert.Equal(t, "https://a.example/hook", eps[0].URL)
	assert.Equal(t, []events.Kind{events.Renewed, events.Paid}, eps[0].Kinds)
	assert.Equal(t, "k", eps[0].Secret)
	assert.Empty(t, eps[1].Kinds)

	eps, err = ParseEndpoints("", "")
	require.NoError(t, err)
	assert.Empty(t, eps)

	_, err = ParseEndpoints("ftp://a.example", "")
	assert.Error(t, err)
	_, err = ParseEndpoints("not a url", "")
	assert.Error(t, err)
}

func TestSign_CoversTimestamp(t *testing.T) {
	body := []byte(`{"id":"x"}`)
	sig := Sign("k", 100, body)
	assert.NoError(t, Verify("k", 100, body, sig))
	assert.ErrorIs(t, Verify("k", 101, body, sig), ErrBadSignature)
	assert.Contains(t, sig, "sha256=")
}
