package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// behaviour describes how a fake relay answers.
type behaviour struct {
	delay   time.Duration
	err     error
	release chan struct{}
}

type mockTransport struct {
	relays map[string]behaviour

	mu       sync.Mutex
	calls    []string
	finished map[string]error
}

func newMockTransport(relays map[string]behaviour) *mockTransport {
	return &mockTransport{
		relays:   relays,
		finished: make(map[string]error),
	}
}

func (m *mockTransport) Publish(ctx context.Context, url string,
	_ nostr.Event) error {

	m.mu.Lock()
	m.calls = append(m.calls, url)
	m.mu.Unlock()

	b := m.relays[url]
	if b.release != nil {
		<-b.release
	}
	if b.delay > 0 {
		time.Sleep(b.delay)
	}

	m.mu.Lock()
	// Record whether the attempt was cancelled from under us.
	m.finished[url] = ctx.Err()
	m.mu.Unlock()

	return b.err
}

func testEvent() *nostr.Event {
	return &nostr.Event{ID: "abc", Kind: nostr.KindZap}
}

func TestPublishFirstSuccessAfterFailures(t *testing.T) {
	t.Parallel()

	const succeedAfter = 100 * time.Millisecond

	transport := newMockTransport(map[string]behaviour{
		"wss://a": {err: errors.New("connection refused")},
		"wss://b": {err: errors.New("blocked: spam")},
		"wss://c": {delay: succeedAfter},
	})
	p := NewPublisher(transport, Config{}, zaptest.NewLogger(t))

	start := time.Now()
	err := p.Publish(context.Background(),
		[]string{"wss://a", "wss://b", "wss://c"}, testEvent())
	took := time.Since(start)

	require.NoError(t, err)
	require.GreaterOrEqual(t, took, succeedAfter)
	require.Less(t, took, succeedAfter+time.Second)

	p.Wait()
	require.Len(t, transport.calls, 3)
}

func TestPublishDoesNotWaitForOrCancelLosers(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	transport := newMockTransport(map[string]behaviour{
		"wss://fast": {},
		"wss://slow": {release: release},
		"wss://dead": {release: release, err: errors.New("timeout")},
	})
	p := NewPublisher(transport, Config{}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	err := p.Publish(ctx, []string{
		"wss://fast", "wss://slow", "wss://dead",
	}, testEvent())
	require.NoError(t, err)

	// Cancelling the caller's context must not reach the attempts that
	// are still running.
	cancel()
	close(release)
	p.Wait()

	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.Len(t, transport.finished, 3)
	for url, ctxErr := range transport.finished {
		require.NoError(t, ctxErr, url)
	}
}

func TestPublishAllFail(t *testing.T) {
	t.Parallel()

	errA := errors.New("connection refused")
	errB := errors.New("invalid: bad event")
	transport := newMockTransport(map[string]behaviour{
		"wss://a": {err: errA},
		"wss://b": {err: errB, delay: 10 * time.Millisecond},
	})
	p := NewPublisher(transport, Config{}, zaptest.NewLogger(t))

	err := p.Publish(context.Background(),
		[]string{"wss://a", "wss://b"}, testEvent())
	require.ErrorIs(t, err, ErrAllRelaysFailed)
	require.ErrorIs(t, err, errA)
	require.ErrorIs(t, err, errB)

	p.Wait()
}

func TestPublishDeduplicatesRelays(t *testing.T) {
	t.Parallel()

	transport := newMockTransport(map[string]behaviour{})
	p := NewPublisher(transport, Config{}, zaptest.NewLogger(t))

	err := p.Publish(context.Background(),
		[]string{"wss://a", "", "wss://a"}, testEvent())
	require.NoError(t, err)

	p.Wait()
	require.Equal(t, []string{"wss://a"}, transport.calls)
}

func TestPublishNoRelays(t *testing.T) {
	t.Parallel()

	p := NewPublisher(
		newMockTransport(nil), Config{}, zaptest.NewLogger(t),
	)

	err := p.Publish(context.Background(), nil, testEvent())
	require.ErrorIs(t, err, ErrNoRelays)
}

func TestPublishCallerGivesUp(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	transport := newMockTransport(map[string]behaviour{
		"wss://slow": {release: release},
	})
	p := NewPublisher(transport, Config{}, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(
		context.Background(), 20*time.Millisecond,
	)
	defer cancel()

	err := p.Publish(ctx, []string{"wss://slow"}, testEvent())
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	p.Wait()

	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.NoError(t, transport.finished["wss://slow"])
}
