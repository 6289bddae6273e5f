// Package relay broadcasts signed events to Nostr relays.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ellemouton/lnaddr/internal/metrics"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

const defaultTimeout = 10 * time.Second

var (
	// ErrAllRelaysFailed is returned when no relay accepted the event.
	ErrAllRelaysFailed = errors.New("all relays failed")

	// ErrNoRelays is returned when there is nowhere to publish to.
	ErrNoRelays = errors.New("no relays to publish to")
)

// Transport submits an event to a single relay and returns once the relay
// has accepted or rejected it.
type Transport interface {
	Publish(ctx context.Context, url string, ev nostr.Event) error
}

// NostrTransport opens a fresh websocket connection per publish.
type NostrTransport struct{}

// Publish connects to url, sends ev and waits for the relay's OK.
func (NostrTransport) Publish(ctx context.Context, url string,
	ev nostr.Event) error {

	relay, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return fmt.Errorf("connecting to relay: %w", err)
	}
	defer relay.Close()

	if err := relay.Publish(ctx, ev); err != nil {
		return fmt.Errorf("publishing to relay: %w", err)
	}

	return nil
}

// Config holds publisher settings.
type Config struct {
	// Timeout bounds each relay attempt. Defaults to 10 seconds.
	Timeout time.Duration
}

// Publisher fans an event out to a set of relays.
type Publisher struct {
	transport Transport
	cfg       Config
	log       *zap.Logger

	wg sync.WaitGroup
}

// NewPublisher returns a publisher sending through transport.
func NewPublisher(transport Transport, cfg Config,
	log *zap.Logger) *Publisher {

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	return &Publisher{
		transport: transport,
		cfg:       cfg,
		log:       log,
	}
}

type result struct {
	url string
	err error
}

// Publish sends ev to every relay concurrently and returns as soon as one of
// them accepts it. Attempts still in flight at that point carry on in the
// background and only log their outcome; they are never cancelled, not even
// when ctx is. If every relay fails, the joined errors are returned wrapped
// in ErrAllRelaysFailed.
func (p *Publisher) Publish(ctx context.Context, relays []string,
	ev *nostr.Event) error {

	relays = distinct(relays)
	if len(relays) == 0 {
		return ErrNoRelays
	}

	// Buffered so that attempts finishing after we stopped listening
	// never block.
	results := make(chan result, len(relays))
	attemptCtx := context.WithoutCancel(ctx)

	for _, url := range relays {
		p.wg.Add(1)
		go func(url string) {
			defer p.wg.Done()

			err := p.attempt(attemptCtx, url, *ev)
			results <- result{url: url, err: err}
		}(url)
	}

	var errs []error
	for range relays {
		select {
		case res := <-results:
			if res.err == nil {
				return nil
			}
			errs = append(errs, fmt.Errorf("%s: %w", res.url,
				res.err))

		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("%w: %w", ErrAllRelaysFailed, errors.Join(errs...))
}

// Wait blocks until all relay attempts, including those left running in the
// background, have finished.
func (p *Publisher) Wait() {
	p.wg.Wait()
}

func (p *Publisher) attempt(ctx context.Context, url string,
	ev nostr.Event) error {

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	start := time.Now()
	err := p.transport.Publish(ctx, url, ev)

	log := p.log.With(
		zap.String("relay", url),
		zap.String("event_id", ev.ID),
		zap.Duration("took", time.Since(start)),
	)
	if err != nil {
		metrics.RelayPublishTotal.WithLabelValues("failed").Inc()
		log.Warn("Relay rejected event", zap.Error(err))

		return err
	}

	metrics.RelayPublishTotal.WithLabelValues("accepted").Inc()
	log.Debug("Relay accepted event")

	return nil
}

func distinct(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}

	return out
}
