// Package nip57 validates inbound zap requests and builds the zap receipts
// published once the zapped invoice settles.
package nip57

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/ellemouton/lnaddr/signer"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/nbd-wtf/go-nostr"
)

var (
	// ErrMalformedPayload is returned when the zap request is not a
	// parseable event.
	ErrMalformedPayload = errors.New("malformed zap request")

	// ErrInvalidSignature is returned when the zap request's id or
	// signature does not verify.
	ErrInvalidSignature = errors.New("invalid zap request signature")

	// ErrNotZapRequest is returned for events of any other kind.
	ErrNotZapRequest = errors.New("event is not a zap request")

	// ErrInvalidTags is returned when the p/e tags break the zap request
	// rules.
	ErrInvalidTags = errors.New("invalid zap request tags")

	// ErrAmountMismatch is returned when the zap request's amount tag
	// disagrees with the amount being invoiced.
	ErrAmountMismatch = errors.New("zap request amount mismatch")
)

// ZapRequest is a verified kind 9734 event along with the exact bytes it was
// received as.
type ZapRequest struct {
	Event nostr.Event

	// Raw is the payload as received. The invoice description hash and
	// the receipt's description tag are both derived from it.
	Raw []byte
}

// Validate parses and verifies a zap request for an invoice of amt. The
// returned description hash is computed over raw itself, never over a
// re-encoding of the parsed event.
func Validate(raw []byte, amt lnwire.MilliSatoshi) (*ZapRequest, [32]byte,
	error) {

	var descHash [32]byte

	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, descHash, fmt.Errorf("%w: empty payload",
			ErrMalformedPayload)
	}

	var ev nostr.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, descHash, fmt.Errorf("%w: %v", ErrMalformedPayload,
			err)
	}

	if err := signer.Verify(&ev); err != nil {
		return nil, descHash, fmt.Errorf("%w: %v", ErrInvalidSignature,
			err)
	}

	if ev.Kind != nostr.KindZapRequest {
		return nil, descHash, fmt.Errorf("%w: kind %d", ErrNotZapRequest,
			ev.Kind)
	}

	if n := len(tagValues(ev.Tags, "p")); n != 1 {
		return nil, descHash, fmt.Errorf("%w: want exactly one p tag, "+
			"got %d", ErrInvalidTags, n)
	}
	if n := len(tagValues(ev.Tags, "e")); n > 1 {
		return nil, descHash, fmt.Errorf("%w: want at most one e tag, "+
			"got %d", ErrInvalidTags, n)
	}

	if amounts := tagValues(ev.Tags, "amount"); len(amounts) > 0 {
		want := strconv.FormatUint(uint64(amt), 10)
		if amounts[0] != want {
			return nil, descHash, fmt.Errorf("%w: tag says %s, "+
				"invoice is for %s", ErrAmountMismatch,
				amounts[0], want)
		}
	}

	zr := &ZapRequest{
		Event: ev,
		Raw:   append([]byte(nil), raw...),
	}

	return zr, sha256.Sum256(raw), nil
}

// FallbackDescriptionHash is the description hash used when no zap request
// accompanies a payment: the hash of the metadata served at discovery.
func FallbackDescriptionHash(metadata string) [32]byte {
	return sha256.Sum256([]byte(metadata))
}

// Relays returns the relay URLs listed in the zap request's relays tag.
func (z *ZapRequest) Relays() []string {
	for _, tag := range z.Event.Tags {
		if tag.Key() == "relays" && len(tag) > 1 {
			return append([]string(nil), tag[1:]...)
		}
	}

	return nil
}

// RelaySet picks the relays a receipt for zr is published to: those the
// requester asked for, or defaults when it named none. URLs are normalized
// and deduplicated, preserving order.
func RelaySet(zr *ZapRequest, defaults []string) []string {
	relays := dedupe(zr.Relays())
	if len(relays) == 0 {
		relays = dedupe(defaults)
	}

	return relays
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		u = nostr.NormalizeURL(u)
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

// tagValues returns the first value of every tag named key. Tag names are
// matched exactly.
func tagValues(tags nostr.Tags, key string) []string {
	var values []string
	for _, tag := range tags {
		if tag.Key() == key && len(tag) > 1 {
			values = append(values, tag[1])
		}
	}

	return values
}
