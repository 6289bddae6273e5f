package nip57

import (
	"errors"
	"time"

	"github.com/ellemouton/lnaddr/invoice"
	"github.com/ellemouton/lnaddr/signer"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/nbd-wtf/go-nostr"
)

// copiedTags are the zap request tags carried over into the receipt.
var copiedTags = map[string]struct{}{
	"p": {},
	"e": {},
	"a": {},
}

// ReceiptBuilder signs zap receipts with the service key.
type ReceiptBuilder struct {
	key   *signer.KeyPair
	clock clock.Clock
}

// NewReceiptBuilder returns a builder signing with key and stamping receipts
// with clk's time.
func NewReceiptBuilder(key *signer.KeyPair, clk clock.Clock) *ReceiptBuilder {
	return &ReceiptBuilder{
		key:   key,
		clock: clk,
	}
}

// Build creates the signed receipt for a settled zap request.
func (b *ReceiptBuilder) Build(zr *ZapRequest,
	pr *invoice.PaymentRequest) (*nostr.Event, error) {

	return BuildReceipt(zr, pr, b.key, b.clock.Now())
}

// BuildReceipt assembles and signs a kind 9735 receipt. Tags are the
// request's p, e and a tags in their original order, followed by bolt11,
// description and P. The description is the zap request exactly as it was
// received so that its hash matches the invoice's description hash.
func BuildReceipt(zr *ZapRequest, pr *invoice.PaymentRequest,
	key *signer.KeyPair, now time.Time) (*nostr.Event, error) {

	if zr == nil || pr == nil {
		return nil, errors.New("zap request and payment request " +
			"required")
	}

	tags := make(nostr.Tags, 0, len(zr.Event.Tags)+3)
	for _, tag := range zr.Event.Tags {
		if _, ok := copiedTags[tag.Key()]; !ok {
			continue
		}
		tags = append(tags, append(nostr.Tag(nil), tag...))
	}
	tags = append(tags,
		nostr.Tag{"bolt11", pr.Bolt11},
		nostr.Tag{"description", string(zr.Raw)},
		nostr.Tag{"P", zr.Event.PubKey},
	)

	receipt := &nostr.Event{
		CreatedAt: nostr.Timestamp(now.Unix()),
		Kind:      nostr.KindZap,
		Tags:      tags,
		Content:   "",
	}
	if err := key.Sign(receipt); err != nil {
		return nil, err
	}

	return receipt, nil
}
