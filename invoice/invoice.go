// Package invoice wraps the lnd invoice backend: it creates invoices bound to
// a caller supplied description hash and normalizes what lnd returns.
package invoice

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrInvalidAmount is returned for missing, non-numeric or
	// non-positive amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrBackendUnavailable is returned when lnd cannot be reached.
	ErrBackendUnavailable = errors.New("payment backend unavailable")

	// ErrInvoiceRejected is returned when lnd declines to create the
	// invoice, or creates one that does not match the request.
	ErrInvoiceRejected = errors.New("invoice rejected")
)

// Creator is the part of lndclient.LightningClient the factory needs.
type Creator interface {
	AddInvoice(ctx context.Context,
		in *invoicesrpc.AddInvoiceData) (lntypes.Hash, string, error)
}

// PaymentRequest is an invoice issued by the backend.
type PaymentRequest struct {
	// Hash is the payment hash, which also identifies the invoice.
	Hash lntypes.Hash

	// Bolt11 is the encoded invoice handed to the payer.
	Bolt11 string

	// AmountMsat is the requested amount.
	AmountMsat lnwire.MilliSatoshi

	// DescriptionHash is the commitment embedded in the invoice.
	DescriptionHash [32]byte
}

// Config holds the factory's invoice policy.
type Config struct {
	// Expiry is the invoice expiry. Zero leaves lnd's default in place.
	Expiry time.Duration

	// ChainParams, when set, makes the factory decode every invoice lnd
	// returns and check it commits to the requested amount and
	// description hash.
	ChainParams *chaincfg.Params
}

// Factory creates invoices through lnd. It is safe for concurrent use as long
// as the underlying client is.
type Factory struct {
	cfg     Config
	backend Creator
}

// NewFactory returns a factory creating invoices with the given backend.
func NewFactory(backend Creator, cfg Config) *Factory {
	return &Factory{
		cfg:     cfg,
		backend: backend,
	}
}

// ParseAmount parses a millisatoshi amount from a query string value.
func ParseAmount(s string) (lnwire.MilliSatoshi, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: missing", ErrInvalidAmount)
	}

	msat, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidAmount, s)
	}
	if msat <= 0 {
		return 0, fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}

	return lnwire.MilliSatoshi(msat), nil
}

// Create asks the backend for an invoice of amt committing to descHash.
// Failures are never retried here.
func (f *Factory) Create(ctx context.Context, amt lnwire.MilliSatoshi,
	descHash [32]byte) (*PaymentRequest, error) {

	if amt == 0 || int64(amt) < 0 {
		return nil, fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}

	hash, pr, err := f.backend.AddInvoice(ctx, &invoicesrpc.AddInvoiceData{
		Value:           amt,
		DescriptionHash: descHash[:],
		Expiry:          int64(f.cfg.Expiry.Seconds()),
	})
	if err != nil {
		return nil, classify(err)
	}

	pr = strings.ToLower(strings.TrimSpace(pr))
	if pr == "" {
		return nil, fmt.Errorf("%w: empty payment request", ErrInvoiceRejected)
	}

	if f.cfg.ChainParams != nil {
		if err := checkInvoice(pr, amt, descHash, f.cfg.ChainParams); err != nil {
			return nil, err
		}
	}

	return &PaymentRequest{
		Hash:            hash,
		Bolt11:          pr,
		AmountMsat:      amt,
		DescriptionHash: descHash,
	}, nil
}

// classify maps an lnd error onto the factory's error kinds.
func classify(err error) error {
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {

		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvoiceRejected, err)
	}
}

func checkInvoice(pr string, amt lnwire.MilliSatoshi, descHash [32]byte,
	params *chaincfg.Params) error {

	inv, err := zpay32.Decode(pr, params)
	if err != nil {
		return fmt.Errorf("%w: undecodable invoice: %v",
			ErrInvoiceRejected, err)
	}

	if inv.DescriptionHash == nil || *inv.DescriptionHash != descHash {
		return fmt.Errorf("%w: description hash mismatch",
			ErrInvoiceRejected)
	}

	if inv.MilliSat == nil || *inv.MilliSat != amt {
		return fmt.Errorf("%w: amount mismatch", ErrInvoiceRejected)
	}

	return nil
}
