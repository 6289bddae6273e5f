package invoice

import (
	"context"
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type mockCreator struct {
	hash lntypes.Hash
	pr   string
	err  error

	calls []*invoicesrpc.AddInvoiceData
}

func (m *mockCreator) AddInvoice(_ context.Context,
	in *invoicesrpc.AddInvoiceData) (lntypes.Hash, string, error) {

	m.calls = append(m.calls, in)

	return m.hash, m.pr, m.err
}

func TestParseAmount(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    lnwire.MilliSatoshi
		wantErr bool
	}{
		{in: "21000", want: 21000},
		{in: " 1000 ", want: 1000},
		{in: "", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "1.5", wantErr: true},
		{in: "0", wantErr: true},
		{in: "-5", wantErr: true},
	}

	for _, test := range tests {
		amt, err := ParseAmount(test.in)
		if test.wantErr {
			require.ErrorIs(t, err, ErrInvalidAmount, test.in)
			continue
		}
		require.NoError(t, err, test.in)
		require.Equal(t, test.want, amt)
	}
}

func TestCreate(t *testing.T) {
	t.Parallel()

	backend := &mockCreator{
		hash: lntypes.Hash{1, 2, 3},
		pr:   "  LNBCRT210N1PJTEST \n",
	}
	f := NewFactory(backend, Config{Expiry: time.Hour})

	raw := []byte(`{"kind":9734}`)
	descHash := sha256.Sum256(raw)

	pr, err := f.Create(context.Background(), 21000, descHash)
	require.NoError(t, err)
	require.Equal(t, backend.hash, pr.Hash)
	require.Equal(t, "lnbcrt210n1pjtest", pr.Bolt11)
	require.Equal(t, lnwire.MilliSatoshi(21000), pr.AmountMsat)

	// Re-hashing the raw payload reproduces the stored commitment.
	require.Equal(t, sha256.Sum256(raw), pr.DescriptionHash)

	require.Len(t, backend.calls, 1)
	call := backend.calls[0]
	require.Equal(t, descHash[:], call.DescriptionHash)
	require.Equal(t, lnwire.MilliSatoshi(21000), call.Value)
	require.EqualValues(t, 3600, call.Expiry)
	require.Empty(t, call.Memo)
}

func TestCreateRejectsZeroAmount(t *testing.T) {
	t.Parallel()

	backend := &mockCreator{}
	f := NewFactory(backend, Config{})

	_, err := f.Create(context.Background(), 0, [32]byte{})
	require.ErrorIs(t, err, ErrInvalidAmount)
	require.Empty(t, backend.calls)
}

func TestCreateBackendErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "unavailable",
			err:  status.Error(codes.Unavailable, "connection refused"),
			want: ErrBackendUnavailable,
		},
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: ErrBackendUnavailable,
		},
		{
			name: "rejected",
			err: status.Error(
				codes.InvalidArgument, "amount too large",
			),
			want: ErrInvoiceRejected,
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			want: ErrInvoiceRejected,
		},
	}

	for _, test := range tests {
		f := NewFactory(&mockCreator{err: test.err}, Config{})

		_, err := f.Create(context.Background(), 1000, [32]byte{})
		require.ErrorIs(t, err, test.want, test.name)
	}
}

func TestCreateEmptyPaymentRequest(t *testing.T) {
	t.Parallel()

	f := NewFactory(&mockCreator{pr: " "}, Config{})

	_, err := f.Create(context.Background(), 1000, [32]byte{})
	require.ErrorIs(t, err, ErrInvoiceRejected)
}

func TestCreateChecksReturnedInvoice(t *testing.T) {
	t.Parallel()

	f := NewFactory(&mockCreator{pr: "lnbcrt1notaninvoice"}, Config{
		ChainParams: &chaincfg.RegressionNetParams,
	})

	_, err := f.Create(context.Background(), 1000, [32]byte{})
	require.ErrorIs(t, err, ErrInvoiceRejected)
}
