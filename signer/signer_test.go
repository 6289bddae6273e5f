package signer

import (
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

const testPrivKey = "7f7ff03d123792d6ac594bfa67bf6d0c0ab55b6b1fdb6249303fe861f1ccba9a"

func testEvent() *nostr.Event {
	return &nostr.Event{
		CreatedAt: nostr.Timestamp(1700000000),
		Kind:      nostr.KindTextNote,
		Tags:      nostr.Tags{{"p", strings.Repeat("a", 64)}},
		Content:   "hello",
	}
}

func TestParseKeyPair(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{name: "valid", key: testPrivKey},
		{name: "valid with prefix", key: "0x" + testPrivKey},
		{name: "too short", key: "deadbeef", wantErr: true},
		{name: "not hex", key: strings.Repeat("z", 64), wantErr: true},
		{name: "zero", key: strings.Repeat("0", 64), wantErr: true},
		{name: "above order", key: strings.Repeat("f", 64), wantErr: true},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			kp, err := ParseKeyPair(test.key)
			if test.wantErr {
				require.ErrorIs(t, err, ErrInvalidKey)
				return
			}
			require.NoError(t, err)
			require.Len(t, kp.PublicKey(), 64)
			require.Equal(t, testPrivKey, kp.PrivateKey())
		})
	}
}

func TestSignVerify(t *testing.T) {
	t.Parallel()

	kp, err := ParseKeyPair(testPrivKey)
	require.NoError(t, err)

	ev := testEvent()
	require.NoError(t, kp.Sign(ev))
	require.Equal(t, kp.PublicKey(), ev.PubKey)
	require.NoError(t, Verify(ev))

	// go-nostr must agree with our notion of a valid event.
	ok, err := ev.CheckSignature()
	require.NoError(t, err)
	require.True(t, ok)

	// Signing the same contents again yields the same id and signature.
	again := testEvent()
	require.NoError(t, kp.Sign(again))
	require.Equal(t, ev.ID, again.ID)
	require.Equal(t, ev.Sig, again.Sig)
}

func TestVerifyRejectsTampering(t *testing.T) {
	t.Parallel()

	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	other, err := GenerateKeyPair()
	require.NoError(t, err)

	tamper := map[string]func(ev *nostr.Event){
		"content": func(ev *nostr.Event) {
			ev.Content = "bye"
		},
		"id": func(ev *nostr.Event) {
			ev.ID = strings.Repeat("0", 64)
		},
		"pubkey": func(ev *nostr.Event) {
			ev.PubKey = other.PublicKey()
		},
		"signature": func(ev *nostr.Event) {
			ev.Sig = strings.Repeat("1", 128)
		},
		"truncated signature": func(ev *nostr.Event) {
			ev.Sig = ev.Sig[:10]
		},
		"missing pubkey": func(ev *nostr.Event) {
			ev.PubKey = ""
		},
		"upper case id": func(ev *nostr.Event) {
			ev.ID = strings.ToUpper(ev.ID)
		},
	}

	for name, mutate := range tamper {
		ev := testEvent()
		require.NoError(t, kp.Sign(ev))

		mutate(ev)
		require.ErrorIs(t, Verify(ev), ErrInvalidSignature, name)
	}
}
