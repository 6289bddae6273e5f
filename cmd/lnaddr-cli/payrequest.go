package main

import (
	"bufio"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/ellemouton/lnaddr"
	"github.com/ellemouton/lnaddr/signer"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/nbd-wtf/go-nostr"
	"github.com/urfave/cli/v2"
)

var payRequestCommand = &cli.Command{
	Name:        "pay",
	Usage:       "Pay to LNURL",
	Description: `Pay to a static LNURL or Lightning Address, optionally as a Nostr zap`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "lnurl",
			Usage: "The LNURL or Lightning Address to pay to.",
		},
		&cli.Int64Flag{
			Name:  "amt",
			Usage: "The amt of millisats to pay",
		},
		&cli.Int64Flag{
			Name:  "maxfee",
			Usage: "max fee to pay for this payment (in sats)",
			Value: 10,
		},
		&cli.BoolFlag{
			Name:  "notls",
			Usage: "set to true to use http instead of https",
		},
		&cli.StringFlag{
			Name:  "zapkey",
			Usage: "hex Nostr private key; when set the payment is sent as a zap",
		},
		&cli.StringFlag{
			Name:  "recipient",
			Usage: "hex Nostr public key of the zap recipient",
		},
		&cli.StringFlag{
			Name:  "event",
			Usage: "optional hex id of the event being zapped",
		},
		&cli.StringSliceFlag{
			Name:  "relays",
			Usage: "relays the zap receipt should be published to",
		},
		&cli.StringFlag{
			Name:  "comment",
			Usage: "zap comment",
		},
	},
	Action: payToLNURL,
}

// resolve turns an LNURL, lnurlp:// URL or Lightning Address into the URL
// of its pay request.
func resolve(lnurl, protocol string) (string, error) {
	switch {
	case strings.HasPrefix(strings.ToUpper(lnurl), "LNURL"):
		return lnaddr.DecodeURL(lnurl)

	case strings.HasPrefix(lnurl, "lightning:"):
		return lnaddr.DecodeURL(strings.TrimPrefix(lnurl, "lightning:"))

	case strings.HasPrefix(lnurl, "lnurlp://"):
		return strings.Replace(lnurl, "lnurlp", protocol, 1), nil

	case strings.Contains(lnurl, "@"):
		// This is an LN Address:
		parts := strings.Split(lnurl, "@")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return "", fmt.Errorf("invalid LN address. Expected " +
				"the form <username>@<domain>")
		}

		username, domain := parts[0], parts[1]
		return fmt.Sprintf("%s://%s/.well-known/lnurlp/%s",
			protocol, domain, strings.ToLower(username)), nil

	default:
		return "", fmt.Errorf("unsupported scheme")
	}
}

// zapRequest builds and signs a kind 9734 event for a payment of amt to the
// pay request at payURL.
func zapRequest(ctx *cli.Context, payURL string, amt int64) (string, error) {
	key, err := signer.ParseKeyPair(ctx.String("zapkey"))
	if err != nil {
		return "", err
	}

	recipient := ctx.String("recipient")
	if recipient == "" {
		return "", fmt.Errorf("missing '--recipient' flag")
	}

	lnurl, err := lnaddr.EncodeURL(payURL)
	if err != nil {
		return "", err
	}

	tags := nostr.Tags{
		{"p", recipient},
		{"amount", strconv.FormatInt(amt, 10)},
		{"lnurl", strings.ToLower(lnurl)},
	}
	if relays := ctx.StringSlice("relays"); len(relays) > 0 {
		tags = append(tags, append(nostr.Tag{"relays"}, relays...))
	}
	if event := ctx.String("event"); event != "" {
		tags = append(tags, nostr.Tag{"e", event})
	}

	ev := nostr.Event{
		Kind:      nostr.KindZapRequest,
		CreatedAt: nostr.Now(),
		Tags:      tags,
		Content:   ctx.String("comment"),
	}
	if err := key.Sign(&ev); err != nil {
		return "", err
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}

	return string(raw), nil
}

func payToLNURL(ctx *cli.Context) error {
	// LNURL must be specified.
	lnurl := ctx.String("lnurl")
	if lnurl == "" {
		return fmt.Errorf("missing '--lnurl' flag")
	}

	protocol := "https"
	if ctx.Bool("notls") {
		protocol = "http"
	}

	payURL, err := resolve(lnurl, protocol)
	if err != nil {
		return fmt.Errorf("error decoding LNURL: %w", err)
	}

	// Ensure that the url uses the tls if we have not set --notls
	if !ctx.Bool("notls") && !strings.HasPrefix(payURL, "https") {
		return fmt.Errorf("url is not https")
	}

	// Make a GET request to the decoded LNURL.
	var payResp lnaddr.PayResponse
	if err := get(payURL, &payResp); err != nil {
		return err
	}

	if payResp.Tag != lnaddr.TypePayRequest {
		return fmt.Errorf("unexpected LNURL tag %q", payResp.Tag)
	}

	// Ensure that the response contains the necessary metadata field.
	var entries [][]string
	if err := json.Unmarshal([]byte(payResp.Metadata), &entries); err != nil {
		return fmt.Errorf("could not parse metadata: %w", err)
	}
	var hasText bool
	for _, d := range entries {
		if len(d) == 2 && d[0] == "text/plain" {
			hasText = true
		}
	}
	if !hasText {
		return fmt.Errorf("response metadata does not contain the " +
			"required 'text/plain' field")
	}

	minSendable, maxSendable := payResp.MinSendable, payResp.MaxSendable

	// Check if the user specified an amount in the original call. If they
	// did not or if the specified amount is not within the bounds specified
	// in the server response, ask the user to enter a valid amount.
	millisats := ctx.Int64("amt")
	reader := bufio.NewReader(os.Stdin)
	for millisats < minSendable || millisats > maxSendable {
		fmt.Printf("Enter an amount (in millisatoshis) between "+
			"%d and %d\n", minSendable, maxSendable)

		userInput, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("could not read from console: %w",
				err)
		}
		userInput = strings.TrimSpace(userInput)

		millisats, err = strconv.ParseInt(userInput, 10, 64)
		if err != nil {
			fmt.Printf("error parsing input: %v\n", err)
			continue
		}

		if millisats < minSendable || millisats > maxSendable {
			fmt.Printf("Invalid amount. Expected an amount "+
				"between %d and %d, got %d\n", minSendable,
				maxSendable, millisats)
		}
	}

	params := url.Values{}
	params.Set("amount", strconv.FormatInt(millisats, 10))

	// The invoice commits to the zap request when zapping and to the
	// metadata otherwise.
	descHash := sha256.Sum256([]byte(payResp.Metadata))
	if ctx.String("zapkey") != "" {
		if !payResp.AllowsNostr || payResp.NostrPubkey == "" {
			return fmt.Errorf("service does not support zaps")
		}

		zr, err := zapRequest(ctx, payURL, millisats)
		if err != nil {
			return fmt.Errorf("could not build zap request: %w", err)
		}
		params.Set("nostr", zr)
		descHash = sha256.Sum256([]byte(zr))
	}

	delim := "?"
	if strings.Contains(payResp.Callback, "?") {
		delim = "&"
	}
	getInvoice := payResp.Callback + delim + params.Encode()

	var invoice lnaddr.InvoiceResponse
	if err := get(getInvoice, &invoice); err != nil {
		return err
	}

	chainParams, err := lnaddr.ChainParams(ctx.String("network"))
	if err != nil {
		return err
	}

	inv, err := zpay32.Decode(invoice.PayRequest, chainParams)
	if err != nil {
		return err
	}

	// Ensure that the invoice description hash matches what we expect it
	// to commit to.
	if inv.DescriptionHash == nil || *inv.DescriptionHash != descHash {
		return fmt.Errorf("invalid invoice description hash")
	}
	if inv.MilliSat == nil || int64(*inv.MilliSat) != millisats {
		return fmt.Errorf("invoice amount does not match request")
	}

	lndClient, err := getLND(ctx)
	if err != nil {
		return fmt.Errorf("could not connect to LND: %w", err)
	}
	defer lndClient.Close()

	res := <-lndClient.Client.PayInvoice(
		ctx.Context, invoice.PayRequest,
		btcutil.Amount(ctx.Int64("maxfee")), nil,
	)

	if res.Err != nil {
		return fmt.Errorf("could not pay invoice: %w", res.Err)
	}

	fmt.Printf("Successful payment! Preimage: %s\n", res.Preimage)

	if invoice.SuccessAction != nil &&
		invoice.SuccessAction.Tag == "message" {

		fmt.Println(invoice.SuccessAction.Message)
	}

	return nil
}
