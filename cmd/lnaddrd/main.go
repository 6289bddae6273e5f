package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ellemouton/lnaddr"
	"github.com/ellemouton/lnaddr/relay"
	"github.com/ellemouton/lnaddr/signer"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := cli.NewApp()

	app.Name = "lnaddrd"
	app.Usage = "Lightning Address server with Nostr zap receipts"
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:  "envfile",
			Value: ".env",
			Usage: "dotenv file to load before reading the environment",
		},
	}
	app.Action = serve
	app.Commands = []*cli.Command{
		{
			Name:   "serve",
			Usage:  "Run the server (default)",
			Action: serve,
		},
		keygenCommand,
		lnurlCommand,
		{
			Name:  "env",
			Usage: "List the supported environment variables",
			Action: func(*cli.Context) error {
				lnaddr.PrintUsage(os.Stdout)
				return nil
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "[lnaddrd] %v\n", err)
		os.Exit(1)
	}
}

func serve(c *cli.Context) error {
	cfg, err := lnaddr.LoadConfig(c.String("envfile"))
	if err != nil {
		return err
	}

	log, err := lnaddr.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(
		c.Context, os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	lnd, err := lnaddr.ConnectLnd(cfg)
	if err != nil {
		return fmt.Errorf("connecting to lnd: %w", err)
	}
	defer lnd.Close()

	info, err := lnd.Client.GetInfo(ctx)
	if err != nil {
		return fmt.Errorf("querying lnd: %w", err)
	}
	log.Info("Connected to node", zap.String("alias", info.Alias),
		zap.String("network", cfg.Network))

	server, err := lnaddr.NewServer(ctx, cfg, lnaddr.Services{
		Lightning: lnd.Client,
		Invoices:  lnd.Invoices,
		Transport: relay.NostrTransport{},
	}, log)
	if err != nil {
		return err
	}

	return server.Run(ctx)
}

var keygenCommand = &cli.Command{
	Name:  "keygen",
	Usage: "Generate a Nostr key for signing zap receipts",
	Action: func(*cli.Context) error {
		key, err := signer.GenerateKeyPair()
		if err != nil {
			return err
		}

		nsec, err := nip19.EncodePrivateKey(key.PrivateKey())
		if err != nil {
			return err
		}
		npub, err := nip19.EncodePublicKey(key.PublicKey())
		if err != nil {
			return err
		}

		fmt.Printf("SERVER_NOSTR_PRIVKEY_HEX=%s\n", key.PrivateKey())
		fmt.Printf("SERVER_NOSTR_PUBKEY_HEX=%s\n", key.PublicKey())
		fmt.Printf("# %s\n# %s\n", nsec, npub)

		return nil
	},
}

var lnurlCommand = &cli.Command{
	Name:  "lnurl",
	Usage: "Print the static LNURL-pay code of an address",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "user",
			Usage:    "local part of the address",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "domain",
			Usage:    "domain of the address",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "protocol",
			Value: "https",
			Usage: "scheme the discovery URL uses",
		},
	},
	Action: func(c *cli.Context) error {
		protocol := c.String("protocol")
		payCode := fmt.Sprintf("%s://%s/.well-known/lnurlp/%s",
			protocol, c.String("domain"),
			strings.ToLower(c.String("user")))

		payLNURL, err := lnaddr.EncodeURL(payCode)
		if err != nil {
			return err
		}

		fmt.Printf(
			""+
				"=======================================\n"+
				"Static LNURL-pay code for %s@%s:\n"+
				"- %s\n"+
				"- lightning:%s\n"+
				"- %s\n"+
				"=======================================\n",
			strings.ToLower(c.String("user")), c.String("domain"),
			payLNURL, payLNURL,
			strings.Replace(payCode, protocol, "lnurlp", 1),
		)

		return nil
	},
}
