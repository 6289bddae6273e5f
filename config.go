package lnaddr

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ellemouton/lnaddr/signer"
	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// Config is the server configuration, read once from the environment at
// startup.
type Config struct {
	Domains     []string `env:"LNADDR_DOMAINS" usage:"comma separated hosts this server answers Lightning Address requests for"`
	Port        int      `env:"LNADDR_PORT" default:"3000" usage:"HTTP listen port"`
	Protocol    string   `env:"LNADDR_PROTOCOL" default:"https" usage:"scheme used in callback URLs"`
	MinSendable int64    `env:"LNADDR_MIN_SENDABLE_MSATS" default:"1000" usage:"smallest payable amount in msat"`
	MaxSendable int64    `env:"LNADDR_MAX_SENDABLE_MSATS" default:"250000000" usage:"largest payable amount in msat"`
	RateLimit   float64  `env:"LNADDR_RATE_LIMIT" default:"5" usage:"requests per second allowed per client IP"`
	RateBurst   int      `env:"LNADDR_RATE_BURST" default:"10" usage:"burst size of the per client IP limiter"`
	TrustProxy  bool     `env:"LNADDR_TRUST_PROXY" default:"false" usage:"take the client IP from X-Forwarded-For/X-Real-IP; only set behind a reverse proxy that overwrites them"`

	LndAddr       string        `env:"LND_GRPC_SOCKET" usage:"lnd gRPC host:port"`
	Network       string        `env:"LND_NETWORK" default:"mainnet" usage:"mainnet, testnet, regtest, simnet or signet"`
	MacaroonDir   string        `env:"LND_MACAROON_DIR" usage:"directory holding lnd's macaroons"`
	MacaroonPath  string        `env:"LND_MACAROON_PATH" usage:"single custom macaroon to use instead of the macaroon dir"`
	TLSPath       string        `env:"LND_TLS_PATH" usage:"path to lnd's tls.cert"`
	InvoiceExpiry time.Duration `env:"LND_INVOICE_EXPIRY" default:"1h" usage:"expiry of issued invoices"`

	NostrPrivKey      string        `env:"SERVER_NOSTR_PRIVKEY_HEX" usage:"hex private key zap receipts are signed with"`
	NostrPubKey       string        `env:"SERVER_NOSTR_PUBKEY_HEX" usage:"optional hex public key, checked against the private key"`
	Relays            []string      `env:"NOSTR_RELAYS" default:"wss://relay.damus.io,wss://nos.lol,wss://relay.nostr.band" usage:"relays receipts go to when a zap request names none"`
	PublishTimeout    time.Duration `env:"NOSTR_PUBLISH_TIMEOUT" default:"10s" usage:"time allowed for each relay to accept a receipt"`
	SettlementTimeout time.Duration `env:"ZAP_SETTLEMENT_TIMEOUT" default:"24h" usage:"how long a zapped invoice is watched for settlement, 0 for no limit"`

	LogLevel  string `env:"LOG_LEVEL" default:"info" usage:"debug, info, warn or error"`
	LogFormat string `env:"LOG_FORMAT" default:"console" usage:"console or json"`
}

var envOpts = &env.Options{SliceSep: ","}

// LoadConfig reads the configuration from the environment. If envFile names
// an existing dotenv file, its variables are loaded first without overriding
// ones already set.
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("loading %s: %w", envFile,
					err)
			}
		}
	}

	cfg := &Config{}
	if err := env.Load(cfg, envOpts); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// PrintUsage writes the list of supported environment variables to w.
func PrintUsage(w io.Writer) {
	env.Usage(&Config{}, w, envOpts)
}

// Validate checks the configuration for errors that must stop the server
// from starting.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.LndAddr) == "" {
		errs = append(errs, errors.New("LND_GRPC_SOCKET is required"))
	}
	if _, err := ChainParams(c.Network); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.KeyPair(); err != nil {
		errs = append(errs, err)
	}
	if c.MinSendable < 1 {
		errs = append(errs, errors.New("LNADDR_MIN_SENDABLE_MSATS must "+
			"be at least 1"))
	}
	if c.MinSendable > c.MaxSendable {
		errs = append(errs, errors.New("LNADDR_MIN_SENDABLE_MSATS "+
			"exceeds LNADDR_MAX_SENDABLE_MSATS"))
	}
	if c.Protocol != "http" && c.Protocol != "https" {
		errs = append(errs, fmt.Errorf("unsupported protocol %q",
			c.Protocol))
	}
	if c.SettlementTimeout < 0 {
		errs = append(errs, errors.New("ZAP_SETTLEMENT_TIMEOUT must "+
			"not be negative"))
	}

	return errors.Join(errs...)
}

// KeyPair parses the service's Nostr key.
func (c *Config) KeyPair() (*signer.KeyPair, error) {
	if c.NostrPrivKey == "" {
		return nil, errors.New("SERVER_NOSTR_PRIVKEY_HEX is required")
	}

	kp, err := signer.ParseKeyPair(c.NostrPrivKey)
	if err != nil {
		return nil, fmt.Errorf("SERVER_NOSTR_PRIVKEY_HEX: %w", err)
	}

	if c.NostrPubKey != "" &&
		!strings.EqualFold(c.NostrPubKey, kp.PublicKey()) {

		return nil, errors.New("SERVER_NOSTR_PUBKEY_HEX does not " +
			"match SERVER_NOSTR_PRIVKEY_HEX")
	}

	return kp, nil
}

// ChainParams maps an lnd network name to its chain parameters.
func ChainParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}
