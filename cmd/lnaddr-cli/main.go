package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/ellemouton/lnaddr"
	"github.com/lightninglabs/lndclient"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.NewApp()

	app.Name = "lnaddr-cli"
	app.Usage = "Pay and zap Lightning Addresses from an lnd node"
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:  "host",
			Value: "localhost:10009",
			Usage: "lnd instance rpc address",
		},
		&cli.StringFlag{
			Name:  "network",
			Value: "mainnet",
			Usage: "the network",
		},
		&cli.StringFlag{
			Name:  "macpath",
			Usage: "Path to lnd's mac dir",
		},
		&cli.StringFlag{
			Name:  "tlspath",
			Usage: "Path to lnd's tls cert",
		},
	}
	app.Commands = append(app.Commands, payRequestCommand)

	err := app.Run(os.Args)
	if err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[lnaddr-cli] %v\n", err)
	os.Exit(1)
}

// get fetches url and decodes its JSON body into out. LNURL error responses
// are returned as errors.
func get(url string, out interface{}) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("GET request error: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("could not read response body: %w", err)
	}

	var lnurlErr lnaddr.Error
	if err := json.Unmarshal(body, &lnurlErr); err == nil &&
		lnurlErr.Status == lnaddr.StatusError {

		return fmt.Errorf("service error (%d): %s", resp.StatusCode,
			lnurlErr.Reason)
	}

	return json.Unmarshal(body, out)
}

func getLND(ctx *cli.Context) (*lndclient.GrpcLndServices, error) {
	return lndclient.NewLndServices(&lndclient.LndServicesConfig{
		LndAddress:  ctx.String("host"),
		Network:     lndclient.Network(ctx.String("network")),
		MacaroonDir: ctx.String("macpath"),
		TLSPath:     ctx.String("tlspath"),
	})
}
