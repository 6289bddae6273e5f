package lnaddr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ellemouton/lnaddr/internal/metrics"
	"github.com/ellemouton/lnaddr/invoice"
	"github.com/ellemouton/lnaddr/nip57"
	"github.com/ellemouton/lnaddr/relay"
	"github.com/ellemouton/lnaddr/settlement"
	"github.com/ellemouton/lnaddr/signer"
	"github.com/gorilla/mux"
	"github.com/lightninglabs/lndclient"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const successMessage = "Thank You!"

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// usernamePattern is the set of local parts a Lightning Address may have.
var usernamePattern = regexp.MustCompile(`^[a-z0-9\-_.+]+$`)

// Services are the external collaborators the server is built on.
type Services struct {
	// Lightning creates invoices.
	Lightning invoice.Creator

	// Invoices streams invoice state updates.
	Invoices settlement.Subscriber

	// Transport delivers events to relays.
	Transport relay.Transport

	// Clock stamps zap receipts. Defaults to the system clock.
	Clock clock.Clock
}

// Server answers Lightning Address discovery and callback requests and sends
// zap receipts for zapped invoices once they settle.
type Server struct {
	cfg *Config
	log *zap.Logger

	domains    *DomainValidator
	serviceKey *signer.KeyPair
	invoices   *invoice.Factory
	watcher    *settlement.Watcher
	receipts   *nip57.ReceiptBuilder
	publisher  *relay.Publisher
	limiter    *IPRateLimiter

	handler http.Handler
}

// ConnectLnd opens the gRPC connection to lnd described by cfg.
func ConnectLnd(cfg *Config) (*lndclient.GrpcLndServices, error) {
	return lndclient.NewLndServices(&lndclient.LndServicesConfig{
		LndAddress:         cfg.LndAddr,
		Network:            lndclient.Network(cfg.Network),
		MacaroonDir:        cfg.MacaroonDir,
		CustomMacaroonPath: cfg.MacaroonPath,
		TLSPath:            cfg.TLSPath,
	})
}

// NewServer wires the server's components together. Settlement watches and
// receipt publication run until ctx is cancelled.
func NewServer(ctx context.Context, cfg *Config, services Services,
	log *zap.Logger) (*Server, error) {

	serviceKey, err := cfg.KeyPair()
	if err != nil {
		return nil, err
	}

	chainParams, err := ChainParams(cfg.Network)
	if err != nil {
		return nil, err
	}

	clk := services.Clock
	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}

	s := &Server{
		cfg:        cfg,
		log:        log,
		domains:    NewDomainValidator(cfg.Domains),
		serviceKey: serviceKey,
		invoices: invoice.NewFactory(services.Lightning, invoice.Config{
			Expiry:      cfg.InvoiceExpiry,
			ChainParams: chainParams,
		}),
		watcher: settlement.NewWatcher(ctx, services.Invoices,
			settlement.Config{
				Timeout: cfg.SettlementTimeout,
				Clock:   clk,
			}, log.Named("watcher"),
		),
		receipts: nip57.NewReceiptBuilder(serviceKey, clk),
		publisher: relay.NewPublisher(services.Transport, relay.Config{
			Timeout: cfg.PublishTimeout,
		}, log.Named("relay")),
		limiter: NewIPRateLimiter(limit, cfg.RateBurst),
	}

	router := mux.NewRouter()
	router.HandleFunc(
		"/.well-known/lnurlp/{username}", s.discovery,
	).Methods(http.MethodGet).Name("discovery")
	router.HandleFunc(
		"/lnurlp/callback/{username}", s.callback,
	).Methods(http.MethodGet).Name("callback")
	router.Handle("/metrics", promhttp.Handler()).Name("metrics")
	// Router middleware only wraps matched routes, so the fallback
	// handlers get the same chain by hand.
	router.NotFoundHandler = s.logRequests(s.rateLimit(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusNotFound, "not found")
		},
	)))
	router.MethodNotAllowedHandler = s.logRequests(s.rateLimit(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusMethodNotAllowed,
				"method not allowed")
		}),
	))
	router.Use(s.logRequests, s.rateLimit)

	s.handler = s.recoverPanics(router)

	return s, nil
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves HTTP until ctx is cancelled. On the way out it stops accepting
// requests, then waits for settlement watches (abandoned by the
// cancellation) and any relay attempts still running.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.log.Info("Lightning Address server starting",
		zap.String("addr", httpServer.Addr),
		zap.Strings("domains", s.cfg.Domains),
		zap.String("nostr_pubkey", s.serviceKey.PublicKey()),
		zap.Strings("default_relays", s.cfg.Relays))

	errChan := make(chan error, 1)
	go func() {
		errChan <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	s.log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(), 30*time.Second,
	)
	defer cancel()

	err := httpServer.Shutdown(shutdownCtx)

	s.watcher.Wait()
	s.publisher.Wait()

	s.log.Info("Shutdown complete")

	return err
}

// requestTarget resolves the host and username a request is for. It writes
// the error response itself and returns false if the request must not be
// answered.
func (s *Server) requestTarget(w http.ResponseWriter,
	r *http.Request) (string, string, bool) {

	host := normalizeHost(r.Host)
	if !s.domains.Allowed(host) {
		s.log.Error("Request for a domain not in LNADDR_DOMAINS",
			zap.String("host", r.Host))
		writeError(w, http.StatusNotFound, "unknown domain")

		return "", "", false
	}

	username := strings.ToLower(mux.Vars(r)["username"])
	if !usernamePattern.MatchString(username) {
		writeError(w, http.StatusNotFound, "unknown user")
		return "", "", false
	}

	return host, username, true
}

// callbackURL builds the callback for a request made to reqHost. A port the
// client connected on is kept unless it is the protocol's default.
func (s *Server) callbackURL(reqHost, username string) string {
	host := normalizeHost(reqHost)
	if _, port, err := net.SplitHostPort(strings.TrimSpace(reqHost)); err == nil &&
		port != "" && port != defaultPorts[s.cfg.Protocol] {

		host = net.JoinHostPort(host, port)
	}

	return fmt.Sprintf(
		"%s://%s/lnurlp/callback/%s", s.cfg.Protocol, host, username,
	)
}

// metadata returns the LNURL metadata string for an address. The fallback
// description hash commits to exactly this string.
func metadata(host, username string) string {
	b, _ := json.Marshal([][2]string{
		{"text/plain", fmt.Sprintf("Sats for %s!", username)},
		{"text/identifier", fmt.Sprintf("%s@%s", username, host)},
	})

	return string(b)
}

func (s *Server) discovery(w http.ResponseWriter, r *http.Request) {
	host, username, ok := s.requestTarget(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, &PayResponse{
		Status:          StatusOK,
		Callback:        s.callbackURL(r.Host, username),
		Tag:             TypePayRequest,
		MaxSendable:     s.cfg.MaxSendable,
		MinSendable:     s.cfg.MinSendable,
		Metadata:        metadata(host, username),
		CommentsAllowed: 0,
		AllowsNostr:     true,
		NostrPubkey:     s.serviceKey.PublicKey(),
	})
}

func (s *Server) callback(w http.ResponseWriter, r *http.Request) {
	host, username, ok := s.requestTarget(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()

	amt, err := invoice.ParseAmount(query.Get("amount"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if amt < lnwire.MilliSatoshi(s.cfg.MinSendable) ||
		amt > lnwire.MilliSatoshi(s.cfg.MaxSendable) {

		writeError(w, http.StatusBadRequest, fmt.Sprintf("amount must "+
			"be between %d and %d msat", s.cfg.MinSendable,
			s.cfg.MaxSendable))
		return
	}

	descHash := nip57.FallbackDescriptionHash(metadata(host, username))

	var zapRequest *nip57.ZapRequest
	if raw := query.Get("nostr"); raw != "" {
		zapRequest, descHash, err = nip57.Validate([]byte(raw), amt)
		if err != nil {
			metrics.ZapRequestsTotal.WithLabelValues(
				"invalid",
			).Inc()
			s.log.Warn("Rejecting zap request", zap.Error(err))
			writeError(w, http.StatusBadRequest, err.Error())

			return
		}
		metrics.ZapRequestsTotal.WithLabelValues("valid").Inc()
	}

	pr, err := s.invoices.Create(r.Context(), amt, descHash)
	if err != nil {
		metrics.InvoicesTotal.WithLabelValues("failed").Inc()
		s.log.Error("Pay request error", zap.String("user", username),
			zap.Uint64("amt_msat", uint64(amt)), zap.Error(err))

		status := http.StatusInternalServerError
		if errors.Is(err, invoice.ErrBackendUnavailable) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, "unable to create invoice")

		return
	}
	metrics.InvoicesTotal.WithLabelValues("created").Inc()

	s.log.Info("Issued invoice", zap.String("user", username),
		zap.String("host", host), zap.Uint64("amt_msat", uint64(amt)),
		zap.Stringer("hash", pr.Hash),
		zap.Bool("zap", zapRequest != nil))

	if zapRequest != nil {
		s.watchZap(zapRequest, pr)
	}

	writeJSON(w, http.StatusOK, &InvoiceResponse{
		Status: StatusOK,
		SuccessAction: &SuccessAction{
			Tag:     "message",
			Message: successMessage,
		},
		Routes:     []string{},
		PayRequest: pr.Bolt11,
		Disposable: false,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, &Error{
		Status: StatusError,
		Reason: reason,
	})
}
