// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package rpcserver serves the node's query and command surface as JSON over
// HTTP, with optional basic authentication and TLS.
package rpcserver

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tuskeNetwork/tuskex-sub001/client/core"
	"github.com/tuskeNetwork/tuskex-sub001/client/db"
	"github.com/tuskeNetwork/tuskex-sub001/dex"
	"github.com/tuskeNetwork/tuskex-sub001/dex/offer"
	"github.com/tuskeNetwork/tuskex-sub001/dex/trade"
)

const (
	// rpcTimeout bounds reading a request. Handlers that wait on the wallet
	// get the longer writeTimeout.
	rpcTimeout   = 10 * time.Second
	writeTimeout = 2 * time.Minute
	// maxBodySize is the largest accepted request body.
	maxBodySize = 1 << 16
)

var log = dex.Disabled

// SetLogger sets the package logger.
func SetLogger(logger dex.Logger) {
	log = logger
}

// clientCore is satisfied by *core.Core.
type clientCore interface {
	Addr() dex.NodeAddress
	AgentInfo(ctx context.Context) (*core.AgentInfo, error)
	Balances() *core.BalanceSnapshot
	Trade(id string) (*trade.Trade, error)
	Trades() []*trade.Trade
	ArchivedTrades(n int) ([]*db.MetaTrade, error)
	Disputes(tradeID string) []*trade.Dispute
	OpenOffers() []*offer.OpenOffer
	PlaceOffer(ctx context.Context, form *core.OfferForm) (*offer.OpenOffer, error)
	CancelOffer(ctx context.Context, offerID string) error
	TakeOffer(ctx context.Context, o *offer.Offer, amount uint64, paymentAccount string) (*trade.Trade, error)
	ConfirmPaymentSent(ctx context.Context, tradeID string) error
	ConfirmPaymentReceived(ctx context.Context, tradeID string) error
	WithdrawFunds(ctx context.Context, tradeID, address, memo string) (string, error)
	OpenDispute(ctx context.Context, tradeID string, kind trade.DisputeKind) (*trade.Dispute, error)
	CloseDispute(ctx context.Context, tradeID string, kind trade.DisputeKind, res *core.DisputeResolution) (*trade.DisputeResult, error)
	AcceptMediationResult(ctx context.Context, tradeID string) error
	RejectMediationResult(ctx context.Context, tradeID string) (*trade.Dispute, error)
	SendChatMessage(ctx context.Context, tradeID, text string) (*trade.ChatMessage, error)
	Notifications(n int) ([]*db.Notification, error)
}

var _ clientCore = (*core.Core)(nil)

// Config is the configuration for a Server.
type Config struct {
	Core clientCore
	Addr string
	// User and Pass enable basic authentication if either is set.
	User, Pass string
	// Cert and Key enable TLS if both files exist.
	Cert, Key string
	// Metrics is served at /metrics if set.
	Metrics prometheus.Gatherer
}

// Server is the JSON HTTP server.
type Server struct {
	core      clientCore
	addr      string
	tlsConfig *tls.Config
	srv       *http.Server
	mux       *chi.Mux
	authSHA   [32]byte
	auth      bool
}

func fileExists(name string) bool {
	_, err := os.Stat(name)
	return !os.IsNotExist(err)
}

// New is the constructor for a Server.
func New(cfg *Config) (*Server, error) {
	if cfg.Core == nil {
		return nil, errors.New("no core")
	}
	var tlsConfig *tls.Config
	if cfg.Cert != "" && cfg.Key != "" && fileExists(cfg.Cert) && fileExists(cfg.Key) {
		keypair, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
		if err != nil {
			return nil, fmt.Errorf("error loading TLS key pair: %w", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{keypair},
			MinVersion:   tls.VersionTLS12,
		}
	}

	mux := chi.NewRouter()
	s := &Server{
		core:      cfg.Core,
		addr:      cfg.Addr,
		tlsConfig: tlsConfig,
		mux:       mux,
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: rpcTimeout,
			ReadTimeout:       rpcTimeout,
			WriteTimeout:      writeTimeout,
		},
		auth: cfg.User != "" || cfg.Pass != "",
	}
	if s.auth {
		s.authSHA = sha256.Sum256([]byte(cfg.User + ":" + cfg.Pass))
	}

	mux.Use(middleware.Recoverer)
	mux.Use(middleware.RealIP)
	mux.Use(s.authMiddleware)

	if cfg.Metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(cfg.Metrics, promhttp.HandlerOpts{}))
	}

	mux.Route("/api", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))
		r.Get("/node", s.apiNode)
		r.Get("/agentinfo", s.apiAgentInfo)
		r.Get("/balances", s.apiBalances)
		r.Get("/notifications", s.apiNotifications)

		r.Route("/offers", func(r chi.Router) {
			r.Get("/", s.apiOffers)
			r.Post("/", s.apiPlaceOffer)
			r.Delete("/{"+idKey+"}", s.apiCancelOffer)
		})

		r.Route("/trades", func(r chi.Router) {
			r.Get("/", s.apiTrades)
			r.Post("/", s.apiTakeOffer)
			r.Route("/{"+idKey+"}", func(r chi.Router) {
				r.Get("/", s.apiTrade)
				r.Post("/paymentsent", s.apiPaymentSent)
				r.Post("/paymentreceived", s.apiPaymentReceived)
				r.Post("/withdraw", s.apiWithdraw)
				r.Get("/disputes", s.apiDisputes)
				r.Post("/dispute", s.apiOpenDispute)
				r.Post("/closedispute", s.apiCloseDispute)
				r.Post("/chat", s.apiChat)
				r.Post("/acceptmediation", s.apiAcceptMediation)
				r.Post("/rejectmediation", s.apiRejectMediation)
			})
		})
	})

	return s, nil
}

// Router is the server's HTTP handler.
func (s *Server) Router() http.Handler {
	return s.mux
}

// Run starts the server and blocks until the context is canceled.
func (s *Server) Run(ctx context.Context) {
	var listener net.Listener
	var err error
	if s.tlsConfig != nil {
		listener, err = tls.Listen("tcp", s.addr, s.tlsConfig)
	} else {
		listener, err = net.Listen("tcp", s.addr)
	}
	if err != nil {
		log.Errorf("Can't listen on %s. RPC server quitting: %v", s.addr, err)
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		if err := s.srv.Shutdown(context.Background()); err != nil {
			log.Errorf("HTTP server Shutdown: %v", err)
		}
	}()
	log.Infof("RPC server listening on %s (tls = %t)", listener.Addr(), s.tlsConfig != nil)
	if err := s.srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		log.Warnf("unexpected (http.Server).Serve error: %v", err)
	}
	wg.Wait()
	log.Infof("RPC server off")
}

// authMiddleware checks the basic auth credentials, if the server has any.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.auth {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		authSHA := sha256.Sum256([]byte(user + ":" + pass))
		if !ok || subtle.ConstantTimeCompare(s.authSHA[:], authSHA[:]) != 1 {
			log.Warnf("RPC authentication failure from ip: %s", r.RemoteAddr)
			w.Header().Add("WWW-Authenticate", `Basic realm="tuskex rpc"`)
			writeJSONWithStatus(w, &errorResponse{Code: -1, Message: http.StatusText(http.StatusUnauthorized)},
				http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
