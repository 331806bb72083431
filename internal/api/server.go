// Package api serves the HTTP surface: market lookups, signed order and
// account calls, and simulated plot/track runs.
package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uoaths/harmony/internal/alert"
	"github.com/uoaths/harmony/internal/config"
	"github.com/uoaths/harmony/internal/core"
	"github.com/uoaths/harmony/internal/exchange/binance"
	"github.com/uoaths/harmony/internal/journal"
	"github.com/uoaths/harmony/internal/safety"
)

type Options struct {
	Config  config.Config
	Logger  *zap.Logger
	Breaker *safety.Breaker
	Journal *journal.Journal
	Alerts  alert.Alerter
}

type Server struct {
	cfg     config.Config
	logger  *zap.Logger
	breaker *safety.Breaker
	journal *journal.Journal
	alerts  alert.Alerter
	market  *binance.Client
	router  *mux.Router
	now     func() time.Time
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:     opts.Config,
		logger:  logger,
		breaker: opts.Breaker,
		journal: opts.Journal,
		alerts:  opts.Alerts,
		market:  binance.NewClient(opts.Config.Exchange, "", "", logger),
		router:  mux.NewRouter(),
		now:     time.Now,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.HandleFunc("/", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	spot := r.PathPrefix("/binance/spot").Subrouter()
	spot.HandleFunc("/price", s.handlePrice).Methods(http.MethodGet)
	spot.HandleFunc("/normal", s.handleNormal).Methods(http.MethodGet)
	spot.HandleFunc("/order", s.handleOrder).Methods(http.MethodPost)
	spot.HandleFunc("/order/buy", s.handleBuy).Methods(http.MethodPost)
	spot.HandleFunc("/order/sell", s.handleSell).Methods(http.MethodPost)
	spot.HandleFunc("/order/info", s.handleOrderInfo).Methods(http.MethodPost)
	spot.HandleFunc("/order/trades", s.handleOrderTrades).Methods(http.MethodPost)
	spot.HandleFunc("/account/asset", s.handleAccountAsset).Methods(http.MethodPost)
	spot.HandleFunc("/account/commission", s.handleAccountCommission).Methods(http.MethodPost)
	spot.HandleFunc("/plot", s.handlePlot).Methods(http.MethodPost)
	spot.HandleFunc("/track", s.handleTrack).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respondStatus(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respondStatus(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// Handler wraps the router with CORS, request ids, access logging and
// panic recovery.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.Server.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", requestIDHeader},
		ExposedHeaders: []string{requestIDHeader},
	})
	return withRequestID(accessLog(s.logger, c.Handler(recoverPanics(s.logger, s.router))))
}

func (s *Server) Close() error {
	return s.market.Close()
}

type credentials struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
}

func (c credentials) validate() error {
	if strings.TrimSpace(c.APIKey) == "" || strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("api_key/secret_key required")
	}
	return nil
}

// signedClient builds a client for one request's credentials. Callers close it.
func (s *Server) signedClient(c credentials) (*binance.Client, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	client := binance.NewClient(s.cfg.Exchange, strings.TrimSpace(c.APIKey), strings.TrimSpace(c.SecretKey), s.logger)
	client.SetAlerter(s.alerts)
	return client, nil
}

// normsError keeps the short message for unknown symbols.
func normsError(err error) error {
	if errors.Is(err, core.ErrSymbolNotFound) {
		return core.ErrSymbolNotFound
	}
	return err
}
