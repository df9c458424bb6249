// Package api serves the read-mostly operator API. It keeps serving while the
// session is halted so operators can inspect state.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-trader/internal/auth"
	"github.com/ksred/klear-trader/internal/config"
	"github.com/ksred/klear-trader/internal/metrics"
	"github.com/ksred/klear-trader/internal/persistence"
	"github.com/ksred/klear-trader/internal/session"
	"github.com/ksred/klear-trader/internal/types"
	"github.com/ksred/klear-trader/pkg/middleware"
	"github.com/ksred/klear-trader/pkg/response"
)

const defaultLimit = 100

// Store is the read side of persistence the API exposes
type Store interface {
	GetOrder(ctx context.Context, clientOrderID string) (*types.Order, error)
	GetOpenOrders(ctx context.Context) ([]types.Order, error)
	ListOrders(ctx context.Context, limit int) ([]types.Order, error)
	ListFills(ctx context.Context, since time.Time, limit int) ([]types.Fill, error)
	GetLatestSnapshots(ctx context.Context) ([]types.PnLSnapshot, error)
	ListSnapshots(ctx context.Context, symbol string, since time.Time, limit int) ([]types.PnLSnapshot, error)
}

type Server struct {
	cfg     config.APIConfig
	store   Store
	sess    *session.Session
	auth    *auth.Service
	metrics *metrics.Metrics
	limiter *middleware.RateLimiter
	logger  zerolog.Logger
}

func New(cfg config.APIConfig, store Store, sess *session.Session, m *metrics.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		store:   store,
		sess:    sess,
		auth:    auth.NewService(cfg.JWTSecret, cfg.OperatorKey, cfg.OperatorSecret, sess.ID),
		metrics: m,
		limiter: middleware.NewRateLimiter(middleware.DefaultLimits, 5),
		logger:  zlog.With().Str("component", "api").Logger(),
	}
}

// Router builds the gin engine with every route registered
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(s.logger), s.limiter.Handler())

	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	authHandlers := auth.NewGinHandlers(s.auth)
	v1 := router.Group("/api/v1")
	{
		v1.POST("/auth/token", authHandlers.GenerateTokenHandler())

		v1.GET("/status", s.statusHandler())
		v1.GET("/orders", s.listOrdersHandler())
		v1.GET("/orders/:client_order_id", s.getOrderHandler())
		v1.GET("/fills", s.listFillsHandler())
		v1.GET("/pnl", s.pnlHandler())
		v1.GET("/pnl/:symbol", s.pnlHistoryHandler())

		operator := v1.Group("")
		operator.Use(s.auth.JWTAuth())
		{
			operator.POST("/halt", s.haltHandler())
		}
	}
	return router
}

// Run serves until ctx is done, then shuts down with a 5 second grace period
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.limiter.Cleanup(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("Ops API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("Ops API stopped")
	return nil
}

func (s *Server) status() types.StatusResponse {
	h := s.sess.HaltState()
	out := types.StatusResponse{
		SessionID:      s.sess.ID,
		Env:            s.sess.Env,
		StartedAt:      s.sess.StartedAt,
		TradingEnabled: s.sess.TradingEnabled(),
		Halted:         h.Halted,
		HaltReason:     string(h.Reason),
		HaltDetail:     h.Detail,
	}
	if h.Halted {
		at := h.HaltedAt
		out.HaltedAt = &at
	}
	return out
}

func (s *Server) statusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, s.status())
	}
}

func (s *Server) listOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Query("open") == "true" {
			orders, err := s.store.GetOpenOrders(c.Request.Context())
			response.Handle(c, orders, err)
			return
		}
		limit, ok := queryLimit(c)
		if !ok {
			return
		}
		orders, err := s.store.ListOrders(c.Request.Context(), limit)
		response.Handle(c, orders, err)
	}
}

func (s *Server) getOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := s.store.GetOrder(c.Request.Context(), c.Param("client_order_id"))
		if errors.Is(err, persistence.ErrOrderNotFound) {
			response.NotFound(c, "Order not found")
			return
		}
		response.Handle(c, order, err)
	}
}

func (s *Server) listFillsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		since, ok := querySince(c)
		if !ok {
			return
		}
		limit, ok := queryLimit(c)
		if !ok {
			return
		}
		fills, err := s.store.ListFills(c.Request.Context(), since, limit)
		response.Handle(c, fills, err)
	}
}

func (s *Server) pnlHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		snaps, err := s.store.GetLatestSnapshots(c.Request.Context())
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, types.NewPnLSummary(snaps))
	}
}

func (s *Server) pnlHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		since, ok := querySince(c)
		if !ok {
			return
		}
		limit, ok := queryLimit(c)
		if !ok {
			return
		}
		snaps, err := s.store.ListSnapshots(c.Request.Context(), c.Param("symbol"), since, limit)
		if err == nil && len(snaps) == 0 {
			response.NotFound(c, "No snapshots for symbol")
			return
		}
		response.Handle(c, snaps, err)
	}
}

type haltRequest struct {
	Detail string `json:"detail"`
}

// haltResponse reports whether this call was the one that halted the session
type haltResponse struct {
	Changed bool                 `json:"changed"`
	Status  types.StatusResponse `json:"status"`
}

func (s *Server) haltHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := auth.ClaimsFrom(c)
		if !ok || !claims.Can(auth.PermissionHalt) {
			response.Unauthorized(c, "Token does not allow halting")
			return
		}

		var req haltRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				response.BadRequest(c, "Invalid request body")
				return
			}
		}
		if req.Detail == "" {
			req.Detail = "operator halt"
		}

		changed := s.sess.Halt(session.HaltOperator, req.Detail+" by "+claims.ClientID)
		s.logger.Warn().
			Str("client_id", claims.ClientID).
			Bool("changed", changed).
			Msg("Operator halt requested")
		response.Success(c, haltResponse{Changed: changed, Status: s.status()})
	}
}

func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		response.BadRequest(c, "limit must be a positive integer")
		return 0, false
	}
	return n, true
}

func querySince(c *gin.Context) (time.Time, bool) {
	raw := c.Query("since")
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		response.BadRequest(c, "since must be RFC3339")
		return time.Time{}, false
	}
	return t, true
}
