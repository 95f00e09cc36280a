package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/kvasirlabs/signalflux/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// handleHealth reports provider, store, and queue health. Degraded
// components drop the status to 503 so load balancers rotate the node
// out.
func (s *Server) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()
	healthy := true

	providers := s.deps.Registry.HealthSnapshot()
	if !s.deps.Registry.Healthy() {
		healthy = false
	}

	storeStatus := "healthy"
	if _, err := s.deps.Store.LatestHash(ctx); err != nil {
		storeStatus = "unhealthy"
		healthy = false
		log.Warn().Err(err).Msg("Store health check failed")
	}

	body := gin.H{
		"timestamp": time.Now().UTC(),
		"providers": providers,
		"store":     gin.H{"status": storeStatus},
	}

	if s.deps.Controller != nil {
		paused, reason, since := s.deps.Controller.Status()
		trading := gin.H{"paused": paused}
		if paused {
			trading["reason"] = reason
			trading["since"] = since
		}
		body["trading"] = trading
	}

	if s.deps.Queue != nil {
		if depth, err := s.deps.Queue.Depth(ctx); err == nil {
			body["queue_depth"] = depth
		} else {
			log.Warn().Err(err).Msg("Queue depth check failed")
		}
	}

	status := http.StatusOK
	if healthy {
		body["status"] = "healthy"
	} else {
		body["status"] = "degraded"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, body)
}

// handleCryptoStatus reports quotes and open positions for configured
// crypto symbols.
func (s *Server) handleCryptoStatus(c *gin.Context) {
	if s.deps.Broker == nil {
		apiError(c, http.StatusServiceUnavailable, "NOT_CONFIGURED", "no broker configured")
		return
	}
	ctx := c.Request.Context()

	account, err := s.deps.Broker.GetAccount(ctx)
	if err != nil {
		apiError(c, http.StatusBadGateway, "BROKER_UNAVAILABLE", err.Error())
		return
	}

	symbols := make([]gin.H, 0)
	for _, sc := range s.deps.Symbols {
		if sc.AssetClass != "crypto" {
			continue
		}
		entry := gin.H{"symbol": sc.Symbol}
		if quote, err := s.deps.Broker.GetQuote(ctx, sc.Symbol); err == nil {
			entry["quote"] = quote
		} else {
			entry["quote_error"] = err.Error()
		}
		if pos, err := s.deps.Broker.GetPosition(ctx, sc.Symbol); err == nil && pos != nil {
			entry["position"] = pos
		}
		symbols = append(symbols, entry)
	}

	c.JSON(http.StatusOK, gin.H{
		"timestamp": time.Now().UTC(),
		"account": gin.H{
			"status":       account.Status,
			"equity":       account.Equity,
			"buying_power": account.BuyingPower,
		},
		"symbols": symbols,
	})
}

// handleRecentSignals returns the newest signals, bounded by ?limit=.
func (s *Server) handleRecentSignals(c *gin.Context) {
	limit := parseLimit(c, defaultListLimit)

	signals, err := s.deps.Store.ListRecent(c.Request.Context(), limit)
	if err != nil {
		apiError(c, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(signals), "signals": signals})
}

// handleGetSignal returns one signal by its content hash ID.
func (s *Server) handleGetSignal(c *gin.Context) {
	id := c.Param("id")

	sig, err := s.deps.Store.GetByID(c.Request.Context(), id)
	if err != nil {
		var notFound *store.ErrNotFound
		if errors.As(err, &notFound) {
			apiError(c, http.StatusNotFound, "SIGNAL_NOT_FOUND", err.Error())
			return
		}
		apiError(c, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, sig)
}

// handleLatestSignal returns the newest signal for one symbol.
func (s *Server) handleLatestSignal(c *gin.Context) {
	symbol := c.Param("symbol")

	sig, err := s.deps.Store.Latest(c.Request.Context(), symbol)
	if err != nil {
		apiError(c, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if sig == nil {
		apiError(c, http.StatusNotFound, "SIGNAL_NOT_FOUND", "no signals recorded for "+symbol)
		return
	}
	c.JSON(http.StatusOK, sig)
}

// handleOutcomes returns the newest realized trade outcomes.
func (s *Server) handleOutcomes(c *gin.Context) {
	if s.deps.Outcomes == nil {
		apiError(c, http.StatusServiceUnavailable, "NOT_CONFIGURED", "no outcome store")
		return
	}
	limit := parseLimit(c, defaultListLimit)

	outcomes, err := s.deps.Outcomes.ListOutcomes(c.Request.Context(), limit)
	if err != nil {
		apiError(c, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(outcomes), "outcomes": outcomes})
}

// handleAudit returns the newest rejected-mutation audit entries.
func (s *Server) handleAudit(c *gin.Context) {
	limit := parseLimit(c, defaultListLimit)

	entries, err := s.deps.Store.ListAudit(c.Request.Context(), limit)
	if err != nil {
		apiError(c, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(entries), "entries": entries})
}

// handleVerifyChain walks the full signal log and recomputes the hash
// chain. A broken chain is reported with 200; the report carries the
// verdict.
func (s *Server) handleVerifyChain(c *gin.Context) {
	report, err := s.deps.Store.VerifyChain(c.Request.Context())
	if err != nil {
		apiError(c, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, report)
}

type pauseRequest struct {
	Reason string `json:"reason"`
}

// handlePause halts signal emission and queue processing.
func (s *Server) handlePause(c *gin.Context) {
	if s.deps.Controller == nil {
		apiError(c, http.StatusServiceUnavailable, "NOT_CONFIGURED", "no trading controller")
		return
	}

	var req pauseRequest
	_ = c.ShouldBindJSON(&req) // body is optional
	if req.Reason == "" {
		req.Reason = "manual"
	}

	s.deps.Controller.Pause(req.Reason)
	paused, reason, since := s.deps.Controller.Status()
	c.JSON(http.StatusOK, gin.H{"paused": paused, "reason": reason, "since": since})
}

// handleResume re-enables signal emission and queue processing.
func (s *Server) handleResume(c *gin.Context) {
	if s.deps.Controller == nil {
		apiError(c, http.StatusServiceUnavailable, "NOT_CONFIGURED", "no trading controller")
		return
	}

	s.deps.Controller.Resume()
	paused, _, _ := s.deps.Controller.Status()
	c.JSON(http.StatusOK, gin.H{"paused": paused})
}

func parseLimit(c *gin.Context, def int) int {
	limit := def
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit
}
