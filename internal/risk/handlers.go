package risk

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/prateushsharma/amlbot/internal/chain"
)

// Handler provides HTTP endpoints for wallet evaluation.
type Handler struct {
	evaluator *Evaluator
	catalog   *chain.Catalog
	logger    *slog.Logger
}

// NewHandler creates a new risk handler.
func NewHandler(evaluator *Evaluator, catalog *chain.Catalog, logger *slog.Logger) *Handler {
	return &Handler{evaluator: evaluator, catalog: catalog, logger: logger}
}

// RegisterRoutes sets up the chain listing and evaluation routes. Extra
// middleware (rate limiting) applies to the evaluation route only.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, evaluate ...gin.HandlerFunc) {
	r.GET("/chains", h.ListChains)
	r.GET("/wallets/:chain/:address/risk", append(evaluate, h.Evaluate)...)
}

type chainView struct {
	ID         chain.Chain `json:"id"`
	Name       string      `json:"name"`
	Symbol     string      `json:"symbol"`
	Explorer   string      `json:"explorer"`
	Configured bool        `json:"configured"`
}

// ListChains handles GET /v1/chains
func (h *Handler) ListChains(c *gin.Context) {
	all := h.catalog.All()
	out := make([]chainView, 0, len(all))
	for _, info := range all {
		out = append(out, chainView{
			ID:         info.ID,
			Name:       info.Name,
			Symbol:     info.Symbol,
			Explorer:   info.ExplorerBase,
			Configured: info.Configured(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"chains": out, "count": len(out)})
}

// Evaluate handles GET /v1/wallets/:chain/:address/risk
func (h *Handler) Evaluate(c *gin.Context) {
	id, err := h.catalog.Parse(c.Param("chain"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "unsupported_chain",
			"message": "Chain is not supported",
		})
		return
	}

	a, err := h.evaluator.Evaluate(c.Request.Context(), id, c.Param("address"))
	if err != nil {
		switch {
		case errors.Is(err, chain.ErrInvalidAddress):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "Address must be a valid EVM address (0x + 40 hex chars)",
			})
		case errors.Is(err, chain.ErrUnsupportedChain):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "unsupported_chain",
				"message": "Chain is not supported",
			})
		default:
			h.logger.Error("wallet evaluation failed", "chain", id, "address", c.Param("address"), "error", err)
			status := http.StatusInternalServerError
			if errors.Is(err, chain.ErrProvider) {
				status = http.StatusBadGateway
			}
			c.JSON(status, gin.H{
				"error":   "error_checking_wallet",
				"message": "Error checking wallet. Please try again later.",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"assessment": a})
}
