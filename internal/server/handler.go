// Package server exposes the HTTP surface: file upload into the pipeline and
// thin reads against the status ledger.
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/finstream/capture/internal/ledger"
	"github.com/finstream/capture/internal/model"
	"github.com/finstream/capture/internal/parser"
	"github.com/finstream/capture/internal/pipeline"
)

type TradeHandler struct {
	// appCtx outlives individual requests: trades admitted from an upload
	// keep processing after the HTTP response is written.
	appCtx   context.Context
	pipeline *pipeline.Orchestrator
	ledger   *ledger.Ledger
	logger   *logrus.Logger
}

func NewTradeHandler(appCtx context.Context, p *pipeline.Orchestrator, l *ledger.Ledger, logger *logrus.Logger) *TradeHandler {
	return &TradeHandler{
		appCtx:   appCtx,
		pipeline: p,
		ledger:   l,
		logger:   logger,
	}
}

// UploadTrades accepts a CSV or JSON file and admits its records into the
// pipeline. Responds with the admitted trade IDs; record-level problems are
// skipped during parsing, file-level problems reject the whole upload.
func (h *TradeHandler) UploadTrades(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if file.Size == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is empty"})
		return
	}

	reader, err := file.Open()
	if err != nil {
		h.logger.Errorf("Failed to open uploaded file %s: %v", file.Filename, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read uploaded file"})
		return
	}
	defer reader.Close()

	tradeIDs, err := h.pipeline.ProcessUpload(h.appCtx, reader, file.Filename)
	if err != nil {
		var formatErr *parser.FormatError
		if errors.As(err, &formatErr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": formatErr.Error()})
			return
		}
		h.logger.Errorf("Error processing file upload %s: %v", file.Filename, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process file upload"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message":  "File accepted for processing",
		"count":    len(tradeIDs),
		"tradeIds": tradeIDs,
	})
}

// GetTrade returns the latest ledger snapshot for a trade ID.
func (h *TradeHandler) GetTrade(c *gin.Context) {
	trade, ok := h.ledger.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "trade not found"})
		return
	}
	c.JSON(http.StatusOK, trade)
}

// ListTrades returns all trades, optionally filtered by ?status=.
func (h *TradeHandler) ListTrades(c *gin.Context) {
	var status model.TradeStatus
	if raw := c.Query("status"); raw != "" {
		parsed, err := model.ParseStatus(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		status = parsed
	}

	trades := h.ledger.List(status)
	if trades == nil {
		trades = []model.CanonicalTrade{}
	}
	c.JSON(http.StatusOK, trades)
}

// GetStatistics returns total and per-status trade counts.
func (h *TradeHandler) GetStatistics(c *gin.Context) {
	c.JSON(http.StatusOK, h.ledger.Statistics())
}

// ClearTrades removes every ledger entry. Administrative.
func (h *TradeHandler) ClearTrades(c *gin.Context) {
	h.ledger.Clear()
	h.logger.Info("Cleared all trades from ledger")
	c.JSON(http.StatusOK, gin.H{"message": "All trades cleared"})
}
