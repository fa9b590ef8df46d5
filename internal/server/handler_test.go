package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finstream/capture/internal/canonical"
	"github.com/finstream/capture/internal/ledger"
	"github.com/finstream/capture/internal/model"
	"github.com/finstream/capture/internal/parser"
	"github.com/finstream/capture/internal/pipeline"
	"github.com/finstream/capture/internal/transform"
)

type stubPublisher struct{}

func (stubPublisher) Publish(_ context.Context, _ model.PlatformTrade, done func(error)) {
	if done != nil {
		done(nil)
	}
}

func (stubPublisher) Close() error { return nil }

func newTestServer(t *testing.T) (*gin.Engine, *ledger.Ledger, *pipeline.Orchestrator) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	l := ledger.New()
	o := pipeline.New(
		parser.New(logger),
		canonical.New(),
		transform.New(logger),
		l,
		stubPublisher{},
		pipeline.Config{UploadWindow: 4},
		logger,
	)
	handler := NewTradeHandler(context.Background(), o, l, logger)
	return NewRouter(&Config{TradeHandler: handler}), l, o
}

func uploadRequest(t *testing.T, filename, content string) *http.Request {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/trades/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func storedTrade(id string, status model.TradeStatus) model.CanonicalTrade {
	return model.CanonicalTrade{
		TradeID:       id,
		AccountNumber: "123456789",
		SecurityID:    "ABC123",
		TradeType:     "BUY",
		Amount:        decimal.NewFromInt(100),
		Timestamp:     time.Date(2025, 8, 4, 21, 15, 33, 0, time.UTC),
		PlatformID:    "ACCT123",
		Status:        status,
	}
}

func TestUploadTradesCSV(t *testing.T) {
	router, l, o := newTestServer(t)

	content := "account_number,security_id,trade_type,amount,timestamp,platform_id\n" +
		"123456789,ABC123,BUY,100000,2025-08-04 21:15:33,ACCT123\n"

	w := httptest.NewRecorder()
	router.ServeHTTP(w, uploadRequest(t, "trades.csv", content))

	require.Equal(t, http.StatusAccepted, w.Code)

	var resp struct {
		Count    int      `json:"count"`
		TradeIDs []string `json:"tradeIds"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	require.Len(t, resp.TradeIDs, 1)

	o.Wait()
	got, ok := l.Get(resp.TradeIDs[0])
	require.True(t, ok)
	assert.Equal(t, model.StatusPublished, got.Status)
}

func TestUploadTradesRejectsUnsupportedExtension(t *testing.T) {
	router, _, _ := newTestServer(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, uploadRequest(t, "trades.xml", "<trades/>"))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unsupported file format")
}

func TestUploadTradesRejectsEmptyFile(t *testing.T) {
	router, _, _ := newTestServer(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, uploadRequest(t, "trades.csv", ""))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "file is empty")
}

func TestUploadTradesRejectsMissingFile(t *testing.T) {
	router, _, _ := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/trades/upload", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetTrade(t *testing.T) {
	router, l, _ := newTestServer(t)
	l.Store(storedTrade("T1", model.StatusPublished))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/trades/T1", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var got model.CanonicalTrade
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "T1", got.TradeID)
	assert.Equal(t, model.StatusPublished, got.Status)
}

func TestGetTradeNotFound(t *testing.T) {
	router, _, _ := newTestServer(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/trades/missing", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListTradesWithStatusFilter(t *testing.T) {
	router, l, _ := newTestServer(t)
	l.Store(storedTrade("T1", model.StatusPublished))
	l.Store(storedTrade("T2", model.StatusFailed))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/trades?status=FAILED", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var got []model.CanonicalTrade
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "T2", got[0].TradeID)
}

func TestListTradesRejectsUnknownStatus(t *testing.T) {
	router, _, _ := newTestServer(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/trades?status=BOGUS", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListTradesEmptyLedgerReturnsEmptyArray(t *testing.T) {
	router, _, _ := newTestServer(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/trades", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestGetStatistics(t *testing.T) {
	router, l, _ := newTestServer(t)
	l.Store(storedTrade("T1", model.StatusPublished))
	l.Store(storedTrade("T2", model.StatusPublished))
	l.Store(storedTrade("T3", model.StatusFailed))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/trades/statistics", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var stats struct {
		TotalTrades  int            `json:"totalTrades"`
		StatusCounts map[string]int `json:"statusCounts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.TotalTrades)
	assert.Equal(t, 2, stats.StatusCounts["PUBLISHED"])
	assert.Equal(t, 1, stats.StatusCounts["FAILED"])
}

func TestClearTrades(t *testing.T) {
	router, l, _ := newTestServer(t)
	l.Store(storedTrade("T1", model.StatusPublished))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/trades", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, l.Statistics().TotalTrades)
}
