package exchange

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/schemahub/ingest/internal/errs"
)

func TestHead_returnsNewestTradeID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "1", r.URL.Query().Get("limit"))
		json.NewEncoder(w).Encode([]tradeWire{{TradeID: 999, Price: "1", Size: "1", Time: time.Now().Format(time.RFC3339Nano), Side: "BUY"}})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Source: "coinbase"})
	latest, err := c.Head(t.Context(), "BTC-USD")
	require.NoError(t, err)
	require.Equal(t, uint64(999), latest)
}

func TestHead_emptyBookReturnsZero(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]tradeWire{})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	latest, err := c.Head(t.Context(), "BTC-USD")
	require.NoError(t, err)
	require.Zero(t, latest)
}

func TestFetchPage_parsesTradesInOrder(t *testing.T) {
	now := time.Now().Format(time.RFC3339Nano)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "100", r.URL.Query().Get("after"))
		// The upstream answers newest-first.
		json.NewEncoder(w).Encode([]tradeWire{
			{TradeID: 102, Price: "50000.2", Size: "0.02", Time: now, Side: "SELL"},
			{TradeID: 101, Price: "50000.1", Size: "0.01", Time: now, Side: "BUY"},
		})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Source: "coinbase"})
	trades, err := c.FetchPage(t.Context(), "BTC-USD", 100, 50)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	require.Equal(t, uint64(101), trades[0].TradeID)
	require.Equal(t, "coinbase", trades[0].Source)
}

func TestFetchPage_classifiesRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.FetchPage(t.Context(), "BTC-USD", 0, 50)
	require.Error(t, err)
	require.Equal(t, errs.KindRateLimited, errs.KindOf(err))
}

func TestFetchPage_serverErrorIsSingleAttempt(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	// The adapter surfaces the failure without retrying; retry is the
	// fetcher's job so the circuit breaker sees every attempt.
	c := New(Config{BaseURL: srv.URL})
	_, err := c.FetchPage(t.Context(), "BTC-USD", 0, 50)
	require.Error(t, err)
	require.Equal(t, errs.KindServerError, errs.KindOf(err))
	require.Equal(t, 1, calls)
}

func TestFetchPage_clientErrorIsFatalSingleAttempt(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.FetchPage(t.Context(), "BTC-USD", 0, 50)
	require.Error(t, err)
	require.Equal(t, errs.KindClientError, errs.KindOf(err))
	require.Equal(t, 1, calls)
}

func TestFetchPage_unparseableTimestampIsProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]tradeWire{{TradeID: 1, Price: "1", Size: "1", Time: "not-a-time", Side: "BUY"}})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.FetchPage(t.Context(), "BTC-USD", 0, 50)
	require.Error(t, err)
	require.Equal(t, errs.KindProtocolError, errs.KindOf(err))
}
