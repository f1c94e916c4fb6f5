// Package exchange implements the cursored REST adapter: Head to
// discover the newest trade id for a product and FetchPage to pull
// trades after a given cursor, with upstream failures sorted into the
// retriable/fatal error kinds the fetcher branches on. The adapter
// deliberately does NOT retry internally: retry lives in the fetcher
// so the circuit breaker observes every individual attempt.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/schemahub/ingest/internal/errs"
	"github.com/schemahub/ingest/internal/models"
)

// Adapter is the contract the fetcher drives. Implementations are
// expected to be stateless per call (no shared mutable state beyond
// the underlying HTTP client). A single call is a single upstream
// attempt: callers that want retries call again.
type Adapter interface {
	// Head returns the newest available trade id for productID.
	Head(ctx context.Context, productID string) (latest uint64, err error)
	// FetchPage returns up to limit trades with id > after, ascending
	// by id. An empty, nil-error result means "caught up to head".
	FetchPage(ctx context.Context, productID string, after uint64, limit int) ([]models.Trade, error)
}

// Config configures the REST client.
type Config struct {
	BaseURL    string
	Source     string       // recorded onto every Trade as _source
	HTTPClient *http.Client // optional override, mainly for tests
	// RequestTimeout bounds a single outbound call. Default 15s.
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.RequestTimeout}
	}
	return c
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	return &Client{cfg: cfg.withDefaults()}
}

var _ Adapter = (*Client)(nil)

type tradeWire struct {
	TradeID uint64 `json:"trade_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Time    string `json:"time"`
	Side    string `json:"side"`
}

// Head asks for the single newest trade (limit=1, no after cursor) and
// reports its id as the current head.
func (c *Client) Head(ctx context.Context, productID string) (uint64, error) {
	body, err := c.get(ctx, productID, 0, 1)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	var wire []tradeWire
	if err := json.NewDecoder(body).Decode(&wire); err != nil {
		return 0, errs.New(errs.KindProtocolError, "exchange.head", err)
	}
	if len(wire) == 0 {
		return 0, nil
	}
	return wire[0].TradeID, nil
}

// FetchPage pulls a single page. The upstream returns newest-first; the
// adapter reverses it to ascending order before returning.
func (c *Client) FetchPage(ctx context.Context, productID string, after uint64, limit int) ([]models.Trade, error) {
	body, err := c.get(ctx, productID, after, limit)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var wire []tradeWire
	if err := json.NewDecoder(body).Decode(&wire); err != nil {
		return nil, errs.New(errs.KindProtocolError, "exchange.fetch_page", err)
	}

	now := time.Now()
	trades := make([]models.Trade, 0, len(wire))
	for i := len(wire) - 1; i >= 0; i-- { // reverse: upstream is newest-first
		w := wire[i]
		t, err := time.Parse(time.RFC3339Nano, w.Time)
		if err != nil {
			return nil, errs.New(errs.KindProtocolError, "exchange.fetch_page",
				fmt.Errorf("trade %d has unparseable timestamp %q: %w", w.TradeID, w.Time, err))
		}
		trades = append(trades, models.Trade{
			TradeID:        w.TradeID,
			ProductID:      productID,
			Price:          w.Price,
			Size:           w.Size,
			Time:           t,
			Side:           models.Side(w.Side),
			Source:         c.cfg.Source,
			SourceIngestTS: now,
		})
	}
	return trades, nil
}

func (c *Client) get(ctx context.Context, productID string, after uint64, limit int) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return nil, errs.New(errs.KindClientError, "exchange.get", err)
	}
	u.Path = u.Path + "/products/" + url.PathEscape(productID) + "/trades"
	q := u.Query()
	if after > 0 {
		q.Set("after", strconv.FormatUint(after, 10))
	}
	q.Set("limit", strconv.Itoa(limit))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errs.New(errs.KindClientError, "exchange.get", err)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, errs.New(errs.KindTransportError, "exchange.get", err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp.Body, nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return nil, classifyHTTPStatus(resp.StatusCode, string(body))
}

func classifyHTTPStatus(status int, body string) error {
	switch {
	case status == http.StatusTooManyRequests:
		return errs.New(errs.KindRateLimited, "exchange.get", fmt.Errorf("status %d: %s", status, body))
	case status >= 500:
		return errs.New(errs.KindServerError, "exchange.get", fmt.Errorf("status %d: %s", status, body))
	case status >= 400:
		return errs.New(errs.KindClientError, "exchange.get", fmt.Errorf("status %d: %s", status, body))
	default:
		return errs.New(errs.KindProtocolError, "exchange.get", fmt.Errorf("unexpected status %d: %s", status, body))
	}
}
