// Package marketdata fetches reference quotes from an external provider.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// ErrNoQuote is returned when the provider has no usable price.
var ErrNoQuote = errors.New("marketdata: no quote")

// Quote is the provider response. Only the current price is used.
type Quote struct {
	Current       decimal.Decimal `json:"c"`
	High          decimal.Decimal `json:"h"`
	Low           decimal.Decimal `json:"l"`
	Open          decimal.Decimal `json:"o"`
	PreviousClose decimal.Decimal `json:"pc"`
	Timestamp     int64           `json:"t"`
}

type Client struct {
	client *resty.Client
	token  string
}

type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Debug   bool
}

func New(opts Options) *Client {
	client := resty.New().
		SetDebug(opts.Debug).
		SetTimeout(opts.Timeout).
		SetBaseURL(opts.BaseURL).
		SetRetryCount(2).
		SetRetryWaitTime(200*time.Millisecond).
		SetHeader("Accept", "application/json")
	return &Client{client: client, token: opts.Token}
}

// Price returns the current price of ticker. A zero or negative quote is
// reported as ErrNoQuote.
func (c *Client) Price(ctx context.Context, ticker string) (decimal.Decimal, error) {
	var q Quote
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"symbol": ticker, "token": c.token}).
		SetResult(&q).
		Get("/quote")
	if err != nil {
		return decimal.Zero, fmt.Errorf("quote %s: %w", ticker, err)
	}
	if resp.IsError() {
		return decimal.Zero, fmt.Errorf("quote %s: provider returned %s", ticker, resp.Status())
	}
	if !q.Current.IsPositive() {
		slog.Debug("empty quote", "ticker", ticker, "price", q.Current.String())
		return decimal.Zero, fmt.Errorf("%w for %s", ErrNoQuote, ticker)
	}
	return q.Current, nil
}
