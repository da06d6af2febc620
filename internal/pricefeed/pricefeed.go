// Package pricefeed discovers the grid's reference price at startup.
//
// Three modes, chosen by the start_price config value:
//   - numeric:     the value is the price, no discovery needed
//   - "pool":      spot ratio of the pair's liquidity pool
//   - "orderbook": midpoint of the best bid and ask on the DEX book
//
// Prices are quoted as quote-per-base, matching the grid convention.
package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"gridmaker/internal/chain"
	"gridmaker/internal/config"
)

// ErrNoPrice signals that discovery found no usable price (empty pool,
// one-sided book).
var ErrNoPrice = errors.New("no price discovered")

// Feed resolves start prices against the node's REST API.
type Feed struct {
	http   *resty.Client
	logger *slog.Logger
}

// New creates a price feed over the chain REST endpoint.
func New(cfg config.ChainConfig, logger *slog.Logger) *Feed {
	return &Feed{
		http: resty.New().
			SetBaseURL(cfg.RestURL).
			SetTimeout(cfg.RequestTimeout).
			SetRetryCount(cfg.MaxAPIRetries),
		logger: logger.With("component", "pricefeed"),
	}
}

// poolResponse is the pool query wire shape: raw reserve amounts.
type poolResponse struct {
	BaseReserve    string `json:"base_reserve"`
	QuoteReserve   string `json:"quote_reserve"`
	BasePrecision  int    `json:"base_precision"`
	QuotePrecision int    `json:"quote_precision"`
}

// bookResponse is the top-of-book query wire shape.
type bookResponse struct {
	BestBid float64 `json:"best_bid"`
	BestAsk float64 `json:"best_ask"`
}

// StartPrice resolves the configured start price for a pair.
func (f *Feed) StartPrice(ctx context.Context, grid config.GridConfig) (float64, error) {
	switch grid.StartPrice {
	case "pool":
		return f.poolPrice(ctx, grid.AssetA, grid.AssetB)
	case "orderbook":
		return f.orderbookMid(ctx, grid.AssetA, grid.AssetB)
	default:
		return grid.NumericStartPrice()
	}
}

// poolPrice returns the pool's spot ratio quote/base.
func (f *Feed) poolPrice(ctx context.Context, assetA, assetB string) (float64, error) {
	var pool poolResponse
	resp, err := f.http.R().
		SetContext(ctx).
		SetQueryParam("base", assetA).
		SetQueryParam("quote", assetB).
		SetResult(&pool).
		Get("/pool")
	if err != nil {
		return 0, fmt.Errorf("%w: pool query: %v", chain.ErrChainTransient, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("pool query: status %d", resp.StatusCode())
	}

	price, err := chain.RatioToFloat(pool.QuoteReserve, pool.QuotePrecision, pool.BaseReserve, pool.BasePrecision)
	if err != nil || price <= 0 {
		return 0, fmt.Errorf("%w: pool %s/%s", ErrNoPrice, assetA, assetB)
	}
	f.logger.Info("start price from pool", "price", price)
	return price, nil
}

// orderbookMid returns the midpoint of the best bid and ask.
func (f *Feed) orderbookMid(ctx context.Context, assetA, assetB string) (float64, error) {
	var book bookResponse
	resp, err := f.http.R().
		SetContext(ctx).
		SetQueryParam("base", assetA).
		SetQueryParam("quote", assetB).
		SetResult(&book).
		Get("/orderbook/top")
	if err != nil {
		return 0, fmt.Errorf("%w: book query: %v", chain.ErrChainTransient, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("book query: status %d", resp.StatusCode())
	}
	if book.BestBid <= 0 || book.BestAsk <= 0 || book.BestAsk < book.BestBid {
		return 0, fmt.Errorf("%w: one-sided or crossed book (%v / %v)", ErrNoPrice, book.BestBid, book.BestAsk)
	}
	mid := (book.BestBid + book.BestAsk) / 2
	f.logger.Info("start price from orderbook", "price", mid, "bid", book.BestBid, "ask", book.BestAsk)
	return mid, nil
}

// WaitForPrice polls discovery until a price appears or ctx ends. Used
// when the bot starts against an empty market.
func (f *Feed) WaitForPrice(ctx context.Context, grid config.GridConfig, interval time.Duration) (float64, error) {
	for {
		price, err := f.StartPrice(ctx, grid)
		if err == nil && price > 0 {
			return price, nil
		}
		if !errors.Is(err, ErrNoPrice) && err != nil {
			f.logger.Warn("price discovery failed, retrying", "error", err)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(interval):
		}
	}
}
