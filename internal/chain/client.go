// Package chain implements the client for the DEX node.
//
// The REST client (Client) serves account and market queries plus batch
// broadcasting:
//   - GetOpenOrders:    resting limit orders for the bot account
//   - GetFillHistory:   fill operations since a cursor
//   - GetAccountTotals: per-asset total/free balances
//   - GetFeeSchedule:   the chain's current fee table
//   - BroadcastBatch:   signed create/update/cancel operations
//
// Every request is rate-limited through per-category token buckets and
// retried on 5xx; exhausted retries surface ErrChainTransient so the
// caller's pipeline timeout and node failover take over. The fill
// stream (Feed, ws.go) is a separate websocket subscription.
package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"gridmaker/internal/config"
	"gridmaker/internal/keys"
	"gridmaker/pkg/types"
)

// ErrChainTransient marks RPC faults that retry may clear: timeouts,
// disconnects, 5xx responses.
var ErrChainTransient = errors.New("chain transient error")

// Client is the node-facing API surface the engine consumes. The RPC
// implementation below is the production one; tests substitute fakes.
type Client interface {
	GetAsset(ctx context.Context, symbol string) (types.AssetInfo, error)
	GetOpenOrders(ctx context.Context, accountID string) ([]types.ChainOrder, error)
	GetFillHistory(ctx context.Context, accountID, cursor string) ([]types.FillOp, error)
	GetAccountTotals(ctx context.Context, accountID string) (types.AccountTotals, error)
	GetFeeSchedule(ctx context.Context) (types.FeeSchedule, error)
	BroadcastBatch(ctx context.Context, actions []types.Action) ([]types.BroadcastResult, error)
}

// RPCClient talks to a node over HTTP. It wraps a resty client with
// rate limiting, retry, and transaction signing.
type RPCClient struct {
	http   *resty.Client
	signer *keys.Signer // nil in dry-run
	rl     *RateLimiter
	dryRun bool
	logger *slog.Logger

	dryRunSeq int
}

// NewRPCClient creates a REST client with rate limiting and retry.
func NewRPCClient(cfg config.ChainConfig, dryRun bool, signer *keys.Signer, logger *slog.Logger) *RPCClient {
	httpClient := resty.New().
		SetBaseURL(cfg.RestURL).
		SetTimeout(cfg.RequestTimeout).
		SetRetryCount(cfg.MaxAPIRetries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &RPCClient{
		http:   httpClient,
		signer: signer,
		rl:     NewRateLimiter(),
		dryRun: dryRun,
		logger: logger.With("component", "chain"),
	}
}

// GetAsset resolves an asset symbol to its id, precision, and minimum
// order size.
func (c *RPCClient) GetAsset(ctx context.Context, symbol string) (types.AssetInfo, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return types.AssetInfo{}, err
	}
	var result types.AssetInfo
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&result).
		Get("/asset")
	if err != nil {
		return types.AssetInfo{}, fmt.Errorf("%w: get asset: %v", ErrChainTransient, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.AssetInfo{}, statusErr("get asset", resp)
	}
	return result, nil
}

// GetOpenOrders fetches the account's resting limit orders.
func (c *RPCClient) GetOpenOrders(ctx context.Context, accountID string) ([]types.ChainOrder, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}
	var result []types.ChainOrder
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("account", accountID).
		SetResult(&result).
		Get("/open_orders")
	if err != nil {
		return nil, fmt.Errorf("%w: get open orders: %v", ErrChainTransient, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, statusErr("get open orders", resp)
	}
	return result, nil
}

// GetFillHistory fetches fill operations after the cursor (an operation
// id; empty means from the start of the retained history).
func (c *RPCClient) GetFillHistory(ctx context.Context, accountID, cursor string) ([]types.FillOp, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}
	var result []types.FillOp
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("account", accountID).
		SetQueryParam("after", cursor).
		SetResult(&result).
		Get("/fill_history")
	if err != nil {
		return nil, fmt.Errorf("%w: get fill history: %v", ErrChainTransient, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, statusErr("get fill history", resp)
	}
	return result, nil
}

// GetAccountTotals fetches per-asset balances.
func (c *RPCClient) GetAccountTotals(ctx context.Context, accountID string) (types.AccountTotals, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}
	var result types.AccountTotals
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("account", accountID).
		SetResult(&result).
		Get("/account_totals")
	if err != nil {
		return nil, fmt.Errorf("%w: get account totals: %v", ErrChainTransient, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, statusErr("get account totals", resp)
	}
	return result, nil
}

// GetFeeSchedule fetches the chain's current fee table.
func (c *RPCClient) GetFeeSchedule(ctx context.Context) (types.FeeSchedule, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return types.FeeSchedule{}, err
	}
	var result types.FeeSchedule
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/fee_schedule")
	if err != nil {
		return types.FeeSchedule{}, fmt.Errorf("%w: get fee schedule: %v", ErrChainTransient, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.FeeSchedule{}, statusErr("get fee schedule", resp)
	}
	return result, nil
}

// batchPayload is the wire shape of one broadcast operation.
type batchPayload struct {
	Kind         string  `json:"kind"`
	ChainOrderID string  `json:"chain_order_id,omitempty"`
	Type         string  `json:"type,omitempty"`
	Price        float64 `json:"price,omitempty"`
	Size         float64 `json:"size,omitempty"`
	Signature    string  `json:"signature,omitempty"`
}

// operationResult is one [code, value] tuple: code 0/1 with the new
// chain order id on success, any other code with an error string.
type operationResult struct {
	Code  int
	Value string
}

func (r *operationResult) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if len(tuple) != 2 {
		return fmt.Errorf("operation result: want [code, value], got %d elements", len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &r.Code); err != nil {
		return err
	}
	return json.Unmarshal(tuple[1], &r.Value)
}

type batchResponse struct {
	OperationResults []operationResult `json:"operation_results"`
}

// BroadcastBatch signs and submits the action batch in one transaction.
// Per-action results come back positionally: [code, newChainOrderId] on
// success, [code, error] on rejection.
func (c *RPCClient) BroadcastBatch(ctx context.Context, actions []types.Action) ([]types.BroadcastResult, error) {
	if len(actions) == 0 {
		return nil, nil
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would broadcast batch", "count", len(actions))
		results := make([]types.BroadcastResult, len(actions))
		for i, a := range actions {
			if a.Kind == types.ActionCreate {
				c.dryRunSeq++
				results[i] = types.BroadcastResult{ChainOrderID: fmt.Sprintf("dry-run-1.7.%d", c.dryRunSeq)}
			}
		}
		return results, nil
	}
	bucket := c.rl.Cancel
	for _, a := range actions {
		if a.Kind != types.ActionCancel {
			bucket = c.rl.Order
			break
		}
	}
	if err := bucket.Wait(ctx); err != nil {
		return nil, err
	}

	payloads := make([]batchPayload, len(actions))
	for i, a := range actions {
		payloads[i] = batchPayload{
			Kind:         string(a.Kind),
			ChainOrderID: a.ChainOrderID,
			Type:         string(a.Type),
			Price:        a.Price,
			Size:         a.Size,
		}
		if c.signer != nil {
			sig, err := c.signer.SignPayload(fmt.Sprintf("%s|%s|%s|%.8f|%.8f",
				a.Kind, a.ChainOrderID, a.Type, a.Price, a.Size))
			if err != nil {
				return nil, fmt.Errorf("sign action %d: %w", i, err)
			}
			payloads[i].Signature = sig
		}
	}

	var result batchResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payloads).
		SetResult(&result).
		Post("/broadcast")
	if err != nil {
		return nil, fmt.Errorf("%w: broadcast: %v", ErrChainTransient, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, statusErr("broadcast", resp)
	}

	results := make([]types.BroadcastResult, len(actions))
	for i := range actions {
		if i >= len(result.OperationResults) {
			results[i] = types.BroadcastResult{Err: "missing operation result"}
			continue
		}
		op := result.OperationResults[i]
		if op.Code != 0 && op.Code != 1 {
			results[i] = types.BroadcastResult{Code: op.Code, Err: op.Value}
			continue
		}
		results[i] = types.BroadcastResult{Code: op.Code}
		if actions[i].Kind == types.ActionCreate {
			results[i].ChainOrderID = op.Value
		}
	}
	return results, nil
}

func statusErr(op string, resp *resty.Response) error {
	if resp.StatusCode() >= 500 {
		return fmt.Errorf("%w: %s: status %d: %s", ErrChainTransient, op, resp.StatusCode(), resp.String())
	}
	return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode(), resp.String())
}
