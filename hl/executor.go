package hl

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sonirico/go-hyperliquid"

	"github.com/recomma/polycopy/metadata"
	"github.com/recomma/polycopy/polycopy"
	"github.com/recomma/polycopy/replicator"
)

// defaultPlaceTimeout bounds a single order placement.
const defaultPlaceTimeout = 15 * time.Second

// placeFunc submits one order request to the venue.
type placeFunc func(ctx context.Context, req hyperliquid.CreateOrderRequest) (hyperliquid.OrderStatus, error)

// Executor places GTC limit orders for one copy-trade task.
type Executor struct {
	place       placeFunc
	constraints ConstraintsResolver
	gate        RateGate
	coins       map[string]string
	timeout     time.Duration
	logger      *slog.Logger
}

// Submit maps order.Asset to a coin, rounds it to the coin's constraints and
// places it. A resting order reports "live", a filled one "matched". The
// client order id doubles as the replica id.
func (e *Executor) Submit(ctx context.Context, order polycopy.Order) (polycopy.Submission, error) {
	coin := e.coinFor(order.Asset)

	c, err := e.constraints.Resolve(ctx, coin)
	if err != nil {
		return polycopy.Submission{}, err
	}
	size := c.RoundSize(order.Size)
	if size <= 0 {
		return polycopy.Submission{}, fmt.Errorf("size %v rounds to zero for %s", order.Size, coin)
	}

	req := hyperliquid.CreateOrderRequest{
		Coin:  coin,
		IsBuy: order.Side.IsBuy(),
		Price: c.RoundPrice(order.Price),
		Size:  size,
		OrderType: hyperliquid.OrderType{
			Limit: &hyperliquid.LimitOrderType{
				Tif: hyperliquid.TifGtc,
			},
		},
	}
	if order.ClientOrderID != "" {
		if _, err := metadata.FromHexString(order.ClientOrderID); err != nil {
			return polycopy.Submission{}, fmt.Errorf("invalid client order id %q: %w", order.ClientOrderID, err)
		}
		cloid := order.ClientOrderID
		req.ClientOrderID = &cloid
	}

	if err := e.gate.Wait(ctx); err != nil {
		return polycopy.Submission{}, err
	}

	timeout := e.timeout
	if timeout <= 0 {
		timeout = defaultPlaceTimeout
	}
	placeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	status, err := e.place(placeCtx, req)
	if err != nil {
		if isRateLimited(err) {
			e.logger.Debug("hit ratelimit, cooldown applied", slog.Duration("cooldown", rateLimitCooldown))
			e.gate.Cooldown(rateLimitCooldown)
		}
		return polycopy.Submission{}, fmt.Errorf("could not place order: %w", err)
	}

	sub := polycopy.Submission{ID: order.ClientOrderID}
	switch {
	case status.Filled != nil:
		sub.Status = "matched"
	case status.Resting != nil:
		sub.Status = "live"
	default:
		sub.Status = "rejected"
	}

	e.logger.Info("Order sent",
		slog.String("coin", coin),
		slog.Bool("buy", req.IsBuy),
		slog.Float64("size", req.Size),
		slog.Float64("price", req.Price),
		slog.String("cloid", order.ClientOrderID),
		slog.String("status", sub.Status),
	)
	return sub, nil
}

func (e *Executor) coinFor(asset string) string {
	if coin, ok := e.coins[asset]; ok {
		return coin
	}
	return asset
}

func isRateLimited(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit")
}

// FactoryConfig configures the executors built for copy-trade tasks.
type FactoryConfig struct {
	BaseURL string
	// Coins maps feed asset ids to Hyperliquid coins. Unmapped assets are
	// used as the coin name.
	Coins map[string]string
	Gate  RateGate
	// Timeout bounds each order placement. Zero selects 15s.
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewExecutorFactory returns a factory building one Executor per copy-trade
// task. All executors share the gate and the coin metadata cache.
func NewExecutorFactory(cfg FactoryConfig) replicator.ExecutorFactory {
	gate := cfg.Gate
	if gate == nil {
		gate = NewRateGate(0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.WithGroup("hl")

	var (
		cacheOnce sync.Once
		cache     *MetadataCache
	)

	return func(ctx context.Context, creds polycopy.Credentials) (polycopy.Executor, error) {
		exchange, account, err := NewExchange(ctx, ClientConfig{
			BaseURL: cfg.BaseURL,
			Key:     creds.PrivateKey,
			Wallet:  creds.Wallet,
		})
		if err != nil {
			return nil, err
		}

		cacheOnce.Do(func() {
			cache = NewMetadataCache(NewInfo(context.WithoutCancel(ctx), ClientConfig{BaseURL: cfg.BaseURL}))
		})

		return &Executor{
			place: func(ctx context.Context, req hyperliquid.CreateOrderRequest) (hyperliquid.OrderStatus, error) {
				return exchange.Order(ctx, req, nil)
			},
			constraints: cache,
			gate:        gate,
			coins:       cfg.Coins,
			timeout:     cfg.Timeout,
			logger:      logger.With(slog.String("account", account)),
		}, nil
	}
}
