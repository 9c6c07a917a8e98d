package hl

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/sonirico/go-hyperliquid"
)

// CoinConstraints captures Hyperliquid rounding requirements for a coin.
type CoinConstraints struct {
	Coin         string
	SizeDecimals int
	PriceSigFigs int
}

// RoundSize truncates size to the coin's lot precision.
func (c CoinConstraints) RoundSize(size float64) float64 {
	pow := math.Pow10(c.SizeDecimals)
	return math.Floor(size*pow+1e-9) / pow
}

// RoundPrice applies Hyperliquid's significant-figure rounding to the price.
func (c CoinConstraints) RoundPrice(price float64) float64 {
	sig := c.PriceSigFigs
	if sig <= 0 {
		sig = 5
	}
	return roundToSignificantFigures(price, sig)
}

// ConstraintsResolver looks up rounding metadata of a coin.
type ConstraintsResolver interface {
	Resolve(ctx context.Context, coin string) (CoinConstraints, error)
}

// InfoProvider describes the subset of hyperliquid.Info used for metadata discovery.
type InfoProvider interface {
	MetaAndAssetCtxs(ctx context.Context) (*hyperliquid.MetaAndAssetCtxs, error)
	SpotMetaAndAssetCtxs(ctx context.Context) (*hyperliquid.SpotMetaAndAssetCtxs, error)
}

// MetadataCache loads coin decimals on first use and keeps them for the life
// of the process. A failed load is retried on the next call.
type MetadataCache struct {
	info InfoProvider

	mu       sync.RWMutex
	loaded   bool
	decimals map[string]int
}

func NewMetadataCache(info InfoProvider) *MetadataCache {
	return &MetadataCache{
		info:     info,
		decimals: make(map[string]int),
	}
}

func (m *MetadataCache) Resolve(ctx context.Context, coin string) (CoinConstraints, error) {
	if coin == "" {
		return CoinConstraints{}, fmt.Errorf("coin is required")
	}
	if err := m.ensureLoaded(ctx); err != nil {
		return CoinConstraints{}, err
	}

	m.mu.RLock()
	decimals, ok := m.decimals[coin]
	m.mu.RUnlock()
	if !ok {
		return CoinConstraints{}, fmt.Errorf("unknown hyperliquid coin %q", coin)
	}

	return CoinConstraints{
		Coin:         coin,
		SizeDecimals: decimals,
		PriceSigFigs: 5,
	}, nil
}

func (m *MetadataCache) ensureLoaded(ctx context.Context) error {
	m.mu.RLock()
	loaded := m.loaded
	m.mu.RUnlock()
	if loaded {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded {
		return nil
	}

	perpMeta, perpErr := m.info.MetaAndAssetCtxs(ctx)
	if perpErr == nil {
		for _, asset := range perpMeta.Meta.Universe {
			m.decimals[asset.Name] = asset.SzDecimals
		}
	}

	spotMeta, spotErr := m.info.SpotMetaAndAssetCtxs(ctx)
	if spotErr == nil {
		for _, asset := range spotMeta.Meta.Universe {
			if len(asset.Tokens) == 0 {
				continue
			}
			idx := int(asset.Tokens[0])
			if idx < 0 || idx >= len(spotMeta.Meta.Tokens) {
				continue
			}
			m.decimals[asset.Name] = spotMeta.Meta.Tokens[idx].SzDecimals
		}
	}

	if perpErr != nil && spotErr != nil {
		return fmt.Errorf("load hyperliquid metadata: %w", perpErr)
	}
	m.loaded = true
	return nil
}

// roundToSignificantFigures keeps sigFigs significant digits. Prices whose
// integer part already has that many digits are truncated to an integer.
func roundToSignificantFigures(price float64, sigFigs int) float64 {
	if sigFigs <= 0 || price == 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return price
	}

	abs := math.Abs(price)
	digits := int(math.Floor(math.Log10(abs))) + 1
	if digits >= sigFigs {
		return math.Copysign(math.Floor(abs), price)
	}
	return math.Copysign(roundToDecimals(abs, sigFigs-digits), price)
}

func roundToDecimals(value float64, decimals int) float64 {
	pow := math.Pow10(decimals)
	return math.Round(value*pow) / pow
}
