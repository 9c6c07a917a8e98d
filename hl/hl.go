// Package hl places replica orders on Hyperliquid.
package hl

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sonirico/go-hyperliquid"
)

// ErrInvalidCredentials is returned when a private key or wallet cannot be used.
var ErrInvalidCredentials = errors.New("hl: invalid credentials")

// ClientConfig is all the caller needs to supply.
type ClientConfig struct {
	BaseURL string
	Key     string
	// Wallet is the account traded on behalf of. It defaults to the address of
	// Key; set it when Key is an agent key.
	Wallet string
}

func (c ClientConfig) url() string {
	// we want to make sure the config defines main explicitly
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return hyperliquid.TestnetAPIURL
}

// LoadKey parses a hex private key and returns it with its address.
func LoadKey(key string) (*ecdsa.PrivateKey, string, error) {
	key = strings.TrimSpace(key)
	key = strings.TrimPrefix(key, "0x")
	if key == "" {
		return nil, "", fmt.Errorf("%w: private key is required", ErrInvalidCredentials)
	}
	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, "", fmt.Errorf("%w: could not load private key: %s", ErrInvalidCredentials, err)
	}

	pub := privateKey.Public()
	pubECDSA, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, "", fmt.Errorf("%w: error casting public key to ECDSA", ErrInvalidCredentials)
	}
	return privateKey, crypto.PubkeyToAddress(*pubECDSA).Hex(), nil
}

// resolveAccount returns the account address orders are placed for.
func resolveAccount(config ClientConfig) (*ecdsa.PrivateKey, string, error) {
	privateKey, derived, err := LoadKey(config.Key)
	if err != nil {
		return nil, "", err
	}

	wallet := strings.TrimSpace(config.Wallet)
	if wallet == "" {
		return privateKey, derived, nil
	}
	if !common.IsHexAddress(wallet) {
		return nil, "", fmt.Errorf("%w: wallet %q is not a hex address", ErrInvalidCredentials, wallet)
	}
	return privateKey, common.HexToAddress(wallet).Hex(), nil
}

func NewExchange(ctx context.Context, config ClientConfig) (*hyperliquid.Exchange, string, error) {
	privateKey, accountAddr, err := resolveAccount(config)
	if err != nil {
		return nil, "", err
	}

	exchange := hyperliquid.NewExchange(
		ctx,
		privateKey,
		config.url(),
		nil, // Meta will be fetched automatically
		"",
		accountAddr,
		nil, // SpotMeta will be fetched automatically
	)

	return exchange, accountAddr, nil
}

func NewInfo(ctx context.Context, config ClientConfig) *hyperliquid.Info {
	return hyperliquid.NewInfo(ctx, config.url(), false, nil, nil)
}
