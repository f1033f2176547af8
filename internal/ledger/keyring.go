package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeyRing holds the signing keys of the accounts this process may act for
type KeyRing struct {
	chainID *big.Int
	mu      sync.RWMutex
	keys    map[common.Address]*ecdsa.PrivateKey
}

// NewKeyRing parses hex-encoded private keys (with or without 0x prefix)
func NewKeyRing(chainID *big.Int, hexKeys []string) (*KeyRing, error) {
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain id must be positive")
	}
	kr := &KeyRing{chainID: new(big.Int).Set(chainID), keys: make(map[common.Address]*ecdsa.PrivateKey)}
	for i, raw := range hexKeys {
		raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
		if raw == "" {
			continue
		}
		if _, err := kr.Add(raw); err != nil {
			return nil, fmt.Errorf("signer key %d: %w", i, err)
		}
	}
	return kr, nil
}

// Add registers one hex key and returns its account
func (k *KeyRing) Add(hexKey string) (common.Address, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("parse key: %w", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	k.mu.Lock()
	k.keys[addr] = key
	k.mu.Unlock()
	return addr, nil
}

// Accounts lists the accounts with a key
func (k *KeyRing) Accounts() []common.Address {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]common.Address, 0, len(k.keys))
	for a := range k.keys {
		out = append(out, a)
	}
	return out
}

// Has reports whether account can sign
func (k *KeyRing) Has(account common.Address) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.keys[account]
	return ok
}

// Transactor returns signing options for account bound to ctx
func (k *KeyRing) Transactor(ctx context.Context, account common.Address) (*bind.TransactOpts, bool, error) {
	k.mu.RLock()
	key, ok := k.keys[account]
	k.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, k.chainID)
	if err != nil {
		return nil, true, fmt.Errorf("transactor for %s: %w", account.Hex(), err)
	}
	opts.Context = ctx
	return opts, true, nil
}
