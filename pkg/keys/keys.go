package keys

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	bip39 "github.com/cosmos/go-bip39"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
)

const CAPABILITY_CROSS_CHAIN_SENDER = "CROSS_CHAIN_SENDER"

var ErrCredentialNotFound = errors.New("signing credential not found")

// Credential is a borrowed signing capability. The private key never leaves the manager.
type Credential interface {
	Address() string
	Sign(digest []byte) ([]byte, error)
}

type Manager interface {
	ResolveCredential(ctx context.Context, address string) (Credential, error)
	HasCapability(credential Credential, capability string) bool
}

type AccountConfig struct {
	Name         string   `mapstructure:"name" json:"name"`
	PrivateKey   string   `mapstructure:"private_key" json:"private_key"`
	Mnemonic     string   `mapstructure:"mnemonic" json:"mnemonic"`
	WalletIndex  uint32   `mapstructure:"wallet_index" json:"wallet_index"`
	Capabilities []string `mapstructure:"capabilities" json:"capabilities"`
}

type account struct {
	name         string
	address      common.Address
	key          *ecdsa.PrivateKey
	capabilities map[string]struct{}
}

type credential struct {
	account *account
}

func (c *credential) Address() string {
	return c.account.address.Hex()
}

func (c *credential) Sign(digest []byte) ([]byte, error) {
	if len(digest) != common.HashLength {
		return nil, fmt.Errorf("digest must be %d bytes, got %d", common.HashLength, len(digest))
	}
	return crypto.Sign(digest, c.account.key)
}

// LocalManager keeps account keys loaded from configuration in memory
type LocalManager struct {
	mu       sync.RWMutex
	accounts map[common.Address]*account
}

func NewLocalManager(configs []AccountConfig) (*LocalManager, error) {
	manager := &LocalManager{accounts: make(map[common.Address]*account)}
	for _, cfg := range configs {
		if err := manager.AddAccount(cfg); err != nil {
			return nil, err
		}
	}
	return manager, nil
}

func (m *LocalManager) AddAccount(cfg AccountConfig) error {
	key, err := loadPrivateKey(cfg)
	if err != nil {
		return fmt.Errorf("failed to load account %s: %w", cfg.Name, err)
	}
	acc := &account{
		name:         cfg.Name,
		address:      crypto.PubkeyToAddress(key.PublicKey),
		key:          key,
		capabilities: make(map[string]struct{}, len(cfg.Capabilities)),
	}
	for _, capability := range cfg.Capabilities {
		acc.capabilities[strings.ToUpper(capability)] = struct{}{}
	}
	m.mu.Lock()
	m.accounts[acc.address] = acc
	m.mu.Unlock()
	log.Info().Str("account", cfg.Name).Str("address", acc.address.Hex()).
		Strs("capabilities", cfg.Capabilities).
		Msg("[KeyManager] [AddAccount] account loaded")
	return nil
}

func (m *LocalManager) ResolveCredential(ctx context.Context, address string) (Credential, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid address %q: %w", address, ErrCredentialNotFound)
	}
	m.mu.RLock()
	acc, ok := m.accounts[common.HexToAddress(address)]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", address, ErrCredentialNotFound)
	}
	return &credential{account: acc}, nil
}

func (m *LocalManager) HasCapability(cred Credential, capability string) bool {
	local, ok := cred.(*credential)
	if !ok || local == nil {
		return false
	}
	_, ok = local.account.capabilities[strings.ToUpper(capability)]
	return ok
}

func loadPrivateKey(cfg AccountConfig) (*ecdsa.PrivateKey, error) {
	if cfg.PrivateKey != "" {
		return crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	}
	if cfg.Mnemonic != "" {
		return DeriveFromMnemonic(cfg.Mnemonic, cfg.WalletIndex)
	}
	return nil, fmt.Errorf("neither private key nor mnemonic is set")
}

// DeriveFromMnemonic derives the key at m/44'/60'/0'/0/index
func DeriveFromMnemonic(mnemonic string, index uint32) (*ecdsa.PrivateKey, error) {
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return nil, fmt.Errorf("invalid mnemonic: %w", err)
	}
	key, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}
	path := []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart + 60,
		hdkeychain.HardenedKeyStart,
		0,
		index,
	}
	for _, child := range path {
		key, err = key.Derive(child)
		if err != nil {
			return nil, fmt.Errorf("failed to derive child %d: %w", child, err)
		}
	}
	privateKey, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}
	return privateKey.ToECDSA(), nil
}
