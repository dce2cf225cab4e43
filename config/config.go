package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/fact-relayer/internal/coordinator"
	"github.com/scalarorg/fact-relayer/internal/reconciler"
	"github.com/scalarorg/fact-relayer/pkg/db"
	"github.com/scalarorg/fact-relayer/pkg/events"
	"github.com/scalarorg/fact-relayer/pkg/fee"
	"github.com/scalarorg/fact-relayer/pkg/keys"
	"github.com/scalarorg/fact-relayer/pkg/types"
	"github.com/spf13/viper"
)

const (
	CHAINS_FILE   = "chains.json"
	ACCOUNTS_FILE = "accounts.json"
	FEES_FILE     = "fees.json"
)

type Config struct {
	AppName       string
	IsDev         bool
	LogLevel      string
	ListenAddress string
	OtlpEndpoint  string
	Database      db.StoreConfig
	EventBus      events.EventBusConfig
	Coordinator   coordinator.Config
	Reconciler    reconciler.Config
	Chains        []types.ChainEndpoint
	Accounts      []keys.AccountConfig
	FallbackFees  []fee.FallbackConfig
}

// Endpoints indexes the configured chains by name
func (c *Config) Endpoints() map[string]*types.ChainEndpoint {
	endpoints := make(map[string]*types.ChainEndpoint, len(c.Chains))
	for i := range c.Chains {
		endpoints[c.Chains[i].Name] = &c.Chains[i]
	}
	return endpoints
}

// LoadEnv reads .env into the process environment when present and binds viper to it
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				log.Debug().Str("file", file).Msg("[Config] [LoadEnv] env file not found, using process environment")
				continue
			}
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	viper.AutomaticEnv()
	setDefaults()
	return nil
}

func setDefaults() {
	viper.SetDefault("APP_NAME", "fact-relayer")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("CONFIG_PATH", "config")
	viper.SetDefault("DATABASE_DRIVER", db.DRIVER_POSTGRES)
	viper.SetDefault("LISTEN_ADDRESS", ":8080")
	viper.SetDefault("RECEIPT_TIMEOUT", coordinator.DEFAULT_RECEIPT_TIMEOUT.String())
	viper.SetDefault("INLINE_RECONCILE_ATTEMPTS", coordinator.DEFAULT_INLINE_RECONCILE_ATTEMPTS)
	viper.SetDefault("REQUIRED_CAPABILITY", keys.CAPABILITY_CROSS_CHAIN_SENDER)
	viper.SetDefault("RECONCILE_INTERVAL", reconciler.DEFAULT_INTERVAL.String())
	viper.SetDefault("MAX_RECONCILE_ATTEMPTS", reconciler.DEFAULT_MAX_ATTEMPTS)
	viper.SetDefault("RECONCILE_SCHEDULE", reconciler.DEFAULT_SCHEDULE)
	viper.SetDefault("EVENT_BUFFER_SIZE", events.DEFAULT_SUBSCRIBER_BUFFER)
}

// Load builds the configuration once from the environment and the files under CONFIG_PATH
func Load() (*Config, error) {
	viper.AutomaticEnv()
	setDefaults()
	cfg := &Config{
		AppName:       viper.GetString("APP_NAME"),
		IsDev:         viper.GetBool("IS_DEV"),
		LogLevel:      viper.GetString("LOG_LEVEL"),
		ListenAddress: viper.GetString("LISTEN_ADDRESS"),
		OtlpEndpoint:  viper.GetString("OTLP_ENDPOINT"),
		Database: db.StoreConfig{
			Driver:        strings.ToLower(viper.GetString("DATABASE_DRIVER")),
			DatabaseURL:   viper.GetString("DATABASE_URL"),
			MongoURI:      viper.GetString("MONGODB_URI"),
			MongoDatabase: viper.GetString("MONGODB_DATABASE"),
		},
		EventBus: events.EventBusConfig{
			SubscriberBufferSize: viper.GetInt("EVENT_BUFFER_SIZE"),
		},
		Coordinator: coordinator.Config{
			ReceiptTimeout:          viper.GetDuration("RECEIPT_TIMEOUT"),
			InlineReconcileAttempts: viper.GetInt("INLINE_RECONCILE_ATTEMPTS"),
			RequiredCapability:      viper.GetString("REQUIRED_CAPABILITY"),
		},
		Reconciler: reconciler.Config{
			MaxAttempts: viper.GetInt("MAX_RECONCILE_ATTEMPTS"),
			Interval:    viper.GetDuration("RECONCILE_INTERVAL"),
			Schedule:    viper.GetString("RECONCILE_SCHEDULE"),
		},
	}
	if cfg.Coordinator.ReceiptTimeout <= 0 {
		return nil, fmt.Errorf("RECEIPT_TIMEOUT must be a positive duration")
	}
	if cfg.Reconciler.Interval <= 0 {
		return nil, fmt.Errorf("RECONCILE_INTERVAL must be a positive duration")
	}

	configPath := viper.GetString("CONFIG_PATH")
	var err error
	cfg.Chains, err = ReadJsonArrayConfig[types.ChainEndpoint](filepath.Join(configPath, CHAINS_FILE))
	if err != nil {
		return nil, err
	}
	if err := ValidateChains(cfg.Chains); err != nil {
		return nil, err
	}
	cfg.Accounts, err = readOptional[keys.AccountConfig](filepath.Join(configPath, ACCOUNTS_FILE))
	if err != nil {
		return nil, err
	}
	cfg.FallbackFees, err = readOptional[fee.FallbackConfig](filepath.Join(configPath, FEES_FILE))
	if err != nil {
		return nil, err
	}
	log.Info().Str("configPath", configPath).Int("chains", len(cfg.Chains)).Int("accounts", len(cfg.Accounts)).
		Msg("[Config] [Load] configuration loaded")
	return cfg, nil
}

// ReadJsonArrayConfig decodes a JSON array file with the mapstructure tags and decode hooks viper uses for env config
func ReadJsonArrayConfig[T any](path string) ([]T, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var raw []any
	if err := json.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("config file %s must hold a JSON array: %w", path, err)
	}
	v := viper.New()
	v.Set("items", raw)
	var items []T
	if err := v.UnmarshalKey("items", &items); err != nil {
		return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
	}
	return items, nil
}

func readOptional[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("file", path).Msg("[Config] [Load] optional config file not found")
		return nil, nil
	}
	return ReadJsonArrayConfig[T](path)
}

// ValidateChains checks each endpoint and that names and endpoint ids are unique
func ValidateChains(chains []types.ChainEndpoint) error {
	if len(chains) == 0 {
		return fmt.Errorf("no chains configured")
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	names := make(map[string]struct{}, len(chains))
	eids := make(map[uint32]string, len(chains))
	for i := range chains {
		chain := &chains[i]
		if err := validate.Struct(chain); err != nil {
			return fmt.Errorf("invalid chain config %q: %w", chain.Name, err)
		}
		if _, ok := names[chain.Name]; ok {
			return fmt.Errorf("duplicate chain name %q", chain.Name)
		}
		if other, ok := eids[chain.Eid]; ok {
			return fmt.Errorf("chains %q and %q share endpoint id %d", other, chain.Name, chain.Eid)
		}
		names[chain.Name] = struct{}{}
		eids[chain.Eid] = chain.Name
		if chain.NativeDecimals == 0 {
			chain.NativeDecimals = 18
		}
		if chain.NativeSymbol == "" {
			chain.NativeSymbol = "ETH"
		}
		if chain.Finality == 0 {
			chain.Finality = 1
		}
		if chain.BlockTime <= 0 {
			chain.BlockTime = 2 * time.Second
		}
	}
	return nil
}
