package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/scalarorg/fact-relayer/config"
	"github.com/scalarorg/fact-relayer/internal/relayer"
	"github.com/scalarorg/fact-relayer/pkg/db"
	"github.com/scalarorg/fact-relayer/pkg/events"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	envFile string
	rootCmd = &cobra.Command{
		Use:   "relayer",
		Short: "Cross-chain product fact relayer",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadEnv(envFile); err != nil {
				return err
			}
			config.InitLogger()
			return nil
		},
		SilenceUsage: true,
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

// newService loads the configuration and wires the relayer without starting it
func newService(ctx context.Context) (*relayer.Service, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	store, err := db.NewStore(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	service, err := relayer.NewService(cfg, store, events.NewEventBus(&cfg.EventBus))
	if err != nil {
		if closeErr := store.Close(ctx); closeErr != nil {
			log.Warn().Err(closeErr).Msg("[Relayer] failed to close store")
		}
		return nil, err
	}
	return service, nil
}

func printJSON(value any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to the .env file")
	rootCmd.PersistentFlags().String("config-path", "", "Directory holding chains.json, accounts.json and fees.json")
	viper.BindPFlag("CONFIG_PATH", rootCmd.PersistentFlags().Lookup("config-path"))
	rootCmd.AddCommand(serveCmd, transferCmd, statusCmd, reconcileCmd)
}
