package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dokzlo13/jackalope/internal/app"
	"github.com/dokzlo13/jackalope/internal/config"
	"github.com/dokzlo13/jackalope/internal/mqtt"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Fatal().Err(err).Msg("jackalope failed")
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "jackalope",
		Short:         "Offline-tolerant MQTT client",
		Long:          "Jackalope buffers MQTT publishes and subscriptions in a persistent queue while the broker is unreachable and replays them in order once connected.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to configuration file")

	loadConfig := func() (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		setupLogging(cfg.Log.Level, cfg.Log.JSON, cfg.Log.Colors)
		return cfg, nil
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the broker and drain the work queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			mqtt.InstallLogger()

			log.Info().Str("config", configPath).Msg("Starting jackalope")
			return run(cfg)
		},
	}

	rootCmd.AddCommand(runCmd, newQueueCommand(loadConfig))
	return rootCmd
}

func run(cfg *config.Config) error {
	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	ctx, stop := app.SignalContext()
	defer stop()

	if err := application.Start(ctx); err != nil {
		_ = application.Stop()
		return fmt.Errorf("failed to start application: %w", err)
	}

	application.Wait()

	if err := application.Stop(); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
	}
	return application.Err()
}

func setupLogging(level string, useJSON bool, colors bool) {
	zerolog.TimeFieldFormat = time.RFC3339

	if useJSON {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			NoColor:    !colors,
		})
	}

	parsed, err := zerolog.ParseLevel(level)
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}
