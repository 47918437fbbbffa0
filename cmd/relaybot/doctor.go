package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"relaybot/internal/auth"
	"relaybot/internal/config"
	"relaybot/internal/httpx"
	"relaybot/internal/relay"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the relay configuration",
		Long: `Verifies that the config, service-account credentials, dedupe
database, and listening port are usable. Reports pass/fail per check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("relaybot doctor v%s\n\n", version)

			passed := 0
			failed := 0

			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'relaybot init' to create a default configuration.\n")
				return nil
			}
			printPass("Config file", cfgPath)
			passed++

			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				fmt.Printf("\nResults: %d passed, 1 failed\n", passed)
				return nil
			}
			printPass("Config validation", "valid")
			passed++

			key, err := auth.LoadKey(cfg.Google.KeyFile)
			if err != nil {
				printFail("Service account key", err.Error())
				failed++
			} else {
				printPass("Service account key", key.ClientEmail)
				passed++

				// A real exchange proves the key signs and the identity
				// provider accepts it.
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				exchanger := auth.NewExchanger(auth.ExchangerConfig{
					Key:      key,
					Scopes:   cfg.Google.Scopes,
					TokenURL: cfg.Google.TokenURL,
					Client:   httpx.NewClient(10 * time.Second),
					Logger:   logger,
				})
				if _, err := exchanger.Token(ctx); err != nil {
					printFail("Token exchange", err.Error())
					failed++
				} else {
					printPass("Token exchange", "access token issued")
					passed++
				}
				cancel()
			}

			if cfg.Dedupe.Enabled {
				store, err := relay.NewSQLiteDedupe(cfg.Dedupe.DBPath,
					time.Duration(cfg.Dedupe.TTLDays)*24*time.Hour, logger)
				if err != nil {
					printFail("Dedupe database", err.Error())
					failed++
				} else {
					store.Close()
					printPass("Dedupe database", cfg.Dedupe.DBPath)
					passed++
				}
			}

			addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
			if ln, err := net.Listen("tcp", addr); err != nil {
				printFail("Listen address", fmt.Sprintf("%s: %v", addr, err))
				failed++
			} else {
				ln.Close()
				printPass("Listen address", addr)
				passed++
			}

			fmt.Printf("\nResults: %d passed, %d failed\n", passed, failed)
			if failed > 0 {
				fmt.Println("Fix the failed checks before running 'relaybot serve'.")
			}
			return nil
		},
	}
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-22s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-22s %s\n", check, detail)
}
