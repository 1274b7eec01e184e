// Package main is the entry point for the entrez-mcp server: an MCP stdio
// server exposing rate-limited NCBI E-utilities orchestration (search,
// fetch, summaries, history pipelines and batch downloads) as tools.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/litkit/entrez-client/pkg/client"
	"github.com/litkit/entrez-client/pkg/logging"
)

// version is set at build time via ldflags.
var version = "dev"

// rootCmd is the base command for the entrez-mcp server.
var rootCmd = &cobra.Command{
	Use:   "entrez-mcp",
	Short: "MCP server for NCBI E-utilities orchestration",
	Long: `entrez-mcp exposes the NCBI Entrez E-utilities as MCP tools over stdio:
literature search, record fetching, document summaries, History-server
pipelines (search, link, fetch chains) and chunked batch downloads.

All requests pass through a shared token-bucket rate governor so the
process as a whole stays within NCBI's published request budget (3/s
anonymous, 10/s with an API key).`,
	RunE:          runServe,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       version,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ./entrez-mcp.yaml or ~/.config/entrez-mcp/config.yaml)")
	rootCmd.Flags().String("tool", "entrez-mcp", "tool name sent with every request (NCBI usage policy)")
	rootCmd.Flags().String("email", "", "maintainer contact email (NCBI usage policy)")
	rootCmd.Flags().String("api-key", "", "NCBI API key (raises the rate budget to 10 req/s)")
	rootCmd.Flags().String("redis", "", "Redis address for the response cache (empty disables caching)")
	rootCmd.Flags().Duration("cache-ttl", 5*time.Minute, "response cache TTL")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-pretty", false, "human-readable console log output")

	for _, flag := range []string{"tool", "email", "api-key", "redis", "cache-ttl", "log-level", "log-pretty"} {
		_ = viper.BindPFlag(flag, rootCmd.Flags().Lookup(flag))
	}
}

func initConfig() {
	cfgFile, _ := rootCmd.PersistentFlags().GetString("config")
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("entrez-mcp")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "entrez-mcp"))
		}
	}

	viper.SetEnvPrefix("ENTREZ")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(viper.GetString("log-level")),
		Pretty: viper.GetBool("log-pretty"),
	})

	cfg := client.DefaultConfig(viper.GetString("tool"), viper.GetString("email"))
	cfg.APIKey = viper.GetString("api-key")
	cfg.CacheTTL = viper.GetDuration("cache-ttl")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if addr := viper.GetString("redis"); addr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: addr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", addr, err)
		}
		cfg.Redis = redisClient
		logger.Info().Str("addr", addr).Msg("Response cache enabled")
	}

	app, err := newApp(cfg)
	if err != nil {
		return err
	}

	logger.Info().
		Str("version", version).
		Bool("api_key", cfg.APIKey != "").
		Msg("Starting entrez-mcp server on stdio")

	return app.serve(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
