package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/noah-isme/chatsync/internal/chat"
	"github.com/noah-isme/chatsync/internal/config"
	"github.com/noah-isme/chatsync/internal/database"
	"github.com/noah-isme/chatsync/internal/utils"
)

var (
	flagUser    string
	flagBaseURL string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:           "chatsync",
	Short:         "Terminal client for the chat relay",
	Long:          "Send and receive direct messages through a chat relay.\nWithout a subcommand an interactive session is started.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSession(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagUser, "user", "u", "", "participant id to act as (overrides CHATSYNC_CLIENT_USER_ID)")
	rootCmd.PersistentFlags().StringVar(&flagBaseURL, "base-url", "", "relay base URL (overrides CHATSYNC_CLIENT_BASE_URL)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "log connection activity to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// client bundles a store with whatever it needs released on exit.
type client struct {
	store   *chat.Store
	userID  string
	cleanup func()
}

func (c *client) Close() {
	c.store.Close()
	if c.cleanup != nil {
		c.cleanup()
	}
}

func loadClientConfig() (config.ClientConfig, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.ClientConfig{}, err
	}

	clientCfg := cfg.Client
	if flagUser != "" {
		clientCfg.UserID = strings.TrimSpace(flagUser)
	}
	if flagBaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(flagBaseURL, "/")
		clientCfg.WSURL, err = config.WebsocketURL(clientCfg.BaseURL)
		if err != nil {
			return config.ClientConfig{}, fmt.Errorf("invalid base url: %w", err)
		}
	}
	if clientCfg.UserID == "" {
		return config.ClientConfig{}, fmt.Errorf("no participant id: pass --user or set CHATSYNC_CLIENT_USER_ID")
	}
	return clientCfg, nil
}

func newLogger() zerolog.Logger {
	level := zerolog.WarnLevel
	if flagVerbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()
}

// openClient builds a store for the configured participant and establishes its identity.
func openClient() (*client, error) {
	cfg, err := loadClientConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger()

	opts := chat.Options{
		API: chat.NewHTTPAPI(chat.HTTPAPIConfig{
			BaseURL: cfg.BaseURL,
			Token:   cfg.Token,
			Timeout: cfg.RequestTimeout,
		}),
		Connection: chat.ConnectionOptions{
			URL:                  cfg.WSURL,
			Token:                cfg.Token,
			DialTimeout:          cfg.DialTimeout,
			PingInterval:         cfg.PingInterval,
			AutoReconnect:        cfg.AutoReconnect,
			ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
			ReconnectMaxDelay:    cfg.ReconnectMaxDelay,
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		},
		Validator:      utils.NewValidator(),
		Logger:         logger,
		RequestTimeout: cfg.RequestTimeout,
	}

	c := &client{userID: cfg.UserID}
	if cfg.HistoryCacheRedisURL != "" {
		redisClient, err := database.ConnectRedis(cfg.HistoryCacheRedisURL)
		if err != nil {
			return nil, err
		}
		opts.History = chat.NewRedisHistoryCache(redisClient, "chatsync:history:"+cfg.UserID, logger)
		c.cleanup = func() { _ = redisClient.Close() }
	}

	c.store = chat.NewStore(opts)
	c.store.OnIdentityEstablished(cfg.UserID)
	return c, nil
}
