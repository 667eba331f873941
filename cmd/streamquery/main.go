package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"streamquery/internal/config"
	"streamquery/internal/jsonrpc"
	"streamquery/internal/server"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "streamquery",
		Short: "Relay push feeds through a shared query cache",
		Long: "streamquery subscribes to event-source, GraphQL WebSocket and NATS feeds " +
			"and serves their latest values to WebSocket clients, one upstream stream per feed key.",
		SilenceUsage: true,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			return serve(cmd.Context(), configPath)
		},
	}
	serveCmd.Flags().String("config", "config.json", "path to config file")
	rootCmd.AddCommand(serveCmd)

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a config file and list its feeds",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			for _, f := range cfg.Feeds {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", f.Name, f.Kind)
			}
			return nil
		},
	}
	checkCmd.Flags().String("config", "config.json", "path to config file")
	rootCmd.AddCommand(checkCmd)

	watchCmd := &cobra.Command{
		Use:   "watch <feed> [params-json]",
		Short: "Subscribe to a feed on a running relay and print its events",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			return watch(cmd.Context(), url, args)
		},
	}
	watchCmd.Flags().String("url", "ws://localhost:8550/ws", "relay WebSocket endpoint")
	rootCmd.AddCommand(watchCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		// Basic logger for startup errors
		log := zerolog.New(os.Stderr).With().Timestamp().Logger()
		log.Error().Err(err).Msg("failed to load config")
		return err
	}

	logger := setupLogger(cfg.LogLevel)
	logger.Info().
		Str("config", configPath).
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Int("feeds", len(cfg.Feeds)).
		Msg("starting streamquery")

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create server")
		return err
	}

	if err := srv.Start(); err != nil {
		logger.Error().Err(err).Msg("failed to start server")
		return err
	}

	<-ctx.Done()
	logger.Info().Msg("received shutdown signal")

	// Graceful shutdown with timeout
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Stop(stopCtx); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
		return err
	}
	return nil
}

func watch(ctx context.Context, url string, args []string) error {
	params := []any{args[0]}
	if len(args) > 1 {
		var p map[string]any
		if err := json.Unmarshal([]byte(args[1]), &p); err != nil {
			return fmt.Errorf("invalid params: %w", err)
		}
		params = append(params, p)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	req, err := jsonrpc.NewRequest(jsonrpc.IntID(1), jsonrpc.MethodSubscribe, params)
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)
		}
		fmt.Println(string(data))
	}
}

// setupLogger configures the zerolog logger
func setupLogger(level string) zerolog.Logger {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}

	return zerolog.New(output).With().Timestamp().Logger()
}
