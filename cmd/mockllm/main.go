package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/invakid404/baml-runtime/internal/mockllm"
)

var (
	addr   string
	pretty bool
	debug  bool
)

var rootCmd = &cobra.Command{
	Use:   "mockllm",
	Short: "Serve scripted LLM responses for testing",
	RunE: func(cmd *cobra.Command, args []string) error {
		var logger zerolog.Logger
		if pretty {
			logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		} else {
			logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		}
		level := zerolog.InfoLevel
		if debug {
			level = zerolog.DebugLevel
		}
		logger = logger.Level(level)

		server := &http.Server{
			Addr:              addr,
			Handler:           mockllm.NewServer(logger),
			ReadHeaderTimeout: 10 * time.Second,
		}

		serverErr := make(chan error, 1)
		go func() {
			logger.Info().Str("addr", addr).Msg("Starting mock LLM server")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-serverErr:
			return fmt.Errorf("server error: %w", err)
		case <-sigChan:
		}

		logger.Info().Msg("Shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	},
}

func init() {
	rootCmd.Flags().StringVar(&addr, "addr", ":8080", "Address to listen on")
	rootCmd.Flags().BoolVar(&pretty, "pretty", false, "Use pretty console logging")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Log every request")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
