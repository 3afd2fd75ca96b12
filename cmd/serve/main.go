package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v3"
	"github.com/gregwebs/go-recovery"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/invakid404/baml-runtime/openapi"
	"github.com/invakid404/baml-runtime/runtime"
)

type sseContextKey string

const (
	sseContextKeyTopic  = sseContextKey("topic")
	sseContextKeyReady  = sseContextKey("ready")
	maxRequestBodyBytes = 4 * 1024 * 1024
	envPrefix           = "BAML_RUNTIME"
)

var errRequestBodyTooLarge = errors.New("request body too large")

// serveConfig is the resolved configuration of the serve command. Each
// value comes from a flag, a BAML_RUNTIME_* environment variable or the
// config file, in that order of precedence.
type serveConfig struct {
	Port                 int           `mapstructure:"port"`
	UnaryPort            int           `mapstructure:"unary-port"`
	Source               string        `mapstructure:"source"`
	SSEKeepaliveInterval time.Duration `mapstructure:"sse-keepalive-interval"`
	ShutdownTimeout      time.Duration `mapstructure:"shutdown-timeout"`
	Pretty               bool          `mapstructure:"pretty"`
}

var rootCmd = &cobra.Command{
	Use:   "baml-runtime",
	Short: "BAML runtime REST API server",
}

// loadConfig merges flags, environment and the optional config file.
func loadConfig(cmd *cobra.Command) (*serveConfig, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if configFile := v.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg serveConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.SSEKeepaliveInterval < minSSEKeepaliveInterval {
		return nil, fmt.Errorf("--sse-keepalive-interval must be >= %s", minSSEKeepaliveInterval)
	}
	return &cfg, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the BAML runtime REST API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		var output io.Writer = os.Stdout
		if cfg.Pretty {
			output = zerolog.ConsoleWriter{Out: os.Stdout}
		}
		logger := zerolog.New(output).With().Timestamp().Logger()

		project, err := runtime.LoadDir(cfg.Source)
		if err != nil {
			return fmt.Errorf("failed to load project: %w", err)
		}
		logger.Info().Str("source", cfg.Source).Strs("files", project.Files).Msg("Project loaded")

		rt, err := runtime.New(project, runtime.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("failed to create runtime: %w", err)
		}

		openapiJSON, openapiYAML, err := buildOpenAPI(rt)
		if err != nil {
			return err
		}

		// Set global panic recovery handler to use structured logging
		recovery.ErrorHandler = func(err error) {
			logger.Error().Err(err).Msg("Unhandled panic recovered")
		}

		s := newServer(rt, logger)
		app, err := s.newApp(appConfig{
			OpenAPIJSON:          openapiJSON,
			OpenAPIYAML:          openapiYAML,
			SSEKeepaliveInterval: cfg.SSEKeepaliveInterval,
		})
		if err != nil {
			return err
		}

		serverErr := make(chan error, 2)
		go recovery.GoHandler(func(err error) {
			serverErr <- err
		}, func() error {
			logger.Info().Int("port", cfg.Port).Msg("Starting server")
			logger.Info().Msgf("OpenAPI JSON: http://localhost:%d/openapi.json", cfg.Port)
			logger.Info().Msgf("OpenAPI YAML: http://localhost:%d/openapi.yaml", cfg.Port)
			return app.Listen(fmt.Sprintf(":%d", cfg.Port), fiber.ListenConfig{DisableStartupMessage: true})
		})

		unaryServer := s.newUnaryServer(cfg.UnaryPort)
		if unaryServer != nil {
			go recovery.GoHandler(func(err error) {
				serverErr <- err
			}, func() error {
				logger.Info().Int("port", cfg.UnaryPort).Msg("Starting unary server")
				if err := unaryServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		}

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-serverErr:
			return fmt.Errorf("server error: %w", err)
		case sig := <-sigChan:
			logger.Info().Str("signal", sig.String()).Msg("Received signal, initiating graceful shutdown")

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer shutdownCancel()

			// In-flight model calls finish before the servers stop
			if unaryServer != nil {
				if err := unaryServer.Shutdown(shutdownCtx); err != nil {
					logger.Error().Err(err).Msg("Error during unary server shutdown")
				}
			}
			if err := app.ShutdownWithContext(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("Error during Fiber server shutdown")
				return fmt.Errorf("shutdown error: %w", err)
			}

			logger.Info().Msg("Server gracefully stopped")
			return nil
		}
	},
}

// buildOpenAPI renders the document served at /openapi.json and /openapi.yaml.
func buildOpenAPI(rt *runtime.Runtime) ([]byte, []byte, error) {
	schema, err := openapi.Generate(rt.Registry(), openapi.Config{})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate OpenAPI schema: %w", err)
	}

	openapiJSON, err := json.Marshal(schema)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate OpenAPI JSON: %w", err)
	}

	openapiYAML, err := yaml.Marshal(schema)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate OpenAPI YAML: %w", err)
	}
	return openapiJSON, openapiYAML, nil
}

func readRequestBodyLimited(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(maxRequestBodyBytes)+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxRequestBodyBytes {
		return nil, errRequestBodyTooLarge
	}
	return body, nil
}

func init() {
	flags := serveCmd.Flags()
	flags.IntP("port", "p", 8080, "Port to run the server on")
	flags.Int("unary-port", 0, "Port for the unary server (0 = disabled). Serves /call/*, /call-with-raw/*, /parse/* on a net/http server with reliable client-disconnect cancellation")
	flags.String("source", runtime.DefaultSourceDir, "Directory holding the project files")
	flags.Duration("sse-keepalive-interval", defaultSSEKeepaliveInterval, "Interval between SSE keepalive comments (minimum 1s)")
	flags.Duration("shutdown-timeout", 5*time.Minute, "How long in-flight requests may run after a shutdown signal")
	flags.Bool("pretty", false, "Use pretty console logging instead of structured JSON")
	flags.String("config", "", "Optional config file (yaml, json or toml) with the same keys as the flags")

	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
		logger.Fatal().Err(err).Msg("Command failed")
	}
}
