// ABOUTME: Entry point for the ragchat-gateway server and its operator commands
// ABOUTME: serve runs the HTTP API; bootstrap, health and recount help operate it

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/ragchat-gateway/internal/config"
	"github.com/2389/ragchat-gateway/internal/gateway"
	"github.com/2389/ragchat-gateway/internal/ledger"
)

// Version is set at build time.
var version = "dev"

const banner = `
                       _           _
  _ __ __ _  __ _  ___| |__   __ _| |_
 | '__/ _' |/ _' |/ __| '_ \ / _' | __|
 | | | (_| | (_| | (__| | | | (_| | |_
 |_|  \__,_|\__, |\___|_| |_|\__,_|\__|
            |___/              gateway
`

// cliArgs are the flags shared by every command plus leftover positionals.
type cliArgs struct {
	configPath string
	envFile    string
	positional []string
}

// parseArgs reads --config/-c and --env-file. Both accept "--flag value"
// and "--flag=value".
func parseArgs(args []string) (*cliArgs, error) {
	out := &cliArgs{envFile: ".env"}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--config" || arg == "-c":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("%s requires a value", arg)
			}
			out.configPath = args[i+1]
			i++
		case strings.HasPrefix(arg, "--config="):
			out.configPath = strings.TrimPrefix(arg, "--config=")
		case arg == "--env-file":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("%s requires a value", arg)
			}
			out.envFile = args[i+1]
			i++
		case strings.HasPrefix(arg, "--env-file="):
			out.envFile = strings.TrimPrefix(arg, "--env-file=")
		case strings.HasPrefix(arg, "-"):
			return nil, fmt.Errorf("unknown flag: %s", arg)
		default:
			out.positional = append(out.positional, arg)
		}
	}
	return out, nil
}

// getConfigPath returns the path to the gateway config file.
// Priority: --config > RAGCHAT_CONFIG env var > ./config.yaml if present >
// XDG_CONFIG_HOME/ragchat/gateway.yaml > ~/.config/ragchat/gateway.yaml
func getConfigPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if envPath := os.Getenv("RAGCHAT_CONFIG"); envPath != "" {
		return envPath
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "ragchat", "gateway.yaml")
}

// getDataPath returns the path to the ragchat data directory.
// Priority: XDG_DATA_HOME/ragchat > ~/.local/share/ragchat
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "ragchat")
}

func usage() {
	fmt.Println("Usage: ragchat-gateway <command> [--config PATH] [--env-file PATH]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                  Start the gateway server")
	fmt.Println("  bootstrap              Write a config file with a random JWT secret")
	fmt.Println("  health                 Check gateway health")
	fmt.Println("  recount SESSION_ID     Recompute a session's message count")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args, err := parseArgs(os.Args[2:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "bootstrap":
		err = runBootstrap(args)
	case "health":
		err = runHealth(ctx, args)
	case "recount":
		err = runRecount(ctx, args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the dotenv file first so ${VAR} references in the config resolve.
func loadConfig(args *cliArgs) (*config.Config, string, error) {
	if err := config.LoadEnvFile(args.envFile); err != nil {
		return nil, "", err
	}
	configPath := getConfigPath(args.configPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

func runServe(ctx context.Context, args *cliArgs) error {
	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig(args)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Store:     %s\n", storeSummary(cfg))
	green.Print("    ▶ ")
	if cfg.RAG.Endpoint != "" {
		fmt.Printf("RAG:       %s\n", cfg.RAG.Endpoint)
	} else {
		fmt.Print("RAG:       ")
		yellow.Println("not configured")
	}

	// Tailscale status
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting ragchat-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"driver", cfg.Database.Driver,
		"environment", cfg.Environment,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// storeSummary describes the configured store without leaking credentials.
func storeSummary(cfg *config.Config) string {
	switch cfg.Database.Driver {
	case config.DriverMongo:
		return "mongo (" + cfg.Database.Mongo.Database + ")"
	case config.DriverMemory:
		return "memory (data is lost on exit)"
	default:
		return "sqlite " + cfg.Database.Path
	}
}

func runHealth(ctx context.Context, args *cliArgs) error {
	cfg, _, err := loadConfig(args)
	if err != nil {
		return err
	}

	// Make HTTP request to health endpoint with context
	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// runRecount recomputes message_count for one session from its stored messages.
func runRecount(ctx context.Context, args *cliArgs) error {
	if len(args.positional) != 1 {
		return errors.New("usage: ragchat-gateway recount SESSION_ID")
	}
	sessionID := args.positional[0]

	cfg, _, err := loadConfig(args)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	s, err := gateway.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	count, err := ledger.New(s, logger).Recount(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("recounting %s: %w", sessionID, err)
	}

	color.New(color.FgGreen).Printf("  ✓ %s: %d messages\n", sessionID, count)
	return nil
}

// runBootstrap performs first-time setup of the gateway: it writes a config
// file with a random JWT secret and checks that the store opens.
//
// This is a one-command setup: ragchat-gateway bootstrap
func runBootstrap(args *cliArgs) error {
	configPath := getConfigPath(args.configPath)
	dbPath := filepath.Join(getDataPath(), "ragchat.db")

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	secret, err := generateSecret()
	if err != nil {
		return err
	}

	if err := writeBootstrapConfig(configPath, dbPath, secret); err != nil {
		return err
	}
	green.Printf("  ✓ Created config: %s\n", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	s, err := gateway.OpenStore(context.Background(), cfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()
	green.Printf("  ✓ Database: %s\n", cfg.Database.Path)

	fmt.Println()
	green.Println("  Bootstrap complete!")
	fmt.Println()
	yellow.Println("  Next steps:")
	fmt.Println("    set rag.endpoint in the config to your answer engine")
	fmt.Println("    ragchat-gateway serve")
	fmt.Println()

	return nil
}

// generateSecret returns 32 random bytes, base64 encoded.
func generateSecret() (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(secretBytes), nil
}

// writeBootstrapConfig writes a development config. The file is 0600 because it holds the secret.
func writeBootstrapConfig(configPath, dbPath, secret string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configContent := fmt.Sprintf(`# ragchat-gateway configuration
# Generated by ragchat-gateway bootstrap

environment: "development"

server:
  http_addr: "localhost:8000"
  cors_origins:
    - "http://localhost:3000"
    - "http://127.0.0.1:3000"

database:
  driver: "sqlite"
  path: "%s"
  # driver: "mongo"
  # mongo:
  #   uri: "${MONGODB_URI}"
  #   database: "ragchat"

auth:
  jwt_secret: "%s"
  token_ttl: "168h"

sessions:
  list_limit: 10
  message_limit: 50

rag:
  endpoint: ""
  timeout: "60s"

logging:
  level: "info"
  format: "text"
`, dbPath, secret)

	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
