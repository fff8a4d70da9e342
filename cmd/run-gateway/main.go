// ABOUTME: Entry point for the run-gateway server
// ABOUTME: Dispatches the serve, init, token, health, and version subcommands

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/run-gateway/internal/auth"
	"github.com/2389/run-gateway/internal/config"
	"github.com/2389/run-gateway/internal/gateway"
)

const banner = `
                                    _
 _ __ _   _ _ __        __ _  __ _| |_ _____      ____ _ _   _
| '__| | | | '_ \ _____/ _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| |  | |_| | | | |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
|_|   \__,_|_| |_|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                        |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: RUNGW_CONFIG env var > XDG_CONFIG_HOME/run-gateway/gateway.yaml > ~/.config/run-gateway/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("RUNGW_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "run-gateway", "gateway.yaml")
}

// findConfigFile resolves the config file to load. An explicit RUNGW_CONFIG
// must exist; the default location is optional so the gateway can start from
// built-in defaults plus RUNGW_* environment overrides.
func findConfigFile() string {
	if envPath := os.Getenv("RUNGW_CONFIG"); envPath != "" {
		return envPath
	}

	candidate := getConfigPath()
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return ""
}

// getDataPath returns the path to the run-gateway data directory.
// Priority: XDG_DATA_HOME/run-gateway > ~/.local/share/run-gateway
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "run-gateway")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: run-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                    Start the gateway server")
		fmt.Println("  init                     Create a new config file interactively")
		fmt.Println("  token --subject SUBJECT  Mint a bearer token for an API caller")
		fmt.Println("  health                   Check gateway health")
		fmt.Println("  version                  Print version information")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken()
	case "health":
		err = runHealth(ctx)
	case "version":
		err = runVersion()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := findConfigFile()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", gateway.Version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	displayPath := configPath
	if displayPath == "" {
		displayPath = "(built-in defaults)"
	}

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", displayPath)
	green.Print("    ▶ ")
	fmt.Printf("Mode:      %s\n", cfg.Mode())
	if cfg.Mode() == config.ModeForwarding {
		green.Print("    ▶ ")
		fmt.Printf("Upstream:  %s\n", cfg.Coordinator.URL)
	}
	if !cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}

	authStatus := "disabled (anonymous)"
	if cfg.Auth.JWTSecret != "" {
		authStatus = "jwt"
	}
	green.Print("    ▶ ")
	fmt.Printf("Auth:      %s\n", authStatus)

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

	logger.Info("starting run-gateway",
		"config", displayPath,
		"mode", cfg.Mode(),
		"http_addr", cfg.Server.HTTPAddr,
	)

	// Create and run gateway
	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	configPath := findConfigFile()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if cfg.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr not configured (health requires a local HTTP listener)")
	}

	// Make HTTP request to health endpoint with context
	url := fmt.Sprintf("http://%s/v1/health", cfg.Server.HTTPAddr)
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

	var report struct {
		Status string `json:"status"`
		Mode   string `json:"mode"`
		Checks []struct {
			Name    string `json:"name"`
			Status  string `json:"status"`
			Message string `json:"message"`
		} `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if report.Status != "ok" {
		for _, check := range report.Checks {
			if check.Status == "ok" {
				continue
			}
			fmt.Fprintf(os.Stderr, "  %s: %s %s\n", check.Name, check.Status, check.Message)
		}
		return fmt.Errorf("gateway degraded")
	}

	fmt.Printf("healthy (%s mode)\n", report.Mode)
	return nil
}

func runVersion() error {
	fmt.Printf("%s %s (api: %s)\n", gateway.ServiceName, gateway.Version, strings.Join(gateway.APIVersions, ", "))
	return nil
}

// runToken mints a signed bearer token from the configured JWT secret so
// callers can authenticate against a gateway that enforces auth.
//
// Usage: run-gateway token --subject "alice" [--ttl 720h]
func runToken() error {
	// Parse args with explicit error handling
	// Supports both "--subject value" and "--subject=value" formats
	var subject string
	var ttlStr string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--subject" || arg == "-s":
			if i+1 >= len(args) {
				return fmt.Errorf("--subject requires a value")
			}
			subject = args[i+1]
			i++
		case strings.HasPrefix(arg, "--subject="):
			subject = strings.TrimPrefix(arg, "--subject=")
		case strings.HasPrefix(arg, "-s="):
			subject = strings.TrimPrefix(arg, "-s=")
		case arg == "--ttl":
			if i+1 >= len(args) {
				return fmt.Errorf("--ttl requires a value")
			}
			ttlStr = args[i+1]
			i++
		case strings.HasPrefix(arg, "--ttl="):
			ttlStr = strings.TrimPrefix(arg, "--ttl=")
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	if subject == "" {
		return fmt.Errorf("--subject flag is required")
	}

	subject = strings.TrimSpace(subject)
	if subject == "" {
		return fmt.Errorf("subject cannot be empty or whitespace only")
	}

	configPath := findConfigFile()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt_secret not configured in %s (required for token)", getConfigPath())
	}

	ttl := cfg.Auth.TokenTTL
	if ttlStr != "" {
		ttl, err = time.ParseDuration(ttlStr)
		if err != nil {
			return fmt.Errorf("parsing --ttl %q: %w", ttlStr, err)
		}
	}
	if ttl <= 0 {
		return fmt.Errorf("token ttl must be positive")
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	expiresAt := time.Now().Add(ttl).UTC()

	token, err := verifier.Generate(subject, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Printf("  ✓ Minted token for %s\n", subject)
	fmt.Println()
	fmt.Printf("  Subject: %s\n", subject)
	fmt.Printf("  Expires: %s\n", expiresAt.Format("Jan 02, 2006 15:04 MST"))
	fmt.Printf("  Token:   %s\n", token)
	fmt.Println()

	yellow.Println("  Ready to go:")
	fmt.Println("    export RUNGW_TOKEN='<token above>'")
	fmt.Printf("    curl -H \"Authorization: Bearer $RUNGW_TOKEN\" http://%s/v1/runs -d '{\"input\": {}}'\n", cfg.Server.HTTPAddr)
	fmt.Println()

	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("run-gateway configuration setup")
	fmt.Println("===============================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultAuditPath := filepath.Join(defaultDataPath, "audit.db")

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Server configuration
	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")

	// Coordinator
	fmt.Println("\n--- Coordinator Configuration ---")
	fmt.Println("Leave the URL empty to run standalone (local run records).")
	coordinatorURL := prompt(reader, "Upstream coordinator URL", "")
	var bearerToken string
	if coordinatorURL != "" {
		bearerToken = prompt(reader, "Coordinator bearer token (leave empty for none)", "")
	}

	// Auth
	fmt.Println("\n--- Auth Configuration ---")
	enableAuth := prompt(reader, "Require bearer tokens on the run API?", "no")
	var jwtSecret string
	if strings.ToLower(enableAuth) == "yes" || strings.ToLower(enableAuth) == "y" {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		jwtSecret = base64.StdEncoding.EncodeToString(secretBytes)
		fmt.Println("Generated a random JWT secret. Mint tokens with: run-gateway token --subject NAME")
	}

	// Audit
	fmt.Println("\n--- Audit Configuration ---")
	enableAudit := prompt(reader, "Record an audit ledger?", "no")
	var auditPath string
	if strings.ToLower(enableAudit) == "yes" || strings.ToLower(enableAudit) == "y" {
		auditPath = prompt(reader, "Audit database path", defaultAuditPath)
	}

	// Tailscale
	fmt.Println("\n--- Tailscale Configuration ---")
	enableTailscale := prompt(reader, "Enable Tailscale?", "no")
	tailscaleEnabled := strings.ToLower(enableTailscale) == "yes" || strings.ToLower(enableTailscale) == "y"

	var tsHostname, tsAuthKey string
	var tsEphemeral, tsFunnel bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "run-gateway")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty for interactive)", "")
		ephemeralStr := prompt(reader, "Ephemeral node?", "no")
		tsEphemeral = strings.ToLower(ephemeralStr) == "yes" || strings.ToLower(ephemeralStr) == "y"
		funnelStr := prompt(reader, "Enable Funnel (public HTTPS)?", "no")
		tsFunnel = strings.ToLower(funnelStr) == "yes" || strings.ToLower(funnelStr) == "y"
	}

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# run-gateway configuration\n")
	cfg.WriteString("# Generated by run-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString("  shutdown_timeout: \"5s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("coordinator:\n")
	cfg.WriteString(fmt.Sprintf("  url: \"%s\"\n", coordinatorURL))
	if bearerToken != "" {
		cfg.WriteString(fmt.Sprintf("  bearer_token: \"%s\"\n", bearerToken))
	}
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: \"%s\"\n", jwtSecret))
	cfg.WriteString("\n")

	cfg.WriteString("stream:\n")
	cfg.WriteString("  buffer: 64\n")
	cfg.WriteString("  heartbeat: \"15s\"\n")
	cfg.WriteString("\n")

	if auditPath != "" {
		cfg.WriteString("audit:\n")
		cfg.WriteString(fmt.Sprintf("  db_path: \"%s\"\n", auditPath))
		cfg.WriteString("\n")
	}

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: \"%s\"\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: \"%s\"\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
		cfg.WriteString(fmt.Sprintf("  funnel: %t\n", tsFunnel))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Secrets in the file call for tighter permissions
	mode := os.FileMode(0644)
	if jwtSecret != "" || bearerToken != "" {
		mode = 0600
	}

	// Write config file
	if err := os.WriteFile(outputFile, []byte(cfg.String()), mode); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure data directory exists
	if auditPath != "" {
		if err := os.MkdirAll(filepath.Dir(auditPath), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  run-gateway serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
