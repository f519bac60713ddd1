// ABOUTME: Interactive config file generator for courier-gateway
// ABOUTME: Prompts for server, storage, backend and logging settings and writes YAML

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// getDataPath returns the path to the courier data directory.
// Priority: XDG_DATA_HOME/courier > ~/.local/share/courier
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "courier")
}

func isYes(answer string) bool {
	answer = strings.ToLower(answer)
	return answer == "yes" || answer == "y"
}

// randomSecret returns n random bytes, base64 encoded.
func randomSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("courier-gateway configuration setup")
	fmt.Println("===================================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	dataPath := getDataPath()

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		if !isYes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "0.0.0.0:3000")
	grpcAddr := prompt(reader, "gRPC health address (empty to disable)", "")

	fmt.Println("\n--- Storage Configuration ---")
	driver := prompt(reader, "Credential store (file/sqlite/redis/memory)", "file")
	var storagePath, dbPath, redisAddr string
	switch driver {
	case "file":
		storagePath = prompt(reader, "Session directory", filepath.Join(dataPath, "sessions"))
	case "sqlite":
		dbPath = prompt(reader, "SQLite database path", filepath.Join(dataPath, "courier.db"))
	case "redis":
		redisAddr = prompt(reader, "Redis address", "localhost:6379")
	}
	encrypt := isYes(prompt(reader, "Encrypt stored credentials?", "yes"))

	fmt.Println("\n--- Client Configuration ---")
	homeserver := prompt(reader, "Matrix homeserver URL", "https://matrix.example.org")
	redirectURL := prompt(reader, "Pairing redirect URL (empty to skip)", "")

	fmt.Println("\n--- Session Lifecycle ---")
	inactivity := prompt(reader, "Inactivity timeout", "24h")
	sweep := prompt(reader, "Sweep interval", "1h")
	reconnect := prompt(reader, "Reconnect delay", "5s")

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := isYes(prompt(reader, "Enable Tailscale?", "no"))
	var tsHostname, tsAuthKey string
	var tsEphemeral, tsFunnel bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "courier-gateway")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty for interactive)", "")
		tsEphemeral = isYes(prompt(reader, "Ephemeral node?", "no"))
		tsFunnel = isYes(prompt(reader, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	jwtSecret, err := randomSecret(32)
	if err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}

	var cfg strings.Builder
	cfg.WriteString("# courier-gateway configuration\n")
	cfg.WriteString("# Generated by courier-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	if grpcAddr != "" {
		cfg.WriteString(fmt.Sprintf("  grpc_addr: %q\n", grpcAddr))
	}
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n", jwtSecret))
	cfg.WriteString("\n")

	cfg.WriteString("sessions:\n")
	cfg.WriteString(fmt.Sprintf("  inactivity_timeout: %q\n", inactivity))
	cfg.WriteString(fmt.Sprintf("  sweep_interval: %q\n", sweep))
	cfg.WriteString(fmt.Sprintf("  reconnect_delay: %q\n", reconnect))
	cfg.WriteString("  resume_on_start: true\n")
	cfg.WriteString("\n")

	cfg.WriteString("storage:\n")
	cfg.WriteString(fmt.Sprintf("  driver: %q\n", driver))
	if storagePath != "" {
		cfg.WriteString(fmt.Sprintf("  path: %q\n", storagePath))
	}
	if dbPath != "" {
		cfg.WriteString(fmt.Sprintf("  database_path: %q\n", dbPath))
	}
	if redisAddr != "" {
		cfg.WriteString(fmt.Sprintf("  redis_addr: %q\n", redisAddr))
	}
	if encrypt {
		key, err := randomSecret(32)
		if err != nil {
			return fmt.Errorf("generating encryption key: %w", err)
		}
		cfg.WriteString(fmt.Sprintf("  encryption_key: %q\n", key))
	}
	cfg.WriteString("\n")

	cfg.WriteString("client:\n")
	cfg.WriteString("  backend: \"matrix\"\n")
	cfg.WriteString(fmt.Sprintf("  homeserver: %q\n", homeserver))
	if redirectURL != "" {
		cfg.WriteString(fmt.Sprintf("  pairing_redirect_url: %q\n", redirectURL))
	}
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: %q\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
		cfg.WriteString(fmt.Sprintf("  funnel: %t\n", tsFunnel))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Secrets live in this file
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nNext steps:")
	fmt.Println("  courier-gateway token    # mint an operator token")
	fmt.Println("  courier-gateway serve    # start the gateway")

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
