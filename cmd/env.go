package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/canvasmate/internal/config"
)

// ConfigCheckResult holds the result of configuration validation
type ConfigCheckResult struct {
	Problems []string          // Validation failures
	Present  map[string]string // Effective settings (secrets masked)
	Warnings []string          // Non-fatal warnings
}

// CheckConfig summarizes cfg for operators.
func CheckConfig(cfg *config.Config) *ConfigCheckResult {
	result := &ConfigCheckResult{
		Problems: []string{},
		Present:  make(map[string]string),
		Warnings: []string{},
	}

	if err := config.Validate(cfg); err != nil {
		var joined interface{ Unwrap() []error }
		if errors.As(err, &joined) {
			for _, e := range joined.Unwrap() {
				result.Problems = append(result.Problems, e.Error())
			}
		} else {
			result.Problems = append(result.Problems, err.Error())
		}
	}

	result.Present["server.port"] = fmt.Sprint(cfg.Server.Port)
	result.Present["ai.provider"] = cfg.AI.Provider
	result.Present["ai.model"] = cfg.AI.Model
	if cfg.AI.APIKey != "" {
		result.Present["ai.api_key"] = maskSecret(cfg.AI.APIKey)
	}
	result.Present["store.backend"] = cfg.Store.Backend
	result.Present["store.consistency"] = cfg.Store.Consistency
	result.Present["store.scene_ttl"] = cfg.Store.SceneTTL.String()
	switch cfg.Store.Backend {
	case "redis":
		result.Present["store.redis_addr"] = cfg.Store.RedisAddr
		if cfg.Store.RedisPassword != "" {
			result.Present["store.redis_password"] = maskSecret(cfg.Store.RedisPassword)
		}
	case "postgres":
		result.Present["store.postgres_dsn"] = maskSecret(cfg.Store.PostgresDSN)
	}
	if cfg.Drawing.Enabled {
		result.Present["drawing.mcp_url"] = cfg.Drawing.MCPURL
	}

	if cfg.Store.Backend == "memory" {
		result.Warnings = append(result.Warnings, "memory store loses every board on restart and is not shared between instances")
	}
	if cfg.Store.Consistency == "last_write_wins" {
		result.Warnings = append(result.Warnings, "last_write_wins can drop elements when two turns hit the same board at once")
	}
	if !cfg.Drawing.Enabled {
		result.Warnings = append(result.Warnings, "drawing backend disabled, /chat is unavailable")
	}

	return result
}

// PrintConfigCheck prints the configuration check results
func PrintConfigCheck(w io.Writer, result *ConfigCheckResult) {
	fmt.Fprintln(w, "=== Configuration Check ===")

	if len(result.Problems) > 0 {
		fmt.Fprintln(w, "❌ Problems:")
		for _, p := range result.Problems {
			fmt.Fprintf(w, "   - %s\n", p)
		}
		fmt.Fprintln(w, "")
	}

	if len(result.Present) > 0 {
		keys := make([]string, 0, len(result.Present))
		for k := range result.Present {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(w, "✓ Effective settings:")
		for _, k := range keys {
			fmt.Fprintf(w, "   - %s = %s\n", k, result.Present[k])
		}
		fmt.Fprintln(w, "")
	}

	for _, warning := range result.Warnings {
		fmt.Fprintf(w, "⚠ Warning: %s\n", warning)
	}

	if len(result.Problems) == 0 {
		fmt.Fprintln(w, "✓ Configuration is usable")
	}

	fmt.Fprintln(w, "============================")
}

// maskSecret masks a secret value for display, showing only first and last 2 chars
func maskSecret(value string) string {
	if len(value) <= 8 {
		return "****"
	}
	return value[:2] + "****" + value[len(value)-2:]
}

// LoadEnvFile loads environment variables from a file, overwriting existing ones.
func LoadEnvFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		value = strings.TrimSpace(value)

		// Remove quotes if present
		if len(value) >= 2 && ((value[0] == '"' && value[len(value)-1] == '"') || (value[0] == '\'' && value[len(value)-1] == '\'')) {
			value = value[1 : len(value)-1]
		}

		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to set env var %s: %w", key, err)
		}
	}

	return scanner.Err()
}
