package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"kite-connector/internal/config"
	"kite-connector/pkg/utils"
)

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate the connector configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			cfg := *app.Config
			cfg.Credentials.Kite = maskCredentials(cfg.Credentials.Kite)
			if output.IsJSON() {
				return output.JSON(cfg)
			}
			showConfig(output, &cfg)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			dir := app.ConfigDir
			if dir == "" {
				dir = config.DefaultConfigDir()
			}
			if output.IsJSON() {
				return output.JSON(map[string]string{"path": dir})
			}
			output.Println(dir)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		// Loading is the validation, so errors are reported here instead of
		// aborting in the root pre-run.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			cfg, err := config.Load(app.ConfigDir)
			if err != nil {
				if output.IsJSON() {
					_ = output.JSON(map[string]interface{}{"valid": false, "error": err.Error()})
				} else {
					output.Error("✗ Configuration is invalid: %v", err)
				}
				return err
			}
			if app.Paper {
				cfg.Mode = "paper"
			}

			warnings := credentialWarnings(cfg)
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"valid": true, "warnings": warnings})
			}
			output.Success("✓ Configuration is valid")
			for _, w := range warnings {
				output.Warning("  ! %s", w)
			}
			return nil
		},
	})

	return cmd
}

// credentialWarnings lists what a live login will be missing.
func credentialWarnings(cfg *config.Config) []string {
	if cfg.IsPaperMode() {
		return []string{}
	}
	k := cfg.Credentials.Kite
	var warnings []string
	if k.APIKey == "" {
		warnings = append(warnings, "kite.api_key is not set")
	}
	if k.AccessToken == "" && k.RequestToken == "" {
		switch {
		case k.UserID == "" || k.Password == "":
			warnings = append(warnings, "no access token, request token or user id + password to log in with")
		case k.TOTPSecret == "":
			warnings = append(warnings, "kite.totp_secret is not set, automated login will stop at two-factor")
		}
	}
	if k.APISecret == "" && k.AccessToken == "" {
		warnings = append(warnings, "kite.api_secret is not set, tokens cannot be generated")
	}
	if warnings == nil {
		warnings = []string{}
	}
	return warnings
}

func maskCredentials(k config.KiteCredentials) config.KiteCredentials {
	return config.KiteCredentials{
		APIKey:       utils.MaskSecret(k.APIKey),
		APISecret:    utils.MaskSecret(k.APISecret),
		UserID:       k.UserID,
		Password:     utils.MaskSecret(k.Password),
		TOTPSecret:   utils.MaskSecret(k.TOTPSecret),
		RequestToken: utils.MaskSecret(k.RequestToken),
		AccessToken:  utils.MaskSecret(k.AccessToken),
	}
}

func showConfig(output *Output, cfg *config.Config) {
	output.Info("Mode: %s", strings.ToUpper(cfg.Mode))
	output.Println()

	output.Println(output.BoldText("Broker"))
	output.Field("Exchange", cfg.Broker.DefaultExchange)
	output.Field("Base URI", orDefault(cfg.Broker.BaseURI, "kite default"))
	output.Field("Rates", fmt.Sprintf("%.0f req/s, %.0f orders/s", cfg.Broker.RequestRate, cfg.Broker.OrderRate))
	output.Println()

	output.Println(output.BoldText("Session"))
	output.Field("Retries", fmt.Sprintf("%d", cfg.Session.MaxRetries))
	output.Field("Backoff", fmt.Sprintf("%s .. %s", cfg.Session.BackoffBase, cfg.Session.BackoffCap))
	output.Field("Call timeout", cfg.Session.CallTimeout.String())
	output.Field("Warmup", orDefault(strings.Join(cfg.Session.WarmupSymbols, ", "), "none"))
	output.Println()

	output.Println(output.BoldText("Breaker"))
	output.Field("Threshold", fmt.Sprintf("%d", cfg.Breaker.Threshold))
	output.Field("Cooldown", cfg.Breaker.Cooldown.String())
	output.Println()

	output.Println(output.BoldText("Stream"))
	output.Field("Reconnect", fmt.Sprintf("%s .. %s", cfg.Stream.ReconnectBase, cfg.Stream.ReconnectCap))
	output.Field("Max attempts", orDefault(fmt.Sprintf("%d", cfg.Stream.MaxReconnectAttempts), "unlimited"))
	output.Field("Replay", fmt.Sprintf("%d retries, %s .. %s", cfg.Stream.ReplayRetries, cfg.Stream.ReplayBase, cfg.Stream.ReplayCap))
	output.Println()

	output.Println(output.BoldText("Orders"))
	output.Field("Dedup window", cfg.Orders.DedupWindow.String())
	output.Field("Retry pause", cfg.Orders.RetryPause.String())
	output.Println()

	output.Println(output.BoldText("Journal"))
	if cfg.Journal.Enabled {
		output.Field("Path", cfg.Journal.Path)
	} else {
		output.Field("Path", output.DimText("disabled"))
	}
	output.Println()

	k := cfg.Credentials.Kite
	output.Println(output.BoldText("Credentials"))
	output.Field("API key", orDefault(k.APIKey, output.Red("not set")))
	output.Field("API secret", orDefault(k.APISecret, output.Red("not set")))
	output.Field("User ID", orDefault(k.UserID, output.DimText("not set")))
	output.Field("TOTP", orDefault(k.TOTPSecret, output.DimText("not set")))
	output.Field("Access token", orDefault(k.AccessToken, output.DimText("not set")))
}

func orDefault(v, def string) string {
	if v == "" || v == "0" {
		return def
	}
	return v
}
