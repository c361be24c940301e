package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/soyeahso/kristal-gateway/internal/config"
	"github.com/soyeahso/kristal-gateway/internal/credential"
	"github.com/soyeahso/kristal-gateway/internal/gateway"
	"github.com/soyeahso/kristal-gateway/internal/version"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var gatewayURL string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration summary and probe the running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s\n\n", version.Info())

			fmt.Fprintf(out, "Config:  %s\n", paths.Config)
			fmt.Fprintf(out, "Data:    %s\n", paths.Data)
			fmt.Fprintln(out)

			cfg, err := config.Load(paths.Config)
			if err != nil {
				fmt.Fprintf(out, "Config:  error loading: %v\n", err)
				return nil
			}
			if _, statErr := os.Stat(paths.Config); os.IsNotExist(statErr) {
				fmt.Fprintln(out, "Config:  not found (using defaults and environment)")
			}

			fmt.Fprintf(out, "Env:     %s\n", cfg.Environment)
			fmt.Fprintf(out, "Gateway: port=%d bind=%s websocket=%v\n",
				cfg.Gateway.Port, cfg.Gateway.Bind, cfg.Gateway.WebSocket)
			fmt.Fprintf(out, "CORS:    %s\n", strings.Join(cfg.Gateway.CORSOrigins, ", "))

			agentURL := cfg.Agent.BaseURL
			if agentURL == "" {
				agentURL = "(not set)"
			}
			fmt.Fprintf(out, "Agent:   url=%s rm=%s create=%s query=%s\n",
				agentURL, cfg.Agent.RelationshipManagerID, cfg.CreateSessionTimeout(), cfg.QueryTimeout())
			fmt.Fprintf(out, "Auth:    %s\n", strings.Join(credential.FromConfig(cfg.Agent, log).Names(), " -> "))
			fmt.Fprintf(out, "Session: timeout=%s sweep=%s\n", cfg.SessionTimeout(), cfg.SweepInterval())
			if cfg.History.Enabled {
				fmt.Fprintf(out, "History: %s\n", paths.HistoryDB(cfg.History))
			} else {
				fmt.Fprintln(out, "History: disabled")
			}

			if issues := config.Validate(&cfg); len(issues) > 0 {
				fmt.Fprintf(out, "\nValidation issues (%d):\n", len(issues))
				for _, issue := range issues {
					fmt.Fprintf(out, "  - %s\n", issue)
				}
			}

			base := gatewayURL
			if base == "" {
				base = gatewayBaseURL(cfg.Gateway)
			}
			var health gateway.HealthResponse
			if err := callGateway(cmd.Context(), "GET", base+"/api/health", &health); err != nil {
				fmt.Fprintf(out, "\nRunning: no (%v)\n", err)
				return nil
			}
			fmt.Fprintf(out, "\nRunning: %s at %s (version %s, %d sessions, %d websocket clients)\n",
				health.Status, base, health.Version, health.Sessions, health.Clients)
			return nil
		},
	}

	cmd.Flags().StringVar(&gatewayURL, "url", "", "gateway base URL (default from config)")
	return cmd
}
