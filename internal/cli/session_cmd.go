package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/soyeahso/kristal-gateway/internal/agent"
	"github.com/soyeahso/kristal-gateway/internal/config"
	"github.com/soyeahso/kristal-gateway/internal/gateway"
	"github.com/soyeahso/kristal-gateway/internal/store"
	"github.com/spf13/cobra"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Create and inspect agent sessions",
	}

	cmd.AddCommand(newSessionCreateCmd())
	cmd.AddCommand(newSessionGetCmd())
	cmd.AddCommand(newSessionDeleteCmd())
	cmd.AddCommand(newSessionHistoryCmd())
	return cmd
}

func newSessionCreateCmd() *cobra.Command {
	var req gateway.SessionCreateRequest

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a session with the agent service and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := req.Normalize(); err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ac, _ := newAgentClient(cfg, log, nil)

			id, err := ac.CreateSession(cmd.Context(), agent.CreateSessionRequest{
				ClientID:              req.ClientID,
				KristalID:             req.KristalID,
				RelationshipManagerID: req.RelationshipManagerID,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.ClientID, "client", "", "client id (digits, optional K prefix)")
	cmd.Flags().StringVar(&req.KristalID, "kristal", "", "kristal id")
	cmd.Flags().StringVar(&req.RelationshipManagerID, "rm", "", "relationship manager id (default from config)")
	cmd.MarkFlagRequired("client")
	return cmd
}

func newSessionGetCmd() *cobra.Command {
	var gatewayURL string

	cmd := &cobra.Command{
		Use:   "get <session-id>",
		Short: "Show a session held by the running gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := resolveGatewayURL(gatewayURL)
			if err != nil {
				return err
			}
			var view gateway.SessionView
			if err := callGateway(cmd.Context(), http.MethodGet, base+"/api/session/"+url.PathEscape(args[0]), &view); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view)
		},
	}

	cmd.Flags().StringVar(&gatewayURL, "url", "", "gateway base URL (default from config)")
	return cmd
}

func newSessionDeleteCmd() *cobra.Command {
	var gatewayURL string

	cmd := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Forget a session in the running gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := resolveGatewayURL(gatewayURL)
			if err != nil {
				return err
			}
			if err := callGateway(cmd.Context(), http.MethodDelete, base+"/api/session/"+url.PathEscape(args[0]), nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&gatewayURL, "url", "", "gateway base URL (default from config)")
	return cmd
}

func newSessionHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <session-id>",
		Short: "Print recorded exchanges for a session from the history database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}
			db, err := store.Open(cmd.Context(), paths.HistoryDB(cfg.History), log)
			if err != nil {
				return fmt.Errorf("opening history database: %w", err)
			}
			defer db.Close()

			exchanges, err := store.NewExchangeLog(db).History(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if len(exchanges) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "(no exchanges recorded)")
				return nil
			}
			for _, e := range exchanges {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-5s %6dms  %s\n",
					e.CreatedAt.Format(time.RFC3339), e.Status, e.ElapsedMs, e.Query)
				if e.Status == store.StatusError {
					fmt.Fprintf(cmd.OutOrStdout(), "    error (%s): %s\n", e.ErrorKind, e.Error)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", store.DefaultHistoryLimit, "newest exchanges to show")
	return cmd
}

// gatewayBaseURL is where a local gateway started from cfg can be reached.
func gatewayBaseURL(cfg config.GatewayConfig) string {
	host := "127.0.0.1"
	if cfg.Bind == "custom" && cfg.CustomBindHost != "" && cfg.CustomBindHost != "0.0.0.0" {
		host = cfg.CustomBindHost
	}
	port := cfg.Port
	if port == 0 {
		port = config.DefaultPort
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port))
}

func resolveGatewayURL(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	cfg, err := config.Load(paths.Config)
	if err != nil {
		return "", err
	}
	return gatewayBaseURL(cfg.Gateway), nil
}

// callGateway performs one REST call and decodes a 2xx body into out.
// Error envelopes come back as Go errors carrying the gateway's code.
func callGateway(ctx context.Context, method, target string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable at %s: %w", target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var envelope struct {
			Error gateway.ErrorShape `json:"error"`
		}
		if json.Unmarshal(body, &envelope) == nil && envelope.Error.Code != "" {
			return fmt.Errorf("%s (%s, HTTP %d)", envelope.Error.Message, envelope.Error.Code, resp.StatusCode)
		}
		return fmt.Errorf("gateway returned HTTP %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
