package cli

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/soyeahso/kristal-gateway/internal/agent"
	"github.com/soyeahso/kristal-gateway/internal/gateway"
	"github.com/spf13/cobra"
)

func newChatCmd() *cobra.Command {
	var (
		clientID  string
		kristalID string
		sessionID string
		source    string
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Ask the agent a question and print the interpreted answer",
		Long: "chat talks to the agent service directly, without a running gateway. " +
			"A session is created first unless --session is given.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ac, _ := newAgentClient(cfg, log, nil)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			req := gateway.ChatRequest{
				Message:   strings.Join(args, " "),
				ClientID:  clientID,
				KristalID: kristalID,
				SessionID: sessionID,
				Source:    source,
			}
			if err := req.Normalize(); err != nil {
				return err
			}

			if req.SessionID == "" {
				req.SessionID, err = ac.CreateSession(ctx, agent.CreateSessionRequest{
					ClientID:  req.ClientID,
					KristalID: req.KristalID,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "[session=%s]\n", req.SessionID)
			}

			resp, err := ac.Query(ctx, agent.QueryRequest{
				Message:   req.Message,
				ClientID:  req.ClientID,
				KristalID: req.KristalID,
				SessionID: req.SessionID,
				Source:    req.Source,
			})
			if err != nil {
				return err
			}

			if asJSON {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			printResponse(cmd.OutOrStdout(), resp)
			return nil
		},
	}

	cmd.Flags().StringVar(&clientID, "client", "", "client id (digits, optional K prefix)")
	cmd.Flags().StringVar(&kristalID, "kristal", "", "kristal id to scope the question to")
	cmd.Flags().StringVar(&sessionID, "session", "", "reuse an existing agent session")
	cmd.Flags().StringVar(&source, "source", "", "source tag forwarded to the agent")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full response as JSON")
	cmd.MarkFlagRequired("client")

	return cmd
}

// printResponse renders an answer for a terminal.
func printResponse(w io.Writer, resp *agent.Response) {
	fmt.Fprintln(w, resp.Response)

	if len(resp.Sources) > 0 {
		fmt.Fprintln(w, "\nSources:")
		for _, s := range resp.Sources {
			fmt.Fprintf(w, "  - [%s] %s %s\n", s.Type, s.Name, s.URL)
		}
	}
	if resp.Chart != nil {
		fmt.Fprintf(w, "\nChart: %s %s\n", resp.Chart.Title, resp.Chart.URL)
	}
	if v := resp.Validation; v != nil {
		fmt.Fprintf(w, "\nValidation: %s", v.Status)
		if v.Agent != "" {
			fmt.Fprintf(w, " (by %s)", v.Agent)
		}
		fmt.Fprintln(w)
		if v.Summary != "" {
			fmt.Fprintf(w, "  %s\n", v.Summary)
		}
		for _, d := range v.Discrepancies {
			fmt.Fprintf(w, "  ! %s\n", d)
		}
	}
}
