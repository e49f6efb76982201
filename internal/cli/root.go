// Package cli implements the agentbridge command line client.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agentbridge/agentbridge/internal/api"
	"github.com/agentbridge/agentbridge/internal/appclient"
	"github.com/agentbridge/agentbridge/internal/config"
)

type options struct {
	socketPath string
	jsonOut    bool

	// client overrides socket dialing in tests.
	client *appclient.Client
}

func (o *options) newClient() *appclient.Client {
	if o.client != nil {
		return o.client
	}
	return appclient.New(o.socketPath)
}

// NewRootCommand builds the agentbridge command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(nil)
}

func newRootCommand(client *appclient.Client) *cobra.Command {
	opts := &options{client: client}
	root := &cobra.Command{
		Use:           "agentbridge",
		Short:         "Control the agentbridge session daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.socketPath, "socket", config.DefaultConfig().SocketPath, "daemon unix socket path")
	root.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "output JSON")

	root.AddCommand(
		newHealthCommand(opts),
		newListCommand(opts),
		newGetCommand(opts),
		newCloseCommand(opts),
		newSpawnCommand(opts),
		newSendCommand(opts),
		newTailCommand(opts),
		newServeCommand(opts),
	)
	return root
}

func newHealthCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check daemon health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := opts.newClient().Health(cmd.Context())
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "status=%s sessions=%d\n", resp.Status, resp.SessionCount)
			return nil
		},
	}
}

func newListCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := opts.newClient().ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), env)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tBACKEND\tCONNECTED\tVIEWERS\tSEQ\tMODEL")
			for _, sess := range env.Sessions {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%d\t%d\t%s\n",
					sess.SessionID, dash(sess.BackendKind), sess.Connected,
					sess.ViewerCount, sess.LastSeq, dash(sess.Model))
			}
			return tw.Flush()
		},
	}
}

func newGetCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <session-id>",
		Short: "Show one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.newClient().GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), env)
			}
			sess := env.Session
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "session: %s\n", sess.SessionID)
			fmt.Fprintf(out, "backend: %s connected=%t\n", dash(sess.BackendKind), sess.Connected)
			fmt.Fprintf(out, "viewers: %d last_seq=%d\n", sess.ViewerCount, sess.LastSeq)
			if sess.Model != "" {
				fmt.Fprintf(out, "model: %s\n", sess.Model)
			}
			if sess.WorkingDir != "" {
				fmt.Fprintf(out, "cwd: %s\n", sess.WorkingDir)
			}
			if sess.PermissionMode != "" {
				fmt.Fprintf(out, "permission_mode: %s\n", sess.PermissionMode)
			}
			if sess.TurnCount > 0 {
				fmt.Fprintf(out, "turns: %d cost_usd=%.4f\n", sess.TurnCount, sess.TotalCostUSD)
			}
			return nil
		},
	}
}

func newCloseCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "close <session-id>",
		Short: "Close a session and discard its persisted state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.newClient().CloseSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			if resp.Closed {
				fmt.Fprintf(cmd.OutOrStdout(), "closed %s\n", resp.SessionID)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "no such session %s\n", resp.SessionID)
			}
			return nil
		},
	}
}

func newSpawnCommand(opts *options) *cobra.Command {
	var (
		cwd    string
		resume string
	)
	cmd := &cobra.Command{
		Use:   "spawn <session-id> -- <command> [args...]",
		Short: "Spawn an RPC backend subprocess for a session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.SpawnRPCBackendRequest{
				Command:        args[1],
				Args:           args[2:],
				Cwd:            cwd,
				ResumeThreadID: strings.TrimSpace(resume),
			}
			resp, err := opts.newClient().SpawnRPCBackend(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "spawned backend for %s pid=%d\n", resp.SessionID, resp.PID)
			return nil
		},
	}
	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory for the backend")
	cmd.Flags().StringVar(&resume, "resume", "", "backend-native thread id to resume")
	return cmd
}

func printJSON(w io.Writer, payload any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
