package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/agentbridge/agentbridge/internal/model"
)

// newSendCommand submits one user message through a short-lived viewer
// connection. The session echoes the message back to every viewer; we
// wait for our own echo so a successful exit means the daemon accepted
// the turn, not just the socket write.
func newSendCommand(opts *options) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "send <session-id> <text...>",
		Short: "Send a user message to a session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args[1:], " ")
			conn, err := opts.newClient().DialViewer(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer conn.Close() //nolint:errcheck

			ctx := cmd.Context()
			go func() {
				<-ctx.Done()
				conn.Close() //nolint:errcheck
			}()

			payload, err := json.Marshal(model.UserMessageData{Text: text})
			if err != nil {
				return err
			}
			raw, err := json.Marshal(model.Command{
				Type:      model.CmdUserMessage,
				MessageID: uuid.NewString(),
				Data:      payload,
			})
			if err != nil {
				return err
			}
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return fmt.Errorf("send message: %w", err)
			}

			conn.SetReadDeadline(time.Now().Add(wait)) //nolint:errcheck
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("await echo: %w", err)
				}
				var msg model.Message
				if err := json.Unmarshal(data, &msg); err != nil {
					continue
				}
				switch msg.Type {
				case model.TypeUserMessageEcho:
					var echo model.UserMessageData
					if err := json.Unmarshal(msg.Data, &echo); err != nil || echo.Text != text {
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "sent (seq=%d)\n", msg.Seq)
					return nil
				case model.TypeError:
					var e model.ErrorData
					if err := json.Unmarshal(msg.Data, &e); err != nil {
						continue
					}
					return fmt.Errorf("%s: %s", e.Code, e.Message)
				}
			}
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "how long to wait for the daemon to accept the message")
	return cmd
}
