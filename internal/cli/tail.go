package cli

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/agentbridge/agentbridge/internal/model"
)

// newTailCommand attaches a viewer to the session and prints every
// event as a JSON line until interrupted.
func newTailCommand(opts *options) *cobra.Command {
	var lastSeq int64
	cmd := &cobra.Command{
		Use:   "tail <session-id>",
		Short: "Stream session events to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := opts.newClient().DialViewer(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer conn.Close() //nolint:errcheck

			// Close the socket when the context ends so ReadMessage
			// unblocks.
			ctx := cmd.Context()
			go func() {
				<-ctx.Done()
				conn.Close() //nolint:errcheck
			}()

			if lastSeq > 0 {
				sub, err := subscribeCommand(lastSeq)
				if err != nil {
					return err
				}
				if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
					return fmt.Errorf("subscribe: %w", err)
				}
			}

			out := cmd.OutOrStdout()
			for {
				_, raw, err := conn.ReadMessage()
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
						return nil
					}
					return fmt.Errorf("read event: %w", err)
				}
				fmt.Fprintln(out, string(raw))
			}
		},
	}
	cmd.Flags().Int64Var(&lastSeq, "last-seq", 0, "replay events newer than this sequence number")
	return cmd
}

func subscribeCommand(lastSeq int64) ([]byte, error) {
	data, err := json.Marshal(model.SubscribeData{LastSeq: lastSeq})
	if err != nil {
		return nil, err
	}
	return json.Marshal(model.Command{
		Type:      model.CmdSessionSubscribe,
		MessageID: uuid.NewString(),
		Data:      data,
	})
}
