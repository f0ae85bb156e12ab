package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/danmuck/framehub/internal/envelope"
	"github.com/spf13/cobra"
)

func newSendCommand(ctx *commandContext) *cobra.Command {
	var t target
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "send <command> <json-payload>",
		Short: "Send one frame and optionally wait for a reply under the same command",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, payload := args[0], []byte(args[1])
			if !json.Valid(payload) {
				return fmt.Errorf("payload is not valid JSON")
			}

			h, err := ctx.connect(cmd.Context(), t)
			if err != nil {
				return err
			}
			defer h.Disconnect()

			replies := make(chan json.RawMessage, 1)
			raw, err := envelope.NewRaw(name, func(m json.RawMessage) {
				select {
				case replies <- m:
				default:
				}
			})
			if err != nil {
				return err
			}
			if err := h.Register(raw); err != nil {
				return err
			}
			if err := h.SendObject(cmd.Context(), name, json.RawMessage(payload)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", name)

			if wait <= 0 {
				return nil
			}
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case m := <-replies:
				fmt.Fprintf(cmd.OutOrStdout(), "reply %s %s\n", name, m)
				return nil
			case <-h.Done():
				return fmt.Errorf("connection closed before reply: %v", h.Stats().LastError)
			case <-timer.C:
				return fmt.Errorf("no reply for %s within %s", name, wait)
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			}
		},
	}

	addTargetFlags(cmd, &t)
	cmd.Flags().DurationVarP(&wait, "wait", "w", 0, "Wait this long for a reply; zero returns after sending")
	return cmd
}
