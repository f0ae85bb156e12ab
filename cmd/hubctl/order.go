package main

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/danmuck/framehub/internal/envelope"
	"github.com/danmuck/framehub/internal/logging"
	"github.com/danmuck/framehub/internal/messages"
	"github.com/spf13/cobra"
)

func newOrderCommand(ctx *commandContext) *cobra.Command {
	var t target
	var count int
	var titled bool
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "order",
		Short: "Send random OrderReqDto payloads and count the echoes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count <= 0 {
				return fmt.Errorf("--count must be positive")
			}
			h, err := ctx.connect(cmd.Context(), t)
			if err != nil {
				return err
			}
			defer h.Disconnect()

			log := logging.Component("hubctl")
			var echoed atomic.Int64
			onOrder := func(o messages.OrderReqDto) {
				echoed.Add(1)
				log.Info().
					Str("symbol", o.SymbolId).
					Float64("qty", o.Quantity).
					Bool("long", o.IsLong).
					Msg("order echoed")
			}

			// One envelope per name an order can route under.
			seeds := []messages.OrderReqDto{{}}
			for _, title := range []string{"DemoOrder", "TestOrder"} {
				title := title
				seeds = append(seeds, messages.OrderReqDto{Title: &title})
			}
			for _, seed := range seeds {
				env, err := envelope.New(seed, onOrder)
				if err != nil {
					return err
				}
				if err := h.Register(env); err != nil {
					return err
				}
			}

			for i := 0; i < count; i++ {
				o := messages.RandomOrder(nil)
				if titled {
					o = messages.RandomTitledOrder(nil)
				}
				if err := h.SendObject(cmd.Context(), envelope.NameOf(o), o); err != nil {
					return err
				}
			}

			deadline := time.Now().Add(wait)
			for echoed.Load() < int64(count) && time.Now().Before(deadline) {
				select {
				case <-h.Done():
					deadline = time.Now()
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				case <-time.After(10 * time.Millisecond):
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d/%d orders echoed\n", echoed.Load(), count)
			return nil
		},
	}

	addTargetFlags(cmd, &t)
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of orders to send")
	cmd.Flags().BoolVar(&titled, "titled", false, "Give each order a DemoOrder/TestOrder title")
	cmd.Flags().DurationVarP(&wait, "wait", "w", 2*time.Second, "How long to wait for echoes")
	return cmd
}
