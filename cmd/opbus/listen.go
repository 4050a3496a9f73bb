package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"opbus/internal/opbus"
)

func newListenCmd(a *app) *cobra.Command {
	var ops []int
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print envelopes for the given opcodes until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.listen(ctx, ops, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntSliceVar(&ops, "op", nil, "opcode to print (repeatable)")
	_ = cmd.MarkFlagRequired("op")
	return cmd
}

func (a *app) listen(ctx context.Context, ops []int, out io.Writer) error {
	conn, err := a.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	opts, err := a.busOptions()
	if err != nil {
		return err
	}
	sub := opbus.NewSubscriber(ctx, conn, a.cfg.Channel, opts...)
	defer sub.Close()
	if sub.State() != opbus.StateSubscribed {
		return fmt.Errorf("could not subscribe to %q", a.cfg.Channel)
	}

	var mu sync.Mutex
	enc := json.NewEncoder(out)
	for _, op := range ops {
		sub.OnEvent(op, func(payload any) error {
			mu.Lock()
			defer mu.Unlock()
			return enc.Encode(opbus.Envelope{Op: op, D: payload})
		})
	}
	<-ctx.Done()
	return nil
}
