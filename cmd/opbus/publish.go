package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"opbus/internal/opbus"
)

func newPublishCmd(a *app) *cobra.Command {
	var (
		op   int
		data string
	)
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish one envelope and print the receiver count",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var payload any
			if err := json.Unmarshal([]byte(data), &payload); err != nil {
				return fmt.Errorf("--data must be JSON: %w", err)
			}
			n, err := a.publish(cmd.Context(), op, payload)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
	cmd.Flags().IntVar(&op, "op", 0, "opcode")
	cmd.Flags().StringVar(&data, "data", "null", "JSON payload")
	_ = cmd.MarkFlagRequired("op")
	return cmd
}

func (a *app) publish(ctx context.Context, op int, payload any) (int64, error) {
	conn, err := a.dial(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	opts, err := a.busOptions()
	if err != nil {
		return 0, err
	}
	return opbus.NewPublisher(conn, a.cfg.Channel, opts...).Publish(ctx, op, payload)
}
