package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/warp/referral-engine/referral"
)

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation sweep and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			run, err := a.dispatcher.Sweep(ctx, referral.TriggerManual)
			if printErr := printJSON(run); printErr != nil {
				return printErr
			}
			return err
		},
	}
}

func grantCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "grant USER_ID",
		Short: "Attempt the referral grant for one referred user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.engine.TryGrant(cmd.Context(), referral.UserID(args[0]))
			if err != nil {
				if referral.IsRetryable(err) {
					return fmt.Errorf("%w (retry later)", err)
				}
				return err
			}
			return printJSON(res)
		},
	}
}

func userCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "user USER_ID",
		Short: "Print a user record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Store.Timeout)
			defer cancel()

			u, err := a.store.GetUser(ctx, referral.UserID(args[0]))
			if errors.Is(err, referral.ErrUserNotFound) {
				return fmt.Errorf("user %s not found", args[0])
			}
			if err != nil {
				return err
			}
			return printJSON(u)
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
