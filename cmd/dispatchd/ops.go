package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"commdispatch/internal/app"
	"commdispatch/internal/comm"
)

// withApp opens the app for a one-shot command and always closes it.
func withApp(cmd *cobra.Command, open openFunc, fn func(ctx context.Context, a *app.App) error) (err error) {
	a, err := open()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(cmd.Context(), a)
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid communication id %q", raw)
	}
	return id, nil
}

func newSendCmd(open openFunc) *cobra.Command {
	var async bool
	cmd := &cobra.Command{
		Use:   "send <communication-id>",
		Short: "Run one send pass for a communication",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				send := a.Engine().Send
				if async {
					send = a.Engine().SendAsync
				}
				res, sendErr := send(ctx, id)
				if err := printJSON(cmd, res); err != nil {
					return err
				}
				return sendErr
			})
		},
	}
	cmd.Flags().BoolVar(&async, "async", false, "drain all mediums concurrently and aggregate errors")
	return cmd
}

func newClaimCmd(open openFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "claim <communication-id> <medium>",
		Short: "Claim the next recipient for an external sender",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			medium, err := comm.ParseMedium(args[1])
			if err != nil {
				return err
			}
			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				r, err := a.Engine().ClaimNext(ctx, id, medium)
				if err != nil {
					return err
				}
				if r == nil {
					cmd.Println("nothing to claim")
					return nil
				}
				return printJSON(cmd, map[string]any{
					"id":       r.ID,
					"version":  r.Version,
					"medium":   r.Medium,
					"attempts": r.Attempts,
					"address":  r.Person.Address(r.Medium),
					"name":     r.Person.FullName(),
				})
			})
		},
	}
}

func newCompleteCmd(open openFunc) *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "complete <recipient-id> <version> <delivered|failed|pending>",
		Short: "Record the outcome of a claimed recipient",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			rid, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid recipient id %q", args[0])
			}
			version, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid version %q", args[1])
			}
			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				ok, err := a.Engine().Complete(ctx, &comm.Recipient{ID: rid, Version: version}, comm.RecipientStatus(args[2]), note)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("recipient %d: lease lost", rid)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "status note")
	return cmd
}

func newPendingCmd(open openFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "pending <communication-id>",
		Short: "Show recipient counts and whether anything is still pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				st, err := a.Engine().Status(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd, st)
			})
		},
	}
}

func newReapCmd(open openFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "reap <communication-id>",
		Short: "Recycle stale leases now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				res, err := a.Engine().ReapStaleLeases(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
}
