package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"octoedge/internal/outbox"
)

// The outbox commands open the store directly, so they cannot run while a
// server holds the same storage directory.
func newOutboxCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and drive stored form submissions",
	}
	cmd.AddCommand(newOutboxPendingCmd(root))
	cmd.AddCommand(newOutboxListCmd(root))
	cmd.AddCommand(newOutboxSubmitCmd(root))
	cmd.AddCommand(newOutboxSweepCmd(root))
	return cmd
}

func openOutbox(root *rootOptions, online bool) (*outbox.Outbox, func(), error) {
	cfg, err := root.load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	store := outbox.NewStore(cfg.OutboxDir())
	if err := store.Open(); err != nil {
		return nil, nil, err
	}
	ob := outbox.New(store, cfg.OutboxOptions(&http.Client{Timeout: cfg.DeliveryTimeout()}, outbox.NewMonitor(online)))
	return ob, func() {
		ob.Close()
		_ = store.Close()
	}, nil
}

func newOutboxPendingCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Print the number of undelivered submissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ob, done, err := openOutbox(root, false)
			if err != nil {
				return err
			}
			defer done()
			pending, abandoned, err := ob.Counts()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pending=%d abandoned=%d\n", pending, abandoned)
			return nil
		},
	}
}

func newOutboxListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored submissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ob, done, err := openOutbox(root, false)
			if err != nil {
				return err
			}
			defer done()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tRETRIES\tTARGET\tCREATED\tLAST ERROR")
			for rec, err := range ob.Store().All() {
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
					rec.ID, rec.Status, rec.RetryCount, rec.TargetURL,
					rec.CreatedAt.Format("2006-01-02 15:04:05"), rec.LastError)
			}
			return tw.Flush()
		},
	}
}

func newOutboxSubmitCmd(root *rootOptions) *cobra.Command {
	var target, data string
	var offline bool

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Store a submission and try to deliver it",
		RunE: func(cmd *cobra.Command, args []string) error {
			data = strings.TrimSpace(data)
			if !json.Valid([]byte(data)) {
				return fmt.Errorf("--data must be valid JSON")
			}
			ob, done, err := openOutbox(root, !offline)
			if err != nil {
				return err
			}
			defer done()

			id, err := ob.StoreSubmission(context.Background(), json.RawMessage(data), target)
			if err != nil {
				return err
			}
			ob.Wait()
			return reportSubmission(cmd.OutOrStdout(), ob.Store(), id)
		},
	}
	cmd.Flags().StringVarP(&target, "target", "t", "", "Delivery URL, absolute or relative to server.origin (required)")
	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON payload (required)")
	cmd.Flags().BoolVar(&offline, "offline", false, "Only store the submission, do not attempt delivery")
	_ = cmd.MarkFlagRequired("target")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func newOutboxSweepCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Attempt delivery of every pending submission once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ob, done, err := openOutbox(root, true)
			if err != nil {
				return err
			}
			defer done()
			res, err := ob.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "attempted=%d delivered=%d failed=%d abandoned=%d skipped=%d\n",
				res.Attempted, res.Delivered, res.Failed, res.Abandoned, res.Skipped)
			return nil
		},
	}
}

// reportSubmission prints whether id is still stored or was delivered. A
// record is only reported delivered when the store confirms it is gone.
func reportSubmission(w io.Writer, store *outbox.Store, id string) error {
	_, err := store.Get(id)
	switch {
	case err == nil:
		fmt.Fprintf(w, "%s stored\n", id)
	case errors.Is(err, outbox.ErrNotFound):
		fmt.Fprintf(w, "%s delivered\n", id)
	default:
		return fmt.Errorf("check submission %s: %w", id, err)
	}
	return nil
}
