package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"commhub/internal/apperr"
	"commhub/internal/domain"
	"commhub/internal/syncqueue"
	"commhub/internal/tracker"
)

func sendCmd() *cobra.Command {
	var (
		req   domain.DispatchRequest
		ch    string
		key   string
		watch bool
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one SMS or email",
		Example: `  commctl send --company acme --to +15550100 --body "hello"
  commctl send --company acme --channel email --to a@b.co --subject Hi --template txn_confirm_v1 --var name=Ann --var ref=42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req.CompanyID = viper.GetString("company")
			req.Channel = domain.Channel(ch)
			if err := req.Validate(); err != nil {
				return apperr.Wrap(apperr.CodeValidation, err, err.Error())
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, r *runtime) error {
				online := r.connect(ctx)
				op, err := r.queue.Enqueue(ctx, syncqueue.NewOperation{
					Type:           opDispatch,
					Payload:        req,
					Title:          fmt.Sprintf("%s to %s", req.Channel, req.To),
					Total:          1,
					IdempotencyKey: key,
				})
				if err != nil {
					return err
				}
				if !online {
					fmt.Fprintf(os.Stderr, "api unreachable; queued %s for later\n", op.ID)
					return printOperations([]syncqueue.Operation{op})
				}

				r.queue.Wait()
				if cur, ok := r.operation(op.ID); ok {
					op = cur
				}
				comm, ok := r.result(op.ID)
				if !ok {
					return printOperations([]syncqueue.Operation{op})
				}
				if err := printCommunication(comm); err != nil {
					return err
				}
				if watch && !comm.Status.Terminal() {
					return watchCommunication(ctx, r.client, comm.ID, 3*time.Second)
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&ch, "channel", string(domain.ChannelSMS), "sms|email")
	f.StringVar(&req.To, "to", "", "recipient")
	f.StringVar(&req.Subject, "subject", "", "email subject")
	f.StringVar(&req.Body, "body", "", "message body")
	f.StringVar(&req.TemplateID, "template", "", "template id instead of --body")
	f.StringToStringVar(&req.Vars, "var", nil, "template variable name=value")
	f.StringVar(&key, "key", "", "idempotency key (generated when empty)")
	f.BoolVar(&watch, "watch", false, "poll until the message is delivered or failed")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func batchCmd() *cobra.Command {
	var (
		req domain.BatchRequest
		ch  string
		to  []string
		key string
	)
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Queue one message to many recipients",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.CompanyID = viper.GetString("company")
			req.Channel = domain.Channel(ch)
			for _, t := range to {
				req.Recipients = append(req.Recipients, domain.BatchRecipient{To: t})
			}
			if err := req.Validate(); err != nil {
				return apperr.Wrap(apperr.CodeValidation, err, err.Error())
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, r *runtime) error {
				r.connect(ctx)
				op, err := r.queue.Enqueue(ctx, syncqueue.NewOperation{
					Type:           opBatch,
					Payload:        req,
					Title:          fmt.Sprintf("%s batch of %d", req.Channel, len(req.Recipients)),
					Total:          len(req.Recipients),
					IdempotencyKey: key,
				})
				if err != nil {
					return err
				}
				r.queue.Wait()
				if cur, ok := r.operation(op.ID); ok {
					op = cur
				}
				return printOperations([]syncqueue.Operation{op})
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&ch, "channel", string(domain.ChannelSMS), "sms|email")
	f.StringSliceVar(&to, "to", nil, "recipients (repeat or comma separate)")
	f.StringVar(&req.Subject, "subject", "", "email subject")
	f.StringVar(&req.Body, "body", "", "message body")
	f.StringVar(&req.TemplateID, "template", "", "template id instead of --body")
	f.StringToStringVar(&req.Vars, "var", nil, "template variable name=value")
	f.StringVar(&key, "key", "", "batch idempotency key (generated when empty)")
	return cmd
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <communication-id>",
		Short: "Show one communication",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			comm, err := newClient().GetCommunication(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printCommunication(comm)
		},
	}
}

func watchCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch <communication-id>",
		Short: "Poll a communication until it is delivered or failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchCommunication(cmd.Context(), newClient(), args[0], interval)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 3*time.Second, "poll interval")
	return cmd
}

type statusWatcher interface {
	Watch(ctx context.Context, id string, opts tracker.PollerOptions, onUpdate func(domain.Communication)) *tracker.Handle
}

func watchCommunication(ctx context.Context, c statusWatcher, id string, interval time.Duration) error {
	var last domain.Status
	h := c.Watch(ctx, id, tracker.PollerOptions{Interval: interval}, func(comm domain.Communication) {
		if comm.Status != last {
			last = comm.Status
			printStatusLine(comm)
		}
	})
	defer h.Stop()
	select {
	case <-h.Done():
		err := h.Err()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case <-ctx.Done():
		return nil
	}
}

func queueCmd() *cobra.Command {
	q := &cobra.Command{Use: "queue", Short: "Inspect and manage the local queue"}
	q.AddCommand(queueListCmd())
	q.AddCommand(queueDrainCmd())
	q.AddCommand(queueRetryCmd())
	q.AddCommand(queueDismissCmd())
	return q
}

func queueListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued and recent operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, r *runtime) error {
				return printOperations(r.queue.Snapshot().Operations)
			})
		},
	}
}

func queueDrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Replay queued operations now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, r *runtime) error {
				if !r.connect(ctx) {
					return apperr.New(apperr.CodeTransientNetwork, "api unreachable")
				}
				r.queue.Wait()
				snap := r.queue.Snapshot()
				if err := printOperations(snap.Operations); err != nil {
					return err
				}
				if snap.QueuedCount > 0 {
					fmt.Fprintf(os.Stderr, "%d operations still queued\n", snap.QueuedCount)
				}
				return nil
			})
		},
	}
}

func queueRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <operation-id>",
		Short: "Queue a failed operation again with its original idempotency key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, r *runtime) error {
				r.connect(ctx)
				op, err := r.queue.Retry(ctx, args[0])
				if err != nil {
					return err
				}
				r.queue.Wait()
				if cur, ok := r.operation(op.ID); ok {
					op = cur
				}
				return printOperations([]syncqueue.Operation{op})
			})
		},
	}
}

func queueDismissCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dismiss <operation-id>",
		Short: "Remove an operation from the local queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, r *runtime) error {
				return r.queue.Dismiss(ctx, args[0])
			})
		},
	}
}

func syncCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Stay running and drain the queue whenever the API is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, r *runtime) error {
				updates, stop := r.queue.Subscribe()
				defer stop()

				m := &syncqueue.Monitor{Queue: r.queue, Probe: r.client.Healthy, Interval: interval}
				done := make(chan struct{})
				go func() {
					defer close(done)
					m.Run(ctx)
				}()

				var prev syncqueue.Snapshot
				first := true
				for {
					select {
					case <-done:
						return nil
					case s := <-updates:
						if first || s.Online != prev.Online || s.QueuedCount != prev.QueuedCount || s.ActiveCount != prev.ActiveCount {
							printSyncLine(s)
						}
						prev, first = s, false
					}
				}
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "connectivity probe interval")
	return cmd
}
