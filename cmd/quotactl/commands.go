package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/KOMKZ/go-yogan-quota/application"
	"github.com/KOMKZ/go-yogan-quota/flagx"
	"github.com/KOMKZ/go-yogan-quota/limiter"
	"github.com/spf13/cobra"
)

type checkRequest struct {
	Identifier string `flag:"identifier,i" usage:"rate limit identifier" required:"true"`
	User       string `flag:"user,u" usage:"user id, empty checks the global bucket"`
	Tokens     int64  `flag:"tokens,n" usage:"tokens to consume" default:"1"`
}

type updateRequest struct {
	Identifier   string        `flag:"identifier,i" usage:"rate limit identifier" required:"true"`
	Limit        int64         `flag:"limit,l" usage:"bucket capacity" required:"true"`
	RefillAmount int64         `flag:"refill-amount" usage:"tokens added per interval (default: limit)"`
	Interval     time.Duration `flag:"interval" usage:"refill interval" default:"1m"`
}

type bucketRequest struct {
	Identifier string `flag:"identifier,i" usage:"rate limit identifier" required:"true"`
	User       string `flag:"user,u" usage:"user id, empty selects the global bucket"`
}

type keysRequest struct {
	Prefix string `flag:"prefix,p" usage:"bucket key prefix, usually an identifier"`
}

type watchRequest struct {
	Duration time.Duration `flag:"duration,d" usage:"stop after this long (0 waits for a signal)"`
	Events   []string      `flag:"events" usage:"event types to print (default: all)"`
}

type decisionOutput struct {
	Allowed    bool   `json:"allowed"`
	Remaining  int64  `json:"remaining"`
	Limit      int64  `json:"limit"`
	RetryAfter string `json:"retry_after,omitempty"`
	Degraded   bool   `json:"degraded,omitempty"`
}

type snapshotOutput struct {
	Key            string    `json:"key"`
	Found          bool      `json:"found"`
	Capacity       int64     `json:"capacity"`
	RefillAmount   int64     `json:"refill_amount"`
	RefillInterval string    `json:"refill_interval"`
	Tokens         int64     `json:"tokens"`
	LastRefill     time.Time `json:"last_refill"`
}

type eventOutput struct {
	Type       limiter.EventType `json:"type"`
	Identifier string            `json:"identifier"`
	Key        string            `json:"key,omitempty"`
	Remaining  int64             `json:"remaining"`
	Limit      int64             `json:"limit"`
	Error      string            `json:"error,omitempty"`
	At         time.Time         `json:"at"`
}

func (c *cli) checkCommand() *cobra.Command {
	req := &checkRequest{}
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Consume tokens from a bucket",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := flagx.ParseFlags(cmd, req); err != nil {
				return err
			}
			return c.run(func(app *application.Application) error {
				d, err := app.Coordinator().CheckAndConsumeN(app.Context(), req.Identifier, req.User, req.Tokens)
				if err != nil {
					return err
				}
				out := decisionOutput{
					Allowed:   d.Allowed,
					Remaining: d.Remaining,
					Limit:     d.Limit,
					Degraded:  d.Degraded,
				}
				if d.RetryAfter > 0 {
					out.RetryAfter = d.RetryAfter.String()
				}
				return writeJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	mustBind(cmd, req)
	return cmd
}

func (c *cli) updateCommand() *cobra.Command {
	req := &updateRequest{}
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Replace a rate limit and reset its existing buckets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := flagx.ParseFlags(cmd, req); err != nil {
				return err
			}
			rl := limiter.NewRateLimit(req.Identifier, req.Limit, req.Interval)
			if flagx.Changed(cmd, "refill-amount") {
				rl.RefillAmount = req.RefillAmount
			}
			return c.run(func(app *application.Application) error {
				n, err := app.Coordinator().Update(app.Context(), req.Identifier, rl)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
					"identifier": req.Identifier,
					"reconciled": n,
				})
			})
		},
	}
	mustBind(cmd, req)
	return cmd
}

func (c *cli) inspectCommand() *cobra.Command {
	req := &bucketRequest{}
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the stored state of a bucket without consuming",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := flagx.ParseFlags(cmd, req); err != nil {
				return err
			}
			return c.run(func(app *application.Application) error {
				ctx := app.Context()
				coord := app.Coordinator()

				var (
					proxy *limiter.BucketProxy
					err   error
				)
				if req.User == "" {
					proxy, err = coord.Bucket(req.Identifier)
				} else {
					proxy, err = coord.UserBucket(ctx, req.Identifier, req.User)
				}
				if err != nil {
					return err
				}

				snap, err := proxy.Inspect(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), snapshotOutput{
					Key:            snap.Key,
					Found:          snap.Found,
					Capacity:       snap.Configuration.Capacity,
					RefillAmount:   snap.Configuration.Refill.Amount,
					RefillInterval: snap.Configuration.Refill.Interval.String(),
					Tokens:         snap.Tokens,
					LastRefill:     snap.LastRefill,
				})
			})
		},
	}
	mustBind(cmd, req)
	return cmd
}

func (c *cli) keysCommand() *cobra.Command {
	req := &keysRequest{}
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "List bucket keys sharing a prefix",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := flagx.ParseFlags(cmd, req); err != nil {
				return err
			}
			return c.run(func(app *application.Application) error {
				store, err := app.Store()
				if err != nil {
					return err
				}
				keys, err := store.KeysWithPrefix(app.Context(), req.Prefix)
				if err != nil {
					return err
				}
				if keys == nil {
					keys = []string{}
				}
				return writeJSON(cmd.OutOrStdout(), keys)
			})
		},
	}
	mustBind(cmd, req)
	return cmd
}

func (c *cli) healthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the store and every started component",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(func(app *application.Application) error {
				checks := app.HealthCheck()
				names := make([]string, 0, len(checks))
				for name := range checks {
					names = append(names, name)
				}
				sort.Strings(names)

				out := make(map[string]string, len(checks))
				var failed []string
				for _, name := range names {
					if err := checks[name]; err != nil {
						out[name] = err.Error()
						failed = append(failed, name)
						continue
					}
					out[name] = "ok"
				}
				if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
					return err
				}
				if len(failed) > 0 {
					return fmt.Errorf("unhealthy: %v", failed)
				}
				return nil
			})
		},
	}
}

func (c *cli) watchCommand() *cobra.Command {
	req := &watchRequest{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Apply peer rate limit changes and print limiter events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := flagx.ParseFlags(cmd, req); err != nil {
				return err
			}
			filters := make([]limiter.EventType, 0, len(req.Events))
			for _, e := range req.Events {
				filters = append(filters, limiter.EventType(e))
			}

			return c.run(func(app *application.Application) error {
				var mu sync.Mutex
				enc := json.NewEncoder(cmd.OutOrStdout())
				bus := app.Coordinator().Events()
				id := bus.Subscribe(limiter.EventListenerFunc(func(e limiter.Event) {
					out := eventOutput{
						Type:       e.Type,
						Identifier: e.Identifier,
						Key:        e.Key,
						Remaining:  e.Remaining,
						Limit:      e.Limit,
						At:         e.At,
					}
					if e.Err != nil {
						out.Error = e.Err.Error()
					}
					mu.Lock()
					defer mu.Unlock()
					_ = enc.Encode(out)
				}), filters...)
				defer bus.Unsubscribe(id)

				if err := app.StartSubscriber(); err != nil {
					return err
				}
				if req.Duration > 0 {
					timer := time.AfterFunc(req.Duration, app.Cancel)
					defer timer.Stop()
				}
				app.WaitShutdown()
				return nil
			})
		},
	}
	mustBind(cmd, req)
	return cmd
}

func mustBind(cmd *cobra.Command, req interface{}) {
	if err := flagx.BindFlags(cmd, req); err != nil {
		panic(fmt.Sprintf("bind flags of %s: %v", cmd.Name(), err))
	}
}
