package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/sparkmatch/gateway/internal/loadtest"
	"github.com/sparkmatch/gateway/internal/messaging"
	"github.com/sparkmatch/gateway/internal/notify"
	"github.com/sparkmatch/gateway/internal/protocol"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// hold waits for the hold duration, printing how many sessions survive. tick,
// when set, runs once per second.
func hold(ctx context.Context, r *run, tick func()) {
	d := viper.GetDuration("hold")
	fmt.Printf("\nHolding sessions for %s...\n", d)

	timer := time.NewTimer(d)
	defer timer.Stop()
	status := time.NewTicker(5 * time.Second)
	defer status.Stop()

	var work <-chan time.Time
	if tick != nil {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		work = t.C
	}

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during hold phase.")
			return
		case <-timer.C:
			fmt.Println("\nHold period complete.")
			return
		case <-work:
			tick()
		case <-status.C:
			alive, total := r.alive()
			fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, total, total-alive)
		}
	}
}

func newSaturateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "saturate",
		Short: "Open many idle sessions and hold them",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			r, err := newRun(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Saturate: %d sessions to %s\n", viper.GetInt("connections"), r.url)

			r.rampUp(ctx, nil)
			hold(ctx, r, nil)
			r.finish()
			return nil
		},
	}
}

func newPresenceCmd() *cobra.Command {
	var batch int

	cmd := &cobra.Command{
		Use:   "presence",
		Short: "Measure presence query latency across online sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			r, err := newRun(ctx)
			if err != nil {
				return err
			}
			n := viper.GetInt("connections")
			fmt.Printf("Presence: %d sessions, %d ids per query\n", n, batch)

			// At most one query per session is in flight.
			var mu sync.Mutex
			sentAt := make(map[*loadtest.Client]time.Time)

			r.rampUp(ctx, func(_ int, c *loadtest.Client) {
				c.On(protocol.TypePresenceAnswer, func(json.RawMessage) {
					mu.Lock()
					t, ok := sentAt[c]
					delete(sentAt, c)
					mu.Unlock()
					if ok {
						r.collector.Observe("presence_rtt", time.Since(t))
					}
				})
				c.On(protocol.TypeRateLimited, func(json.RawMessage) {
					mu.Lock()
					delete(sentAt, c)
					mu.Unlock()
					r.collector.AddError()
				})
			})

			hold(ctx, r, func() {
				r.mu.Lock()
				clients := append([]*loadtest.Client(nil), r.clients...)
				r.mu.Unlock()

				for _, c := range clients {
					mu.Lock()
					if _, busy := sentAt[c]; busy {
						mu.Unlock()
						continue
					}
					sentAt[c] = time.Now()
					mu.Unlock()

					ids := make([]string, batch)
					for j := range ids {
						ids[j] = userID(rand.Intn(max(n, 1)))
					}
					if err := c.Send(protocol.PresenceQueryMsg{Type: protocol.TypePresenceQuery, UserIDs: ids}); err != nil {
						r.collector.AddError()
					}
				}
			})
			r.finish()
			return nil
		},
	}

	cmd.Flags().IntVar(&batch, "batch", 20, "User ids per presence query.")
	return cmd
}

// notifyPayload is the body published by the notify scenario.
type notifyPayload struct {
	Kind   string `json:"kind"`
	SentAt int64  `json:"sent_at"` // unix micros
}

func newNotifyCmd() *cobra.Command {
	var (
		natsURL string
		rate    int
	)

	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Measure notification delivery latency through the NATS ingress",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			r, err := newRun(ctx)
			if err != nil {
				return err
			}

			natsConfig := messaging.DefaultNATSConfig()
			natsConfig.URL = natsURL
			natsConfig.Name = "gateway-loadtest"
			nc, err := messaging.NewNATSClient(natsConfig, zap.NewNop())
			if err != nil {
				return err
			}
			defer nc.Close()

			n := viper.GetInt("connections")
			fmt.Printf("Notify: %d sessions, %d notifications/s via %s\n", n, rate, natsURL)

			r.rampUp(ctx, func(_ int, c *loadtest.Client) {
				c.On(protocol.TypeNotification, func(data json.RawMessage) {
					var msg struct {
						Payload notifyPayload `json:"payload"`
					}
					if err := json.Unmarshal(data, &msg); err != nil || msg.Payload.SentAt == 0 {
						return
					}
					r.collector.Observe("notify_delivery", time.Since(time.UnixMicro(msg.Payload.SentAt)))
				})
			})

			hold(ctx, r, func() {
				for i := 0; i < rate; i++ {
					payload, _ := json.Marshal(notifyPayload{Kind: "loadtest", SentAt: time.Now().UnixMicro()})
					if err := nc.Publish(notify.Subject(userID(rand.Intn(max(n, 1)))), payload); err != nil {
						r.collector.AddError()
					}
				}
			})
			r.finish()
			return nil
		},
	}

	cmd.Flags().StringVar(&natsURL, "nats-url", "nats://localhost:4222", "NATS server URL used by the gateway's notification ingress.")
	cmd.Flags().IntVar(&rate, "rate", 100, "Notifications published per second.")
	return cmd
}
