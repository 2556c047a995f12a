// Command loadtest drives simulated users against a running gateway.
//
//   - saturate: open N idle sessions and hold them
//   - presence: N sessions issuing presence queries, measuring answer latency
//   - notify:   N sessions receiving notifications published through NATS
//
// Tokens are minted locally with the gateway's shared secret.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sparkmatch/gateway/internal/config"
	"github.com/sparkmatch/gateway/internal/identity"
	"github.com/sparkmatch/gateway/internal/loadtest"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "loadtest",
		Short:        "Load scenarios for the presence gateway",
		SilenceUsage: true,
	}

	cobra.OnInitialize(func() {
		viper.SetEnvPrefix(config.Prefix)
		viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
		viper.AutomaticEnv()
	})

	flags := cmd.PersistentFlags()
	flags.String("url", "ws://localhost:8080/ws", "Gateway WebSocket URL.")
	flags.String("metrics-url", "", "Gateway /metrics URL to scrape during the run (optional).")
	flags.String("jwt-secret", "", "HS256 secret shared with the gateway.")
	flags.String("jwt-issuer", "", "Issuer claim expected by the gateway.")
	flags.Int("connections", 1000, "Number of sessions to open.")
	flags.Int("concurrency", 50, "Maximum simultaneous connection attempts.")
	flags.Duration("ramp", 10*time.Second, "Ramp-up duration.")
	flags.Duration("hold", 30*time.Second, "Duration to keep sessions open after ramp-up.")
	for _, name := range []string{"url", "metrics-url", "jwt-secret", "jwt-issuer", "connections", "concurrency", "ramp", "hold"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}

	cmd.AddCommand(newSaturateCmd())
	cmd.AddCommand(newPresenceCmd())
	cmd.AddCommand(newNotifyCmd())
	return cmd
}

// run holds the state shared by every scenario.
type run struct {
	url       string
	decoder   *identity.JWTDecoder
	collector *loadtest.Collector
	scraper   *loadtest.Scraper

	mu      sync.Mutex
	clients []*loadtest.Client
}

func newRun(ctx context.Context) (*run, error) {
	secret := viper.GetString("jwt-secret")
	if secret == "" {
		return nil, fmt.Errorf("--jwt-secret (or %s_JWT_SECRET) is required", config.Prefix)
	}

	r := &run{
		url:       viper.GetString("url"),
		decoder:   identity.NewJWTDecoder([]byte(secret), viper.GetString("jwt-issuer")),
		collector: loadtest.NewCollector(),
	}
	if metricsURL := viper.GetString("metrics-url"); metricsURL != "" {
		r.scraper = loadtest.NewScraper(metricsURL, 2*time.Second)
		r.collector.SetScraper(r.scraper)
		r.scraper.Start(ctx)
	}
	return r, nil
}

// userID names the i-th simulated user.
func userID(i int) string {
	return fmt.Sprintf("load-%06d", i)
}

// connect opens one session for user and waits for its greeting. setup runs
// before any frame is read so handlers see every message.
func (r *run) connect(ctx context.Context, user string, setup func(*loadtest.Client)) (*loadtest.Client, error) {
	token, err := r.decoder.Issue(identity.Identity{ID: user, Username: user, Activated: true}, time.Hour)
	if err != nil {
		return nil, err
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := loadtest.Dial(connCtx, r.url, token)
	if err != nil {
		return nil, err
	}
	if setup != nil {
		setup(c)
	}
	if err := c.WaitForSession(connCtx); err != nil {
		c.Close()
		return nil, err
	}

	r.collector.AddConnect(c.GetMetrics().ConnectLatency)
	r.mu.Lock()
	r.clients = append(r.clients, c)
	r.mu.Unlock()
	return c, nil
}

// rampUp opens one session per user index, spread over the ramp duration and
// bounded by the concurrency flag.
func (r *run) rampUp(ctx context.Context, setup func(i int, c *loadtest.Client)) {
	n := viper.GetInt("connections")
	interval := viper.GetDuration("ramp") / time.Duration(max(n, 1))
	if interval <= 0 {
		interval = time.Millisecond
	}

	sem := make(chan struct{}, max(viper.GetInt("concurrency"), 1))
	var wg sync.WaitGroup

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			wg.Wait()
			return
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			var hook func(*loadtest.Client)
			if setup != nil {
				hook = func(c *loadtest.Client) { setup(i, c) }
			}
			if _, err := r.connect(ctx, userID(i), hook); err != nil {
				r.collector.AddError()
			}
		}(i)

		if (i+1)%max(n/10, 1) == 0 {
			fmt.Printf("  [ramp] launched: %d/%d  connected: %d  errors: %d\n",
				i+1, n, r.collector.ConnectionCount(), r.collector.ErrorCount())
		}
	}
	wg.Wait()

	fmt.Printf("\nRamp-up complete: %d/%d sessions in %s (%d errors)\n",
		r.collector.ConnectionCount(), n, time.Since(start).Round(time.Millisecond), r.collector.ErrorCount())
}

// alive counts sessions whose read loop is still running.
func (r *run) alive() (alive, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clients {
		if c.Alive() {
			alive++
		}
	}
	return alive, len(r.clients)
}

// finish closes every session and prints the report.
func (r *run) finish() {
	r.mu.Lock()
	fmt.Printf("\nClosing %d sessions...\n", len(r.clients))
	for _, c := range r.clients {
		c.Close()
	}
	r.mu.Unlock()

	if r.scraper != nil {
		r.scraper.Stop()
	}
	r.collector.Report(os.Stdout)
}
