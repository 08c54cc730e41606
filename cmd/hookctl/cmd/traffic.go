package cmd

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// TrafficConfig holds the settings for one traffic run.
type TrafficConfig struct {
	Duration    time.Duration `json:"duration"`
	Rate        int           `json:"rate"` // events per second
	EventType   string        `json:"event_type"`
	Concurrency int           `json:"concurrency"`
}

// TrafficSummary is what a run produced.
type TrafficSummary struct {
	Emitted  int64         `json:"emitted"`
	Failed   int64         `json:"failed"`
	Elapsed  time.Duration `json:"elapsed"`
	RPS      float64       `json:"rps"`
	LastErr  string        `json:"last_error,omitempty"`
	FirstIDs []string      `json:"first_event_ids,omitempty"`
}

var trafficCmd = &cobra.Command{
	Use:   "traffic",
	Short: "Emit a steady stream of test events",
	Long: `Emit events at a fixed rate to exercise workers, retries and breakers.
Point a subscription at a failing receiver (FAIL_FIRST_N) to watch circuits open.

Example:
  hookctl traffic --event-type hookctl.traffic --rate 10 --duration 1m`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var cfg TrafficConfig
		cfg.Duration, _ = cmd.Flags().GetDuration("duration")
		cfg.Rate, _ = cmd.Flags().GetInt("rate")
		cfg.EventType, _ = cmd.Flags().GetString("event-type")
		cfg.Concurrency, _ = cmd.Flags().GetInt("concurrency")
		if cfg.Rate <= 0 || cfg.Duration <= 0 {
			return fmt.Errorf("rate and duration must be positive")
		}

		sum := generateTraffic(cfg, func(seq int64) (string, error) {
			resp, err := emitEvent(cfg.EventType, fmt.Sprintf(`{"seq":%d}`, seq), emitOptions{Source: "hookctl-traffic"})
			return resp.EventID, err
		})
		printTrafficSummary(cmd.OutOrStdout(), sum)
		return nil
	},
}

// generateTraffic calls emit Rate times per second for Duration, with at most
// Concurrency calls in flight.
func generateTraffic(cfg TrafficConfig, emit func(seq int64) (string, error)) TrafficSummary {
	var (
		sum             TrafficSummary
		seq             atomic.Int64
		emitted, failed atomic.Int64
		lastErr         atomic.Value
		ids             = make(chan string, 5)
	)

	g := new(errgroup.Group)
	g.SetLimit(max(cfg.Concurrency, 1))

	ticker := time.NewTicker(time.Second / time.Duration(cfg.Rate))
	defer ticker.Stop()
	start := time.Now()
	deadline := start.Add(cfg.Duration)

	for now := range ticker.C {
		if now.After(deadline) {
			break
		}
		n := seq.Add(1)
		g.Go(func() error {
			id, err := emit(n)
			if err != nil {
				failed.Add(1)
				lastErr.Store(err.Error())
				return nil
			}
			emitted.Add(1)
			select {
			case ids <- id:
			default:
			}
			return nil
		})
	}
	_ = g.Wait()
	close(ids)

	sum.Emitted, sum.Failed = emitted.Load(), failed.Load()
	sum.Elapsed = time.Since(start)
	if secs := sum.Elapsed.Seconds(); secs > 0 {
		sum.RPS = float64(sum.Emitted) / secs
	}
	if v, ok := lastErr.Load().(string); ok {
		sum.LastErr = v
	}
	for id := range ids {
		sum.FirstIDs = append(sum.FirstIDs, id)
	}
	return sum
}

func printTrafficSummary(out io.Writer, s TrafficSummary) {
	if outputJSON {
		printOutput(out, s)
		return
	}
	fmt.Fprintln(out, "📊 Traffic summary")
	fmt.Fprintf(out, "  Emitted: %d\n", s.Emitted)
	fmt.Fprintf(out, "  Failed: %d\n", s.Failed)
	fmt.Fprintf(out, "  Elapsed: %s (%.1f events/s)\n", s.Elapsed.Round(time.Millisecond), s.RPS)
	if s.LastErr != "" {
		fmt.Fprintf(out, "  Last error: %s\n", s.LastErr)
	}
	for _, id := range s.FirstIDs {
		fmt.Fprintf(out, "  e.g. hookctl delivery attempts %s\n", id)
	}
}

func init() {
	rootCmd.AddCommand(trafficCmd)

	trafficCmd.Flags().Duration("duration", 30*time.Second, "how long to emit")
	trafficCmd.Flags().Int("rate", 5, "events per second")
	trafficCmd.Flags().String("event-type", "hookctl.traffic", "event type to emit")
	trafficCmd.Flags().Int("concurrency", 8, "maximum requests in flight")
}
