package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rategate/rategate/internal/cache"
	"github.com/rategate/rategate/internal/clock"
	"github.com/rategate/rategate/internal/limiter"
)

func newSimulateCmd() *cobra.Command {
	var (
		algorithm   string
		rate        int
		window      time.Duration
		burst       int
		requests    int
		identifiers []string
		fastForward time.Duration
		outputJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run admission scenarios against a manual clock",
		Long: `Drives batches of admission checks against an in-memory limiter whose clock
only moves when told to, so window rollover and token refill over minutes or
hours can be observed in milliseconds.

The first batch exercises the configured limit; an optional fast-forward then
advances the clock and a second batch shows recovery.`,
		Example: `  rategate simulate --requests 20 --rate 10 --window 1m
  rategate simulate --algorithm sliding_window --rate 5 --window 30s --fast-forward 45s
  rategate simulate --identifiers alice,bob --requests 15 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(identifiers) == 0 {
				identifiers = []string{"sim-client"}
			}

			mc := clock.NewManual(time.Now().Truncate(time.Second))
			lim, err := limiter.New(limiter.Config{
				Algorithm: limiter.Algorithm(algorithm),
				Rate:      rate,
				Window:    window,
				Burst:     burst,
			}, cache.NewMemory(mc), mc)
			if err != nil {
				return err
			}

			report, err := runSimulation(cmd.Context(), mc, lim, identifiers, requests, fastForward)
			if err != nil {
				return err
			}

			if outputJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}

			printSimulation(report)
			return nil
		},
	}

	cmd.Flags().StringVar(&algorithm, "algorithm", string(limiter.AlgorithmFixedWindow), "fixed_window, sliding_window or token_bucket")
	cmd.Flags().IntVar(&rate, "rate", 10, "requests allowed per window")
	cmd.Flags().DurationVar(&window, "window", time.Minute, "window duration")
	cmd.Flags().IntVar(&burst, "burst", 0, "token bucket capacity (0: same as rate)")
	cmd.Flags().IntVar(&requests, "requests", 15, "checks to run per batch, per identifier")
	cmd.Flags().StringSliceVar(&identifiers, "identifiers", nil, "comma-separated identifiers to simulate")
	cmd.Flags().DurationVar(&fastForward, "fast-forward", 0, "clock advance between batches")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "output the report as JSON")

	return cmd
}

// SimulationReport is the full output of a simulate run.
type SimulationReport struct {
	Algorithm   string               `json:"algorithm"`
	Rate        int                  `json:"rate"`
	Window      string               `json:"window"`
	FastForward string               `json:"fast_forward,omitempty"`
	Batches     []SimulationBatch    `json:"batches"`
	Totals      map[string]BatchTally `json:"totals"`
}

// SimulationBatch holds the verdicts for one batch of checks.
type SimulationBatch struct {
	Label    string           `json:"label"`
	Time     string           `json:"time"`
	Verdicts []VerdictRecord  `json:"verdicts"`
}

// VerdictRecord is a single check outcome.
type VerdictRecord struct {
	Identifier string          `json:"identifier"`
	Verdict    limiter.Verdict `json:"verdict"`
}

// BatchTally aggregates outcomes per identifier.
type BatchTally struct {
	Total   int `json:"total"`
	Allowed int `json:"allowed"`
	Denied  int `json:"denied"`
}

func runSimulation(ctx context.Context, mc *clock.Manual, lim limiter.Limiter, identifiers []string, requests int, fastForward time.Duration) (*SimulationReport, error) {
	report := &SimulationReport{
		Totals: make(map[string]BatchTally),
	}

	first, err := runBatch(ctx, report, mc, lim, "Initial checks", identifiers, requests)
	if err != nil {
		return nil, err
	}
	report.Batches = append(report.Batches, first)

	if fastForward > 0 {
		mc.Advance(fastForward)
		report.FastForward = fastForward.String()

		second, err := runBatch(ctx, report, mc, lim,
			fmt.Sprintf("After fast-forward %s", fastForward), identifiers, requests)
		if err != nil {
			return nil, err
		}
		report.Batches = append(report.Batches, second)
	}

	return report, nil
}

func runBatch(ctx context.Context, report *SimulationReport, mc *clock.Manual, lim limiter.Limiter, label string, identifiers []string, requests int) (SimulationBatch, error) {
	batch := SimulationBatch{
		Label: label,
		Time:  mc.Now().Format(time.RFC3339),
	}
	for i := 0; i < requests; i++ {
		for _, id := range identifiers {
			v, err := lim.Evaluate(ctx, id)
			if err != nil {
				return batch, fmt.Errorf("evaluate %q: %w", id, err)
			}
			batch.Verdicts = append(batch.Verdicts, VerdictRecord{Identifier: id, Verdict: v})
			tally := report.Totals[id]
			tally.Total++
			if v.Allowed {
				tally.Allowed++
			} else {
				tally.Denied++
			}
			report.Totals[id] = tally
		}
	}
	return batch, nil
}

func printSimulation(r *SimulationReport) {
	fmt.Println("=== Rategate Simulation ===")
	fmt.Println()

	for _, batch := range r.Batches {
		fmt.Printf("--- %s (at %s) ---\n", batch.Label, batch.Time)
		for i, vr := range batch.Verdicts {
			status := "ALLOW"
			if !vr.Verdict.Allowed {
				status = "DENY "
			}
			fmt.Printf("  #%03d [%s] id=%s remaining=%d/%d\n",
				i+1, status, vr.Identifier, vr.Verdict.Remaining, vr.Verdict.Limit)
		}
		fmt.Println()
	}

	fmt.Println("--- Totals ---")
	for id, tally := range r.Totals {
		fmt.Printf("  %s: %d total, %d allowed, %d denied\n",
			id, tally.Total, tally.Allowed, tally.Denied)
	}

	if r.FastForward != "" {
		fmt.Printf("\nClock advanced %s between batches\n", r.FastForward)
	}

	if deniedThenRecovered(r) {
		fmt.Println()
		fmt.Println("Denied identifiers were admitted again after the clock advanced.")
	}
}

func deniedThenRecovered(r *SimulationReport) bool {
	if len(r.Batches) < 2 {
		return false
	}
	denied := false
	for _, vr := range r.Batches[0].Verdicts {
		if !vr.Verdict.Allowed {
			denied = true
			break
		}
	}
	if !denied {
		return false
	}
	for _, vr := range r.Batches[1].Verdicts {
		if vr.Verdict.Allowed {
			return true
		}
	}
	return false
}
