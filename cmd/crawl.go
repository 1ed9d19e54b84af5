package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tkrajewski/undertow/internal/facade"
	"github.com/tkrajewski/undertow/internal/pipeline"
)

type crawlFlags struct {
	mode           string
	seed           string
	strategy       string
	idempotencyKey string
	maxDepth       int
	maxPages       int
	concurrency    int
	sameOrigin     bool
	respectRobots  bool
}

func newCrawlCmd() *cobra.Command {
	var flags crawlFlags

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs one crawl and streams results to stdout as NDJSON",
		Long: `Starts a spider or composed run from the seed URL and writes one JSON
line per result as it completes. Per-page failures are reported inline and
never abort the run.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.mode, "mode", string(facade.ModeComposed), "run mode: spider or composed")
	cmd.Flags().StringVar(&flags.seed, "seed", "", "seed URL (required)")
	cmd.Flags().StringVar(&flags.strategy, "strategy", "", "pin one extraction strategy by name")
	cmd.Flags().StringVar(&flags.idempotencyKey, "key", "", "idempotency key; empty disables lease enforcement")
	cmd.Flags().IntVar(&flags.maxDepth, "max-depth", 0, "override the configured max crawl depth")
	cmd.Flags().IntVar(&flags.maxPages, "max-pages", 0, "override the configured page budget")
	cmd.Flags().IntVar(&flags.concurrency, "concurrency", 0, "override the configured fetch concurrency")
	cmd.Flags().BoolVar(&flags.sameOrigin, "same-origin", true, "restrict discovery to the seed's origin")
	cmd.Flags().BoolVar(&flags.respectRobots, "respect-robots", true, "honor robots.txt directives")
	_ = cmd.MarkFlagRequired("seed")

	return cmd
}

func runCrawl(ctx context.Context, flags crawlFlags) error {
	a, err := resolveApp(ctx)
	if err != nil {
		return err
	}

	policy := a.Config.Crawl.DefaultPolicy
	if flags.maxDepth > 0 {
		policy.MaxDepth = flags.maxDepth
	}
	if flags.maxPages > 0 {
		policy.MaxPages = flags.maxPages
	}
	if flags.concurrency > 0 {
		policy.Concurrency = flags.concurrency
	}
	policy.SameOriginOnly = flags.sameOrigin
	policy.RespectRobots = flags.respectRobots

	stream, err := a.Facade.Run(ctx, facade.Request{
		Mode:           facade.Mode(flags.mode),
		IdempotencyKey: flags.idempotencyKey,
		Seed:           flags.seed,
		Policy:         policy,
		Strategy:       flags.strategy,
	})
	if err != nil {
		return fmt.Errorf("start crawl: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	for it := range stream {
		if err := enc.Encode(toWireItem(it)); err != nil {
			// stdout is gone; drain so the run can release its lease.
			for range stream {
			}
			return fmt.Errorf("write result: %w", err)
		}
	}

	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// wireItem mirrors the HTTP NDJSON shape so CLI output pipes into the same
// tooling.
type wireItem struct {
	Seq        uint64                     `json:"seq"`
	Kind       pipeline.ItemKind          `json:"kind"`
	Discovered *pipeline.DiscoveredURL    `json:"discovered,omitempty"`
	Extraction *pipeline.ExtractionResult `json:"extraction,omitempty"`
	Error      string                     `json:"error,omitempty"`
}

func toWireItem(it pipeline.PipelineItem) wireItem {
	out := wireItem{
		Seq:        it.Seq,
		Kind:       it.Kind,
		Discovered: it.Discovered,
		Extraction: it.Extraction,
	}
	if it.Err != nil {
		out.Error = it.Err.Error()
	}
	return out
}
