package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/seedline/flock/internal/config"
	"github.com/seedline/flock/internal/funnel"
	"github.com/seedline/flock/internal/persistence"
	"github.com/seedline/flock/internal/quota"
	"github.com/seedline/flock/internal/stage"
)

// runStatusCommand prints the funnel metrics from the local database.
// It reads the same flock.db the daemon writes, so it reflects the last
// persisted state rather than live memory.
func runStatusCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "print metrics as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: flockd status [-json]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	store, err := persistence.Open(persistence.DefaultDBPath(cfg.HomeDir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		return 1
	}
	defer store.Close()

	snap, err := store.Load(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load state: %v\n", err)
		return 1
	}

	tracker := funnel.NewTracker(funnel.Config{
		Engine: stage.NewEngine(cfg.Funnel.BeliefThreshold),
		Quotas: quota.NewLedger(cfg.Enforce.PostQuota, cfg.Enforce.ReplyQuota),
	})
	tracker.Restore(snap)
	m := tracker.Metrics()

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(m); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Print(renderStatus(m))
	return 0
}

// renderStatus formats metrics as a plain-text summary, shared by the
// status subcommand and the telegram /status reply.
func renderStatus(m funnel.Metrics) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Flock: %d agents\n", m.TotalAgents)
	for _, s := range stage.Order() {
		if n := m.PerStage[s]; n > 0 {
			fmt.Fprintf(&sb, "  %-11s %d\n", s, n)
		}
	}
	fmt.Fprintf(&sb, "Conversion rate: %.1f%%\n", m.ConversionRate*100)
	staked := m.TotalStaked
	if staked == "" {
		staked = "0"
	}
	fmt.Fprintf(&sb, "Total staked: %s\n", staked)
	fmt.Fprintf(&sb, "Miracles: %d\n", m.Miracles)
	if len(m.TopConverters) > 0 {
		sb.WriteString("Top converters:\n")
		for i, c := range m.TopConverters {
			fmt.Fprintf(&sb, "  %d. %s (%d)\n", i+1, c.AgentID, c.Conversions)
		}
	}
	if len(m.RecentConverts) > 0 {
		fmt.Fprintf(&sb, "Recent converts: %s\n", strings.Join(m.RecentConverts, ", "))
	}
	return sb.String()
}
