package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"alamor/internal/logger"
	"alamor/internal/probe"
	"alamor/internal/subscription"

	"github.com/spf13/cobra"
)

var probeCmd = &cobra.Command{
	Use:   "probe <sub_id>",
	Short: "Check that every link of a subscription carries traffic",
	Long:  `Hosts each link of the subscription in a local xray instance and fetches probe.url through it.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp()
		defer a.Close()
		ctx := cmd.Context()

		doc, err := a.aggregator(ctx).Document(ctx, args[0])
		if err != nil {
			if errors.Is(err, subscription.ErrPurchaseNotFound) {
				logger.Log.Fatalf("Subscription %s not found", args[0])
			}
			logger.Log.Fatalf("❌ Cannot build subscription: %v", err)
		}

		logger.Log.Infof("🔍 Probing %d links via %s...", len(doc.Links), a.cfg.Probe.URL)
		results, err := probe.New(a.cfg.Probe, probe.WithMetrics(a.metrics)).Check(ctx, doc.Links)
		if err != nil {
			logger.Log.Fatalf("❌ Probe failed: %v", err)
		}

		alive := 0
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, r := range results {
			if r.Alive {
				alive++
				fmt.Fprintf(w, "✅ %s\t%d ms\t%d attempts\n", r.Label, r.Latency.Milliseconds(), r.Attempts)
			} else {
				fmt.Fprintf(w, "❌ %s\t%v\t\n", r.Label, r.Err)
			}
		}
		w.Flush()
		fmt.Printf("\n%d/%d links alive\n", alive, len(results))
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
}
