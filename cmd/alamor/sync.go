package main

import (
	"context"
	"fmt"
	"os"

	"alamor/internal/logger"
	"alamor/internal/model"
	"alamor/internal/notify"
	"alamor/internal/syncer"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	flagNotify   []string
	flagNoNotify bool
	flagReport   bool
)

var syncCmd = &cobra.Command{
	Use:   "sync [server_names...]",
	Short: "Pull inbound definitions from every panel into the local cache",
	Long:  `Synchronize the inbounds of all configured servers, or only the named ones. Servers are contacted concurrently; one failing panel never blocks the others.`,
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp()
		defer a.Close()
		ctx := cmd.Context()

		servers, err := selectServers(ctx, a, args)
		if err != nil {
			logger.Log.Fatalf("Error loading servers: %v", err)
		}
		if len(servers) == 0 {
			logger.Log.Warn("No servers matched the provided names.")
			return
		}

		logger.Log.Infof("🔍 Syncing %d servers...", len(servers))
		bar := progressbar.NewOptions(len(servers),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowBytes(false),
			progressbar.OptionSetWidth(15),
			progressbar.OptionSetDescription("[cyan]Syncing...[reset]"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "[green]=[reset]",
				SaucerHead:    "[green]>[reset]",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)

		rep := a.synchronizer(ctx).Run(ctx, servers, func(syncer.ServerResult) {
			_ = bar.Add(1)
		})
		_ = bar.Finish()
		fmt.Fprintln(os.Stderr)

		fmt.Println(rep.String())

		if !flagNoNotify {
			a.cfg.FilterNotifiers(flagNotify)
			if err := notify.Broadcast(ctx, a.cfg.Notifiers, rep.String()); err != nil {
				logger.Log.Warnf("Some notifiers failed: %v", err)
			}
		}

		if flagReport {
			a.metrics.PrintReport(os.Stdout, a.cfg.Panel.Timeout, a.cfg.Panel.Retries)
		}

		if rep.Failed > 0 {
			a.Close()
			os.Exit(2)
		}
	},
}

// selectServers returns the stored servers, narrowed to names when given.
// Inactive servers stay in the list so the pass reports them as skipped.
func selectServers(ctx context.Context, a *app, names []string) ([]model.Server, error) {
	all, err := a.store.Servers(ctx)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return all, nil
	}
	wanted := make(map[string]bool)
	for _, n := range names {
		wanted[n] = true
	}
	var out []model.Server
	for _, s := range all {
		if wanted[s.Name] {
			out = append(out, s)
		}
	}
	return out, nil
}

func init() {
	syncCmd.Flags().StringSliceVar(&flagNotify, "notify", nil, "Only send the report to these notifiers")
	syncCmd.Flags().BoolVar(&flagNoNotify, "no-notify", false, "Do not send the report to notifiers")
	syncCmd.Flags().BoolVar(&flagReport, "report", false, "Print panel round-trip statistics and tuning hints")
	rootCmd.AddCommand(syncCmd)
}
