package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"alamor/internal/logger"
	"alamor/internal/model"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show servers, template coverage and subscription statistics",
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp()
		defer a.Close()
		ctx := cmd.Context()

		servers, err := a.store.Servers(ctx)
		if err != nil {
			logger.Log.Fatalf("Error loading servers: %v", err)
		}
		coverage, err := a.store.TemplateCoverage(ctx)
		if err != nil {
			logger.Log.Fatalf("Error reading templates: %v", err)
		}

		type syncedStat struct {
			ServerID uint
			Count    int
		}
		var synced []syncedStat
		a.db.Model(&model.SyncedConfig{}).
			Select("server_id, count(*) as count").
			Group("server_id").
			Scan(&synced)
		syncedBy := make(map[uint]int)
		for _, s := range synced {
			syncedBy[s.ServerID] = s.Count
		}

		var purchases, unrendered, noSubID int64
		a.db.Model(&model.Purchase{}).Where("is_active = ?", true).Count(&purchases)
		a.db.Model(&model.Purchase{}).Where("is_active = ? AND configs_json = ''", true).Count(&unrendered)
		a.db.Model(&model.Purchase{}).Where("is_active = ? AND (sub_id IS NULL OR sub_id = '')", true).Count(&noSubID)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

		fmt.Println("\n📊 \033[1mALAMOR STATUS DASHBOARD\033[0m")
		fmt.Println("────────────────────────────────────────")

		fmt.Fprintln(w, "\033[1;36m[ SYSTEM ]\033[0m\t")
		fmt.Fprintf(w, "  Database Path:\t%s\n", a.cfg.Database.Path)
		fmt.Fprintf(w, "  DB Size:\t%s\n", formatBytes(getFileSize(a.cfg.Database.Path)))
		if walSize := getFileSize(a.cfg.Database.Path + "-wal"); walSize > 0 {
			fmt.Fprintf(w, "  WAL Size:\t%s (pending checkpoint)\n", formatBytes(walSize))
		}
		fmt.Fprintln(w, "\t")

		fmt.Fprintln(w, "\033[1;36m[ SERVERS ]\033[0m\t")
		if len(servers) == 0 {
			fmt.Fprintln(w, "  (No servers configured)")
		}
		for _, s := range servers {
			state := "🔴 offline"
			switch {
			case !s.IsActive:
				state = "⏸️  inactive"
			case s.IsOnline:
				state = "🟢 online"
			case s.LastChecked == nil:
				state = "⚪ never synced"
			}
			checked := "-"
			if s.LastChecked != nil {
				checked = s.LastChecked.Format(time.DateTime)
			}
			fmt.Fprintf(w, "  %s %s:\t%s\t%d inbounds cached\tlast sync %s\t%s\n",
				getFlagEmoji(s.Country), s.Name, state, syncedBy[s.ID], checked, s.PanelType)
		}
		fmt.Fprintln(w, "\t")

		fmt.Fprintln(w, "\033[1;36m[ TEMPLATES ]\033[0m\t")
		fmt.Fprintf(w, "  Server inbounds:\t%d / %d captured\n", coverage.ServerCaptured, coverage.ServerInbounds)
		fmt.Fprintf(w, "  Profile inbounds:\t%d / %d captured\n", coverage.ProfileCaptured, coverage.ProfileInbounds)
		fmt.Fprintln(w, "\t")

		fmt.Fprintln(w, "\033[1;36m[ SUBSCRIPTIONS ]\033[0m\t")
		fmt.Fprintf(w, "  Active purchases:\t%d\n", purchases)
		fmt.Fprintf(w, "  Not rendered yet:\t%d\n", unrendered)
		if noSubID > 0 {
			fmt.Fprintf(w, "  Missing sub id:\t%d (run 'purchase fix-subids')\n", noSubID)
		}

		w.Flush()
		fmt.Println("")
	},
}

func getFileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

func getFlagEmoji(countryCode string) string {
	if len(countryCode) != 2 {
		return "🌐"
	}
	countryCode = strings.ToUpper(countryCode)
	return string(rune(countryCode[0])+127397) + string(rune(countryCode[1])+127397)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
