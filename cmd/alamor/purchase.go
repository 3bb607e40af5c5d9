package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"alamor/internal/logger"
	"alamor/internal/subscription"

	"github.com/spf13/cobra"
)

var (
	flagUserID  int64
	flagServer  string
	flagInbound int
	flagProfile string
	flagRemark  string
	flagTotalGB int64
	flagDays    int
)

var purchaseCmd = &cobra.Command{
	Use:   "purchase",
	Short: "Create, cancel and refresh purchases",
}

var purchaseCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Provision panel clients and render a new subscription",
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp()
		defer a.Close()
		ctx := cmd.Context()

		order := subscription.Order{
			UserID:   flagUserID,
			Remark:   flagRemark,
			TotalGB:  flagTotalGB,
			Duration: time.Duration(flagDays) * 24 * time.Hour,
		}
		switch {
		case flagProfile != "":
			profile, err := a.store.ProfileByName(ctx, flagProfile)
			if err != nil {
				logger.Log.Fatalf("Unknown profile %q: %v", flagProfile, err)
			}
			order.ProfileID = &profile.ID
		case flagServer != "" && flagInbound > 0:
			server, err := a.store.ServerByName(ctx, flagServer)
			if err != nil {
				logger.Log.Fatalf("Unknown server %q: %v", flagServer, err)
			}
			order.ServerID = server.ID
			order.InboundID = flagInbound
		default:
			logger.Log.Fatal("Pass --profile, or --server together with --inbound")
		}

		p, doc, err := a.provisioner(ctx).Create(ctx, order)
		if err != nil && p == nil {
			logger.Log.Fatalf("❌ Purchase failed: %v", err)
		}
		if err != nil {
			logger.Log.Warnf("Purchase #%d created but not rendered: %v", p.ID, err)
		}

		fmt.Printf("✅ Purchase #%d\n", p.ID)
		fmt.Printf("Subscription: %s\n", a.cfg.SubscriptionURL(p.SubID))
		if doc != nil {
			printDocument(doc)
		}
	},
}

var purchaseCancelCmd = &cobra.Command{
	Use:   "cancel <purchase_id>",
	Short: "Remove a purchase's panel clients and delete it",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := parsePurchaseID(args[0])
		a := openApp()
		defer a.Close()

		if err := a.provisioner(cmd.Context()).Cancel(cmd.Context(), id); err != nil {
			logger.Log.Fatalf("❌ Cancel failed: %v", err)
		}
		logger.Log.Infof("✅ Purchase #%d cancelled", id)
	},
}

var purchaseRefreshCmd = &cobra.Command{
	Use:   "refresh <purchase_id>",
	Short: "Rebuild a purchase's subscription document",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := parsePurchaseID(args[0])
		a := openApp()
		defer a.Close()

		doc, err := a.aggregator(cmd.Context()).Refresh(cmd.Context(), id)
		if err != nil {
			if errors.Is(err, subscription.ErrPurchaseNotFound) {
				logger.Log.Fatalf("Purchase #%d not found", id)
			}
			logger.Log.Fatalf("❌ Refresh failed: %v", err)
		}
		printDocument(doc)
	},
}

var purchaseRefreshAllCmd = &cobra.Command{
	Use:   "refresh-all",
	Short: "Assign missing sub ids and rebuild every active subscription",
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp()
		defer a.Close()
		ctx := cmd.Context()

		fixed, err := a.provisioner(ctx).FixSubIDs(ctx)
		if err != nil {
			logger.Log.Fatalf("Error fixing sub ids: %v", err)
		}
		if fixed > 0 {
			logger.Log.Infof("🔧 Assigned sub ids to %d purchases", fixed)
		}

		rep, err := a.aggregator(ctx).RefreshAll(ctx)
		if err != nil {
			logger.Log.Fatalf("❌ Refresh aborted: %v", err)
		}
		for _, e := range rep.Errors {
			logger.Log.Warnf("  %v", e)
		}
		fmt.Printf("Refreshed: %d | Partial: %d | Failed: %d\n", rep.Refreshed, rep.Partial, rep.Failed)
	},
}

var purchaseFixCmd = &cobra.Command{
	Use:   "fix-subids",
	Short: "Assign sub ids to purchases that have none",
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp()
		defer a.Close()

		fixed, err := a.provisioner(cmd.Context()).FixSubIDs(cmd.Context())
		if err != nil {
			logger.Log.Fatalf("Error fixing sub ids: %v", err)
		}
		logger.Log.Infof("✅ %d purchases fixed", fixed)
	},
}

func parsePurchaseID(s string) uint {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil || id == 0 {
		logger.Log.Fatalf("Invalid purchase id %q", s)
	}
	return uint(id)
}

func printDocument(doc *subscription.Document) {
	for _, l := range doc.Links {
		fmt.Println(l)
	}
	for _, f := range doc.Failed {
		logger.Log.Warnf("⚠️  %v", f)
	}
}

func init() {
	f := purchaseCreateCmd.Flags()
	f.Int64Var(&flagUserID, "user", 0, "Buyer's user id")
	f.StringVar(&flagServer, "server", "", "Server name for a single-inbound purchase")
	f.IntVar(&flagInbound, "inbound", 0, "Panel inbound id for a single-inbound purchase")
	f.StringVar(&flagProfile, "profile", "", "Profile name for a multi-inbound purchase")
	f.StringVar(&flagRemark, "remark", "", "Client remark used as the link label")
	f.Int64Var(&flagTotalGB, "gb", 0, "Traffic quota in GB (0 = unlimited)")
	f.IntVar(&flagDays, "days", 0, "Validity in days (0 = no expiry)")

	purchaseCmd.AddCommand(purchaseCreateCmd, purchaseCancelCmd, purchaseRefreshCmd, purchaseRefreshAllCmd, purchaseFixCmd)
	rootCmd.AddCommand(purchaseCmd)
}
