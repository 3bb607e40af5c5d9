package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/user"
	"strings"

	"alamor/internal/capture"
	"alamor/internal/logger"

	"github.com/spf13/cobra"
)

var (
	flagCaptureServer  string
	flagCaptureProfile string
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Record sample VLESS links as templates for a server or profile",
	Long: `Walk through the inbounds of a server (--server) or a profile (--profile) and paste one sample VLESS link for each.
Type "skip" to leave an inbound without a template, or "cancel" to stop.`,
	Run: func(cmd *cobra.Command, args []string) {
		if (flagCaptureServer == "") == (flagCaptureProfile == "") {
			logger.Log.Fatal("Pass exactly one of --server or --profile")
		}

		a := openApp()
		defer a.Close()
		ctx := cmd.Context()

		var opts []capture.Option
		if a.cfg.Capture.Validate {
			opts = append(opts, capture.WithValidator(capture.XrayValidator))
		}
		mgr, err := capture.NewManager(a.store, a.cfg.Capture.SessionTTL, opts...)
		if err != nil {
			logger.Log.Fatalf("Error starting capture: %v", err)
		}
		defer mgr.Close()

		operator := "cli"
		if u, err := user.Current(); err == nil {
			operator = u.Username
		}

		var prompt capture.Prompt
		if flagCaptureServer != "" {
			server, err := a.store.ServerByName(ctx, flagCaptureServer)
			if err != nil {
				logger.Log.Fatalf("Unknown server %q: %v", flagCaptureServer, err)
			}
			prompt, err = mgr.StartServer(ctx, operator, server)
			if err != nil {
				logger.Log.Fatalf("Cannot start capture: %v", err)
			}
		} else {
			profile, err := a.store.ProfileByName(ctx, flagCaptureProfile)
			if err != nil {
				logger.Log.Fatalf("Unknown profile %q: %v", flagCaptureProfile, err)
			}
			prompt, err = mgr.StartProfile(ctx, operator, profile)
			if err != nil {
				logger.Log.Fatalf("Cannot start capture: %v", err)
			}
		}

		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)

		for prompt.State == capture.AwaitingSample {
			fmt.Printf("\n%s\n> ", prompt.Message)
			if !scanner.Scan() {
				mgr.Cancel(operator)
				fmt.Println()
				logger.Log.Warnf("Input closed, capture stopped after %d templates", prompt.Captured)
				return
			}

			line := strings.TrimSpace(scanner.Text())
			switch strings.ToLower(line) {
			case "":
				continue
			case "cancel":
				mgr.Cancel(operator)
				logger.Log.Infof("Capture cancelled, %d templates saved", prompt.Captured)
				return
			case "skip":
				prompt, err = mgr.Skip(operator)
			default:
				prompt, err = mgr.Submit(ctx, operator, line)
			}

			if errors.Is(err, capture.ErrNoSession) {
				logger.Log.Fatal("Capture session expired, start again")
			}
			if err != nil {
				logger.Log.Warnf("❌ %v", err)
			}
		}

		fmt.Println("✅ " + prompt.Message)
	},
}

func init() {
	captureCmd.Flags().StringVar(&flagCaptureServer, "server", "", "Server name to capture templates for")
	captureCmd.Flags().StringVar(&flagCaptureProfile, "profile", "", "Profile name to capture templates for")
	rootCmd.AddCommand(captureCmd)
}
