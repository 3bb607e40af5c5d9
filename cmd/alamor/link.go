package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"alamor/internal/logger"
	"alamor/internal/xray"
	"alamor/internal/xray/link"
	"alamor/internal/xray/parser"
	"alamor/internal/xray/stream"

	"github.com/spf13/cobra"
)

var (
	flagEncProtocol string
	flagEncID       string
	flagEncHost     string
	flagEncPort     int
	flagEncFlow     string
	flagEncStream   string
	flagEncLabel    string
	flagDecValidate bool
)

var linkCmd = &cobra.Command{
	Use:   "link",
	Short: "Decode and encode configuration links",
}

var linkDecodeCmd = &cobra.Command{
	Use:   "decode <link>",
	Short: "Show the fields of a vless://, vmess:// or trojan:// link",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		l, err := parser.Parse(args[0])
		if err != nil {
			logger.Log.Fatalf("❌ %v", err)
		}

		p := l.Params()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Protocol:\t%s\n", l.Protocol)
		fmt.Fprintf(w, "ID:\t%s\n", l.ID)
		fmt.Fprintf(w, "Address:\t%s:%d\n", l.Host, l.Port)
		fmt.Fprintf(w, "Remark:\t%s\n", l.Remark)
		fmt.Fprintf(w, "Network:\t%s\n", p.Network())
		fmt.Fprintf(w, "Security:\t%s\n", p.SecurityName())
		if flow := l.Flow(); flow != "" {
			fmt.Fprintf(w, "Flow:\t%s\n", flow)
		}

		keys := make([]string, 0, len(l.Query))
		for k := range l.Query {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if len(keys) > 0 {
			fmt.Fprintln(w, "Parameters:\t")
			for _, k := range keys {
				fmt.Fprintf(w, "  %s\t%s\n", k, l.Query[k])
			}
		}
		w.Flush()

		if flagDecValidate {
			if err := xray.Validate(l); err != nil {
				logger.Log.Fatalf("❌ %v", err)
			}
			fmt.Println("✅ Accepted by xray-core")
		}
	},
}

var linkEncodeCmd = &cobra.Command{
	Use:   "encode",
	Short: "Build a link from an inbound's streamSettings JSON",
	Long:  `Encode a link for one client. --stream takes a file holding the inbound's streamSettings JSON, or "-" for stdin.`,
	Run: func(cmd *cobra.Command, args []string) {
		params := stream.Default()
		if flagEncStream != "" {
			var data []byte
			var err error
			if flagEncStream == "-" {
				data, err = io.ReadAll(os.Stdin)
			} else {
				data, err = os.ReadFile(flagEncStream)
			}
			if err != nil {
				logger.Log.Fatalf("Error reading stream settings: %v", err)
			}
			params = stream.Extract(data)
		}

		out, err := link.Encode(flagEncProtocol, link.Request{
			Client: link.Identity{ID: flagEncID, Flow: flagEncFlow},
			Host:   flagEncHost,
			Port:   flagEncPort,
			Params: params,
			Label:  flagEncLabel,
		})
		if err != nil {
			logger.Log.Fatalf("❌ %v", err)
		}
		fmt.Println(out)
	},
}

func init() {
	linkDecodeCmd.Flags().BoolVar(&flagDecValidate, "validate", false, "Also check the link with xray-core")

	f := linkEncodeCmd.Flags()
	f.StringVar(&flagEncProtocol, "protocol", "vless", "vless, vmess or trojan")
	f.StringVar(&flagEncID, "id", "", "Client uuid, or trojan password")
	f.StringVar(&flagEncHost, "host", "", "Server address")
	f.IntVar(&flagEncPort, "port", 443, "Server port")
	f.StringVar(&flagEncFlow, "flow", "", "VLESS flow")
	f.StringVar(&flagEncStream, "stream", "", "streamSettings JSON file, or - for stdin")
	f.StringVar(&flagEncLabel, "label", "", "Link label (fragment)")

	linkCmd.AddCommand(linkDecodeCmd, linkEncodeCmd)
	rootCmd.AddCommand(linkCmd)
}
