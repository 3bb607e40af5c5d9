// Package telegram posts notifications through a Telegram bot.
package telegram

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"

	"alamor/internal/logger"
	"alamor/internal/notify"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/dcs"
	"github.com/gotd/td/telegram/message"
	"golang.org/x/net/proxy"
)

// maxMessage is Telegram's text limit per message.
const maxMessage = 4096

type options struct {
	apiID       int
	apiHash     string
	botToken    string
	chat        string
	sessionFile string
	proxyURL    string
}

func parseParams(params map[string]interface{}) (options, error) {
	o := options{}
	o.apiID, _ = params["api_id"].(int)
	o.apiHash, _ = params["api_hash"].(string)
	o.botToken, _ = params["bot_token"].(string)
	o.chat, _ = params["chat"].(string)
	o.sessionFile, _ = params["session_file"].(string)
	o.proxyURL, _ = params["proxy_url"].(string)

	if o.sessionFile == "" {
		o.sessionFile = "notify.session"
	}
	if o.apiID == 0 || o.apiHash == "" {
		return o, fmt.Errorf("missing api_id or api_hash")
	}
	if o.botToken == "" || o.chat == "" {
		return o, fmt.Errorf("missing bot_token or chat")
	}
	return o, nil
}

// chunks splits text on rune boundaries into pieces Telegram accepts.
func chunks(text string, limit int) []string {
	runes := []rune(text)
	var out []string
	for len(runes) > limit {
		out = append(out, string(runes[:limit]))
		runes = runes[limit:]
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}

type Notifier struct{}

func (n *Notifier) Notify(ctx context.Context, text string, params map[string]interface{}) error {
	o, err := parseParams(params)
	if err != nil {
		return err
	}

	var dialer proxy.Dialer = proxy.Direct
	if o.proxyURL != "" {
		u, err := url.Parse(o.proxyURL)
		if err != nil {
			return fmt.Errorf("invalid proxy_url: %w", err)
		}
		d, err := proxy.FromURL(u, proxy.Direct)
		if err != nil {
			return fmt.Errorf("unsupported proxy_url: %w", err)
		}
		dialer = d
	}

	if dir := filepath.Dir(o.sessionFile); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0700)
	}

	client := telegram.NewClient(o.apiID, o.apiHash, telegram.Options{
		SessionStorage: &telegram.FileSessionStorage{Path: o.sessionFile},
		Resolver: dcs.Plain(dcs.PlainOptions{
			Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			},
		}),
	})

	return client.Run(ctx, func(ctx context.Context) error {
		status, err := client.Auth().Status(ctx)
		if err != nil {
			return fmt.Errorf("auth status: %w", err)
		}
		if !status.Authorized {
			if _, err := client.Auth().Bot(ctx, o.botToken); err != nil {
				return fmt.Errorf("bot login failed: %w", err)
			}
		}

		sender := message.NewSender(client.API())
		for _, part := range chunks(text, maxMessage) {
			if _, err := sender.Resolve(o.chat).Text(ctx, part); err != nil {
				return fmt.Errorf("failed to send to %s: %w", o.chat, err)
			}
		}
		logger.Log.Debugf("Telegram notification delivered to %s", o.chat)
		return nil
	})
}

func init() {
	notify.Register("telegram", func() notify.Notifier { return &Notifier{} })
}
