// Package logsink writes notifications to the application log.
package logsink

import (
	"context"
	"strings"

	"alamor/internal/logger"
	"alamor/internal/notify"
)

type Notifier struct{}

func (n *Notifier) Notify(_ context.Context, text string, params map[string]interface{}) error {
	prefix, _ := params["prefix"].(string)
	for _, line := range strings.Split(text, "\n") {
		if prefix != "" {
			line = prefix + " " + line
		}
		logger.Log.Info(line)
	}
	return nil
}

func init() {
	notify.Register("log", func() notify.Notifier { return &Notifier{} })
}
