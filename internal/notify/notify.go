// Package notify delivers operator reports (sync passes, refresh runs) to
// pluggable sinks configured under "notifiers".
package notify

import (
	"context"
	"errors"
	"fmt"

	"alamor/internal/config"
	"alamor/internal/logger"
)

type Notifier interface {
	Notify(ctx context.Context, text string, params map[string]interface{}) error
}

type Factory func() Notifier

var registry = make(map[string]Factory)

func Register(name string, factory Factory) {
	registry[name] = factory
}

func Get(name string) (Notifier, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("notifier plugin '%s' not found", name)
	}
	return factory(), nil
}

// Broadcast sends text to every configured notifier. A failing sink does
// not stop the others; all errors are returned joined.
func Broadcast(ctx context.Context, sinks []config.NotifyConfig, text string) error {
	var errs []error
	for _, sink := range sinks {
		n, err := Get(sink.Type)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name, err))
			continue
		}
		if err := n.Notify(ctx, text, sink.Params); err != nil {
			logger.Log.Errorf("Notifier %s failed: %v", sink.Name, err)
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name, err))
		}
	}
	return errors.Join(errs...)
}
