package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type Options struct {
	Driver   string // memory | redis | nats
	Attempts uint64 // dial attempts before giving up (bounded; never infinite)
	Redis    RedisOptions
	NATS     NATSOptions
	Buffer   int // memory driver per-subscription buffer
}

// Dial opens the configured bus driver, retrying with exponential backoff.
func Dial(ctx context.Context, opts Options) (Bus, error) {
	driver := strings.ToLower(opts.Driver)
	if driver == "" || driver == "memory" {
		return NewMemoryBus(opts.Buffer), nil
	}
	if driver != "redis" && driver != "nats" {
		return nil, fmt.Errorf("unknown bus driver %q", opts.Driver)
	}
	if opts.Attempts == 0 {
		opts.Attempts = 5
	}

	var bus Bus
	operation := func() error {
		var err error
		switch driver {
		case "redis":
			bus, err = NewRedisBus(ctx, opts.Redis)
		case "nats":
			bus, err = NewNATSBus(opts.NATS)
		}
		if err != nil {
			slog.Warn("Bus dial failed", "driver", driver, "error", err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, opts.Attempts-1), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("dial %s bus: %w", driver, err)
	}
	slog.Info("Connected to bus", "driver", driver)
	return bus, nil
}
