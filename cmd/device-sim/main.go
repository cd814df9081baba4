// Command device-sim connects a simulated device to a relay and reports a
// changing state object, applying any user commands it receives.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mbocsi/devrelay/auth"
	"github.com/mbocsi/devrelay/client"
	"github.com/spf13/pflag"
)

func main() {
	var (
		url        = pflag.String("url", "ws://localhost:8080/ws", "relay URL (ws:// or tcp://)")
		token      = pflag.String("token", "", "bearer token (minted from --secret when empty)")
		secret     = pflag.String("secret", os.Getenv("RELAY_AUTH_SECRET"), "HMAC secret used to mint a token")
		userID     = pflag.String("user", "demo", "owning user ID")
		deviceID   = pflag.String("device", "thermo-1", "device ID")
		deviceName = pflag.String("name", "Thermostat", "device name")
		deviceType = pflag.String("type", "thermostat", "device type")
		interval   = pflag.Duration("interval", 5*time.Second, "state report interval")
		mute       = pflag.Bool("mute", false, "never answer pings, so the relay evicts the device")
		discover   = pflag.String("discover", "", "find the relay over mDNS instead of --url: websocket or tcp")
	)
	pflag.Parse()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *token == "" {
		t, err := auth.Sign(auth.JWTOptions{Secret: []byte(*secret)}, *userID, 24*time.Hour)
		if err != nil {
			fmt.Fprintln(os.Stderr, "cannot mint token:", err)
			os.Exit(1)
		}
		*token = t
	}

	if *discover != "" {
		find := client.DiscoverWebSocket
		if *discover == "tcp" {
			find = client.DiscoverTCP
		}
		svc, err := find(5 * time.Second)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		*url = svc.URL()
	}

	c, err := client.Dial(ctx, client.Options{
		URL:             *url,
		Token:           *token,
		UserID:          *userID,
		Role:            client.RoleDevice,
		DeviceID:        *deviceID,
		DeviceName:      *deviceName,
		DeviceType:      *deviceType,
		DisableAutoPong: *mute,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var mu sync.Mutex
	state := map[string]any{"temperature": 20.0, "setpoint": 21.0}

	c.OnCommand(func(merged map[string]any) {
		mu.Lock()
		state = merged
		mu.Unlock()
		slog.Info("Applied user command", "state", merged)
	})
	c.OnStopped(func() {
		slog.Info("User stopped")
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			mu.Lock()
			if t, ok := state["temperature"].(float64); ok {
				state["temperature"] = t + rand.Float64() - 0.5
			}
			snapshot := maps.Clone(state)
			mu.Unlock()
			if err := c.SendState(snapshot); err != nil {
				slog.Warn("Failed to report state", "error", err)
			}
		}
	}()

	err = c.Run(ctx)
	if code := client.CloseCode(err); code != -1 {
		slog.Info("Relay closed the connection", "code", code)
	}
	if err != nil {
		slog.Error("Device connection ended", "error", err)
		os.Exit(1)
	}
}
