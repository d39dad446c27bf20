package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"farmstation/backend/internal/logger"
	"farmstation/backend/internal/monitor"
)

func main() {
	var serverURL string
	var deviceList string
	var clientID string
	var pollInterval time.Duration
	var debug bool

	flag.StringVar(&serverURL, "server", "http://localhost:8080", "telemetry server base URL")
	flag.StringVar(&deviceList, "devices", "greenhouse-1", "comma separated device ids to watch")
	flag.StringVar(&clientID, "client-id", "", "stable client id for server-side resume (default random)")
	flag.DurationVar(&pollInterval, "poll-interval", 10*time.Second, "polling interval while the channel is down")
	flag.BoolVar(&debug, "debug", false, "debug logging")
	flag.Parse()

	log := logger.Setup(debug)

	if clientID == "" {
		clientID = "watch-" + uuid.NewString()
	}

	transport, err := monitor.NewWSTransport(serverURL, clientID, monitor.WithTransportLogger(log.With("component", "transport")))
	if err != nil {
		log.Error("invalid server url", "err", err)
		os.Exit(2)
	}

	config := monitor.DefaultConfig()
	config.PollInterval = pollInterval
	mux := monitor.New(transport, monitor.NewHTTPSource(serverURL, nil), config, monitor.WithLogger(log.With("component", "monitor")))
	defer mux.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := mux.Run(ctx); err != nil {
			log.Error("transport stopped", "err", err)
			cancel()
		}
	}()

	for _, deviceID := range strings.Split(deviceList, ",") {
		deviceID = strings.TrimSpace(deviceID)
		if deviceID == "" {
			continue
		}

		watch, err := mux.Watch(deviceID)
		if err != nil {
			log.Error("watch device", "device", deviceID, "err", err)
			os.Exit(1)
		}
		defer watch.Unwatch()

		go printUpdates(watch)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case status := <-mux.StatusUpdates():
			printStatus(status)
		}
	}
}

func printUpdates(watch *monitor.Watch) {
	for update := range watch.Updates() {
		switch {
		case update.Stale:
			color.Yellow("%s  stale: %v", update.DeviceID, update.Err)
		case update.Err != nil:
			color.Red("%s  error: %v", update.DeviceID, update.Err)
		case update.Reading != nil:
			mode := "poll"
			if update.Live {
				mode = "live"
			}
			fmt.Printf(
				"%s  %-4s  %s  temp=%.1f°C humidity=%.1f%%\n",
				update.DeviceID,
				mode,
				time.UnixMilli(update.Reading.ReadingTime).Format(time.TimeOnly),
				update.Reading.Temperature,
				update.Reading.Humidity,
			)
		}
	}
}

func printStatus(status monitor.Status) {
	if status.Connected {
		color.Green("channel connected")
	} else {
		color.Yellow("channel down, polling (%v)", status.LastError)
	}
	if len(status.Stale) > 0 {
		color.Red("stale devices: %s", strings.Join(status.Stale, ", "))
	}
}
