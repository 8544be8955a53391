// Command logsend connects to a logging configuration server as a client and
// streams synthetic events, for smoke and load testing.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/tusury/vt-middleware-sub006/config"
	"github.com/tusury/vt-middleware-sub006/internal/codec"
	"github.com/tusury/vt-middleware-sub006/internal/models"
)

func main() {
	addr := pflag.String("addr", "127.0.0.1:8000", "server address")
	format := pflag.String("format", config.WireFormatProtobuf, "wire format: protobuf or cbor")
	loggerName := pflag.String("logger", "logsend", "logger name stamped on every event")
	levelName := pflag.String("level", "INFO", "event level")
	message := pflag.String("message", "synthetic event", "event message")
	count := pflag.Int("count", 10, "events to send, 0 for unlimited")
	interval := pflag.Duration("interval", 100*time.Millisecond, "delay between events")
	pflag.Parse()

	logger, err := config.NewLogger(config.LoggingConfig{Level: "info", Format: "console"})
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	level, err := models.ParseLevel(*levelName)
	if err != nil {
		logger.Fatalf("Invalid level: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", *addr)
	if err != nil {
		logger.Fatalf("Failed to connect to %s: %v", *addr, err)
	}
	defer conn.Close()

	enc, err := codec.NewEncoder(*format, conn)
	if err != nil {
		logger.Fatalf("Failed to create encoder: %v", err)
	}

	host, _ := os.Hostname()
	logger.Infof("Connected to %s, sending %s events as %s", *addr, *format, *loggerName)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	sent := 0
	for *count == 0 || sent < *count {
		ev := &models.LoggingEvent{
			Version:   models.CurrentEventVersion,
			Logger:    *loggerName,
			Level:     level,
			Timestamp: time.Now(),
			Message:   *message,
			Thread:    "main",
			Context:   map[string]any{"seq": sent, "host": host},
		}
		if err := enc.Encode(ev); err != nil {
			logger.Errorf("Send failed after %d events: %v", sent, err)
			return
		}
		sent++

		select {
		case <-ctx.Done():
			logger.Infof("Interrupted after %d events", sent)
			return
		case <-ticker.C:
		}
	}
	logger.Infof("Sent %d events", sent)
}
