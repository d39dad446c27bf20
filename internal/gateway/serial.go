package gateway

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"go.bug.st/serial"
)

type SerialConfig struct {
	Port     string
	BaudRate int
	// DeviceID is used for lines that carry no deviceId of their own.
	DeviceID string
}

// SerialSource reads newline-delimited JSON readings from a serial port.
type SerialSource struct {
	gateway *Gateway
	config  SerialConfig
	logger  *slog.Logger
}

func NewSerialSource(gateway *Gateway, config SerialConfig) *SerialSource {
	if config.BaudRate <= 0 {
		config.BaudRate = 115200
	}
	return &SerialSource{
		gateway: gateway,
		config:  config,
		logger:  gateway.logger.With("source", "serial", "port", config.Port),
	}
}

func (source *SerialSource) Run(ctx context.Context) error {
	port, err := serial.Open(source.config.Port, &serial.Mode{BaudRate: source.config.BaudRate})
	if err != nil {
		return fmt.Errorf("open serial port %s: %w", source.config.Port, err)
	}

	go func() {
		<-ctx.Done()
		_ = port.Close()
	}()

	source.logger.Info("serial source open", "baud", source.config.BaudRate)
	err = source.consume(ctx, port)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (source *SerialSource) consume(ctx context.Context, reader io.Reader) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		if _, err := source.gateway.IngestRaw(ctx, []byte(line), source.config.DeviceID); err != nil {
			source.logger.Warn("serial reading dropped", "err", err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read serial port: %w", err)
	}
	return io.ErrUnexpectedEOF
}
