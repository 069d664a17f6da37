// Command andon-monitor watches andon light inputs on GPIO and reports every
// debounced change to the andon server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/sweeney/andon/internal/client"
	"github.com/sweeney/andon/internal/config"
	"github.com/sweeney/andon/internal/event"
	"github.com/sweeney/andon/internal/gpio"
	"github.com/sweeney/andon/internal/logic"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func run(args []string, stdout io.Writer) error {
	flags := pflag.NewFlagSet("andon-monitor", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", config.DefaultMonitorFile, "path to the configuration file (.toml, .yaml or .yml)")
	printConfig := flags.Bool("print-config", false, "print the effective configuration and exit")
	printState := flags.Bool("print-state", false, "print current pin levels and exit")
	device := flags.String("device", "", "override device.name")
	serverAddr := flags.String("server", "", "override server.address (host:port)")
	heartbeat := flags.Duration("heartbeat", 15*time.Minute, "heartbeat log interval (0 to disable)")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, created, err := config.LoadMonitor(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flags.Changed("device") {
		cfg.Device.Name = *device
	}
	if flags.Changed("server") {
		cfg.Server.Address = *serverAddr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if *printConfig {
		data, err := config.Encode(*configPath, cfg)
		if err != nil {
			return err
		}
		_, err = stdout.Write(data)
		return err
	}

	level, _ := config.ParseLevel(cfg.Log.Level)
	logger := slog.New(slog.NewTextHandler(stdout, &slog.HandlerOptions{Level: level}))
	if created {
		logger.Info("configuration file not found, wrote defaults", "path", *configPath)
	}

	reader, err := gpio.NewRealReader(cfg.GPIO.Chip, cfg.GPIO.Pins)
	if err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}
	defer func() {
		if err := reader.Close(); err != nil {
			logger.Warn("gpio cleanup", "error", err)
		} else {
			logger.Info("gpio resources cleaned up")
		}
	}()
	logger.Info("gpio pins initialized with pull-up resistors", "pins", cfg.GPIO.Pins)

	if *printState {
		levels, err := reader.Read()
		if err != nil {
			return fmt.Errorf("read gpio: %w", err)
		}
		for _, pin := range sortedPins(levels) {
			fmt.Fprintf(stdout, "%s (pin %d): %s\n", event.PinLabel(pin), pin, levelString(levels[pin]))
		}
		return nil
	}

	sender := client.New(cfg.Server.Address)
	logger.Info("gpio monitor started", "device", cfg.Device.Name, "server", cfg.Server.Address,
		"debounce", cfg.Debounce(), "poll", cfg.Poll())

	probeCtx, cancel := context.WithTimeout(context.Background(), client.DefaultTimeout)
	if err := sender.Probe(probeCtx); err != nil {
		logger.Warn("server connection test failed", "error", err)
	} else {
		logger.Info("server connection test successful", "server", cfg.Server.Address)
	}
	cancel()

	ticker := time.NewTicker(cfg.Poll())
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	return runLoop(reader, sender, logger, cfg.Device.Name, cfg.Debounce(), *heartbeat, time.Now, ticker.C, sigCh)
}

// Sender delivers one message to the server.
type Sender interface {
	Send(ctx context.Context, msg event.Message) (string, error)
}

func runLoop(reader gpio.Reader, sender Sender, logger *slog.Logger, device string, debounce, heartbeat time.Duration, now func() time.Time, tick <-chan time.Time, sig <-chan os.Signal) error {
	detector := logic.NewDetector(debounce, now())
	baselined := false

	for {
		select {
		case s := <-sig:
			logger.Info("shutdown signal received, cleaning up", "signal", s.String())
			return nil

		case <-tick:
			t := now()
			levels, err := reader.Read()
			if err != nil {
				logger.Error("gpio read error", "error", err)
				continue
			}

			for _, c := range detector.Process(logic.Input{Levels: levels, Time: t}) {
				report(sender, logger, device, c)
			}

			if !baselined && detector.IsBaselined() {
				baselined = true
				for _, pin := range sortedPins(levels) {
					lv, _ := detector.Level(pin)
					logger.Info("initial pin state", "pin", pin, "label", event.PinLabel(pin), "level", string(lv))
				}
			}

			if hb := detector.CheckHeartbeat(t, heartbeat); hb != nil {
				args := []any{"uptime", hb.Uptime.Truncate(time.Second).String()}
				for _, pin := range sortedCounts(hb.Counts) {
					c := hb.Counts[pin]
					args = append(args, event.PinLabel(pin), fmt.Sprintf("high=%d low=%d", c.High, c.Low))
				}
				logger.Info("heartbeat", args...)
			}
		}
	}
}

// report sends one change and logs the outcome. Failures are logged only.
func report(sender Sender, logger *slog.Logger, device string, c logic.Change) {
	msg := changeMessage(device, c)
	logger.Info("pin changed", "pin", c.Pin, "label", event.PinLabel(c.Pin), "level", msg.State,
		"previous_for_sec", msg.TimeDiffSec)

	ctx, cancel := context.WithTimeout(context.Background(), client.DefaultTimeout)
	defer cancel()
	resp, err := sender.Send(ctx, msg)
	switch {
	case err != nil:
		logger.Error("error sending data to server", "pin", c.Pin, "error", err)
	case resp != "OK":
		logger.Warn("server returned unexpected response", "pin", c.Pin, "response", resp)
	default:
		logger.Debug("data sent", "pin", c.Pin)
	}
}

// changeMessage builds the wire message for c. The hold time is rounded to
// milliseconds.
func changeMessage(device string, c logic.Change) event.Message {
	return event.Message{
		DeviceName:  device,
		Pin:         c.Pin,
		State:       string(c.Level),
		TimeDiffSec: math.Round(c.Held.Seconds()*1000) / 1000,
		Timestamp:   c.Time.Format(event.ClientTimestampLayout),
	}
}

func levelString(high bool) string {
	if high {
		return string(logic.LevelHigh)
	}
	return string(logic.LevelLow)
}

func sortedPins(levels map[int]bool) []int {
	pins := make([]int, 0, len(levels))
	for p := range levels {
		pins = append(pins, p)
	}
	sort.Ints(pins)
	return pins
}

func sortedCounts(counts map[int]logic.PinCounts) []int {
	pins := make([]int, 0, len(counts))
	for p := range counts {
		pins = append(pins, p)
	}
	sort.Ints(pins)
	return pins
}
