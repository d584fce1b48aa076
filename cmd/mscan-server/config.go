package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jmorgan1/go-mscan-server/internal/can"
	"github.com/jmorgan1/go-mscan-server/internal/mscan"
)

type appConfig struct {
	listenAddr      string
	medium          string
	serialDev       string
	baud            int
	serialReadTO    time.Duration
	canIf           string
	filterID        uint
	loopbackMode    bool
	canClock        uint
	canClockSource  string
	canPrescaler    uint
	canSeg1         uint
	canSeg2         uint
	canSJW          uint
	canSample3      bool
	pollInterval    time.Duration
	logFormat       string
	logLevel        string
	metricsAddr     string
	hubBuffer       int
	hubPolicy       string
	logMetricsEvery time.Duration
	maxClients      int
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	mdnsEnable      bool
	mdnsName        string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	listen := flag.String("listen", ":20000", "TCP listen address")
	mediumSel := flag.String("medium", "loopback", "Bus medium: loopback|serial|socketcan")
	serialDev := flag.String("serial", "/dev/ttyUSB0", "Serial device path (when --medium=serial)")
	baud := flag.Int("baud", 115200, "Serial baud rate")
	serialReadTO := flag.Duration("serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	canIf := flag.String("can-if", "can0", "SocketCAN interface (when --medium=socketcan)")
	filterID := flag.Uint("filter-id", 0x123, "11-bit acceptance filter identifier")
	loopbackMode := flag.Bool("can-loopback", false, "Controller self-test loopback (frames never reach the medium)")
	canClock := flag.Uint("can-clock", 8_000_000, "CAN clock frequency in Hz")
	canClockSource := flag.String("can-clock-source", "bus", "CAN clock source: bus|osc")
	canPrescaler := flag.Uint("can-prescaler", 1, "Baud rate prescaler (1..64)")
	canSeg1 := flag.Uint("can-seg1", 4, "Time segment 1 in quanta (4..16)")
	canSeg2 := flag.Uint("can-seg2", 3, "Time segment 2 in quanta (2..8)")
	canSJW := flag.Uint("can-sjw", 4, "Synchronization jump width (1..4)")
	canSample3 := flag.Bool("can-sample3", false, "Triple sampling per bit")
	pollInterval := flag.Duration("poll-interval", 200*time.Microsecond, "Mailbox poll interval")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	hubBuf := flag.Int("hub-buffer", 512, "Per-client hub buffer (frames)")
	hubPolicy := flag.String("hub-policy", "drop", "Backpressure policy: drop|kick")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	maxClients := flag.Int("max-clients", 0, "Maximum simultaneous TCP clients (0 = unlimited)")
	handshakeTO := flag.Duration("handshake-timeout", 3*time.Second, "Client handshake timeout")
	clientReadTO := flag.Duration("client-read-timeout", 60*time.Second, "Per-connection read deadline")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement (packaged systemd unit enables by default)")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default mscan-server-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.listenAddr = *listen
	cfg.medium = *mediumSel
	cfg.serialDev = *serialDev
	cfg.baud = *baud
	cfg.serialReadTO = *serialReadTO
	cfg.canIf = *canIf
	cfg.filterID = *filterID
	cfg.loopbackMode = *loopbackMode
	cfg.canClock = *canClock
	cfg.canClockSource = *canClockSource
	cfg.canPrescaler = *canPrescaler
	cfg.canSeg1 = *canSeg1
	cfg.canSeg2 = *canSeg2
	cfg.canSJW = *canSJW
	cfg.canSample3 = *canSample3
	cfg.pollInterval = *pollInterval
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.hubBuffer = *hubBuf
	cfg.hubPolicy = *hubPolicy
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.maxClients = *maxClients
	cfg.handshakeTO = *handshakeTO
	cfg.clientReadTO = *clientReadTO
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// timing builds the controller bit timing from the parsed flags.
func (c *appConfig) timing() mscan.BitTiming {
	src := mscan.ClockBus
	if c.canClockSource == "osc" {
		src = mscan.ClockOscillator
	}
	return mscan.BitTiming{
		Clock:        uint32(c.canClock),
		Source:       src,
		Prescaler:    uint8(c.canPrescaler),
		Seg1:         uint8(c.canSeg1),
		Seg2:         uint8(c.canSeg2),
		SJW:          uint8(c.canSJW),
		ThreeSamples: c.canSample3,
	}
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners, only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.medium {
	case "loopback", "serial", "socketcan":
	default:
		return fmt.Errorf("invalid medium: %s", c.medium)
	}
	switch c.canClockSource {
	case "bus", "osc":
	default:
		return fmt.Errorf("invalid can-clock-source: %s", c.canClockSource)
	}
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.filterID > can.MaxID {
		return fmt.Errorf("filter-id 0x%X exceeds 11 bits", c.filterID)
	}
	if err := c.timing().Validate(); err != nil {
		return err
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.pollInterval <= 0 {
		return fmt.Errorf("poll-interval must be > 0")
	}
	if c.handshakeTO <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	return nil
}

// applyEnvOverrides maps MSCAN_SERVER_* environment variables to config
// fields unless a corresponding flag was explicitly set. Empty values
// are ignored. Durations accept Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	if _, ok := set["listen"]; !ok {
		if v, ok := get("MSCAN_SERVER_LISTEN"); ok && v != "" {
			c.listenAddr = v
		}
	}
	if _, ok := set["medium"]; !ok {
		if v, ok := get("MSCAN_SERVER_MEDIUM"); ok && v != "" {
			c.medium = v
		}
	}
	if _, ok := set["serial"]; !ok {
		if v, ok := get("MSCAN_SERVER_SERIAL"); ok && v != "" {
			c.serialDev = v
		}
	}
	if _, ok := set["baud"]; !ok {
		if v, ok := get("MSCAN_SERVER_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.baud = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid MSCAN_SERVER_BAUD: %w", err)
			}
		}
	}
	if _, ok := set["serial-read-timeout"]; !ok {
		if v, ok := get("MSCAN_SERVER_SERIAL_READ_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.serialReadTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid MSCAN_SERVER_SERIAL_READ_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["can-if"]; !ok {
		if v, ok := get("MSCAN_SERVER_IF"); ok && v != "" {
			c.canIf = v
		}
	}
	if _, ok := set["filter-id"]; !ok {
		if v, ok := get("MSCAN_SERVER_FILTER_ID"); ok && v != "" {
			if n, err := strconv.ParseUint(v, 0, 16); err == nil {
				c.filterID = uint(n)
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid MSCAN_SERVER_FILTER_ID: %w", err)
			}
		}
	}
	if _, ok := set["can-loopback"]; !ok {
		if v, ok := get("MSCAN_SERVER_CAN_LOOPBACK"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.loopbackMode = true
			case "0", "false", "no", "off":
				c.loopbackMode = false
			}
		}
	}
	if _, ok := set["poll-interval"]; !ok {
		if v, ok := get("MSCAN_SERVER_POLL_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.pollInterval = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid MSCAN_SERVER_POLL_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("MSCAN_SERVER_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("MSCAN_SERVER_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("MSCAN_SERVER_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["hub-buffer"]; !ok {
		if v, ok := get("MSCAN_SERVER_HUB_BUFFER"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.hubBuffer = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid MSCAN_SERVER_HUB_BUFFER: %w", err)
			}
		}
	}
	if _, ok := set["hub-policy"]; !ok {
		if v, ok := get("MSCAN_SERVER_HUB_POLICY"); ok && v != "" {
			c.hubPolicy = v
		}
	}
	if _, ok := set["max-clients"]; !ok {
		if v, ok := get("MSCAN_SERVER_MAX_CLIENTS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.maxClients = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid MSCAN_SERVER_MAX_CLIENTS: %w", err)
			}
		}
	}
	if _, ok := set["handshake-timeout"]; !ok {
		if v, ok := get("MSCAN_SERVER_HANDSHAKE_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.handshakeTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid MSCAN_SERVER_HANDSHAKE_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["client-read-timeout"]; !ok {
		if v, ok := get("MSCAN_SERVER_CLIENT_READ_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.clientReadTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid MSCAN_SERVER_CLIENT_READ_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("MSCAN_SERVER_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("MSCAN_SERVER_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("MSCAN_SERVER_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid MSCAN_SERVER_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	return firstErr
}
