package main

import (
	"testing"
	"time"
)

func baseConfig() *appConfig {
	return &appConfig{
		listenAddr:     ":20000",
		medium:         "loopback",
		serialDev:      "/dev/null",
		baud:           115200,
		serialReadTO:   10 * time.Millisecond,
		canIf:          "can0",
		filterID:       0x123,
		canClock:       8_000_000,
		canClockSource: "bus",
		canPrescaler:   1,
		canSeg1:        4,
		canSeg2:        3,
		canSJW:         4,
		pollInterval:   200 * time.Microsecond,
		logFormat:      "text",
		logLevel:       "info",
		hubBuffer:      8,
		hubPolicy:      "drop",
		maxClients:     0,
		handshakeTO:    time.Second,
		clientReadTO:   time.Second,
	}
}

func TestConfigValidate_OK(t *testing.T) {
	if err := baseConfig().validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badMedium", func(c *appConfig) { c.medium = "x" }},
		{"badClockSource", func(c *appConfig) { c.canClockSource = "pll" }},
		{"badPolicy", func(c *appConfig) { c.hubPolicy = "x" }},
		{"wideFilterID", func(c *appConfig) { c.filterID = 0x800 }},
		{"zeroClock", func(c *appConfig) { c.canClock = 0 }},
		{"badPrescaler", func(c *appConfig) { c.canPrescaler = 65 }},
		{"badSeg1", func(c *appConfig) { c.canSeg1 = 3 }},
		{"badSeg2", func(c *appConfig) { c.canSeg2 = 9 }},
		{"badSJW", func(c *appConfig) { c.canSJW = 0 }},
		{"badHubBuf", func(c *appConfig) { c.hubBuffer = 0 }},
		{"badBaud", func(c *appConfig) { c.baud = 0 }},
		{"badSerialTO", func(c *appConfig) { c.serialReadTO = 0 }},
		{"badPollInterval", func(c *appConfig) { c.pollInterval = 0 }},
		{"badHandshakeTO", func(c *appConfig) { c.handshakeTO = 0 }},
		{"badClientReadTO", func(c *appConfig) { c.clientReadTO = 0 }},
		{"badMaxClients", func(c *appConfig) { c.maxClients = -1 }},
	}
	for _, tc := range tests {
		base := baseConfig()
		tc.mod(base)
		if err := base.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestConfigTiming(t *testing.T) {
	c := baseConfig()
	bt := c.timing()
	if got := bt.BitRate(); got != 1_000_000 {
		t.Fatalf("bit rate = %d, want 1000000", got)
	}
	c.canClockSource = "osc"
	c.canPrescaler = 2
	c.canSeg1 = 13
	c.canSeg2 = 2
	c.canSJW = 1
	bt = c.timing()
	if got := bt.BitRate(); got != 250_000 {
		t.Fatalf("bit rate = %d, want 250000", got)
	}
	if err := bt.Validate(); err != nil {
		t.Fatalf("timing invalid: %v", err)
	}
}
