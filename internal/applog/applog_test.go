package applog

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"livecast/internal/config"
)

func TestInitRejectsUnknownLevel(t *testing.T) {
	if _, err := Init(config.LogConfig{Level: "chatty", Mode: "development"}); err == nil {
		t.Errorf("expected error for unknown level")
	}
}

func TestWALoggerBridgesToZap(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := WA(zap.New(core), "whatsmeow")

	l.Warnf("socket closed: %d", 1006)
	l.Sub("Client").Infof("paired %s", "5511999999999")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Message != "socket closed: 1006" || entries[0].Level != zap.WarnLevel {
		t.Errorf("unexpected first entry %+v", entries[0])
	}
	if entries[1].LoggerName != "whatsmeow.Client" {
		t.Errorf("expected logger name whatsmeow.Client, got %q", entries[1].LoggerName)
	}
}
