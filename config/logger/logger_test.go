package logger

import (
	"bytes"
	"strings"
	"testing"

	config "github.com/crabzie/agent-orchestrator/config/utils"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func testConfig(level string) *config.Logger {
	return &config.Logger{
		Level:             level,
		Encoding:          "json",
		DisableStacktrace: true,
		EncoderConfig:     zap.NewProductionEncoderConfig(),
	}
}

func TestBuildSplitsOutputByLevel(t *testing.T) {
	var stdout, stderr bytes.Buffer
	log, err := build(testConfig("info"), "node-a", &stdout, &stderr, false)
	if err != nil {
		t.Fatal(err)
	}

	log.Debug("hidden")
	log.Info("joined cluster")
	log.Error("lease lost")
	_ = log.Sync()

	if strings.Contains(stdout.String(), "hidden") {
		t.Fatal("debug record written at info level")
	}
	if !strings.Contains(stdout.String(), "joined cluster") || strings.Contains(stdout.String(), "lease lost") {
		t.Fatalf("stdout = %s", stdout.String())
	}
	if !strings.Contains(stderr.String(), "lease lost") || strings.Contains(stderr.String(), "joined cluster") {
		t.Fatalf("stderr = %s", stderr.String())
	}
	if !strings.Contains(stdout.String(), `"node_id":"node-a"`) {
		t.Fatalf("node id missing: %s", stdout.String())
	}
}

func TestSetLevel(t *testing.T) {
	var stdout, stderr bytes.Buffer
	log, err := build(testConfig("warn"), "", &stdout, &stderr, false)
	if err != nil {
		t.Fatal(err)
	}

	log.Info("before")
	SetLevel("debug")
	if Level() != zapcore.DebugLevel {
		t.Fatalf("level = %s", Level())
	}
	log.Debug("after")
	SetLevel("nonsense")
	if Level() != zapcore.DebugLevel {
		t.Fatal("invalid level changed the logger")
	}
	_ = log.Sync()

	if strings.Contains(stdout.String(), "before") || !strings.Contains(stdout.String(), "after") {
		t.Fatalf("stdout = %s", stdout.String())
	}
}

func TestBuildRejectsUnknownLevel(t *testing.T) {
	if _, err := build(testConfig("loud"), "", nil, nil, false); err == nil {
		t.Fatal("expected a parse error")
	}
}
