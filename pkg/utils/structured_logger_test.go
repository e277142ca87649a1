package utils

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func newTestLogger(t *testing.T, level LogLevel, format LogFormat) (*StructuredLogger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger, err := NewStructuredLogger(&StructuredLoggerConfig{Level: level, Output: &buf, Format: format})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return logger, &buf
}

func TestNewStructuredLogger(t *testing.T) {
	logger, _ := newTestLogger(t, DEBUG, FormatText)
	if logger.GetLevel() != DEBUG {
		t.Errorf("Expected DEBUG level, got %v", logger.GetLevel())
	}

	def, err := NewStructuredLogger(nil)
	if err != nil {
		t.Fatalf("nil config should use defaults: %v", err)
	}
	if def.GetLevel() != INFO {
		t.Errorf("Expected default INFO level, got %v", def.GetLevel())
	}
}

func TestLogLevels(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatText)

	logger.Debug("debug message")
	if buf.Len() > 0 {
		t.Error("Debug message was logged when level is INFO")
	}

	for _, tc := range []struct {
		name string
		log  func(string, ...map[string]interface{})
	}{
		{"info message", logger.Info},
		{"warn message", logger.Warn},
		{"error message", logger.Error},
	} {
		buf.Reset()
		tc.log(tc.name)
		if !strings.Contains(buf.String(), tc.name) {
			t.Errorf("%q not found in output %q", tc.name, buf.String())
		}
	}
}

func TestStructuredFields(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatText)

	logger.Info("instance selected", map[string]interface{}{
		"instance": "primary",
		"score":    87,
	})

	output := buf.String()
	if !strings.Contains(output, "instance=primary") {
		t.Errorf("instance field not found in output %q", output)
	}
	if !strings.Contains(output, "score=87") {
		t.Errorf("score field not found in output %q", output)
	}
}

func TestWithComponentAndFields(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatJSON)

	child := logger.WithComponent("balancer").WithFields(map[string]interface{}{"category": "auth"})
	child.Info("routed")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to parse JSON output: %v", err)
	}
	if entry["component"] != "balancer" {
		t.Errorf("component = %v", entry["component"])
	}
	if entry["category"] != "auth" {
		t.Errorf("category = %v", entry["category"])
	}

	buf.Reset()
	logger.Info("parent")
	if strings.Contains(buf.String(), "balancer") {
		t.Error("child fields leaked into parent logger")
	}
}

func TestJSONFormat(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatJSON)

	logger.Info("Test message", map[string]interface{}{"count": 42, "name": "test"})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to parse JSON output: %v", err)
	}
	if entry["level"] != "info" {
		t.Errorf("Expected level info, got %v", entry["level"])
	}
	if entry["message"] != "Test message" {
		t.Errorf("Expected message 'Test message', got %v", entry["message"])
	}
	if entry["count"] != float64(42) {
		t.Errorf("Expected count 42, got %v", entry["count"])
	}
}

func TestFormatfMethods(t *testing.T) {
	logger, buf := newTestLogger(t, DEBUG, FormatText)

	logger.Debugf("debug %d", 1)
	logger.Infof("info %s", "two")
	logger.Warnf("warn %v", 3.5)
	logger.Errorf("error %q", "four")

	output := buf.String()
	for _, want := range []string{"debug 1", "info two", "warn 3.5", `error "four"`} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestSetLevelAppliesToChildren(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatText)
	child := logger.WithComponent("registry")

	child.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatal("debug logged at INFO")
	}

	logger.SetLevel(DEBUG)
	child.Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Fatal("child did not pick up the new level")
	}
}

func TestNopLogger(t *testing.T) {
	logger := NewNopLogger()
	logger.Error("dropped")
	logger.WithComponent("x").Info("dropped")
}

func TestParseLogFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    LogFormat
		wantErr bool
	}{
		{"json", FormatJSON, false},
		{"JSON", FormatJSON, false},
		{"text", FormatText, false},
		{"", FormatText, false},
		{"xml", FormatText, true},
	}
	for _, tt := range tests {
		got, err := ParseLogFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLogFormat(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
