package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/creditledger/pkg/ledger"
)

var _ ledger.Logger = (*Logger)(nil)

func decodeLine(t *testing.T, output *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var line map[string]interface{}
	if err := json.Unmarshal(output.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, output.String())
	}
	return line
}

func TestZerologLogger_Levels(t *testing.T) {
	tests := []struct {
		level string
		log   func(l *Logger, msg string, fields ...ledger.Field)
	}{
		{"debug", (*Logger).Debug},
		{"info", (*Logger).Info},
		{"warn", (*Logger).Warn},
		{"error", (*Logger).Error},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			output := bytes.Buffer{}
			logger := NewLogger(zerolog.New(&output))

			tt.log(logger, "credits granted", ledger.Field{Key: "organization_id", Value: "org_1"})

			line := decodeLine(t, &output)
			if line["level"] != tt.level {
				t.Errorf("level = %v, want %s", line["level"], tt.level)
			}
			if line["message"] != "credits granted" {
				t.Errorf("message = %v", line["message"])
			}
			if line["organization_id"] != "org_1" {
				t.Errorf("organization_id = %v", line["organization_id"])
			}
		})
	}
}

func TestZerologLogger_LogLevelFiltering(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output).Level(zerolog.WarnLevel))

	logger.Debug("debug message")
	logger.Info("info message")
	if output.Len() != 0 {
		t.Error("Expected debug and info to be filtered out")
	}

	logger.Warn("warn message")
	if output.Len() == 0 {
		t.Error("Expected warn to be logged")
	}
}

func TestZerologLogger_FieldTypes(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output))

	logger.Info("credits consumed",
		ledger.Field{Key: "amount", Value: int64(15)},
		ledger.Field{Key: "attempts", Value: 3},
		ledger.Field{Key: "error", Value: errors.New("boom")},
		ledger.Field{Key: "types", Value: []string{"bonus", "earned"}},
	)

	line := decodeLine(t, &output)
	if line["amount"] != float64(15) {
		t.Errorf("amount = %v", line["amount"])
	}
	if line["attempts"] != float64(3) {
		t.Errorf("attempts = %v", line["attempts"])
	}
	if line["error"] != "boom" {
		t.Errorf("error = %v", line["error"])
	}
	if types, ok := line["types"].([]interface{}); !ok || len(types) != 2 {
		t.Errorf("types = %v", line["types"])
	}
}
