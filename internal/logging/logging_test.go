package logging_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/calvinalkan/docvault/internal/logging"
)

func Test_New_Writes_JSON_Lines_When_Format_Is_JSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	logger, err := logging.New(&buf, "debug", logging.FormatJSON)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	logger.Debug("flush done", "store", "app")

	var rec map[string]any

	err = json.Unmarshal(buf.Bytes(), &rec)
	if err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}

	if rec["msg"] != "flush done" || rec["store"] != "app" || rec["level"] != "DEBUG" {
		t.Fatalf("record = %v", rec)
	}
}

func Test_New_Filters_Below_Level_When_Text(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	logger, err := logging.New(&buf, "warn", logging.FormatText)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	logger.Info("hidden")
	logger.Warn("shown", "table", "notes")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") || !strings.Contains(out, "table=notes") {
		t.Fatalf("output = %q", out)
	}

	if strings.Contains(out, "\x1b[") {
		t.Fatalf("non-terminal output is colored: %q", out)
	}
}

func Test_New_Returns_Error_When_Level_Or_Format_Invalid(t *testing.T) {
	t.Parallel()

	_, err := logging.New(&bytes.Buffer{}, "loud", logging.FormatJSON)
	if err == nil {
		t.Fatal("expected level error")
	}

	_, err = logging.New(&bytes.Buffer{}, "info", "xml")
	if !errors.Is(err, logging.ErrUnknownFormat) {
		t.Fatalf("err = %v, want ErrUnknownFormat", err)
	}
}

func Test_ParseLevel_Defaults_To_Info_When_Empty(t *testing.T) {
	t.Parallel()

	l, err := logging.ParseLevel("")
	if err != nil || l != slog.LevelInfo {
		t.Fatalf("level = %v, %v; want info", l, err)
	}

	l, err = logging.ParseLevel("Error")
	if err != nil || l != slog.LevelError {
		t.Fatalf("level = %v, %v; want error", l, err)
	}
}
