package log

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"plug-x/v1/config"
)

// TestInitJSONConsole 验证 JSON 格式输出并由 hook 补齐 goid/ts_ms 字段。
func TestInitJSONConsole(t *testing.T) {
	if err := Init(config.LoggingConfig{Level: "debug", Format: "json", Output: "console"}); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	L().SetOutput(&buf)
	defer L().SetOutput(os.Stderr)

	With(map[string]any{"host": "10.0.0.5"}).Debug("probe")
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("not json: %q", buf.String())
	}
	if rec["host"] != "10.0.0.5" || rec["msg"] != "probe" {
		t.Fatalf("rec=%v", rec)
	}
	if _, ok := rec["goid"]; !ok {
		t.Fatalf("missing goid")
	}
	if _, ok := rec["ts_ms"]; !ok {
		t.Fatalf("missing ts_ms")
	}
}

// TestInitFileOutput 验证 file 输出会创建日志目录。
func TestInitFileOutput(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	cfg := config.LoggingConfig{Level: "bogus", Output: "file", FilePath: filepath.Join(dir, "x.log")}
	if err := Init(cfg); err != nil {
		t.Fatal(err)
	}
	defer L().SetOutput(os.Stderr)
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("dir not created: %v", err)
	}
	if L().GetLevel().String() != "info" {
		t.Fatalf("unknown level must fall back to info, got %s", L().GetLevel())
	}
}
