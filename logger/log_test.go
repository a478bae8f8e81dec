package logger

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestInitRejectsBadValues(t *testing.T) {
	if err := Init("loud", "console", ""); err == nil {
		t.Fatalf("bad level accepted")
	}
	if err := Init("info", "xml", ""); err == nil {
		t.Fatalf("bad format accepted")
	}
	if err := Init("warn", "json", "n1"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if level.Level() != zapcore.WarnLevel {
		t.Fatalf("level = %v", level.Level())
	}
}

func TestLevelHandler(t *testing.T) {
	if err := Init("info", "", ""); err != nil {
		t.Fatalf("init: %v", err)
	}
	req := httptest.NewRequest(http.MethodPut, "/loglevel", strings.NewReader(`{"level":"debug"}`))
	w := httptest.NewRecorder()
	LevelHandler().ServeHTTP(w, req)
	if w.Code != http.StatusOK || level.Level() != zapcore.DebugLevel {
		t.Fatalf("put level: %d %v", w.Code, level.Level())
	}
}
