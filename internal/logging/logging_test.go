package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zerolog.Level
		wantErr bool
	}{
		{"", zerolog.InfoLevel, false},
		{"debug", zerolog.DebugLevel, false},
		{"WARN", zerolog.WarnLevel, false},
		{"error", zerolog.ErrorLevel, false},
		{"verbose", zerolog.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNew_WritesComponentToFile(t *testing.T) {
	dir := t.TempDir()
	l, err := New(Config{Level: "debug", Format: "json", Dir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	log := l.Component("worker")
	log.Info().Str("task", "t-1").Msg("claimed")
	l.Close()

	files, err := l.Files()
	if err != nil || len(files) != 1 {
		t.Fatalf("Files() = %v, %v", files, err)
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	for _, want := range []string{`"component":"worker"`, `"task":"t-1"`, `"message":"claimed"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("log file missing %s: %s", want, data)
		}
	}
}

func TestPrune_RemovesOldFiles(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, filePrefix+time.Now().AddDate(0, 0, -30).Format("2006-01-02")+".log")
	keep := filepath.Join(dir, "unrelated.log")
	for _, p := range []string{old, keep} {
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	l := &Logger{dir: dir}
	l.prune(7)

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("expected old log file to be removed")
	}
	if _, err := os.Stat(keep); err != nil {
		t.Error("unrelated file should be kept")
	}
}

func TestGet_DefaultsBeforeInit(t *testing.T) {
	l := Get()
	if l == nil {
		t.Fatal("Get() returned nil")
	}
	_ = Component("test")
}
