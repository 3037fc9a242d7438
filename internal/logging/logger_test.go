package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestInitializeRequiresWorkspace(t *testing.T) {
	if err := Initialize("", Settings{}); err == nil {
		t.Error("Initialize with empty workspace should fail")
	}
}

func TestProductionModeIsNoOp(t *testing.T) {
	dir := t.TempDir()
	if err := Initialize(dir, Settings{DebugMode: false}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer CloseAll()

	Campaign("this should go nowhere")

	logsDir := filepath.Join(dir, ".dirforge", "logs")
	if _, err := os.Stat(logsDir); !os.IsNotExist(err) {
		t.Errorf("logs directory should not exist in production mode")
	}
}

func TestDebugModeWritesCategoryFile(t *testing.T) {
	dir := t.TempDir()
	if err := Initialize(dir, Settings{DebugMode: true, Level: "debug"}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer CloseAll()

	Budget("reserved %d units", 5)
	CloseAll()

	date := time.Now().Format("2006-01-02")
	path := filepath.Join(dir, ".dirforge", "logs", date+"_budget.log")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected budget log file: %v", err)
	}
	if !strings.Contains(string(data), "reserved 5 units") {
		t.Errorf("log file missing message, got: %s", data)
	}
}

func TestCategoryFilter(t *testing.T) {
	dir := t.TempDir()
	s := Settings{
		DebugMode:  true,
		Categories: map[string]bool{"dedup": false},
		Level:      "debug",
	}
	if err := Initialize(dir, s); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer CloseAll()

	if IsCategoryEnabled(CategoryDedup) {
		t.Error("dedup category should be disabled")
	}
	if !IsCategoryEnabled(CategoryBudget) {
		t.Error("unlisted categories default to enabled")
	}
}

func TestLevelFiltering(t *testing.T) {
	dir := t.TempDir()
	if err := Initialize(dir, Settings{DebugMode: true, Level: "warn"}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer CloseAll()

	l := Get(CategoryCampaign)
	l.Debug("dropped")
	l.Info("dropped too")
	l.Warn("kept")
	CloseAll()

	date := time.Now().Format("2006-01-02")
	path := filepath.Join(dir, ".dirforge", "logs", date+"_campaign.log")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected campaign log file: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "dropped") {
		t.Errorf("below-level messages should be filtered, got: %s", out)
	}
	if !strings.Contains(out, "kept") {
		t.Errorf("warn message missing, got: %s", out)
	}
}

func TestTimerStop(t *testing.T) {
	dir := t.TempDir()
	if err := Initialize(dir, Settings{DebugMode: true, Level: "debug"}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer CloseAll()

	timer := StartTimer(CategoryStore, "op")
	if d := timer.Stop(); d < 0 {
		t.Errorf("negative duration %v", d)
	}
}
