package chain

import "testing"

func TestDecodeTaskInfo(t *testing.T) {
	vals := []any{
		"0xaaa", "0xbbb", "1000000", "1700000000", "1700007200",
		true, false, "A2A Task: order a pizza",
	}

	info, err := decodeTaskInfo(vals)
	if err != nil {
		t.Fatalf("decodeTaskInfo: %v", err)
	}
	if info.TaskAgent != "0xaaa" || info.ServiceAgent != "0xbbb" {
		t.Errorf("addresses = %q, %q", info.TaskAgent, info.ServiceAgent)
	}
	if info.PayAmount != 1_000_000 {
		t.Errorf("PayAmount = %d, want 1000000", info.PayAmount)
	}
	if info.Deadline != 1700007200 {
		t.Errorf("Deadline = %d", info.Deadline)
	}
	if !info.Completed || info.Cancelled {
		t.Errorf("flags = %v, %v", info.Completed, info.Cancelled)
	}
	if info.Description != "A2A Task: order a pizza" {
		t.Errorf("Description = %q", info.Description)
	}

	// Decoding again from the same values must be identical (view reads
	// are idempotent against unchanged chain state).
	again, err := decodeTaskInfo(vals)
	if err != nil {
		t.Fatalf("decodeTaskInfo again: %v", err)
	}
	if again != info {
		t.Errorf("second decode = %+v, want %+v", again, info)
	}
}

func TestDecodeTaskInfo_WrongArity(t *testing.T) {
	if _, err := decodeTaskInfo([]any{"0xaaa"}); err == nil {
		t.Error("short tuple accepted, want error")
	}
}

func TestDecodeTaskStats(t *testing.T) {
	stats, err := decodeTaskStats([]any{"12", "9", "1"})
	if err != nil {
		t.Fatalf("decodeTaskStats: %v", err)
	}
	if stats.Total != 12 || stats.Completed != 9 || stats.Cancelled != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestAsU64(t *testing.T) {
	if n, err := asU64("42"); err != nil || n != 42 {
		t.Errorf("asU64(string) = %d, %v", n, err)
	}
	if n, err := asU64(float64(7)); err != nil || n != 7 {
		t.Errorf("asU64(float64) = %d, %v", n, err)
	}
	if _, err := asU64(true); err == nil {
		t.Error("asU64(bool) accepted, want error")
	}
}

func TestConfigApplyDefaults(t *testing.T) {
	cfg := Config{ModuleAddress: "42e8"}
	cfg.ApplyDefaults()

	if cfg.ModuleAddress != "0x42e8" {
		t.Errorf("ModuleAddress = %q, want 0x-prefixed", cfg.ModuleAddress)
	}
	if cfg.NodeURL != DefaultNodeURL {
		t.Errorf("NodeURL = %q", cfg.NodeURL)
	}
	if cfg.Bounty != DefaultBounty || cfg.DeadlineSeconds != DefaultDeadlineSeconds {
		t.Errorf("defaults = %d, %d", cfg.Bounty, cfg.DeadlineSeconds)
	}
}

func TestExplorerTxURL(t *testing.T) {
	got := ExplorerTxURL("https://api.testnet.aptoslabs.com/v1", "0xabc")
	want := "https://explorer.aptoslabs.com/txn/0xabc?network=testnet"
	if got != want {
		t.Errorf("ExplorerTxURL = %q, want %q", got, want)
	}
	if got := ExplorerTxURL("https://api.devnet.aptoslabs.com/v1", "0x1"); got != "https://explorer.aptoslabs.com/txn/0x1?network=devnet" {
		t.Errorf("devnet URL = %q", got)
	}
}
