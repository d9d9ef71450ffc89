package simulation

import (
	"context"
	"io"
	"testing"

	"github.com/solumlabs/qcchain/logging"
)

func TestRunCommitsAllBlocks(t *testing.T) {
	cfg := Config{
		Replicas: 4,
		Blocks:   3,
		Seed:     1,
	}
	result, err := Run(context.Background(), cfg, logging.NewWithDest(io.Discard, "sim"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(result.Commits) != cfg.Replicas {
		t.Fatalf("got commit counts for %d replicas, want %d", len(result.Commits), cfg.Replicas)
	}
	for name, commits := range result.Commits {
		if commits != cfg.Blocks {
			t.Errorf("%s committed %d block(s), want %d", name, commits, cfg.Blocks)
		}
	}
	if result.Warnings != 0 {
		t.Errorf("run reported %d warning(s), want 0", result.Warnings)
	}
}

func TestRunIsReproducible(t *testing.T) {
	cfg := Config{Replicas: 4, Blocks: 2, Seed: 7}
	logger := logging.NewWithDest(io.Discard, "sim")

	a, err := Run(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	b, err := Run(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for name := range a.Commits {
		if a.Commits[name] != b.Commits[name] {
			t.Errorf("%s commit count diverged across identical runs: %d vs %d", name, a.Commits[name], b.Commits[name])
		}
	}
}

func TestRunRejectsUnknownRotation(t *testing.T) {
	cfg := Config{Replicas: 2, Blocks: 1, LeaderRotation: "alphabetical"}
	if _, err := Run(context.Background(), cfg, logging.NewWithDest(io.Discard, "sim")); err == nil {
		t.Error("unknown rotation scheme was accepted")
	}
}
