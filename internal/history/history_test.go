package history

import (
	"context"
	"path/filepath"
	"testing"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunsAndSteps(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	r, err := s.StartRun(ctx, Run{Label: "sim", Exposures: 16, Stars: 300, RefStars: 150})
	if err != nil {
		t.Fatal(err)
	}
	if r.ID == 0 {
		t.Fatal("run id not set")
	}
	steps := []Step{
		{Seq: 0, Mask: "DistortionsVisit", Chi2: 5000, NDof: 1000, NPar: 30},
		{Seq: 1, Mask: "Distortions Positions", Chi2: 1100, NDof: 900, NPar: 700},
		{Seq: 2, Mask: "Distortions Positions", Chi2: 950, NDof: 880, NPar: 700, Removed: 10, Message: "outliers"},
	}
	for _, st := range steps {
		if err := s.AddStep(ctx, r.ID, st); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.AddStep(ctx, r.ID, steps[0]); err == nil {
		t.Fatal("duplicate step accepted")
	}

	got, err := s.Steps(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(steps) {
		t.Fatalf("%d steps, want %d", len(got), len(steps))
	}
	for i := range steps {
		if got[i] != steps[i] {
			t.Errorf("step %d: got %+v, want %+v", i, got[i], steps[i])
		}
	}

	best, ok, err := s.BestStep(ctx, r.ID)
	if err != nil || !ok {
		t.Fatalf("best step: %v %v", ok, err)
	}
	if best.Seq != 2 {
		t.Fatalf("best step %d, want 2", best.Seq)
	}

	if _, ok, err := s.BestStep(ctx, r.ID+1); ok || err != nil {
		t.Fatalf("best step of unknown run: %v %v", ok, err)
	}
}

func TestRunsOrder(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	for _, label := range []string{"a", "b"} {
		if _, err := s.StartRun(ctx, Run{Label: label}); err != nil {
			t.Fatal(err)
		}
	}
	runs, err := s.Runs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].Label != "b" || runs[0].StartedAt.IsZero() {
		t.Fatalf("runs %+v", runs)
	}
}

func TestReopenFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	r, err := s.StartRun(ctx, Run{Label: "persisted"})
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	runs, err := s.Runs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != r.ID || runs[0].Label != "persisted" {
		t.Fatalf("runs %+v", runs)
	}

	if _, err := Open(ctx, " "); err == nil {
		t.Fatal("empty path accepted")
	}
}
