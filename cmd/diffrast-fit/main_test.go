package main

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg != defaultConfig() {
		t.Errorf("got %+v, want defaults %+v", cfg, defaultConfig())
	}
}

func TestLoadConfigOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fit.yaml")
	data := "resolution: 64\niterations: 10\nposition_boost: 2.5\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Resolution != 64 || cfg.Iterations != 10 {
		t.Errorf("got resolution %d iterations %d, want 64 and 10", cfg.Resolution, cfg.Iterations)
	}
	if cfg.PositionBoost != 2.5 {
		t.Errorf("got position boost %g, want 2.5", cfg.PositionBoost)
	}
	if cfg.LearningRate != defaultConfig().LearningRate {
		t.Errorf("unset key changed: learning rate %g", cfg.LearningRate)
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"zero iterations", "iterations: 0\n"},
		{"tiny resolution", "resolution: 4\n"},
		{"negative learning rate", "learning_rate: -1\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "fit.yaml")
			if err := os.WriteFile(path, []byte(tc.yaml), 0o644); err != nil {
				t.Fatalf("writing config: %v", err)
			}
			if _, err := loadConfig(path); err == nil {
				t.Error("expected an error, got nil")
			}
		})
	}
}

func TestL2Grad(t *testing.T) {
	out := []float32{1, 0, 2, 2}
	ref := []float32{0, 0, 2, 4}
	dOut := make([]float32, 4)

	loss := l2Grad(out, ref, dOut)
	if math.Abs(loss-5.0/4) > 1e-12 {
		t.Errorf("got loss %g, want 1.25", loss)
	}
	want := []float32{0.5, 0, 0, -1}
	for i := range want {
		if dOut[i] != want[i] {
			t.Errorf("dOut[%d] = %g, want %g", i, dOut[i], want[i])
		}
	}
}

func TestStepXYFreezesDepth(t *testing.T) {
	pos := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	g1 := []float32{1, 1, 9, 9, 2, 2, 9, 9}
	g2 := []float32{1, 0, 9, 9, 0, 2, 9, 9}

	stepXY(pos, 0.5, g1, g2)
	want := []float32{0, 1.5, 3, 4, 4, 4, 7, 8}
	for i := range want {
		if pos[i] != want[i] {
			t.Errorf("pos[%d] = %g, want %g", i, pos[i], want[i])
		}
	}
}

func TestPerturbedKeepsDepthAndTopology(t *testing.T) {
	truth := referenceScene()
	s := perturbed(truth, rand.New(rand.NewSource(3)), 0.2)

	if s.tri != truth.tri {
		t.Error("triangle list should be shared with the truth scene")
	}
	pd, td := s.pos.Data(), truth.pos.Data()
	for i := 0; i < len(pd); i += 4 {
		if pd[i+2] != td[i+2] || pd[i+3] != td[i+3] {
			t.Errorf("vertex %d: z/w changed from (%g,%g) to (%g,%g)", i/4, td[i+2], td[i+3], pd[i+2], pd[i+3])
		}
		if math.Abs(float64(pd[i]-td[i])) > 0.2 || math.Abs(float64(pd[i+1]-td[i+1])) > 0.2 {
			t.Errorf("vertex %d displaced beyond the radius", i/4)
		}
	}
	for _, c := range s.col.Data() {
		if c != 0.5 {
			t.Errorf("got initial color %g, want 0.5", c)
		}
	}
}

func TestRunWritesResult(t *testing.T) {
	dir := t.TempDir()
	cfg := config{
		Resolution:    32,
		Iterations:    25,
		LearningRate:  0.2,
		PositionBoost: 3,
		Perturb:       0.1,
		Seed:          1,
	}
	out := filepath.Join(dir, "fit.png")

	if err := run(cfg, out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := os.Stat(out); err != nil {
		t.Errorf("result image missing: %v", err)
	}
}
