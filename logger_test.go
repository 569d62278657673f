package diffrast

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/gogpu/diffrast/tensor"
)

func TestNopHandlerDiscardsEverything(t *testing.T) {
	h := nopHandler{}
	for _, level := range []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError} {
		if h.Enabled(context.Background(), level) {
			t.Errorf("Enabled(%v) = true, want false", level)
		}
	}
	if err := h.Handle(context.Background(), slog.Record{}); err != nil {
		t.Errorf("Handle() = %v, want nil", err)
	}
	if _, ok := h.WithAttrs([]slog.Attr{slog.String("key", "val")}).(nopHandler); !ok {
		t.Error("WithAttrs() changed the handler type")
	}
	if _, ok := h.WithGroup("group").(nopHandler); !ok {
		t.Error("WithGroup() changed the handler type")
	}
}

func TestLoggerDefaultSilent(t *testing.T) {
	l := Logger()
	if l == nil {
		t.Fatal("Logger() returned nil")
	}
	for _, level := range []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn} {
		if l.Enabled(context.Background(), level) {
			t.Errorf("default logger enabled for %v", level)
		}
	}
}

func TestSetLoggerRoundTrip(t *testing.T) {
	orig := Logger()
	t.Cleanup(func() { SetLogger(orig) })

	var buf bytes.Buffer
	custom := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	SetLogger(custom)
	if Logger() != custom {
		t.Fatal("Logger() did not return the logger just set")
	}
	Logger().Info("wired", "key", "value")
	if !strings.Contains(buf.String(), "wired") {
		t.Errorf("log output = %q, want the message in it", buf.String())
	}

	SetLogger(nil)
	l := Logger()
	if l == nil {
		t.Fatal("SetLogger(nil) left a nil logger")
	}
	if l.Enabled(context.Background(), slog.LevelError) {
		t.Error("SetLogger(nil) should restore the silent logger")
	}
}

// Transient per-call builds are the debug signal that a reusable
// Topology or MipPyramid is being discarded; fitting loops watch for
// them.
func TestOperationsLogTransientBuilds(t *testing.T) {
	orig := Logger()
	t.Cleanup(func() { SetLogger(orig) })
	var buf bytes.Buffer
	SetLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	ctx := newTestContext(t)
	pos, tri := smallScene(t)
	frags, err := ctx.Rasterize(pos, tri, Resolution{Height: 8, Width: 8})
	if err != nil {
		t.Fatalf("Rasterize() = %v", err)
	}
	color := tensor.NewFloat(1, 8, 8, 1)
	if _, err := Antialias(color, frags.Out, pos, tri); err != nil {
		t.Fatalf("Antialias() = %v", err)
	}
	if !strings.Contains(buf.String(), "transient topology") {
		t.Errorf("Antialias without a prebuilt table logged %q, want a transient topology line", buf.String())
	}

	buf.Reset()
	topo, err := BuildTopology(tri)
	if err != nil {
		t.Fatalf("BuildTopology() = %v", err)
	}
	if _, err := Antialias(color, frags.Out, pos, tri, WithTopology(topo)); err != nil {
		t.Fatalf("Antialias(topology) = %v", err)
	}
	if strings.Contains(buf.String(), "transient topology") {
		t.Error("a prebuilt topology still logged a transient build")
	}

	buf.Reset()
	tex := mustFloat(t, []float32{1, 2, 3, 4}, 1, 2, 2, 1)
	uv := mustFloat(t, []float32{0.5, 0.5}, 1, 1, 1, 2)
	da := tensor.NewFloat(1, 1, 1, 4)
	if _, err := Texture(tex, uv, WithFilter(FilterLinearMipmapLinear), WithUVDerivatives(da)); err != nil {
		t.Fatalf("Texture() = %v", err)
	}
	if !strings.Contains(buf.String(), "transient mip pyramid") {
		t.Errorf("Texture without a pyramid logged %q, want a transient pyramid line", buf.String())
	}
}

func TestSetLoggerReachesAccelerator(t *testing.T) {
	orig := Logger()
	t.Cleanup(func() {
		SetLogger(orig)
		resetAccelerator()
	})
	resetAccelerator()

	mock := &mockAccelerator{name: "logger-sink"}
	if err := RegisterAccelerator(mock); err != nil {
		t.Fatalf("RegisterAccelerator() = %v", err)
	}
	custom := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	SetLogger(custom)
	if mock.logger != custom {
		t.Error("SetLogger did not reach the registered accelerator")
	}
}

func TestRegisterAcceleratorReceivesCurrentLogger(t *testing.T) {
	orig := Logger()
	t.Cleanup(func() {
		SetLogger(orig)
		resetAccelerator()
	})
	resetAccelerator()

	custom := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	SetLogger(custom)
	mock := &mockAccelerator{name: "late-registration"}
	if err := RegisterAccelerator(mock); err != nil {
		t.Fatalf("RegisterAccelerator() = %v", err)
	}
	if mock.logger != custom {
		t.Error("registration did not hand the accelerator the current logger")
	}
}

func TestLoggerConcurrentAccess(t *testing.T) {
	orig := Logger()
	t.Cleanup(func() { SetLogger(orig) })

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			l := Logger()
			if l == nil {
				t.Error("Logger() returned nil during concurrent access")
				return
			}
			l.Debug("concurrent read")
		}()
		go func() {
			defer wg.Done()
			SetLogger(slog.Default())
			SetLogger(nil)
		}()
	}
	wg.Wait()
}

func BenchmarkDisabledDebugLog(b *testing.B) {
	l := Logger()
	b.ReportAllocs()
	for b.Loop() {
		l.Debug("message", "key", "value")
	}
}
