// Command diffrast-fit demonstrates the differentiable pipeline by
// recovering a scene from its own rendering. It renders a reference
// image of two overlapping triangles, perturbs the vertex positions and
// forgets the colors, then fits both back by gradient descent on the
// image difference, chaining the backward passes of Antialias,
// Interpolate and Rasterize.
package main

import (
	"flag"
	"fmt"
	"image/png"
	"log"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"gopkg.in/yaml.v3"

	"github.com/gogpu/diffrast"
	"github.com/gogpu/diffrast/tensor"
)

// config drives the fit. YAML keys, with their defaults:
//
//	resolution: 256      # square output size in pixels
//	iterations: 400      # SGD steps
//	learning_rate: 0.02
//	position_boost: 4    # silhouette gradient scale
//	perturb: 0.15        # initial vertex displacement in clip units
//	seed: 1
//	frame_every: 0       # dump a PNG every N iterations (0 disables)
//	out_dir: frames      # frame directory
type config struct {
	Resolution    int     `yaml:"resolution"`
	Iterations    int     `yaml:"iterations"`
	LearningRate  float64 `yaml:"learning_rate"`
	PositionBoost float64 `yaml:"position_boost"`
	Perturb       float64 `yaml:"perturb"`
	Seed          int64   `yaml:"seed"`
	FrameEvery    int     `yaml:"frame_every"`
	OutDir        string  `yaml:"out_dir"`
}

func defaultConfig() config {
	return config{
		Resolution:    256,
		Iterations:    400,
		LearningRate:  0.02,
		PositionBoost: 4,
		Perturb:       0.15,
		Seed:          1,
		OutDir:        "frames",
	}
}

// loadConfig overlays the YAML file at path onto the defaults. An empty
// path returns the defaults unchanged.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config: %w", err)
		}
	}
	if cfg.Resolution < 8 {
		return cfg, fmt.Errorf("resolution %d too small", cfg.Resolution)
	}
	if cfg.Iterations < 1 {
		return cfg, fmt.Errorf("iterations must be positive, got %d", cfg.Iterations)
	}
	if cfg.LearningRate <= 0 {
		return cfg, fmt.Errorf("learning rate must be positive, got %g", cfg.LearningRate)
	}
	return cfg, nil
}

// scene is a clip-space mesh with per-vertex colors. Positions are
// instanced [1,V,4], colors [1,V,3].
type scene struct {
	pos *tensor.Float
	col *tensor.Float
	tri *tensor.Int
}

// referenceScene builds the truth: two overlapping triangles, a warm
// one in front of a cold one, on a black background.
func referenceScene() scene {
	pos, _ := tensor.FloatFrom([]float32{
		-0.7, -0.6, -0.2, 1,
		0.5, -0.7, -0.2, 1,
		-0.1, 0.7, -0.2, 1,
		-0.3, -0.8, 0.3, 1,
		0.8, 0.6, 0.3, 1,
		-0.6, 0.5, 0.3, 1,
	}, 1, 6, 4)
	col, _ := tensor.FloatFrom([]float32{
		1.0, 0.2, 0.1,
		1.0, 0.9, 0.2,
		1.0, 0.5, 0.0,
		0.1, 0.3, 1.0,
		0.2, 0.9, 0.9,
		0.1, 0.8, 0.3,
	}, 1, 6, 3)
	tri, _ := tensor.IntFrom([]int32{0, 1, 2, 3, 4, 5}, 2, 3)
	return scene{pos: pos, col: col, tri: tri}
}

// perturbed clones the truth with vertices displaced in x and y and the
// colors reset to mid gray, the starting point of the fit.
func perturbed(truth scene, rng *rand.Rand, radius float64) scene {
	pos := truth.pos.Clone()
	data := pos.Data()
	for i := 0; i < len(data); i += 4 {
		data[i+0] += float32((rng.Float64()*2 - 1) * radius)
		data[i+1] += float32((rng.Float64()*2 - 1) * radius)
	}
	col := truth.col.ZerosLike()
	for i := range col.Data() {
		col.Data()[i] = 0.5
	}
	return scene{pos: pos, col: col, tri: truth.tri}
}

// render runs the forward chain and returns the op results so the
// caller can walk their backward passes.
func render(ctx *diffrast.Context, s scene, topo *diffrast.Topology, res diffrast.Resolution, boost float64) (*diffrast.Fragments, *diffrast.Interpolated, *diffrast.Antialiased, error) {
	frags, err := ctx.Rasterize(s.pos, s.tri, res)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("rasterize: %w", err)
	}
	interp, err := diffrast.Interpolate(s.col, frags.Out, s.tri)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("interpolate: %w", err)
	}
	aa, err := diffrast.Antialias(interp.Out, frags.Out, s.pos, s.tri,
		diffrast.WithTopology(topo),
		diffrast.WithPositionGradientBoost(float32(boost)))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("antialias: %w", err)
	}
	return frags, interp, aa, nil
}

// l2Grad fills dOut with the gradient of the mean squared error against
// ref and returns the error itself.
func l2Grad(out, ref, dOut []float32) float64 {
	var sum float64
	n := float64(len(out))
	for i := range out {
		d := float64(out[i]) - float64(ref[i])
		sum += d * d
		dOut[i] = float32(2 * d / n)
	}
	return sum / n
}

// stepXY applies one SGD update to the x and y vertex components,
// summing the gradient contributions. Depth ordering and w stay fixed.
func stepXY(pos []float32, lr float64, grads ...[]float32) {
	for i := 0; i < len(pos); i += 4 {
		for c := 0; c < 2; c++ {
			var g float64
			for _, gr := range grads {
				g += float64(gr[i+c])
			}
			pos[i+c] -= float32(lr * g)
		}
	}
}

// step applies one SGD update to every element.
func step(param []float32, lr float64, grad []float32) {
	for i := range param {
		param[i] -= float32(lr * float64(grad[i]))
	}
}

func savePNG(t *tensor.Float, path string) error {
	img, err := diffrast.ImageFromTexture(t, 0)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()
	return png.Encode(f, img)
}

func run(cfg config, output string) error {
	ctx, err := diffrast.NewContext(diffrast.WithScreenDerivatives(false))
	if err != nil {
		return fmt.Errorf("creating context: %w", err)
	}
	defer func() {
		_ = ctx.Close()
	}()

	truth := referenceScene()
	topo, err := diffrast.BuildTopology(truth.tri)
	if err != nil {
		return fmt.Errorf("building topology: %w", err)
	}
	res := diffrast.Resolution{Height: cfg.Resolution, Width: cfg.Resolution}

	_, _, refAA, err := render(ctx, truth, topo, res, 1)
	if err != nil {
		return fmt.Errorf("rendering reference: %w", err)
	}
	ref := refAA.Out

	dumpFrames := cfg.FrameEvery > 0 && cfg.OutDir != ""
	if dumpFrames {
		if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
			return fmt.Errorf("creating frame directory: %w", err)
		}
		if err := savePNG(ref, filepath.Join(cfg.OutDir, "ref.png")); err != nil {
			return fmt.Errorf("saving reference frame: %w", err)
		}
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	s := perturbed(truth, rng, cfg.Perturb)
	dOut := ref.ZerosLike()

	pb := progressbar.Default(int64(cfg.Iterations))
	defer func() {
		_ = pb.Close()
	}()

	var loss float64
	for it := 0; it < cfg.Iterations; it++ {
		frags, interp, aa, err := render(ctx, s, topo, res, cfg.PositionBoost)
		if err != nil {
			return fmt.Errorf("iteration %d: %w", it, err)
		}
		loss = l2Grad(aa.Out.Data(), ref.Data(), dOut.Data())

		dColor, dPosAA, err := aa.Backward(dOut)
		if err != nil {
			return fmt.Errorf("iteration %d: antialias backward: %w", it, err)
		}
		dCol, dRast, _, err := interp.Backward(dColor, nil)
		if err != nil {
			return fmt.Errorf("iteration %d: interpolate backward: %w", it, err)
		}
		dPosRast, err := frags.Backward(dRast, nil)
		if err != nil {
			return fmt.Errorf("iteration %d: rasterize backward: %w", it, err)
		}

		stepXY(s.pos.Data(), cfg.LearningRate, dPosAA.Data(), dPosRast.Data())
		step(s.col.Data(), cfg.LearningRate, dCol.Data())

		if dumpFrames && it%cfg.FrameEvery == 0 {
			name := filepath.Join(cfg.OutDir, fmt.Sprintf("fit_%04d.png", it))
			if err := savePNG(aa.Out, name); err != nil {
				return fmt.Errorf("saving frame: %w", err)
			}
		}
		_ = pb.Add(1)
	}

	_, _, finalAA, err := render(ctx, s, topo, res, 1)
	if err != nil {
		return fmt.Errorf("rendering result: %w", err)
	}
	if err := savePNG(finalAA.Out, output); err != nil {
		return fmt.Errorf("saving result: %w", err)
	}

	log.Printf("fit finished: loss %.6g after %d iterations, result in %s", loss, cfg.Iterations, output)
	return nil
}

func main() {
	var (
		configPath = flag.String("config", "", "YAML config file (built-in defaults when empty)")
		output     = flag.String("output", "fit.png", "final image file")
		verbose    = flag.Bool("v", false, "log library internals to stderr")
	)
	flag.Parse()

	if *verbose {
		diffrast.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := run(cfg, *output); err != nil {
		log.Fatalf("Fit failed: %v", err)
	}
}
