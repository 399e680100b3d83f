// Command sortgpt trains a small model to sort short digit sequences and
// evaluates it by greedy decoding, a minimal end-to-end demo of the
// training loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"

	"sortgpt/internal/config"
	"sortgpt/internal/dataset"
	"sortgpt/internal/device"
	"sortgpt/internal/eval"
	"sortgpt/internal/memmon"
	"sortgpt/internal/model"
	"sortgpt/internal/profile"
	"sortgpt/internal/trainer"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	passStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

func main() {
	cfgPath := flag.String("config", "configs/sort.json", "Path to JSON config")
	devSel := flag.String("device", "", "Override device selector (auto, cpu, cuda, cuda:N)")
	maxIters := flag.Int("max-iters", 0, "Override number of optimizer steps")
	batchSize := flag.Int("batch-size", 0, "Override batch size")
	lr := flag.Float64("lr", 0, "Override learning rate")
	crossBatch := flag.Int("cross-batch", 0, "Override gradient accumulation count")
	numWorkers := flag.Int("num-workers", 0, "Override number of loader workers")
	seed := flag.Int64("seed", 0, "Override PRNG seed")
	seqLen := flag.Int("seq-len", 6, "Problem sequence length")
	numDigits := flag.Int("num-digits", 3, "Problem digit alphabet size")
	profileDir := flag.String("profile-dir", "", "Write pprof/trace artifacts under this directory")
	monitorGPUs := flag.String("monitor-gpus", "", "Comma-separated GPU indices to sample memory from")
	monitorFor := flag.Duration("monitor-duration", time.Minute, "How long to sample GPU memory")
	evalBatches := flag.Int("eval-batches", 10, "Batches per evaluation split")

	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg.ApplyOverrides(config.Overrides{
		Device:        *devSel,
		MaxIters:      *maxIters,
		BatchSize:     *batchSize,
		LearningRate:  *lr,
		CrossBatchNum: *crossBatch,
		NumWorkers:    *numWorkers,
		Seed:          *seed,
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("host: %s", device.HostInfo())

	trainDS, err := dataset.NewSortDataset(dataset.Train, *seqLen, *numDigits, cfg.Train.Seed)
	if err != nil {
		log.Fatalf("build train dataset: %v", err)
	}
	testDS, err := dataset.NewSortDataset(dataset.Test, *seqLen, *numDigits, cfg.Train.Seed)
	if err != nil {
		log.Fatalf("build test dataset: %v", err)
	}

	mdl, err := buildModel(cfg.Model, trainDS)
	if err != nil {
		log.Fatalf("build model: %v", err)
	}

	runCfg := trainer.Config{
		Device:        cfg.Train.Device,
		NumWorkers:    cfg.Train.NumWorkers,
		MaxIters:      cfg.Train.ResolveMaxIters(),
		BatchSize:     cfg.Train.BatchSize,
		LearningRate:  cfg.Train.LearningRate,
		Beta1:         cfg.Train.Beta1,
		Beta2:         cfg.Train.Beta2,
		WeightDecay:   cfg.Train.WeightDecay,
		GradNormClip:  cfg.Train.GradNormClip,
		CrossBatchNum: cfg.Train.CrossBatchNum,
		Distributed:   cfg.Train.UseDDP,
		Seed:          cfg.Train.Seed,
		LogEvery:      100,
	}
	tr := trainer.New(runCfg, mdl, trainDS)

	tr.AddCallback(trainer.EventBatchEnd, func(tr *trainer.Trainer) error {
		if tr.IterNum > 0 && tr.IterNum%10 == 0 {
			log.Printf("iter_dt %.2fms; iter %d: train loss %.5f",
				float64(tr.IterDt.Microseconds())/1000, tr.IterNum, tr.Loss)
		}
		return nil
	})

	if *profileDir != "" {
		session, err := profile.Start(*profileDir, profile.DefaultSchedule())
		if err != nil {
			log.Fatalf("start profiling: %v", err)
		}
		defer session.Stop()
		tr.AddCallback(trainer.EventBatchEnd, func(*trainer.Trainer) error {
			return session.Step()
		})
		log.Printf("profiling to %s", session.Dir())
	}

	var monWG sync.WaitGroup
	monCtx, monCancel := context.WithCancel(ctx)
	defer monCancel()
	if *monitorGPUs != "" {
		indices, err := parseGPUIndices(*monitorGPUs)
		if err != nil {
			log.Fatalf("bad -monitor-gpus: %v", err)
		}
		for _, idx := range indices {
			monWG.Add(1)
			go func(idx int) {
				defer monWG.Done()
				mon := memmon.Monitor{Probe: memmon.CommandProbe{GPUIndex: idx}, Interval: 2 * time.Second}
				series, err := mon.Run(monCtx, *monitorFor)
				if err != nil {
					log.Printf("gpu %d memory monitor: %v", idx, err)
					return
				}
				sum := series.Summary()
				log.Printf("gpu %d memory: samples=%d min=%.0fMiB max=%.0fMiB mean=%.0fMiB",
					idx, sum.Samples, sum.Min, sum.Max, sum.Mean)
			}(idx)
		}
	}

	start := time.Now()
	if err := tr.Run(ctx); err != nil {
		log.Fatalf("training failed: %v", err)
	}
	log.Printf("run=%s finished %d iterations in %s", tr.RunID, tr.IterNum, time.Since(start).Round(time.Millisecond))
	monCancel()
	monWG.Wait()

	report(ctx, mdl, trainDS, testDS, *evalBatches, cfg.Train.BatchSize)
}

func buildModel(mc config.ModelConfig, ds dataset.Dataset) (model.Model, error) {
	switch mc.ModelType {
	case model.TypeSeqMLP:
		return model.NewSeqMLP(model.Config{
			VocabSize:  ds.VocabSize(),
			BlockSize:  ds.BlockSize(),
			HiddenSize: mc.HiddenSize,
			Seed:       1,
		})
	default:
		return nil, fmt.Errorf("unknown model_type %q", mc.ModelType)
	}
}

func report(ctx context.Context, mdl model.Model, trainDS, testDS dataset.Dataset, batches, batchSize int) {
	fmt.Println(titleStyle.Render("evaluation"))
	for _, split := range []struct {
		name string
		ds   dataset.Dataset
	}{
		{"train", trainDS},
		{"test", testDS},
	} {
		score, err := eval.EvalSplit(ctx, mdl, split.ds, batches, batchSize)
		if err != nil {
			log.Fatalf("eval %s: %v", split.name, err)
		}
		line := fmt.Sprintf("%s final score: %d/%d = %.2f%% correct",
			split.name, score.Correct, score.Total, 100*score.Frac)
		if score.Frac >= 0.9 {
			fmt.Println(passStyle.Render(line))
		} else {
			fmt.Println(failStyle.Render(line))
		}
	}

	// the canonical demo sequence
	input := []int{0, 0, 2, 1, 0, 1}
	full, err := mdl.Generate(input, len(input))
	if err != nil {
		log.Fatalf("generate: %v", err)
	}
	fmt.Println(titleStyle.Render("greedy decode"))
	fmt.Printf("input sequence  : %v\n", input)
	fmt.Printf("predicted sorted: %v\n", full[len(input):])
}

func parseGPUIndices(raw string) ([]int, error) {
	parts := strings.Split(raw, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		idx, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("bad GPU index %q", p)
		}
		out = append(out, idx)
	}
	return out, nil
}
