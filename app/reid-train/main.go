// Command reid-train trains the dual-branch re-identification model on a
// pair of image trees and writes one checkpoint per sub-model.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/tsawler/go-reid/async"
	"github.com/tsawler/go-reid/blobstore"
	"github.com/tsawler/go-reid/blobstore/minio"
	"github.com/tsawler/go-reid/blobstore/s3"
	"github.com/tsawler/go-reid/checkpoints"
	"github.com/tsawler/go-reid/config"
	"github.com/tsawler/go-reid/layers"
	"github.com/tsawler/go-reid/memory"
	"github.com/tsawler/go-reid/training"
	"github.com/tsawler/go-reid/vision/dataloader"
	"github.com/tsawler/go-reid/vision/dataset"
)

// historyBlob is the name of the loss and learning rate history.
const historyBlob = "history.json"

type options struct {
	configPath string
	images     string
	dense      string
	out        string
	iterations int
	p, k       int
	margin     string
	logLevel   string
	logFormat  string
	memLimit   int64
	progress   bool
	summary    bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "YAML configuration file")
	flag.StringVar(&opts.images, "images", "", "directory of person crops (overrides data.image_dir)")
	flag.StringVar(&opts.dense, "dense", "", "directory of dense/UV maps (overrides data.dense_dir)")
	flag.StringVar(&opts.out, "out", "", "results directory for local checkpoints (overrides checkpoint.dir)")
	flag.IntVar(&opts.iterations, "iterations", 0, "iteration budget (overrides iterations)")
	flag.IntVar(&opts.p, "p", 0, "identities per batch (overrides sampler.p)")
	flag.IntVar(&opts.k, "k", 0, "samples per identity (overrides sampler.k)")
	flag.StringVar(&opts.margin, "margin", "", `triplet margin; "soft" selects the soft margin`)
	flag.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")
	flag.StringVar(&opts.logFormat, "log-format", "", "text or json")
	flag.Int64Var(&opts.memLimit, "memory-limit", -1, "tensor memory limit in bytes, 0 for unlimited")
	flag.BoolVar(&opts.progress, "progress", false, "draw a progress bar on stdout")
	flag.BoolVar(&opts.summary, "summary", true, "print the model architecture before training")
	flag.Parse()

	cfg, err := loadConfig(opts)
	if err != nil {
		log.Fatalf("configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, os.Stdout, os.Stderr); err != nil {
		log.Fatal(err)
	}
}

// loadConfig layers the config file and then the flags over the defaults.
func loadConfig(opts options) (config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return cfg, err
		}
	}

	if opts.images != "" {
		cfg.Data.ImageDir = opts.images
	}
	if opts.dense != "" {
		cfg.Data.DenseDir = opts.dense
	}
	if opts.out != "" {
		cfg.Checkpoint.Dest = config.DestLocal
		cfg.Checkpoint.Dir = opts.out
	}
	if opts.iterations > 0 {
		cfg.Iterations = opts.iterations
	}
	if opts.p > 0 {
		cfg.Sampler.P = opts.p
	}
	if opts.k > 0 {
		cfg.Sampler.K = opts.k
	}
	switch opts.margin {
	case "":
	case "soft":
		cfg.Margin = nil
	default:
		m, err := strconv.ParseFloat(opts.margin, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid -margin %q: %w", opts.margin, err)
		}
		cfg.Margin = &m
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.Log.Format = opts.logFormat
	}
	if opts.memLimit >= 0 {
		cfg.MemoryLimitBytes = opts.memLimit
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	if cfg.Data.ImageDir == "" || cfg.Data.DenseDir == "" {
		return cfg, errors.New("both data.image_dir and data.dense_dir are required")
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig, w io.Writer) *training.Logger {
	level := training.ParseLevel(cfg.Level)
	if cfg.Format == "json" {
		return training.NewJSONLogger(w, level)
	}
	return training.NewTextLogger(w, level)
}

// openStore returns the checkpoint destination. Local results directories
// are created if absent.
func openStore(ctx context.Context, cfg config.CheckpointConfig) (blobstore.Store, error) {
	switch cfg.Dest {
	case config.DestS3:
		s3opts := []s3.Option{s3.WithPrefix(cfg.Prefix)}
		if cfg.Region != "" {
			s3opts = append(s3opts, s3.WithRegion(cfg.Region))
		}
		return s3.New(ctx, cfg.Bucket, s3opts...)
	case config.DestMinio:
		return minio.Dial(ctx, cfg.Endpoint, cfg.AccessKey, cfg.SecretKey, cfg.Bucket, cfg.Prefix, cfg.Secure)
	default:
		return blobstore.NewLocalStore(cfg.Dir)
	}
}

func run(ctx context.Context, cfg config.Config, opts options, stdout, stderr io.Writer) error {
	logger := newLogger(cfg.Log, stderr)
	layers.SetRandomSeed(cfg.Seed)

	// Data: two trees, decoded through the cache, materialized in parallel
	// and prefetched in the background.
	ds, err := dataset.NewReIDFolderDataset(cfg.Data.ImageDir, cfg.Data.DenseDir, cfg.Data.Extensions)
	if err != nil {
		return fmt.Errorf("failed to open dataset: %w", err)
	}
	junk, missing := ds.Skipped()
	logger.Info("dataset loaded",
		"samples", ds.Len(),
		"identities", ds.NumIdentities(),
		"junk_skipped", junk,
		"missing_dense_maps", missing)

	var index training.IdentityIndex = ds
	if cfg.Data.MaxIdentities > 0 {
		if index, err = training.NewIdentitySubset(ds, cfg.Data.MaxIdentities); err != nil {
			return err
		}
		logger.Info("training on an identity subset", "identities", index.NumIdentities())
	}

	cached, err := dataloader.NewCachedDataset(ds, dataloader.Config{
		Height:           cfg.Data.Height,
		Width:            cfg.Data.Width,
		MaxCacheSize:     cfg.Data.CacheSize,
		FlipProbability:  cfg.Data.FlipProbability,
		Seed:             cfg.Seed,
		IOBytesPerSecond: cfg.Data.IOBytesPerSecond,
	})
	if err != nil {
		return err
	}

	// The trainer and the prefetch queue reserve from separate budgets.
	// Workers block on theirs while the trainer must never wait behind them.
	mem, err := memory.NewMemoryManager(memory.Config{LimitBytes: cfg.MemoryLimitBytes})
	if err != nil {
		return err
	}
	queueMem, err := memory.NewMemoryManager(memory.Config{LimitBytes: cfg.Data.PrefetchMemoryBytes})
	if err != nil {
		return err
	}

	sampler, err := training.NewBatchSampler(index, cfg.Sampler.P, cfg.Sampler.K, rand.New(rand.NewSource(cfg.Seed)))
	if err != nil {
		return err
	}
	loader, err := async.NewAsyncDataLoader(
		training.NewBatchSequence(sampler, logger),
		dataloader.NewParallelMaterializer(cached, cfg.Data.LoadWorkers),
		async.AsyncDataLoaderConfig{
			PrefetchDepth: cfg.Data.PrefetchDepth,
			Workers:       cfg.Data.PrefetchWorkers,
			MemoryManager: queueMem,
			Logger:        logger,
		})
	if err != nil {
		return err
	}

	// Model and the five optimizers.
	classes := training.ClassifierWidth(cfg.IDTargets, cfg.Sampler.P, index.NumIdentities())
	model, err := training.NewModel(cfg.Model, classes)
	if err != nil {
		return err
	}
	if opts.summary {
		training.PrintArchitecture(stdout, model)
	}
	optimizerConfigs, err := cfg.OptimizerConfigs()
	if err != nil {
		return err
	}
	optims, err := training.NewOptimizerSet(model, optimizerConfigs, logger)
	if err != nil {
		return err
	}

	// Checkpoints.
	store, err := openStore(ctx, cfg.Checkpoint)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	format, err := checkpoints.ParseFormat(cfg.Checkpoint.Format)
	if err != nil {
		return err
	}
	compression, err := checkpoints.ParseCompression(cfg.Checkpoint.Compression)
	if err != nil {
		return err
	}
	saver, err := checkpoints.NewSaver(store,
		checkpoints.WithFormat(format),
		checkpoints.WithCompression(compression),
		checkpoints.WithLogger(logger))
	if err != nil {
		return err
	}

	history := training.NewVisualizationCollector("go-reid")
	trainerOpts := []training.TrainerOption{
		training.WithMemoryBudget(mem),
		training.WithVisualization(history),
	}
	if opts.progress {
		trainerOpts = append(trainerOpts, training.WithProgress(training.NewProgressBar(stdout, "train", cfg.Iterations)))
	}
	trainer, err := training.NewTrainer(cfg.Training(), model, optims, loader, saver, logger, trainerOpts...)
	if err != nil {
		return err
	}

	if err := loader.Start(ctx); err != nil {
		return err
	}
	summary, runErr := trainer.Run(ctx)
	if err := loader.Stop(); err != nil {
		logger.Warn("data loader stopped with error", "error", err)
	}
	logger.Info("resources",
		"memory", mem.Stats().String(),
		"prefetch_memory", queueMem.Stats().String(),
		"cache", cached.Stats().String(),
		"batches_produced", loader.Stats().BatchesProduced,
		"passes", loader.Stats().Passes)
	if runErr != nil {
		return runErr
	}

	var buf bytes.Buffer
	if err := history.WriteJSON(&buf); err != nil {
		return err
	}
	if err := store.Put(context.WithoutCancel(ctx), historyBlob, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write %s: %w", historyBlob, err)
	}

	fmt.Fprintf(stdout, "trained %d iterations in %s (loss %.4f, cancelled=%v)\n",
		summary.Iterations, summary.Elapsed.Round(1e6), summary.LossAverage, summary.Cancelled)
	return nil
}
