package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/internal/checkpoint"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/internal/export"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/internal/publish"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/internal/source"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/internal/vocabulary"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/tracing"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to config file")
	testUnits := flag.Int("test", 0, "process only the first N source units")
	resume := flag.Bool("resume", false, "resume from the checkpoint in the checkpoint directory")
	minScore := flag.Float64("min-score", -1, "minimum concept score (inclusive), overrides run.minScore")
	workers := flag.Int("workers", 0, "number of source units processed concurrently, overrides run.workers")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return apperrors.ExitConfig
	}
	if *testUnits > 0 {
		cfg.Run.MaxUnits = *testUnits
	}
	if *resume {
		cfg.Run.Resume = true
	}
	if *minScore >= 0 {
		cfg.Run.MinScore = *minScore
	}
	if *workers > 0 {
		cfg.Run.Workers = *workers
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		return apperrors.ExitCode(err)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithRunID(ctx, uuid.NewString())
	log := logger.FromContext(ctx)

	ctx, root := tracing.Start(ctx, "run")
	defer func() {
		root.End()
		root.Log(log)
	}()

	log.Info("starting co-occurrence build",
		"works_dir", cfg.Source.WorksDir,
		"output_dir", cfg.Export.Dir,
		"min_score", cfg.Run.MinScore,
		"workers", cfg.Run.Workers,
		"resume", cfg.Run.Resume,
		"max_units", cfg.Run.MaxUnits,
	)

	_, vspan := tracing.Start(ctx, "vocabulary")
	vocab, stats, err := vocabulary.LoadFiles(cfg.Vocabulary.StrataPath, cfg.Vocabulary.ConceptMapPath)
	vspan.End()
	if err != nil {
		log.Error("loading vocabulary failed", "error", err)
		return apperrors.ExitCode(err)
	}
	vspan.SetAttr("concepts", vocab.Len())
	vspan.SetAttr("unmapped", len(stats.Unmapped))

	src, err := source.NewDirectory(cfg.Source.WorksDir, cfg.Source.Pattern, cfg.Source.MaxLineBytes)
	if err != nil {
		log.Error("opening record source failed", "error", err)
		return apperrors.ExitCode(err)
	}

	m := metrics.New(nil)
	ckpt, err := checkpoint.NewManager(checkpoint.Options{
		Dir:              cfg.Checkpoint.Dir,
		Every:            cfg.Checkpoint.Every,
		VerifyVocabulary: cfg.Checkpoint.VerifyVocabulary,
		Metrics:          m,
	})
	if err != nil {
		log.Error("preparing checkpoint directory failed", "error", err)
		return apperrors.ExitCode(err)
	}

	engine := pipeline.NewEngine(src, vocab, ckpt, export.New(cfg.Export), m, pipeline.Options{
		MinScore:      cfg.Run.MinScore,
		Workers:       cfg.Run.Workers,
		MaxUnits:      cfg.Run.MaxUnits,
		Resume:        cfg.Run.Resume,
		ProgressEvery: cfg.Run.ProgressEvery,
		TopK:          cfg.Export.TopK,
	})

	checker := health.NewChecker()
	checker.Register("checkpoint_dir", health.WritableDirCheck(cfg.Checkpoint.Dir))
	sinks := connectSinks(ctx, cfg, checker)
	defer sinks.Close()
	if sinks.progress != nil {
		engine.SetProgressReporter(sinks.progress)
	}

	if cfg.Metrics.Enabled {
		shutdown := metrics.StartServer(cfg.Metrics.Port, map[string]http.Handler{
			"/healthz": checker.Handler(),
		})
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdown(shutdownCtx)
		}()
	}

	actx, aspan := tracing.Start(ctx, "accumulate")
	summary, err := engine.Run(actx)
	aspan.End()
	if err != nil {
		if errors.Is(err, apperrors.ErrInterrupted) {
			log.Info("exiting after interrupt", "checkpoint_dir", cfg.Checkpoint.Dir)
		} else {
			log.Error("run failed", "error", err)
		}
		return apperrors.ExitCode(err)
	}
	summary.Log(ctx, vocab)

	if pub := sinks.publisher(); pub != nil {
		pctx, pspan := tracing.Start(ctx, "publish")
		failures := pub.Publish(pctx, publish.NewReport(summary))
		pspan.SetAttr("failed_sinks", len(failures))
		pspan.End()
	}

	log.Info("done",
		"matrix", summary.Export.MatrixPath,
		"index", summary.Export.IndexPath,
		"elapsed", summary.Elapsed.Round(time.Second).String(),
	)
	return apperrors.ExitOK
}
