package main

import (
	"context"
	"io"
	"time"

	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/internal/publish"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/objectstore"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/concept-cooccurrence/pkg/resilience"
)

var sinkRetry = resilience.RetryConfig{
	MaxAttempts:  4,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     10 * time.Second,
}

type sinkSet struct {
	sinks    []publish.Sink
	progress *publish.RedisProgress
	closers  []io.Closer
}

func (s *sinkSet) publisher() *publish.Publisher {
	if len(s.sinks) == 0 {
		return nil
	}
	return publish.New(sinkRetry, s.sinks...)
}

func (s *sinkSet) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i].Close()
	}
}

// connectSinks opens the enabled publication sinks. A sink that cannot be
// reached is logged and left out; the run itself does not depend on it.
func connectSinks(ctx context.Context, cfg *config.Config, checker *health.Checker) *sinkSet {
	log := logger.FromContext(ctx).With("component", "sinks")
	set := &sinkSet{}

	if cfg.ObjectStore.Enabled {
		store, err := objectstore.New(ctx, cfg.ObjectStore)
		if err != nil {
			log.Warn("object store unavailable, artifacts will not be uploaded", "error", err)
		} else {
			set.sinks = append(set.sinks, publish.NewArtifactUploader(store))
			log.Info("artifact upload enabled", "bucket", store.Bucket())
		}
	}

	if cfg.Postgres.Enabled {
		client, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			log.Warn("postgres unavailable, run will not be recorded", "error", err)
		} else {
			set.sinks = append(set.sinks, publish.NewRunStore(client))
			set.closers = append(set.closers, client)
			checker.RegisterOptional("postgres", health.PingCheck(client))
		}
	}

	if cfg.Redis.Enabled {
		client, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			log.Warn("redis unavailable, progress will not be mirrored", "error", err)
		} else {
			set.progress = publish.NewRedisProgress(client, cfg.Redis.KeyPrefix, cfg.Redis.ProgressTTL)
			set.sinks = append(set.sinks, set.progress)
			set.closers = append(set.closers, client)
			checker.RegisterOptional("redis", health.PingCheck(client))
		}
	}

	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.MatrixExported)
		set.sinks = append(set.sinks, publish.NewKafkaNotifier(producer))
		set.closers = append(set.closers, producer)
	}
	return set
}
