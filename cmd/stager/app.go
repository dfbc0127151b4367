package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/kalambet/stager/internal/batch"
	"github.com/kalambet/stager/internal/config"
	"github.com/kalambet/stager/internal/engine"
	"github.com/kalambet/stager/internal/events"
	"github.com/kalambet/stager/internal/extract"
	"github.com/kalambet/stager/internal/imageimport"
	"github.com/kalambet/stager/internal/images"
	"github.com/kalambet/stager/internal/intake"
	"github.com/kalambet/stager/internal/lock"
	"github.com/kalambet/stager/internal/reconcile"
	"github.com/kalambet/stager/internal/records"
	"github.com/kalambet/stager/internal/scheduler"
	"github.com/kalambet/stager/internal/similarity"
	"github.com/kalambet/stager/internal/storage"
)

// app holds the wired components shared by serve, mcp and advance.
type app struct {
	store     *storage.Store
	registry  *batch.Registry
	schemas   *records.Registry
	index     *similarity.Index
	machine   *engine.Machine
	intake    *intake.Service
	scheduler *scheduler.Scheduler

	closers []func()
}

func newApp(ctx context.Context, cfg config.Config) (a *app, err error) {
	a = &app{
		registry: batch.NewRegistry(nil),
		schemas:  records.DefaultRegistry(),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.store, err = storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a.closers = append(a.closers, func() {
		if err := a.store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	})

	a.index = similarity.New(a.store.DB(),
		similarity.WithMaxDistance(cfg.Similarity.MaxDistance),
		similarity.WithMaxMatches(cfg.Similarity.MaxMatches),
	)

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	extractor := extract.New(filepath.Join(cfg.Storage.DataDir, "extract"), cfg.Images.ExtensionList())
	recordPipeline := reconcile.New(a.store, a.schemas, a.index)
	imagePipeline := imageimport.New(a.store, extractor, blobs, a.index,
		imageimport.WithMinDimension(cfg.Images.MinDimension),
	)

	opts := []engine.Option{engine.WithConcurrency(cfg.Scheduler.Concurrency)}

	if cfg.Redis.Addr != "" {
		locker, err := lock.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.LockTTLDuration())
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		a.closers = append(a.closers, func() { locker.Close() })
		opts = append(opts, engine.WithLocker(locker))
		slog.Info("using redis batch locks", "addr", cfg.Redis.Addr)
	}

	if brokers := cfg.Kafka.BrokerList(); len(brokers) > 0 {
		publisher, err := events.NewKafka(brokers, cfg.Kafka.Topic)
		if err != nil {
			return nil, fmt.Errorf("connecting to kafka: %w", err)
		}
		a.closers = append(a.closers, func() { publisher.Close() })
		opts = append(opts, engine.WithPublisher(publisher))
		slog.Info("publishing batch events", "topic", cfg.Kafka.Topic)
	}

	a.machine, err = engine.New(a.store, a.registry, map[batch.Kind]engine.Actions{
		batch.KindRecord: recordPipeline.Actions(),
		batch.KindImage:  imagePipeline.Actions(),
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("building state machine: %w", err)
	}
	a.closers = append(a.closers, a.machine.Close)

	a.intake = intake.New(a.store, a.schemas, filepath.Join(cfg.Storage.DataDir, "uploads"))
	a.scheduler = scheduler.New(a.machine, a.index, a.schemas.Types(), cfg.Scheduler.IntervalDuration(), slog.Default())

	return a, nil
}

func newBlobStore(ctx context.Context, cfg config.Config) (images.BlobStore, error) {
	if cfg.ObjectStore.Endpoint == "" {
		return images.NewLocalStore(filepath.Join(cfg.Storage.DataDir, "blobs")), nil
	}
	oc := cfg.ObjectStore
	store, err := images.NewMinioStore(ctx, oc.Endpoint, oc.Bucket, oc.AccessKey, oc.SecretKey, oc.UseSSL)
	if err != nil {
		return nil, fmt.Errorf("connecting to object store: %w", err)
	}
	slog.Info("storing images in object store", "endpoint", oc.Endpoint, "bucket", oc.Bucket)
	return store, nil
}

// Close releases everything newApp opened, in reverse order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
