// Package casegraph extracts typed argument graphs from documents and
// maintains versioned thematic hierarchies over their passages.
package casegraph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/casegraph/casegraph/cluster"
	"github.com/casegraph/casegraph/extract"
	"github.com/casegraph/casegraph/hierarchy"
	"github.com/casegraph/casegraph/integrate"
	"github.com/casegraph/casegraph/llm"
	"github.com/casegraph/casegraph/locks"
	"github.com/casegraph/casegraph/store"
)

const (
	// jobHeartbeat is how often a running pipeline bumps its job record.
	jobHeartbeat = 30 * time.Second

	// followUpDelay spaces a rebuild scheduled because content arrived
	// while a build held the lock.
	followUpDelay = 2 * time.Second

	// maxFollowUpBuilds bounds back-to-back rebuilds from one call.
	maxFollowUpBuilds = 3
)

// Job kinds recorded per pipeline run.
const (
	JobExtraction  = "extraction"
	JobIntegration = "integration"
	JobClustering  = "clustering"
	JobHierarchy   = "hierarchy"
)

// Engine is the top-level entry point. All pipeline methods return a
// structured result or an error; partial LLM failures degrade inside the
// pipelines instead of propagating.
type Engine struct {
	cfg   Config
	store *store.Store
	tiers llm.Tiers
	embed llm.Embedder

	extractor  *extract.Engine
	integrator *integrate.Engine
	clusterer  *cluster.Engine
	builder    *hierarchy.Engine

	locker locks.Locker
	rdb    *redis.Client
}

// NewEngine wires the storage layer, model providers, and pipelines from
// one config.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.EmbeddingDim <= 0 {
		return nil, fmt.Errorf("%w: embedding_dim must be positive", ErrInvalidConfig)
	}

	st, err := store.New(cfg.resolveDBPath(), cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	extraction, err := llm.NewProvider(llmConfig(cfg.Extraction, 0))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("%w: extraction tier: %v", ErrInvalidConfig, err)
	}
	fast, err := llm.NewProvider(llmConfig(cfg.Fast, 0))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("%w: fast tier: %v", ErrInvalidConfig, err)
	}
	embedder, err := llm.NewEmbedder(llmConfig(cfg.Embedding, cfg.EmbeddingDim))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("%w: embedding: %v", ErrInvalidConfig, err)
	}

	e := &Engine{
		cfg:   cfg,
		store: st,
		tiers: llm.Tiers{Fast: fast, Extraction: extraction},
		embed: embedder,
	}

	if cfg.RedisAddr != "" {
		e.rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		e.locker = locks.NewRedisLocker(e.rdb, "")
	} else {
		e.locker = locks.NewMemoryLocker()
	}

	e.extractor = extract.NewEngine(st, extraction, fast, embedder,
		extract.WithDedupeThreshold(cfg.DedupeThreshold),
		extract.WithSectionConcurrency(cfg.SectionConcurrency))
	e.integrator = integrate.NewEngine(st, extraction,
		integrate.WithContextCap(cfg.ContextCap),
		integrate.WithSearchWorkers(cfg.SearchWorkers))
	e.clusterer = cluster.NewEngine(st, fast,
		cluster.WithMinClusterSize(cfg.MinClusterSize),
		cluster.WithSimilarityThreshold(cfg.SimilarityThreshold),
		cluster.WithResolution(cfg.Resolution))
	e.builder = hierarchy.NewEngine(st, fast, embedder)

	return e, nil
}

func llmConfig(c LLMConfig, embeddingDim int) llm.Config {
	return llm.Config{
		Provider:      c.Provider,
		Model:         c.Model,
		BaseURL:       c.BaseURL,
		APIKey:        c.APIKey,
		ContextWindow: c.ContextWindow,
		EmbeddingDim:  embeddingDim,
	}
}

// Store exposes the persistence layer for direct queries.
func (e *Engine) Store() *store.Store { return e.store }

// Embedder exposes the embedding provider, used by ingest tooling that
// chunks and embeds passages before handing them to the engine.
func (e *Engine) Embedder() llm.Embedder { return e.embed }

// Close releases the database and any redis connection.
func (e *Engine) Close() error {
	if e.rdb != nil {
		if err := e.rdb.Close(); err != nil {
			slog.Warn("closing redis", "error", err)
		}
	}
	return e.store.Close()
}

// ExtractDocument runs the extraction pipeline for one document under a
// tracked job record.
func (e *Engine) ExtractDocument(ctx context.Context, in extract.Input) (*extract.Result, error) {
	var res *extract.Result
	err := e.runJob(ctx, in.ProjectID, JobExtraction, func(ctx context.Context) error {
		var err error
		res, err = e.extractor.Extract(ctx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.markDirty(ctx, in.ProjectID)
	return res, nil
}

// Integrate relates newly created nodes to the existing graph.
func (e *Engine) Integrate(ctx context.Context, projectID, caseID string, newNodeIDs []string) (*integrate.Result, error) {
	var res *integrate.Result
	err := e.runJob(ctx, projectID, JobIntegration, func(ctx context.Context) error {
		var err error
		res, err = e.integrator.Integrate(ctx, projectID, caseID, newNodeIDs)
		return err
	})
	return res, err
}

// ClusterNodes groups the project's argument nodes into labelled clusters.
func (e *Engine) ClusterNodes(ctx context.Context, projectID string) (*cluster.Result, error) {
	var res *cluster.Result
	err := e.runJob(ctx, projectID, JobClustering, func(ctx context.Context) error {
		var err error
		res, err = e.clusterer.Cluster(ctx, projectID)
		return err
	})
	return res, err
}

// IngestPassages stores pre-chunked, pre-embedded passages and flags the
// project for a hierarchy rebuild.
func (e *Engine) IngestPassages(ctx context.Context, passages []store.Passage) ([]int64, error) {
	ids, err := e.store.InsertPassages(ctx, passages)
	if err != nil {
		return nil, err
	}
	if len(passages) > 0 {
		e.markDirty(ctx, passages[0].ProjectID)
	}
	return ids, nil
}

// BuildHierarchy builds a new hierarchy snapshot under a per-project TTL
// lock. A concurrent call while the lock is held marks the project dirty
// and returns ErrBuildInProgress; the holder reruns the build for dirty
// projects before releasing, so rapid triggers collapse into one rebuild
// chain instead of being dropped.
func (e *Engine) BuildHierarchy(ctx context.Context, projectID string) (*hierarchy.Result, error) {
	ttl := time.Duration(e.cfg.BuildLockTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	lock, ok, err := e.locker.TryAcquire(ctx, "hierarchy:"+projectID, ttl)
	if err != nil {
		return nil, fmt.Errorf("acquiring build lock: %w", err)
	}
	if !ok {
		e.markDirty(ctx, projectID)
		return nil, ErrBuildInProgress
	}
	defer func() {
		if rerr := e.locker.Release(context.WithoutCancel(ctx), lock); rerr != nil {
			slog.Warn("releasing build lock", "project_id", projectID, "error", rerr)
		}
	}()

	e.clearDirty(ctx, projectID)

	var res *hierarchy.Result
	for attempt := 0; ; attempt++ {
		err = e.runJob(ctx, projectID, JobHierarchy, func(ctx context.Context) error {
			var err error
			res, err = e.builder.Build(ctx, projectID)
			return err
		})
		if err != nil {
			return nil, err
		}
		if !e.clearDirty(ctx, projectID) || attempt >= maxFollowUpBuilds {
			return res, nil
		}
		slog.Info("content arrived during build, scheduling follow-up",
			"project_id", projectID, "attempt", attempt+1)
		select {
		case <-time.After(followUpDelay):
		case <-ctx.Done():
			return res, nil
		}
	}
}

// HierarchyDiff compares two snapshot versions. Version 0 selects the
// project's current snapshot.
func (e *Engine) HierarchyDiff(ctx context.Context, projectID string, oldVersion, newVersion int) (*hierarchy.DiffResult, error) {
	oldH, err := e.hierarchyAt(ctx, projectID, oldVersion)
	if err != nil {
		return nil, err
	}
	newH, err := e.hierarchyAt(ctx, projectID, newVersion)
	if err != nil {
		return nil, err
	}
	return hierarchy.Diff(oldH, newH)
}

func (e *Engine) hierarchyAt(ctx context.Context, projectID string, version int) (*store.ClusterHierarchy, error) {
	var h *store.ClusterHierarchy
	var err error
	if version <= 0 {
		h, err = e.store.CurrentHierarchy(ctx, projectID)
	} else {
		h, err = e.store.GetHierarchyVersion(ctx, projectID, version)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: project %s version %d", ErrHierarchyNotFound, projectID, version)
	}
	return h, nil
}

// Stats aggregates graph health counters for a project.
func (e *Engine) Stats(ctx context.Context, projectID string) (*store.GraphStats, error) {
	return e.store.Stats(ctx, projectID)
}

// SweepStaleJobs fails jobs with no heartbeat inside the configured window.
func (e *Engine) SweepStaleJobs(ctx context.Context) (int, error) {
	maxAge := time.Duration(e.cfg.StaleJobSeconds) * time.Second
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	return e.store.SweepStaleJobs(ctx, maxAge)
}

// runJob wraps a pipeline run with a job record and periodic heartbeats.
// Failures of the tracking itself are logged, never fatal to the pipeline.
func (e *Engine) runJob(ctx context.Context, projectID, kind string, fn func(context.Context) error) error {
	jobID, err := e.store.CreateJob(ctx, projectID, kind)
	if err != nil {
		slog.Warn("creating job record failed, running untracked",
			"project_id", projectID, "kind", kind, "error", err)
		jobID = ""
	}

	stop := make(chan struct{})
	if jobID != "" {
		go func() {
			t := time.NewTicker(jobHeartbeat)
			defer t.Stop()
			for {
				select {
				case <-stop:
					return
				case <-t.C:
					if err := e.store.HeartbeatJob(context.WithoutCancel(ctx), jobID); err != nil {
						slog.Warn("job heartbeat failed", "job_id", jobID, "error", err)
					}
				}
			}
		}()
	}

	runErr := fn(ctx)
	close(stop)

	if jobID != "" {
		bg := context.WithoutCancel(ctx)
		if runErr != nil {
			if err := e.store.FailJob(bg, jobID, runErr.Error()); err != nil {
				slog.Warn("marking job failed", "job_id", jobID, "error", err)
			}
		} else if err := e.store.CompleteJob(bg, jobID); err != nil {
			slog.Warn("marking job completed", "job_id", jobID, "error", err)
		}
	}
	return runErr
}

// The dirty flag lives in the locker so that with the redis locker every
// process sharing the lock also shares the flag; a loser marking a project
// dirty is seen by whichever process holds the build lock.
func (e *Engine) markDirty(ctx context.Context, projectID string) {
	if err := e.locker.SetFlag(ctx, "dirty:"+projectID); err != nil {
		slog.Warn("marking project dirty failed", "project_id", projectID, "error", err)
	}
}

// clearDirty reports whether the project was dirty and resets the flag.
func (e *Engine) clearDirty(ctx context.Context, projectID string) bool {
	was, err := e.locker.TakeFlag(ctx, "dirty:"+projectID)
	if err != nil {
		slog.Warn("reading dirty flag failed", "project_id", projectID, "error", err)
		return false
	}
	return was
}
