// Package service ties the pieces together: it polls the intake
// source, admits files through the rate limiter, processes them
// locally or through the delegate endpoint, and persists results.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/datalith/tabular-ingest/internal/breaker"
	"github.com/datalith/tabular-ingest/internal/catalog"
	"github.com/datalith/tabular-ingest/internal/checkpoint"
	"github.com/datalith/tabular-ingest/internal/config"
	"github.com/datalith/tabular-ingest/internal/delegate"
	"github.com/datalith/tabular-ingest/internal/ingest"
	"github.com/datalith/tabular-ingest/internal/intake"
	"github.com/datalith/tabular-ingest/internal/logging"
	"github.com/datalith/tabular-ingest/internal/metrics"
	"github.com/datalith/tabular-ingest/internal/ratelimit"
	"github.com/datalith/tabular-ingest/internal/storage"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// defaultCallerKey is used for uploads dropped at the intake root,
// outside any per-caller directory.
const defaultCallerKey = "default"

// remoteProcessor is the delegate client surface the service needs.
type remoteProcessor interface {
	Process(ctx context.Context, req delegate.Request) (*ingest.ProcessingResult, error)
}

// Service runs the ingestion loop.
type Service struct {
	cfg       config.Config
	src       intake.Source
	store     storage.ResultStore
	cat       catalog.Writer
	cp        checkpoint.Manager
	limiter   ratelimit.Limiter
	breakers  *breaker.Registry
	processor *ingest.Processor
	remote    remoteProcessor
	log       *slog.Logger
	newRunID  func(key, checksum string) string
	now       func() time.Time
}

// Deps carries the service's wired dependencies.
type Deps struct {
	Source     intake.Source
	Store      storage.ResultStore
	Catalog    catalog.Writer
	Checkpoint checkpoint.Manager
	Limiter    ratelimit.Limiter
	Remote     remoteProcessor
}

// New assembles the service.
func New(cfg config.Config, deps Deps) *Service {
	return &Service{
		cfg:       cfg,
		src:       deps.Source,
		store:     deps.Store,
		cat:       deps.Catalog,
		cp:        deps.Checkpoint,
		limiter:   deps.Limiter,
		breakers: breaker.NewRegistry(breaker.Config{
			FailureThreshold:  cfg.Breaker.FailureThreshold,
			RecoveryTimeout:   cfg.Breaker.RecoveryTimeout(),
			HalfOpenSuccesses: cfg.Breaker.HalfOpenSuccesses,
		}),
		processor: ingest.NewProcessor(cfg.Pipeline),
		remote:    deps.Remote,
		log:       logging.Component("service"),
		newRunID:  deriveRunID,
		now:       time.Now,
	}
}

// Run polls the intake source until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info("service started",
		"version", Version,
		"workers", s.cfg.Service.Workers,
		"poll_interval", s.cfg.Service.PollInterval().String(),
	)

	ticker := time.NewTicker(s.cfg.Service.PollInterval())
	defer ticker.Stop()

	for {
		if err := s.runCycle(ctx); err != nil {
			s.log.Error("poll cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			s.log.Info("service stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// runCycle lists pending files and fans them out to workers.
func (s *Service) runCycle(ctx context.Context) error {
	files, err := s.src.List(ctx)
	if err != nil {
		return fmt.Errorf("list intake: %w", err)
	}
	if len(files) == 0 {
		return nil
	}

	s.log.Debug("poll cycle", "pending", len(files))

	workers := s.cfg.Service.Workers
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan intake.File)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			log := logging.WorkerLogger(workerID)
			for f := range jobs {
				if err := s.handleFile(ctx, f); err != nil {
					log.Error("file handling failed", "file", f.Key, "error", err)
				}
			}
		}(i)
	}

	for _, f := range files {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return ctx.Err()
		case jobs <- f:
		}
	}
	close(jobs)
	wg.Wait()
	return nil
}

// handleFile runs one upload through admission, processing, storage
// and bookkeeping. A rate-limited file is left in place for a later
// cycle; anything else is removed from intake when done.
func (s *Service) handleFile(ctx context.Context, f intake.File) error {
	start := s.now()
	correlationID := logging.GenerateCorrelationID()
	callerKey := callerKeyFor(f.Key)
	log := logging.RequestLogger(correlationID, callerKey, f.Key)

	data, err := s.src.Read(ctx, f.Key)
	if err != nil {
		return fmt.Errorf("read upload: %w", err)
	}
	checksum := storage.ComputeChecksum(data)

	seen, err := s.cp.Seen(ctx, f.Key, checksum)
	if err != nil {
		return fmt.Errorf("checkpoint lookup: %w", err)
	}
	if seen {
		log.Info("skipping already processed file")
		return s.src.Remove(ctx, f.Key)
	}

	decision, err := s.limiter.Check(ctx, callerKey)
	if err != nil {
		return fmt.Errorf("admission check: %w", err)
	}
	if !decision.Allowed {
		log.Info("rate limited, leaving file for next cycle",
			"retry_after", decision.ResetTime.Sub(s.now()).Round(time.Millisecond).String())
		return nil
	}

	kind := kindFor(f.Key)
	result, delegated, procErr := s.process(ctx, log, f, kind, callerKey, data)
	if procErr != nil {
		log.Error("processing failed", "error", procErr)
		if m := metrics.Get(); m != nil {
			m.IncFilesProcessed(string(kind), "rejected")
		}
		// A structurally broken file will never succeed; mark it so it
		// is not retried forever, and drop it from intake.
		if markErr := s.mark(ctx, f.Key, checksum, ""); markErr != nil {
			return markErr
		}
		return s.src.Remove(ctx, f.Key)
	}

	runID := s.newRunID(f.Key, checksum)
	ref := storage.ResultRef{
		CallerKey: callerKey,
		FileName:  path.Base(f.Key),
		RunID:     runID,
		Date:      s.now().UTC().Format("2006-01-02"),
	}

	// The run ID is derived from the upload, so a replay after a crash
	// between the store write and the checkpoint mark lands on the same
	// result directory. Skip the write when it is already there.
	exists, err := s.store.Exists(ctx, ref)
	if err != nil {
		return fmt.Errorf("check stored result: %w", err)
	}
	if exists {
		log.Info("result already stored, skipping write", "run_id", runID)
	} else if err := s.store.WriteResult(ctx, ref, result); err != nil {
		if m := metrics.Get(); m != nil {
			m.IncStorageErrors(s.cfg.Storage.Backend)
		}
		return fmt.Errorf("store result: %w", err)
	}

	s.record(ctx, log, ref, f, kind, checksum, result, delegated, s.now().Sub(start))

	if err := s.mark(ctx, f.Key, checksum, runID); err != nil {
		return err
	}
	if err := s.src.Remove(ctx, f.Key); err != nil {
		return fmt.Errorf("remove upload: %w", err)
	}

	log.Info("file processed",
		"run_id", runID,
		"rows", result.RowCount,
		"errors", result.ErrorCount,
		"delegated", delegated,
		"duration_ms", s.now().Sub(start).Milliseconds(),
	)
	if m := metrics.Get(); m != nil {
		m.IncFilesProcessed(string(kind), "ok")
	}
	return nil
}

// process picks local or delegated processing. Files at or above the
// delegate threshold go to the remote endpoint under its breaker; when
// the breaker is open or the call fails, the file is processed locally
// instead.
func (s *Service) process(ctx context.Context, log *slog.Logger, f intake.File, kind ingest.Kind, callerKey string, data []byte) (*ingest.ProcessingResult, bool, error) {
	useDelegate := s.cfg.Delegate.Enabled &&
		s.remote != nil &&
		int64(len(data)) >= s.cfg.Delegate.ThresholdBytes

	if useDelegate {
		var result *ingest.ProcessingResult
		err := s.breakers.Execute("delegate", func() error {
			callCtx, cancel := context.WithTimeout(ctx, s.cfg.Delegate.Timeout())
			defer cancel()

			var callErr error
			result, callErr = s.remote.Process(callCtx, delegate.Request{
				FileName:  path.Base(f.Key),
				Kind:      kind,
				CallerKey: callerKey,
				Payload:   data,
			})
			return callErr
		})
		if err == nil {
			return result, true, nil
		}
		if errors.Is(err, breaker.ErrCircuitOpen) {
			log.Warn("delegate circuit open, processing locally")
		} else {
			log.Warn("delegate call failed, processing locally", "error", err)
		}
	}

	result, err := s.processor.Process(data, kind)
	return result, false, err
}

// record writes run lineage; catalog trouble is logged and swallowed
// so the processing outcome never depends on the catalog.
func (s *Service) record(ctx context.Context, log *slog.Logger, ref storage.ResultRef, f intake.File, kind ingest.Kind, checksum string, result *ingest.ProcessingResult, delegated bool, took time.Duration) {
	err := s.cat.RecordRun(ctx, catalog.Run{
		RunID:        ref.RunID,
		CallerKey:    ref.CallerKey,
		FileName:     ref.FileName,
		Kind:         string(kind),
		RowCount:     result.RowCount,
		SuccessCount: result.SuccessCount,
		ErrorCount:   result.ErrorCount,
		Checksum:     checksum,
		StoragePath:  s.store.URI(ref.DirPath(s.cfg.Storage.Prefix)),
		Delegated:    delegated,
		DurationMs:   took.Milliseconds(),
		CompletedAt:  s.now().UTC(),
	})
	if err != nil {
		log.Warn("catalog record failed", "error", err)
		if m := metrics.Get(); m != nil {
			m.IncCatalogErrors()
		}
	}

	if len(result.RowErrors) == 0 {
		return
	}
	rowErrs := make([]catalog.RowError, len(result.RowErrors))
	for i, re := range result.RowErrors {
		rowErrs[i] = catalog.RowError{RunID: ref.RunID, Line: re.Line, Message: re.Message}
	}
	if err := s.cat.RecordRowErrors(ctx, rowErrs); err != nil {
		log.Warn("catalog row errors failed", "error", err)
		if m := metrics.Get(); m != nil {
			m.IncCatalogErrors()
		}
	}
}

func (s *Service) mark(ctx context.Context, key, checksum, runID string) error {
	if err := s.cp.Mark(ctx, checkpoint.Entry{
		Key:      key,
		Checksum: checksum,
		RunID:    runID,
	}); err != nil {
		return fmt.Errorf("checkpoint mark: %w", err)
	}
	return nil
}

// Breakers exposes breaker snapshots for diagnostics.
func (s *Service) Breakers() map[string]breaker.Snapshot {
	return s.breakers.Snapshots()
}

// deriveRunID maps an upload to a stable run identifier. The same key
// and checksum always yield the same ID, which keeps result paths and
// catalog upserts idempotent across replays.
func deriveRunID(key, checksum string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key+"\x00"+checksum)).String()
}

// callerKeyFor derives the per-caller admission key from the upload
// path: the top directory when present, a shared default otherwise.
func callerKeyFor(key string) string {
	if i := strings.IndexByte(key, '/'); i > 0 {
		return key[:i]
	}
	return defaultCallerKey
}

// kindFor maps a file extension to a declared kind. Unknown
// extensions defer to content detection.
func kindFor(key string) ingest.Kind {
	switch strings.ToLower(path.Ext(strings.TrimSuffix(strings.TrimSuffix(key, ".gz"), ".zst"))) {
	case ".xlsx":
		return ingest.KindXLSX
	case ".csv", ".tsv", ".txt":
		return ingest.KindCSV
	default:
		return ingest.KindUnknown
	}
}
