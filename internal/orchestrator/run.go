package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/manga-aggregator/internal/catalog"
	"github.com/JakeFAU/manga-aggregator/internal/progress"
	"github.com/JakeFAU/manga-aggregator/internal/source"
	"github.com/JakeFAU/manga-aggregator/internal/store"
)

type run struct {
	id      uuid.UUID
	sources []source.Registered
	started time.Time
}

type sourceOutcome struct {
	fetched  int
	merged   int
	chapters int
	err      error
}

func (o *Orchestrator) execute(ctx context.Context, r *run) (Summary, error) {
	defer o.running.Store(false)

	runID := r.id.String()
	logger := o.logger.With(zap.String("run_id", runID))
	ctx, span := o.tracer.Start(ctx, "crawl.run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.Int("run.sources", len(r.sources)),
	))
	defer span.End()

	summary := Summary{RunID: runID, StartedAt: r.started, Sources: make([]SourceSummary, 0, len(r.sources))}
	o.emit(progress.Event{RunID: progress.UUIDToBytes(r.id), TS: r.started, Stage: progress.StageRunStart, Total: len(r.sources)})
	logger.Info("crawl run started", zap.Int("sources", len(r.sources)), zap.String("query", o.cfg.Query))

	set := catalog.NewSet(o.ids)
	canceled := false
	for i, reg := range r.sources {
		if i > 0 {
			_ = o.sleep(ctx, o.cfg.Pause)
		}
		if o.stopRequested(ctx) {
			canceled = true
			break
		}
		start := time.Now()
		out := o.crawlSource(ctx, set, reg, r.id, logger)
		summary.Sources = append(summary.Sources, SourceSummary{
			SourceID: reg.Source.ID,
			Name:     reg.Source.Name,
			Fetched:  out.fetched,
			Merged:   out.merged,
			Chapters: out.chapters,
			Error:    errText(out.err),
			Duration: time.Since(start),
		})
		if o.stopRequested(ctx) {
			canceled = true
			break
		}
	}

	// Sources finished before a cancel are still committed.
	var runErr error
	if counts, err := o.commit(context.WithoutCancel(ctx), set, logger); err != nil {
		runErr = err
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
	} else {
		summary.Entries, summary.Links, summary.Chapters = counts.entries, counts.links, counts.chapters
	}

	o.tracker.Finish(runErr, canceled)
	snap := o.tracker.Snapshot()
	summary.FinishedAt = *snap.FinishedAt
	summary.Canceled = canceled
	stage := progress.StageRunDone
	switch {
	case runErr != nil:
		summary.Status = store.RunError
		summary.Error = runErr.Error()
		stage = progress.StageRunError
	case canceled:
		summary.Status = store.RunCanceled
		summary.Error = ErrCanceled.Error()
		stage = progress.StageRunCanceled
	default:
		summary.Status = store.RunSuccess
	}
	o.emit(progress.Event{
		RunID:    progress.UUIDToBytes(r.id),
		TS:       summary.FinishedAt,
		Stage:    stage,
		Total:    len(r.sources),
		Merged:   summary.Entries,
		Chapters: summary.Chapters,
		Dur:      nonNegative(summary.FinishedAt.Sub(summary.StartedAt)),
		Note:     summary.Error,
	})
	span.SetAttributes(
		attribute.String("run.status", string(summary.Status)),
		attribute.Int("run.entries", summary.Entries),
	)
	logger.Info("crawl run finished",
		zap.String("status", string(summary.Status)),
		zap.Int("entries", summary.Entries),
		zap.Int("links", summary.Links),
		zap.Int("chapters", summary.Chapters),
		zap.Int("failed_sources", summary.FailedSources()),
	)
	o.publish(ctx, summary, logger)

	switch {
	case runErr != nil:
		return summary, runErr
	case canceled:
		return summary, ErrCanceled
	}
	return summary, nil
}

// crawlSource never returns an error: every adapter failure stays inside the
// source's outcome.
func (o *Orchestrator) crawlSource(
	ctx context.Context,
	set *catalog.Set,
	reg source.Registered,
	runID uuid.UUID,
	logger *zap.Logger,
) sourceOutcome {
	src := reg.Source
	logger = logger.With(zap.String("source", src.Name), zap.Int("source_id", src.ID))
	start := time.Now()

	if o.cfg.SourceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.SourceTimeout)
		defer cancel()
	}
	ctx, span := o.tracer.Start(ctx, "crawl.source", trace.WithAttributes(
		attribute.String("source.name", src.Name),
		attribute.Int("source.id", src.ID),
	))
	defer span.End()

	o.tracker.SetPhase(src.ID, progress.PhaseFetching)
	o.emit(progress.Event{RunID: progress.UUIDToBytes(runID), TS: time.Now().UTC(), Stage: progress.StageSourceStart, SourceID: src.ID, Source: src.Name})

	var out sourceOutcome
	results, err := search(ctx, reg, o.cfg.Query)
	if err != nil {
		out.err = err
	} else {
		out.fetched = len(results)
		o.tracker.SetPhase(src.ID, progress.PhaseMerging)
		touched := o.merge(set, src, results, &out, logger)
		if o.cfg.FetchChapters {
			out.chapters = o.fetchChapters(ctx, set, reg, touched, logger)
		}
	}

	o.tracker.RecordSource(src.ID, out.fetched, out.merged, out.chapters, out.err)
	evt := progress.Event{
		RunID:    progress.UUIDToBytes(runID),
		TS:       time.Now().UTC(),
		Stage:    progress.StageSourceDone,
		SourceID: src.ID,
		Source:   src.Name,
		Fetched:  out.fetched,
		Merged:   out.merged,
		Chapters: out.chapters,
		Dur:      time.Since(start),
	}
	if out.err != nil {
		evt.Stage = progress.StageSourceError
		evt.Note = out.err.Error()
		span.RecordError(out.err)
		span.SetStatus(codes.Error, "source failed")
		logger.Warn("source skipped", zap.Error(out.err))
	} else {
		logger.Info("source done",
			zap.Int("fetched", out.fetched),
			zap.Int("merged", out.merged),
			zap.Int("chapters", out.chapters),
		)
	}
	o.emit(evt)
	span.SetAttributes(attribute.Int("source.fetched", out.fetched), attribute.Int("source.merged", out.merged))
	return out
}

// merge folds results into set and returns the links touched, in merge order.
func (o *Orchestrator) merge(
	set *catalog.Set,
	src catalog.Source,
	results []catalog.SearchResult,
	out *sourceOutcome,
	logger *zap.Logger,
) []*catalog.SourceLink {
	seen := make(map[*catalog.SourceLink]struct{}, len(results))
	touched := make([]*catalog.SourceLink, 0, len(results))
	for _, res := range results {
		merged, err := set.Merge(src.ID, res)
		if err != nil {
			logger.Debug("item skipped", zap.String("url", res.URL), zap.Error(err))
			continue
		}
		out.merged++
		if _, ok := seen[merged.Link]; ok {
			continue
		}
		seen[merged.Link] = struct{}{}
		touched = append(touched, merged.Link)
	}
	return touched
}

// fetchChapters lists chapters per touched link. A failed listing leaves the
// link with no new chapters.
func (o *Orchestrator) fetchChapters(
	ctx context.Context,
	set *catalog.Set,
	reg source.Registered,
	links []*catalog.SourceLink,
	logger *zap.Logger,
) int {
	added := 0
	for _, link := range links {
		if o.stopRequested(ctx) {
			break
		}
		if link.URL == "" {
			continue
		}
		chapters, err := listChapters(ctx, reg, link.URL)
		if err != nil {
			logger.Warn("chapter listing failed", zap.String("url", link.URL), zap.Error(err))
			continue
		}
		added += set.AddChapters(link, chapters)
	}
	return added
}

type commitCounts struct {
	entries  int
	links    int
	chapters int
}

// commit writes the whole set in one transaction. Any failure rolls back and
// comes back as a *store.PersistenceError.
func (o *Orchestrator) commit(ctx context.Context, set *catalog.Set, logger *zap.Logger) (commitCounts, error) {
	ctx, span := o.tracer.Start(ctx, "crawl.commit")
	defer span.End()

	var counts commitCounts
	tx, err := o.store.Begin(ctx)
	if err != nil {
		return counts, asPersistence("begin", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			logger.Error("rollback failed", zap.Error(rbErr))
		}
	}()

	persisted := make(map[string]string, set.Len())
	for _, entry := range set.Entries() {
		id, err := tx.UpsertEntry(ctx, entry)
		if err != nil {
			return commitCounts{}, asPersistence("upsert entry", err)
		}
		persisted[entry.ID] = id
		counts.entries++
	}
	for _, link := range set.Links() {
		id, ok := persisted[link.EntryID]
		if !ok {
			return commitCounts{}, &store.PersistenceError{Op: "insert source link", Err: fmt.Errorf("entry %s was not upserted", link.EntryID)}
		}
		link.EntryID = id
		linkID, err := tx.InsertSourceLink(ctx, link)
		if err != nil {
			return commitCounts{}, asPersistence("insert source link", err)
		}
		counts.links++
		if len(link.Chapters) == 0 {
			continue
		}
		if err := tx.InsertChapters(ctx, linkID, link.Chapters); err != nil {
			return commitCounts{}, asPersistence("insert chapters", err)
		}
		counts.chapters += len(link.Chapters)
	}
	if err := tx.Commit(ctx); err != nil {
		return commitCounts{}, asPersistence("commit", err)
	}
	committed = true
	span.SetAttributes(attribute.Int("commit.entries", counts.entries), attribute.Int("commit.links", counts.links))
	return counts, nil
}

func (o *Orchestrator) publish(ctx context.Context, summary Summary, logger *zap.Logger) {
	if o.publisher == nil || o.cfg.Topic == "" {
		return
	}
	id, err := o.publisher.Publish(context.WithoutCancel(ctx), o.cfg.Topic, summary)
	if err != nil {
		logger.Warn("run summary publish failed", zap.String("topic", o.cfg.Topic), zap.Error(err))
		return
	}
	logger.Debug("run summary published", zap.String("topic", o.cfg.Topic), zap.String("message_id", id))
}

func search(ctx context.Context, reg source.Registered, query string) (results []catalog.SearchResult, err error) {
	err = guard(reg.Source.Name, source.OpSearch, func() error {
		var callErr error
		results, callErr = reg.Adapter.Search(ctx, query)
		return callErr
	})
	return results, err
}

func listChapters(ctx context.Context, reg source.Registered, url string) (chapters []catalog.Chapter, err error) {
	err = guard(reg.Source.Name, source.OpListChapters, func() error {
		var callErr error
		chapters, callErr = reg.Adapter.ListChapters(ctx, url)
		return callErr
	})
	return chapters, err
}

// guard runs an adapter call, turning panics and untyped errors into
// *source.AdapterError.
func guard(name, op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &source.AdapterError{Source: name, Op: op, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err = fn(); err == nil {
		return nil
	}
	var adapterErr *source.AdapterError
	if errors.As(err, &adapterErr) {
		return err
	}
	return &source.AdapterError{Source: name, Op: op, Err: err}
}

func asPersistence(op string, err error) error {
	var perr *store.PersistenceError
	if errors.As(err, &perr) {
		return err
	}
	return &store.PersistenceError{Op: op, Err: err}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
