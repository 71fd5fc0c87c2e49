// Package worker runs harvest sessions: bounded, paced walks over a
// Target's list pages that stop at the first sign of being blocked.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-harvester/internal/harvest"
	"github.com/JakeFAU/polite-harvester/internal/metrics"
)

const tracerName = "github.com/JakeFAU/polite-harvester/internal/worker"

const (
	defaultPublishTimeout = 10 * time.Second
	defaultContentType    = "text/html; charset=utf-8"
)

// Config controls Loop behavior.
type Config struct {
	PublishTimeout time.Duration
	// ArchivePrefix is the blob path prefix for raw pages; archiving is
	// enabled whenever a BlobStore is supplied.
	ArchivePrefix string
	ContentType   string
	// Sync, when set, merges persisted state into the Target before every
	// page so that a suspension written elsewhere stops the session.
	Sync StateRefresher
}

// StateRefresher merges persisted Target state into the live state.
type StateRefresher interface {
	Refresh(ctx context.Context, target *harvest.Target) (harvest.StateSnapshot, error)
}

// Hasher names archived pages by content.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Loop executes harvest sessions.
type Loop struct {
	fetcher   harvest.Fetcher
	publisher harvest.Publisher
	sessions  harvest.SessionStore
	archive   harvest.BlobStore
	hasher    Hasher
	ids       harvest.IDGenerator
	clock     harvest.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Loop. sessions and archive are optional.
func New(
	fetcher harvest.Fetcher,
	publisher harvest.Publisher,
	sessions harvest.SessionStore,
	archive harvest.BlobStore,
	hasher Hasher,
	ids harvest.IDGenerator,
	clock harvest.Clock,
	cfg Config,
	logger *zap.Logger,
) *Loop {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if cfg.ContentType == "" {
		cfg.ContentType = defaultContentType
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		fetcher:   fetcher,
		publisher: publisher,
		sessions:  sessions,
		archive:   archive,
		hasher:    hasher,
		ids:       ids,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// session carries the mutable state of one Run.
type session struct {
	target *harvest.Target
	report harvest.SessionReport
	logger *zap.Logger
}

func (s *session) abort(reason harvest.AbortReason, detail string) {
	s.report.AbortReason = reason
	s.report.Detail = detail
	_ = s.report.Transition(harvest.SessionAborted)
}

// Run executes one session against target and returns its report. It never
// continues past a ban signal and never exceeds the Target's page cap.
func (l *Loop) Run(ctx context.Context, target *harvest.Target, trigger string) harvest.SessionReport {
	s := &session{
		target: target,
		report: harvest.SessionReport{
			ID:        l.newID(target),
			Target:    target.Name,
			Trigger:   trigger,
			Status:    harvest.SessionIdle,
			StartedAt: l.clock.Now(),
		},
	}
	s.logger = l.logger.With(zap.String("target", target.Name), zap.String("session_id", s.report.ID))

	// Published records inherit this span through the context.
	ctx, span := otel.Tracer(tracerName).Start(ctx, "harvest.session")
	span.SetAttributes(
		attribute.String("harvest.target", target.Name),
		attribute.String("harvest.session_id", s.report.ID),
		attribute.String("harvest.trigger", trigger),
	)
	defer span.End()

	_ = s.report.Transition(harvest.SessionRunning)
	l.save(ctx, s)
	s.logger.Info("harvest session started", zap.String("trigger", trigger), zap.Int("page_cap", target.PageCap))

	for page := 1; page <= target.PageCap; page++ {
		l.refresh(ctx, s)
		result, ok := l.fetchPage(ctx, s, page)
		if !ok {
			break
		}
		if done := l.processPage(ctx, s, page, result); done {
			break
		}
	}

	if s.report.Status == harvest.SessionRunning {
		_ = s.report.Transition(harvest.SessionCompleted)
	}
	s.report.FinishedAt = l.clock.Now()
	l.save(ctx, s)

	span.SetAttributes(
		attribute.String("harvest.status", string(s.report.Status)),
		attribute.Int("harvest.pages", s.report.PagesProcessed),
		attribute.Int("harvest.records_published", s.report.RecordsPublished),
	)
	if s.report.Status == harvest.SessionAborted {
		span.SetStatus(codes.Error, string(s.report.AbortReason))
	}

	metrics.ObserveSession(target.Name, string(s.report.Status))
	metrics.ObserveRecords(target.Name, "published", s.report.RecordsPublished)
	metrics.ObserveRecords(target.Name, "failed", s.report.PublishFailures)
	metrics.ObserveRecords(target.Name, "skipped", s.report.RecordsSkipped)
	metrics.ObserveRecords(target.Name, "malformed", s.report.ParseFailures)

	fields := []zap.Field{
		zap.String("status", string(s.report.Status)),
		zap.Int("pages", s.report.PagesProcessed),
		zap.Int("requests", s.report.Requests),
		zap.Int("published", s.report.RecordsPublished),
		zap.Int("publish_failures", s.report.PublishFailures),
		zap.Bool("exhausted", s.report.Exhausted),
	}
	if s.report.Status == harvest.SessionAborted {
		fields = append(fields,
			zap.String("abort_reason", string(s.report.AbortReason)),
			zap.String("detail", s.report.Detail),
		)
		s.logger.Warn("harvest session aborted", fields...)
	} else {
		s.logger.Info("harvest session completed", fields...)
	}
	return s.report
}

func (l *Loop) refresh(ctx context.Context, s *session) {
	if l.cfg.Sync == nil {
		return
	}
	if _, err := l.cfg.Sync.Refresh(ctx, s.target); err != nil {
		s.logger.Warn("refresh target state failed", zap.Error(err))
	}
}

// fetchPage retries transient outcomes up to the Target's retry count. It
// returns false when the session has been aborted.
func (l *Loop) fetchPage(ctx context.Context, s *session, page int) (harvest.FetchResult, bool) {
	path := s.target.PagePath(page)
	attempts := 1 + s.target.RetryCount

	var last harvest.FetchResult
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			s.abort(harvest.AbortCanceled, err.Error())
			return harvest.FetchResult{}, false
		}

		res, err := l.fetcher.Fetch(ctx, s.target, path)
		if err != nil {
			if ctx.Err() != nil {
				s.abort(harvest.AbortCanceled, err.Error())
			} else {
				s.abort(harvest.AbortFetchError, err.Error())
			}
			return harvest.FetchResult{}, false
		}
		if !res.ShortCircuit {
			s.report.Requests++
		}

		switch {
		case res.Outcome == harvest.OutcomeSuccess:
			return res, true
		case res.ShortCircuit:
			s.abort(harvest.AbortBackoffActive, describe(res))
			return res, false
		case res.IsBanSignal():
			s.abort(harvest.AbortBanSignal, describe(res))
			return res, false
		}

		last = res
		s.logger.Warn("transient fetch failure",
			zap.Int("page", page),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.String("outcome", string(res.Outcome)),
			zap.Error(res.Err),
		)
	}

	s.abort(harvest.AbortRetriesExhausted, fmt.Sprintf("page %d: %s", page, describe(last)))
	return last, false
}

// processPage archives, parses and publishes one fetched page. It returns
// true when the source has no more items.
func (l *Loop) processPage(ctx context.Context, s *session, page int, res harvest.FetchResult) bool {
	s.report.PagesProcessed++
	fetchedAt := l.clock.Now()

	l.archivePage(ctx, s, page, res.Body)

	parsed, err := s.target.Parser.Parse(harvest.Page{
		Target:    s.target.Name,
		Number:    page,
		URL:       res.URL,
		Body:      res.Body,
		FetchedAt: fetchedAt,
	})
	if err != nil {
		s.report.ParseFailures++
		s.logger.Error("page parse failed", zap.Int("page", page), zap.Error(err))
		return false
	}
	for _, failure := range parsed.Failures {
		s.report.ParseFailures++
		s.logger.Warn("malformed item skipped", zap.Int("page", page), zap.Error(failure))
	}
	if parsed.Items == 0 {
		s.report.Exhausted = true
		s.logger.Info("source exhausted", zap.Int("page", page))
		return true
	}

	for _, record := range parsed.Records {
		if strings.TrimSpace(record.ExternalID) == "" {
			s.report.RecordsSkipped++
			continue
		}
		s.report.RecordsDispatched++
		l.publish(ctx, s, record)
	}
	s.logger.Debug("page processed",
		zap.Int("page", page),
		zap.Int("items", parsed.Items),
		zap.Int("records", len(parsed.Records)),
	)
	return false
}

func (l *Loop) publish(ctx context.Context, s *session, record harvest.HarvestedRecord) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.PublishTimeout)
	defer cancel()

	id, err := l.publisher.Publish(pubCtx, record)
	if err != nil {
		s.report.PublishFailures++
		s.logger.Warn("publish failed",
			zap.String("external_id", record.ExternalID),
			zap.Error(err),
		)
		return
	}
	s.report.RecordsPublished++
	s.logger.Debug("record published",
		zap.String("external_id", record.ExternalID),
		zap.String("message_id", id),
	)
}

func (l *Loop) archivePage(ctx context.Context, s *session, page int, body []byte) {
	if l.archive == nil || l.hasher == nil {
		return
	}
	hash, err := l.hasher.Hash(body)
	if err != nil {
		s.logger.Warn("hash page failed", zap.Int("page", page), zap.Error(err))
		return
	}
	path := l.archivePath(s, page, hash)
	uri, err := l.archive.PutObject(ctx, path, l.cfg.ContentType, bytes.NewReader(body))
	if err != nil {
		s.logger.Warn("archive page failed", zap.Int("page", page), zap.String("path", path), zap.Error(err))
		return
	}
	s.logger.Debug("page archived", zap.Int("page", page), zap.String("uri", uri))
}

func (l *Loop) archivePath(s *session, page int, hash string) string {
	if len(hash) > 12 {
		hash = hash[:12]
	}
	name := fmt.Sprintf("%s/%s/page-%04d-%s.html", s.target.Name, s.report.ID, page, hash)
	prefix := strings.Trim(l.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func (l *Loop) save(ctx context.Context, s *session) {
	if l.sessions == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.PublishTimeout)
	defer cancel()
	if err := l.sessions.SaveSession(saveCtx, s.report); err != nil {
		s.logger.Error("save session report failed", zap.Error(err))
	}
}

func (l *Loop) newID(target *harvest.Target) string {
	if l.ids != nil {
		id, err := l.ids.NewID()
		if err == nil {
			return id
		}
		l.logger.Error("session id generation failed", zap.String("target", target.Name), zap.Error(err))
	}
	return fmt.Sprintf("%s-%d", target.Name, l.clock.Now().UnixNano())
}

func describe(res harvest.FetchResult) string {
	var b strings.Builder
	b.WriteString(string(res.Outcome))
	if res.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", res.StatusCode)
	}
	if res.RetryAfter > 0 {
		fmt.Fprintf(&b, " retry after %s", res.RetryAfter)
	}
	if res.Err != nil {
		fmt.Fprintf(&b, ": %v", res.Err)
	}
	return b.String()
}
