package scan

import (
	"context"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/khanhnv2901/arachne-lens/internal/domain/scan"
	"github.com/khanhnv2901/arachne-lens/internal/infrastructure/stream"
	consts "github.com/khanhnv2901/arachne-lens/internal/shared/constants"
	sharedErrors "github.com/khanhnv2901/arachne-lens/internal/shared/errors"
)

// Opener opens the byte stream of one scan.
type Opener interface {
	OpenScan(ctx context.Context, req scan.ScanRequest) (stream.ByteSource, error)
}

// run is one pump goroutine and everything needed to stop it.
type run struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	span   trace.Span
}

// Orchestrator owns the live scan session. At most one scan runs at a time and the
// pump goroutine of that scan is the only writer of session state besides the
// control operations below.
type Orchestrator struct {
	opener  Opener
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics ScanMetrics
	now     func() time.Time
	newID   func() string

	control sync.Mutex // serializes StartScan, CancelScan, Reset and Close

	mu          sync.Mutex
	session     scan.Session
	current     *run
	subscribers map[chan scan.Session]struct{}
	onFinish    []func(scan.Session)
}

// NewOrchestrator creates an orchestrator in the Idle state. Nil logger, tracer and
// metrics are replaced by no-op implementations.
func NewOrchestrator(opener Opener, logger *zap.Logger, tracer trace.Tracer, metrics ScanMetrics) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("scan")
	}
	if metrics == nil {
		metrics = noopMetrics()
	}
	return &Orchestrator{
		opener:      opener,
		logger:      logger,
		tracer:      tracer,
		metrics:     metrics,
		now:         time.Now,
		newID:       uuid.NewString,
		session:     scan.IdleSession(),
		subscribers: make(map[chan scan.Session]struct{}),
	}
}

// StartScan validates rawURL and starts a new session, cancelling any scan still in
// flight first. Invalid input is rejected before any network activity and leaves the
// current session untouched.
//
// The scan outlives ctx: only its values (trace context) are inherited. Use
// CancelScan or Reset to stop it.
func (o *Orchestrator) StartScan(ctx context.Context, rawURL string) (scan.Session, error) {
	req, err := scan.NewScanRequest(rawURL)
	if err != nil {
		return o.Snapshot(), err
	}

	o.control.Lock()
	defer o.control.Unlock()

	if o.stop(true) {
		o.logger.Info("previous scan cancelled by new scan")
	}

	id := o.newID()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	runCtx, span := o.tracer.Start(runCtx, "scan.session",
		trace.WithAttributes(
			attribute.String("scan.id", id),
			attribute.String("scan.target_url", req.URL),
		))
	r := &run{id: id, ctx: runCtx, cancel: cancel, done: make(chan struct{}), span: span}

	o.mu.Lock()
	o.current = r
	o.session = scan.NewSession(id, req, o.now())
	snapshot := o.session
	o.broadcastLocked()
	o.mu.Unlock()

	o.metrics.IncScansStarted(runCtx)
	o.logger.Info("scan started", zap.String("scan_id", id), zap.String("target", req.URL))

	go o.pump(r, req)
	return snapshot, nil
}

// CancelScan stops the running scan. The session becomes Failed with a cancelled
// reason and keeps its partial progress and result.
func (o *Orchestrator) CancelScan() error {
	o.control.Lock()
	defer o.control.Unlock()

	if !o.stop(true) {
		return sharedErrors.ErrNoActiveScan
	}
	o.logger.Info("scan cancelled")
	return nil
}

// Reset stops any running scan and returns to Idle, clearing every session field.
func (o *Orchestrator) Reset() {
	o.control.Lock()
	defer o.control.Unlock()

	o.mu.Lock()
	r := o.current
	wasRunning := o.session.Status == scan.StatusRunning
	o.current = nil
	o.session = scan.IdleSession()
	o.broadcastLocked()
	o.mu.Unlock()

	if r == nil {
		return
	}
	r.cancel()
	<-r.done
	if wasRunning {
		o.logger.Info("running scan discarded by reset", zap.String("scan_id", r.id))
	}
}

// Close cancels the running scan, if any, and waits for its pump to exit.
func (o *Orchestrator) Close() {
	o.control.Lock()
	defer o.control.Unlock()
	o.stop(true)
}

// OnFinish registers fn to receive every session once it reaches Completed or
// Failed. fn runs while session state is locked and must not call back into o.
func (o *Orchestrator) OnFinish(fn func(scan.Session)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onFinish = append(o.onFinish, fn)
}

// Snapshot returns the current session.
func (o *Orchestrator) Snapshot() scan.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

// Subscribe returns a channel that always holds the latest session. The current
// session is delivered immediately; a slow reader skips intermediate snapshots but
// never misses the newest one. Call the returned func to unsubscribe.
func (o *Orchestrator) Subscribe() (<-chan scan.Session, func()) {
	ch := make(chan scan.Session, 1)
	o.mu.Lock()
	o.subscribers[ch] = struct{}{}
	ch <- o.session
	o.mu.Unlock()

	return ch, func() {
		o.mu.Lock()
		if _, ok := o.subscribers[ch]; ok {
			delete(o.subscribers, ch)
			close(ch)
		}
		o.mu.Unlock()
	}
}

// Wait blocks until the session is no longer Running and returns it.
func (o *Orchestrator) Wait(ctx context.Context) (scan.Session, error) {
	ch, unsubscribe := o.Subscribe()
	defer unsubscribe()

	for {
		select {
		case s := <-ch:
			if s.Status != scan.StatusRunning {
				return s, nil
			}
		case <-ctx.Done():
			return o.Snapshot(), ctx.Err()
		}
	}
}

// Run starts a scan and waits for it to finish. If ctx ends first the scan is
// cancelled and ctx.Err() is returned with the cancelled session.
func (o *Orchestrator) Run(ctx context.Context, rawURL string) (scan.Session, error) {
	if _, err := o.StartScan(ctx, rawURL); err != nil {
		return o.Snapshot(), err
	}

	s, err := o.Wait(ctx)
	if err != nil {
		_ = o.CancelScan()
		return o.Snapshot(), err
	}
	return s, nil
}

// stop marks the current session cancelled (when asked) and tears down its pump.
// It reports whether a running session was interrupted. Callers hold o.control.
func (o *Orchestrator) stop(markCancelled bool) bool {
	o.mu.Lock()
	r := o.current
	if r == nil {
		o.mu.Unlock()
		return false
	}
	wasRunning := o.session.Status == scan.StatusRunning
	if markCancelled {
		o.applyLocked(r, scan.Cancelled{})
	}
	o.current = nil
	o.mu.Unlock()

	r.cancel()
	<-r.done
	return wasRunning
}

func (o *Orchestrator) pump(r *run, req scan.ScanRequest) {
	defer close(r.done)
	defer r.span.End()
	defer r.cancel()

	src, err := o.opener.OpenScan(r.ctx, req)
	if err != nil {
		o.apply(r, terminalSignal(r.ctx, err))
		return
	}

	err = stream.Pump(r.ctx, src, stream.Handler{
		OnEvent: func(ev scan.Event) {
			o.apply(r, ev)
		},
		OnSkip: func(f *sharedErrors.ParseFailure) {
			o.logger.Warn("skipping unparseable stream record",
				zap.String("scan_id", r.id),
				zap.String("reason", f.Reason),
				zap.String("line", truncate(f.RawLine, consts.MaxLoggedLineBytes)))
			o.metrics.IncRecordsSkipped(r.ctx)
			o.apply(r, scan.LineSkipped{})
		},
	})
	o.apply(r, terminalSignal(r.ctx, err))
}

func (o *Orchestrator) apply(r *run, in scan.Input) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.applyLocked(r, in)
}

// applyLocked reduces in into the session if r is still the current run.
func (o *Orchestrator) applyLocked(r *run, in scan.Input) {
	if o.current != r {
		return
	}

	prev := o.session
	if _, ok := in.(scan.ResultEvent); ok && prev.HasResult() && prev.Status == scan.StatusRunning {
		o.logger.Warn("ignoring duplicate result record", zap.String("scan_id", r.id))
	}

	next := scan.Reduce(prev, in)
	if next == prev {
		return
	}
	if !prev.IsTerminal() && next.IsTerminal() {
		next.EndedAt = o.now()
		o.finish(r, next)
		for _, fn := range o.onFinish {
			fn(next)
		}
	}
	o.session = next
	o.broadcastLocked()
}

func (o *Orchestrator) finish(r *run, s scan.Session) {
	duration := s.EndedAt.Sub(s.StartedAt)
	o.metrics.ObserveScanDuration(r.ctx, duration)

	fields := []zap.Field{
		zap.String("scan_id", s.ID),
		zap.String("target", s.TargetURL),
		zap.Int("parse_failures", s.ParseFailures),
		zap.Duration("duration", duration),
	}
	if s.Result != nil {
		fields = append(fields,
			zap.Int("broken_links", len(s.Result.BrokenLinks)),
			zap.Int("sensitive_info", len(s.Result.SensitiveInfo)))
	}

	r.span.SetAttributes(attribute.Int("scan.parse_failures", s.ParseFailures))
	switch s.Status {
	case scan.StatusCompleted:
		o.metrics.IncScansCompleted(r.ctx)
		r.span.SetStatus(codes.Ok, "")
		o.logger.Info("scan completed", fields...)
	case scan.StatusFailed:
		o.metrics.IncScansFailed(r.ctx, s.ErrorKind)
		r.span.SetAttributes(attribute.String("scan.error_kind", string(s.ErrorKind)))
		r.span.SetStatus(codes.Error, s.ErrorMessage)
		fields = append(fields,
			zap.String("error_kind", string(s.ErrorKind)),
			zap.String("error", s.ErrorMessage))
		o.logger.Warn("scan failed", fields...)
	}
}

func (o *Orchestrator) broadcastLocked() {
	for ch := range o.subscribers {
		offer(ch, o.session)
	}
}

// offer replaces whatever is buffered in ch with s.
func offer(ch chan scan.Session, s scan.Session) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}

// terminalSignal maps the error that ended a pump to the reducer input for it.
func terminalSignal(ctx context.Context, err error) scan.Input {
	var (
		httpErr   *sharedErrors.HTTPError
		decodeErr *sharedErrors.DecodeError
	)
	switch {
	case err == nil:
		return scan.StreamEnded{}
	case ctx.Err() != nil, errors.Is(err, context.Canceled):
		return scan.Cancelled{}
	case errors.As(err, &httpErr):
		return scan.HTTPFailed{Status: httpErr.Status, Message: httpErr.Error()}
	case errors.As(err, &decodeErr):
		return scan.DecodeFailed{Message: decodeErr.Error()}
	default:
		return scan.TransportFailed{Message: err.Error()}
	}
}

// truncate shortens s to at most max bytes plus an ellipsis, cutting on a rune boundary.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max] + "..."
}
