package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dunamismax/cutout/internal/cache"
	"github.com/dunamismax/cutout/internal/domain"
)

const (
	DefaultWorkers = 4
	DefaultThreads = 4
)

type Options struct {
	// MaxDimension bounds the longer side of the working image.
	MaxDimension int
	// Workers is the number of pipeline runs allowed at once.
	Workers int
	// Threads is the per-run parallelism of the pixel loops.
	Threads int
}

type Option func(*Processor)

// WithEmitter archives every freshly computed result. Emit failures are
// logged and never fail the request.
func WithEmitter(e Emitter) Option {
	return func(p *Processor) { p.emitter = e }
}

func WithMetrics(m *Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// Processor runs uploads through resize, extract, refine and composite, and
// memoizes results by content fingerprint.
type Processor struct {
	extractor Extractor
	resampler Resampler
	results   *cache.Cache
	emitter   Emitter
	logger    *zap.Logger
	metrics   *Metrics
	tracer    trace.Tracer

	sem    chan struct{}
	flight singleflight.Group

	maxDimension int
	threads      int
}

func NewProcessor(extractor Extractor, resampler Resampler, results *cache.Cache, opts Options, options ...Option) (*Processor, error) {
	if extractor == nil {
		return nil, errors.New("extractor is required")
	}
	if resampler == nil {
		return nil, errors.New("resampler is required")
	}
	if results == nil {
		results = cache.New(cache.DefaultCapacity)
	}
	if opts.MaxDimension <= 0 {
		opts.MaxDimension = DefaultMaxDimension
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Threads <= 0 {
		opts.Threads = DefaultThreads
	}

	p := &Processor{
		extractor:    extractor,
		resampler:    resampler,
		results:      results,
		logger:       zap.NewNop(),
		tracer:       otel.Tracer("cutout/pipeline"),
		sem:          make(chan struct{}, opts.Workers),
		maxDimension: opts.MaxDimension,
		threads:      opts.Threads,
	}
	for _, opt := range options {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("component", "pipeline"))
	return p, nil
}

// Process returns the cached result for raw when one exists, and otherwise
// computes, caches and returns a new one. Decode failures are *DecodeError and
// extractor failures are *ExtractionError.
func (p *Processor) Process(ctx context.Context, raw []byte) (*domain.ProcessedResult, error) {
	if len(raw) == 0 {
		p.metrics.result(KindDecode)
		return nil, newDecodeError(ErrEmptyInput)
	}

	fp := cache.FingerprintOf(raw)
	if res, ok := p.results.Get(fp); ok {
		p.metrics.cacheLookup(true)
		p.metrics.result("cached")
		p.logger.Debug("using cached result", zap.Stringer("fingerprint", fp))
		return res, nil
	}
	p.metrics.cacheLookup(false)

	for {
		outcome := "shared"
		v, err, shared := p.flight.Do(fp.String(), func() (any, error) {
			// A concurrent identical upload may have finished since the lookup.
			if res, ok := p.results.Peek(fp); ok {
				outcome = "cached"
				return res, nil
			}
			outcome = "processed"
			return p.compute(ctx, fp, raw)
		})

		// The caller that started this run gave up waiting for a worker slot.
		// Callers that are still live try again rather than inherit its
		// cancellation.
		var waitErr *workerWaitError
		if errors.As(err, &waitErr) && ctx.Err() == nil {
			p.logger.Debug("retrying abandoned run", zap.Stringer("fingerprint", fp))
			continue
		}
		if err != nil {
			p.metrics.result(Kind(err))
			return nil, err
		}
		if shared && outcome == "shared" {
			p.logger.Debug("shared in-flight result", zap.Stringer("fingerprint", fp))
		}

		p.metrics.result(outcome)
		return v.(*domain.ProcessedResult), nil
	}
}

func (p *Processor) compute(ctx context.Context, fp cache.Fingerprint, raw []byte) (*domain.ProcessedResult, error) {
	if err := p.acquire(ctx); err != nil {
		return nil, err
	}
	defer p.release()

	// A run that holds a worker slot always completes.
	ctx = context.WithoutCancel(ctx)

	ctx, span := p.tracer.Start(ctx, "pipeline.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("cutout.fingerprint", fp.String()),
		attribute.Int("cutout.input_bytes", len(raw)),
		attribute.String("cutout.extractor", p.extractor.Name()),
	)

	started := time.Now()
	res, err := p.run(ctx, raw)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Kind(err))
		return nil, err
	}

	p.results.Put(fp, res)
	p.archive(ctx, fp, res)

	p.logger.Info("processed image",
		zap.Stringer("fingerprint", fp),
		zap.Int("width", res.Width()),
		zap.Int("height", res.Height()),
		zap.Duration("elapsed", time.Since(started)),
	)
	span.SetStatus(codes.Ok, "processed")
	return res, nil
}

func (p *Processor) run(ctx context.Context, raw []byte) (*domain.ProcessedResult, error) {
	var (
		src         image.Image
		format      string
		originalPNG []byte
		working     image.Image
		scale       ScaleFactor
		extracted   image.Image
		refined     *image.NRGBA
		final       *image.NRGBA
		cutoutPNG   []byte
	)

	if err := p.stage(ctx, "decode", func(context.Context) error {
		var err error
		src, format, err = Decode(raw)
		return err
	}); err != nil {
		return nil, err
	}
	width, height := src.Bounds().Dx(), src.Bounds().Dy()
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("cutout.format", format),
		attribute.Int("cutout.width", width),
		attribute.Int("cutout.height", height),
	)

	if err := p.stage(ctx, "encode_original", func(context.Context) error {
		var err error
		originalPNG, err = EncodePNG(src)
		return err
	}); err != nil {
		return nil, fmt.Errorf("encode original: %w", err)
	}

	_ = p.stage(ctx, "resize", func(context.Context) error {
		working, scale = ResizeForProcessing(src, p.maxDimension, p.resampler)
		return nil
	})

	if err := p.stage(ctx, "extract", func(ctx context.Context) error {
		out, err := p.extractor.ExtractForeground(ctx, working)
		if err != nil {
			return newExtractionError(p.extractor.Name(), err)
		}
		if out.Bounds().Size() != working.Bounds().Size() {
			return newExtractionError(p.extractor.Name(), fmt.Errorf(
				"output is %v, want %v", out.Bounds().Size(), working.Bounds().Size()))
		}
		extracted = out
		return nil
	}); err != nil {
		return nil, err
	}

	_ = p.stage(ctx, "refine", func(context.Context) error {
		refined = RefineAlpha(extracted, p.threads)
		return nil
	})

	_ = p.stage(ctx, "composite", func(context.Context) error {
		final = Composite(refined, scale, width, height, p.resampler)
		return nil
	})

	if err := p.stage(ctx, "encode_cutout", func(context.Context) error {
		var err error
		cutoutPNG, err = EncodePNG(final)
		return err
	}); err != nil {
		return nil, fmt.Errorf("encode cutout: %w", err)
	}

	return domain.NewProcessedResult(originalPNG, cutoutPNG, width, height)
}

func (p *Processor) stage(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	started := time.Now()
	ctx, span := p.tracer.Start(ctx, "pipeline."+name)
	defer span.End()

	err := fn(ctx)
	p.metrics.observeStage(name, started)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, name+" failed")
	}
	return err
}

func (p *Processor) archive(ctx context.Context, fp cache.Fingerprint, res *domain.ProcessedResult) {
	if p.emitter == nil {
		return
	}
	out, err := p.emitter.Emit(ctx, fp.String(), res)
	if err != nil {
		p.logger.Warn("archive result failed", zap.Stringer("fingerprint", fp), zap.Error(err))
		return
	}
	p.logger.Debug("archived result", zap.String("cutout_path", out.CutoutPath))
}

func (p *Processor) acquire(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
		p.metrics.workerAcquired()
		return nil
	case <-ctx.Done():
		return &workerWaitError{err: ctx.Err()}
	}
}

// workerWaitError reports a caller that stopped waiting for a worker slot.
type workerWaitError struct {
	err error
}

func (e *workerWaitError) Error() string {
	return fmt.Sprintf("wait for pipeline worker: %v", e.err)
}

func (e *workerWaitError) Unwrap() error { return e.err }

func (p *Processor) release() {
	<-p.sem
	p.metrics.workerReleased()
}
