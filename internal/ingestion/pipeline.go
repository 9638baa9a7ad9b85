package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/sehatku-io/ingestor/internal/signature"
)

// ErrMissingDependency is returned by NewPipeline when a required store is nil.
var ErrMissingDependency = errors.New("missing pipeline dependency")

// Dependencies are the collaborators a Pipeline runs against. Invalidator, Aliases, Recorder
// and Logger are optional.
type Dependencies struct {
	Facilities  FacilityStore
	Aliases     CodeAliaser
	Codes       CodeCatalog
	Ledger      Ledger
	Periods     PeriodWriter
	Facts       FactWriter
	Invalidator Invalidator
	Recorder    Recorder
	Logger      *slog.Logger
}

// Pipeline runs signed batches through verification, validation, facility resolution,
// the idempotency guard, per-event processing and ledger settlement.
//
// Events of a batch run sequentially. A failing event is recorded and the next one still runs;
// rows an event committed before failing stay committed.
type Pipeline struct {
	verifier    *signature.Verifier
	resolver    *FacilityResolver
	guard       *IdempotencyGuard
	codes       *CodeValidator
	writer      *Writer
	invalidator Invalidator
	recorder    Recorder
	logger      *slog.Logger
	maxErrLen   int
	now         func() time.Time
}

// NewPipeline wires a Pipeline from cfg and deps.
func NewPipeline(cfg *Config, deps Dependencies) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch {
	case deps.Facilities == nil:
		return nil, fmt.Errorf("%w: facility store", ErrMissingDependency)
	case deps.Codes == nil:
		return nil, fmt.Errorf("%w: code catalog", ErrMissingDependency)
	case deps.Ledger == nil:
		return nil, fmt.Errorf("%w: ledger", ErrMissingDependency)
	case deps.Periods == nil:
		return nil, fmt.Errorf("%w: period writer", ErrMissingDependency)
	case deps.Facts == nil:
		return nil, fmt.Errorf("%w: fact writer", ErrMissingDependency)
	}

	recorder := deps.Recorder
	if recorder == nil {
		recorder = NopRecorder{}
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		verifier:    signature.NewVerifier(cfg.Secret),
		resolver:    NewFacilityResolver(deps.Facilities, deps.Aliases),
		guard:       NewIdempotencyGuard(deps.Ledger, cfg.MaxErrorMessageLength),
		codes:       NewCodeValidator(deps.Codes, cfg.CodeLookupChunkSize),
		writer:      NewWriter(deps.Periods, deps.Facts, cfg.NormalizedChunkSize, cfg.FactChunkSize, recorder),
		invalidator: deps.Invalidator,
		recorder:    recorder,
		logger:      logger,
		maxErrLen:   cfg.MaxErrorMessageLength,
		now:         time.Now,
	}, nil
}

// IngestBatch verifies and processes a unified multi-event batch.
func (p *Pipeline) IngestBatch(ctx context.Context, body []byte, sig string) (*Outcome, error) {
	if err := p.verifier.Verify(body, sig); err != nil {
		return nil, err
	}

	batch, err := ParseBatch(body)
	if err != nil {
		return nil, err
	}

	return p.Process(ctx, &Request{Partition: BatchPartition, Batch: batch})
}

// IngestCluster verifies and processes the flat body of a single-cluster endpoint.
func (p *Pipeline) IngestCluster(ctx context.Context, eventType EventType, body []byte, sig string) (*Outcome, error) {
	if err := p.verifier.Verify(body, sig); err != nil {
		return nil, err
	}

	batch, err := ParseClusterRequest(eventType, body)
	if err != nil {
		return nil, err
	}

	return p.Process(ctx, &Request{Partition: string(eventType), Batch: batch})
}

// Process runs an already validated batch.
//
// Errors from facility resolution or ledger begin mean nothing was written. A settlement error
// wraps ErrLedger: events ran but the entry could not be closed.
func (p *Pipeline) Process(ctx context.Context, req *Request) (*Outcome, error) {
	start := p.now()
	batch := req.Batch

	facility, err := p.resolver.Resolve(ctx, batch)
	if err != nil {
		return nil, err
	}

	key := LedgerKey{Partition: req.Partition, FacilityID: facility.ID, BatchID: batch.BatchID}

	entry, duplicate, err := p.guard.Claim(ctx, key, Summarize(batch))
	if err != nil {
		return nil, err
	}

	logger := p.logger.With(
		slog.String("ingestion_id", entry.ID.String()),
		slog.String("partition", req.Partition),
		slog.String("facility_id", facility.ID),
		slog.String("batch_id", batch.BatchID),
	)

	if duplicate {
		logger.Info("Duplicate batch, returning stored outcome", slog.String("status", entry.Status.String()))
		p.recorder.ObserveBatch(req.Partition, entry.Status, true, p.now().Sub(start))

		return &Outcome{
			IngestionID: entry.ID,
			Duplicate:   true,
			Success:     entry.Status == StatusProcessed,
			Status:      entry.Status,
			Results:     entry.Results,
		}, nil
	}

	results := make([]EventResult, len(batch.Events))
	written := make(map[EventType]int)

	for i, event := range batch.Events {
		if err := ctx.Err(); err != nil {
			for j := i; j < len(batch.Events); j++ {
				results[j] = EventResult{Type: batch.Events[j].Type, Error: "not processed: " + err.Error()}
			}

			logger.Warn("Batch interrupted", slog.Int("processed_events", i), slog.String("error", err.Error()))

			break
		}

		results[i] = p.processEvent(ctx, logger, facility, i, event)
		written[event.Type] += results[i].Summary.Rows()
	}

	// Settlement and invalidation must happen even when the request was cancelled mid-batch.
	settleCtx := context.WithoutCancel(ctx)

	status, err := p.guard.Settle(settleCtx, entry.ID, results)
	if err != nil {
		logger.Error("Failed to settle ledger entry", slog.String("error", err.Error()))

		return nil, err
	}

	p.invalidate(settleCtx, logger, entry, facility, batch, written)

	elapsed := p.now().Sub(start)
	p.recorder.ObserveBatch(req.Partition, status, false, elapsed)

	logger.Info("Batch processed",
		slog.String("status", status.String()),
		slog.Int("events", len(batch.Events)),
		slog.Duration("duration", elapsed))

	return &Outcome{
		IngestionID: entry.ID,
		Success:     status == StatusProcessed,
		Status:      status,
		Results:     results,
	}, nil
}

func (p *Pipeline) processEvent(
	ctx context.Context,
	logger *slog.Logger,
	facility *Facility,
	index int,
	event Event,
) (result EventResult) {
	result = EventResult{Type: event.Type}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic while processing event",
				slog.Int("event_index", index),
				slog.String("event_type", event.Type.String()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))

			result.OK = false
			result.Error = fmt.Sprintf("internal error: %v", r)
		}

		p.recorder.ObserveEvent(event.Type, result.OK, result.Summary.Rows())
	}()

	if codes := DiagnosisCodes(event.Payload); len(codes) > 0 {
		if err := p.codes.Validate(ctx, codes); err != nil {
			return p.failed(ctx, logger, index, result, err)
		}
	}

	proj, err := Project(facility.ID, event.Payload)
	if err != nil {
		return p.failed(ctx, logger, index, result, err)
	}

	summary, err := p.writer.Write(ctx, proj)
	result.Summary = summary

	if err != nil {
		return p.failed(ctx, logger, index, result, err)
	}

	result.OK = true

	return result
}

func (p *Pipeline) failed(ctx context.Context, logger *slog.Logger, index int, result EventResult, err error) EventResult {
	level := slog.LevelError
	if errors.Is(err, ErrUnknownCodes) || errors.Is(err, ErrValidation) {
		level = slog.LevelWarn
	}

	logger.Log(ctx, level, "Event failed",
		slog.Int("event_index", index),
		slog.String("event_type", result.Type.String()),
		slog.Int("committed_rows", result.Summary.Rows()),
		slog.String("error", err.Error()))

	result.OK = false
	result.Error = TruncateMessage(err.Error(), p.maxErrLen)

	return result
}

// invalidate signals read-side caches once per cluster that wrote rows. Publish failures are
// logged and never fail the batch.
func (p *Pipeline) invalidate(
	ctx context.Context,
	logger *slog.Logger,
	entry *LedgerEntry,
	facility *Facility,
	batch *Batch,
	written map[EventType]int,
) {
	if p.invalidator == nil {
		return
	}

	for _, cluster := range EventTypes() {
		rows := written[cluster]
		if rows == 0 {
			continue
		}

		signal := InvalidationSignal{
			IngestionID: entry.ID,
			FacilityID:  facility.ID,
			Cluster:     cluster,
			BatchID:     batch.BatchID,
			Rows:        rows,
			At:          p.now().UTC(),
		}

		if err := p.invalidator.Publish(ctx, signal); err != nil {
			logger.Warn("Failed to publish cache invalidation",
				slog.String("cluster", cluster.String()),
				slog.String("error", err.Error()))
		}
	}
}
