package services

import (
	"context"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"sponsorhub-backend/metrics"
	"sponsorhub-backend/storage/audit"
)

// LogSink writes audit records through the structured logger.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log.Named("audit")}
}

func (s *LogSink) Write(ctx context.Context, rec audit.Record) error {
	s.log.Info("deal audit",
		zap.String("deal_id", rec.DealID),
		zap.String("actor_id", rec.ActorID),
		zap.String("actor_role", rec.ActorRole),
		zap.String("action", rec.Action),
		zap.String("from_stage", rec.FromStage),
		zap.String("to_stage", rec.ToStage),
		zap.String("entity_id", rec.EntityID),
		zap.Int64("version", rec.Version),
	)
	return nil
}

func (s *LogSink) Close(ctx context.Context) error { return nil }

// AuditDispatcher hands records to a sink on a bounded worker pool. Dispatch never
// blocks: when every worker is busy the record is dropped and counted.
type AuditDispatcher struct {
	pool    *ants.Pool
	sink    audit.Sink
	log     *zap.Logger
	metrics *metrics.Metrics
	timeout time.Duration
}

func NewAuditDispatcher(sink audit.Sink, workers int, log *zap.Logger, m *metrics.Metrics) (*AuditDispatcher, error) {
	if workers <= 0 {
		workers = 8
	}
	pool, err := ants.NewPool(workers, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}
	return &AuditDispatcher{
		pool:    pool,
		sink:    sink,
		log:     log,
		metrics: m,
		timeout: 5 * time.Second,
	}, nil
}

// Dispatch queues rec for delivery.
func (d *AuditDispatcher) Dispatch(rec audit.Record) {
	err := d.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.sink.Write(ctx, rec); err != nil {
			d.dropped()
			d.log.Warn("audit write failed", zap.String("deal_id", rec.DealID), zap.String("action", rec.Action), zap.Error(err))
		}
	})
	if err != nil {
		d.dropped()
		d.log.Warn("audit record dropped", zap.String("deal_id", rec.DealID), zap.String("action", rec.Action), zap.Error(err))
	}
}

func (d *AuditDispatcher) dropped() {
	if d.metrics != nil {
		d.metrics.AuditDropped.Inc()
	}
}

// Close waits briefly for in-flight writes and closes the sink.
func (d *AuditDispatcher) Close(ctx context.Context) error {
	if err := d.pool.ReleaseTimeout(d.timeout); err != nil {
		d.log.Warn("audit pool release timed out", zap.Error(err))
	}
	return d.sink.Close(ctx)
}
