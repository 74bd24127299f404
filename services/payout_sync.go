package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"sponsorhub-backend/core/clock"
	"sponsorhub-backend/core/deal"
	"sponsorhub-backend/metrics"
	"sponsorhub-backend/storage/dealstore"
)

// PayoutProvider settles payouts for approved deals.
type PayoutProvider interface {
	// Settled reports whether the payout for d has cleared.
	Settled(ctx context.Context, d deal.Deal) (bool, error)
}

// MockPayoutProvider clears a payout once it has been requested for at least settleAfter.
type MockPayoutProvider struct {
	settleAfter time.Duration
	clock       clock.Clock
}

func NewMockPayoutProvider(settleAfter time.Duration, clk clock.Clock) *MockPayoutProvider {
	return &MockPayoutProvider{settleAfter: settleAfter, clock: clk}
}

func (p *MockPayoutProvider) Settled(ctx context.Context, d deal.Deal) (bool, error) {
	if d.PayoutRequestedAt == nil {
		return false, nil
	}
	return !p.clock.Now().Before(d.PayoutRequestedAt.Add(p.settleAfter)), nil
}

// PayoutSync polls approved deals and releases payment once the provider settles.
type PayoutSync struct {
	store    dealstore.Store
	deals    *DealService
	provider PayoutProvider
	interval time.Duration
	clock    clock.Clock
	log      *zap.Logger
	metrics  *metrics.Metrics

	mu        sync.Mutex
	scheduler gocron.Scheduler
}

func NewPayoutSync(store dealstore.Store, deals *DealService, provider PayoutProvider, interval time.Duration, clk clock.Clock, log *zap.Logger, m *metrics.Metrics) *PayoutSync {
	if interval <= 0 {
		interval = time.Minute
	}
	return &PayoutSync{
		store:    store,
		deals:    deals,
		provider: provider,
		interval: interval,
		clock:    clk,
		log:      log.Named("payout_sync"),
		metrics:  m,
	}
}

// Start registers the polling job and starts the scheduler.
func (p *PayoutSync) Start() error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	_, err = s.NewJob(
		gocron.DurationJob(p.interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), p.interval)
			defer cancel()
			if _, err := p.RunOnce(ctx); err != nil {
				p.log.Warn("payout sync failed", zap.Error(err))
			}
		}),
		gocron.WithName("payout_sync"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return err
	}
	s.Start()
	p.mu.Lock()
	p.scheduler = s
	p.mu.Unlock()
	p.log.Info("payout sync started", zap.Duration("interval", p.interval))
	return nil
}

func (p *PayoutSync) Stop() {
	p.mu.Lock()
	s := p.scheduler
	p.scheduler = nil
	p.mu.Unlock()
	if s == nil {
		return
	}
	if err := s.Shutdown(); err != nil {
		p.log.Warn("failed to shutdown payout scheduler", zap.Error(err))
	}
}

// RunOnce releases every settled payout and returns how many were released.
func (p *PayoutSync) RunOnce(ctx context.Context) (int, error) {
	pending, err := p.store.PendingPayouts(ctx, p.clock.Now())
	if err != nil {
		return 0, err
	}
	released := 0
	for _, d := range pending {
		if !d.Active() || !deal.CanTransition(d.Stage, deal.TriggerReleasePayment) {
			continue
		}
		ok, err := p.provider.Settled(ctx, d)
		if err != nil {
			p.log.Warn("payout provider error", zap.String("deal_id", d.ID), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		if _, err := p.deals.ReleasePayment(ctx, deal.SystemActor, d.ID); err != nil {
			// Another worker or an admin released it first.
			if errors.Is(err, deal.ErrStaleDeal) || errors.Is(err, deal.ErrInvalidTransition) {
				continue
			}
			p.log.Warn("release payment failed", zap.String("deal_id", d.ID), zap.Error(err))
			continue
		}
		released++
		if p.metrics != nil {
			p.metrics.PayoutsReleased.Inc()
		}
	}
	return released, nil
}
