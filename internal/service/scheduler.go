package service

import (
	"context"
	"sync"
	"time"

	"github.com/casinoloyalty/ledger-server/internal/models"
	"go.uber.org/zap"
)

// Alerter receives the findings of a scheduled drift scan that found drift
type Alerter interface {
	Alert(ctx context.Context, records []models.DriftRecord) error
}

// LogAlerter raises one summary line per scan. Per-account findings are
// already logged by ScanDrift.
type LogAlerter struct {
	Logger *zap.Logger
}

func (a LogAlerter) Alert(_ context.Context, records []models.DriftRecord) error {
	var (
		points  int64
		tenants = make(map[string]struct{})
	)
	for _, r := range records {
		if r.Drift < 0 {
			points -= r.Drift
		} else {
			points += r.Drift
		}
		tenants[r.TenantID] = struct{}{}
	}

	a.Logger.Error("ledger drift alert",
		zap.Int("accounts", len(records)),
		zap.Int("tenants", len(tenants)),
		zap.Int64("drift_points", points),
	)
	return nil
}

// DriftScheduler runs ScanDrift across all tenants on an interval. It only
// reports; reconciliation stays an explicit operator action.
type DriftScheduler struct {
	Service   Service
	Alerter   Alerter
	Interval  time.Duration
	Threshold int64
	Timeout   time.Duration
	Enabled   bool

	logger *zap.Logger
	caller models.Caller

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewDriftScheduler creates a scheduler with a daily interval
func NewDriftScheduler(svc Service, alerter Alerter, logger *zap.Logger) *DriftScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if alerter == nil {
		alerter = LogAlerter{Logger: logger}
	}
	return &DriftScheduler{
		Service:  svc,
		Alerter:  alerter,
		Interval: 24 * time.Hour,
		Timeout:  10 * time.Minute,
		Enabled:  true,
		logger:   logger.Named("drift-scheduler"),
		caller:   models.SystemCaller("drift-scheduler"),
	}
}

// Start begins scanning in the background
func (ds *DriftScheduler) Start() {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if !ds.Enabled {
		ds.logger.Info("disabled, not starting")
		return
	}
	if ds.ticker != nil {
		return
	}

	ds.ticker = time.NewTicker(ds.Interval)
	ds.stop = make(chan struct{})
	ds.wg.Add(1)
	go ds.run(ds.ticker.C, ds.stop)

	ds.logger.Info("started", zap.Duration("interval", ds.Interval))
}

// Stop halts the scheduler and waits for a running scan to finish
func (ds *DriftScheduler) Stop() {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.ticker != nil {
		ds.ticker.Stop()
		close(ds.stop)
		ds.wg.Wait()
		ds.ticker = nil
		ds.logger.Info("stopped")
	}
}

func (ds *DriftScheduler) run(tick <-chan time.Time, stop <-chan struct{}) {
	defer ds.wg.Done()

	// Run immediately on start
	ds.RunOnce()

	for {
		select {
		case <-tick:
			ds.RunOnce()
		case <-stop:
			return
		}
	}
}

// RunOnce performs a single scan and alerts on drift
func (ds *DriftScheduler) RunOnce() []models.DriftRecord {
	ctx, cancel := context.WithTimeout(context.Background(), ds.Timeout)
	defer cancel()

	records, err := ds.Service.ScanDrift(ctx, ds.caller, models.ScanDriftRequest{Threshold: ds.Threshold})
	if err != nil {
		ds.logger.Error("drift scan failed", zap.Error(err))
		return nil
	}
	if len(records) == 0 {
		return records
	}

	if err := ds.Alerter.Alert(ctx, records); err != nil {
		ds.logger.Error("drift alert failed", zap.Error(err), zap.Int("records", len(records)))
	}
	return records
}
