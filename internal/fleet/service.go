// Package fleet wires the storage, remote access and reconciliation loops
// into one supervised service.
package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ig-rudenko/axo-vpn-bot/internal/fleet/billing"
	"github.com/ig-rudenko/axo-vpn-bot/internal/fleet/config"
	"github.com/ig-rudenko/axo-vpn-bot/internal/fleet/db"
	"github.com/ig-rudenko/axo-vpn-bot/internal/fleet/events"
	"github.com/ig-rudenko/axo-vpn-bot/internal/fleet/lifecycle"
	"github.com/ig-rudenko/axo-vpn-bot/internal/fleet/notify"
	"github.com/ig-rudenko/axo-vpn-bot/internal/fleet/reconcile"
	"github.com/ig-rudenko/axo-vpn-bot/internal/fleet/remote"
	applogger "github.com/ig-rudenko/axo-vpn-bot/internal/shared/logger"
)

// loop is one background reconciliation loop with its own cancelable
// context, so a single loop can be stopped without touching the others.
type loop struct {
	name   string
	run    func(ctx context.Context)
	cancel context.CancelFunc
}

// Service owns every component of the fleet daemon and manages its
// lifecycle.
type Service struct {
	config *config.Config
	logger *applogger.Logger

	store       db.Store
	bus         *events.FleetEventBus
	audit       *events.AuditLogger
	gateway     billing.Gateway
	reservation *billing.Reservation

	loops []*loop

	ctx    context.Context
	cancel context.CancelFunc

	signalChan chan os.Signal
	shutdownWg sync.WaitGroup
	loopWg     sync.WaitGroup
	isRunning  bool
	mu         sync.Mutex

	disableSignalHandling bool
}

// NewService creates a Service and initializes all components in dependency
// order.
func NewService(cfg *config.Config, logger *applogger.Logger) (*Service, error) {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Service{
		config:     cfg,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		signalChan: make(chan os.Signal, 1),
	}

	if err := s.initializeComponents(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize service components: %w", err)
	}
	return s, nil
}

func (s *Service) initializeComponents() error {
	cfg := s.config
	s.logger.Unwrap().Info("initializing service components")

	store, err := db.NewStore(&db.Config{
		Path:            cfg.DB.Path,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database store: %w", err)
	}
	s.store = store

	dialer := remote.NewSSHDialer(cfg.Remote.DialTimeout, cfg.Remote.CommandTimeout, s.logger)
	sessions := remote.NewFactory(dialer, cfg.Remote.ConfigFolder, cfg.Remote.ParamsPath, s.logger)

	s.bus = events.NewFleetEventBus(s.logger)
	s.audit = events.NewAuditLogger(s.bus, s.logger)

	s.gateway = billing.NewHTTPGateway(
		cfg.Gateway.BaseURL,
		cfg.Gateway.Token,
		cfg.Gateway.Currency,
		cfg.Gateway.BillExpiry,
		cfg.Gateway.RequestTimeout,
	)
	s.reservation = billing.NewReservation(s.store, s.gateway, s.logger)

	allowedIPs := cfg.WireGuard.AllowedIPs

	configReconciler := reconcile.NewConfigReconciler(
		cfg.Reconciler.ConfigInterval, s.store, sessions, allowedIPs, s.logger)

	lifecycleManager := lifecycle.NewManager(
		cfg.Reconciler.LifecycleInterval, cfg.Reconciler.GraceWindow,
		s.store, sessions, s.bus, allowedIPs, s.logger)

	paymentReconciler := billing.NewReconciler(
		cfg.Reconciler.PaymentInterval, cfg.Reconciler.PaymentBillDelay,
		cfg.Reconciler.PaymentBackoff, cfg.Reconciler.RentMonth,
		s.store, s.gateway, sessions, s.bus, s.logger)

	notifyScheduler, err := notify.NewScheduler(
		cfg.Notify.WakeInterval, cfg.Notify.DailyAt, cfg.Notify.Tolerance,
		cfg.Reconciler.GraceWindow, s.store,
		[]notify.Notifier{notify.NewLogNotifier(s.logger)}, s.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize expiration notifier: %w", err)
	}

	s.loops = []*loop{
		{name: "config-reconciler", run: configReconciler.Start},
		{name: "lifecycle-manager", run: lifecycleManager.Start},
		{name: "payment-reconciler", run: paymentReconciler.Start},
		{name: "expiration-notifier", run: notifyScheduler.Start},
	}

	s.logger.Unwrap().Info("all service components initialized")
	return nil
}

// Reservation exposes bill creation for the presentation layer.
func (s *Service) Reservation() *billing.Reservation {
	return s.reservation
}

// Store exposes the database store.
func (s *Service) Store() db.Store {
	return s.store
}

// Start launches every reconciliation loop under its own child context and
// installs signal handling for graceful shutdown.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("service is already running")
	}

	s.logger.Unwrap().Info("starting fleet service")
	if !s.disableSignalHandling {
		s.setupSignalHandling()
	}

	for _, l := range s.loops {
		loopCtx, loopCancel := context.WithCancel(s.ctx)
		l.cancel = loopCancel

		s.loopWg.Add(1)
		go func(l *loop, ctx context.Context) {
			defer s.loopWg.Done()
			s.logger.Unwrap().Info("loop starting", slog.String("loop", l.name))
			l.run(ctx)
			s.logger.Unwrap().Info("loop exited", slog.String("loop", l.name))
		}(l, loopCtx)
	}

	s.isRunning = true
	s.logger.Unwrap().Info("fleet service started", slog.Int("loops", len(s.loops)))
	return nil
}

// StopLoop cancels one loop by name without affecting the others.
func (s *Service) StopLoop(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range s.loops {
		if l.name == name && l.cancel != nil {
			l.cancel()
			return true
		}
	}
	return false
}

func (s *Service) setupSignalHandling() {
	signal.Notify(s.signalChan, syscall.SIGINT, syscall.SIGTERM)

	s.shutdownWg.Add(1)
	go s.handleSignals()
}

func (s *Service) handleSignals() {
	defer s.shutdownWg.Done()

	select {
	case sig := <-s.signalChan:
		s.logger.Unwrap().Info("received shutdown signal", slog.String("signal", sig.String()))
		if err := s.Stop(); err != nil {
			s.logger.Unwrap().Error("error during graceful shutdown", slog.String("error", err.Error()))
		}
	case <-s.ctx.Done():
	}
}

// WaitForShutdown blocks until the service has shut down.
func (s *Service) WaitForShutdown() {
	s.logger.Unwrap().Info("service running, waiting for shutdown signal")
	s.shutdownWg.Wait()
	s.logger.Unwrap().Info("service shutdown complete")
}

// Stop cancels every loop, waits for them to drain within the shutdown
// timeout and releases the store and event bus.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}

	s.logger.Unwrap().Info("stopping fleet service")

	signal.Stop(s.signalChan)

	for _, l := range s.loops {
		if l.cancel != nil {
			l.cancel()
		}
	}
	s.cancel()

	timeout := s.config.Service.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	done := make(chan struct{})
	go func() {
		s.loopWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Unwrap().Info("all loops drained")
	case <-time.After(timeout):
		s.logger.Unwrap().Warn("shutdown timeout exceeded, abandoning loops",
			slog.Duration("timeout", timeout))
	}

	var lastErr error
	if err := s.bus.Close(); err != nil {
		lastErr = err
	}
	if err := s.store.Close(); err != nil {
		lastErr = err
	}

	s.isRunning = false
	s.logger.Unwrap().Info("fleet service stopped")
	return lastErr
}
