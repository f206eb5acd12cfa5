package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/ig-rudenko/axo-vpn-bot/internal/fleet/db"
	"github.com/ig-rudenko/axo-vpn-bot/internal/fleet/events"
	"github.com/ig-rudenko/axo-vpn-bot/internal/fleet/remote"
	apperrors "github.com/ig-rudenko/axo-vpn-bot/internal/shared/errors"
	applogger "github.com/ig-rudenko/axo-vpn-bot/internal/shared/logger"
)

// Reconciler polls the gateway for every outstanding bill and resolves paid,
// rejected and expired bills. An indeterminate answer makes the loop back
// off and leave the bill for the next pass.
type Reconciler struct {
	interval  time.Duration
	billDelay time.Duration
	backoff   time.Duration
	rentMonth time.Duration

	store    db.Store
	gateway  Gateway
	sessions remote.SessionFactory
	bus      *events.FleetEventBus
	logger   *applogger.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// NewReconciler creates a payment reconciler.
func NewReconciler(interval, billDelay, backoff, rentMonth time.Duration, store db.Store, gateway Gateway, sessions remote.SessionFactory, bus *events.FleetEventBus, logger *applogger.Logger) *Reconciler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if billDelay <= 0 {
		billDelay = 3 * time.Second
	}
	if backoff <= 0 {
		backoff = 10 * time.Second
	}
	if rentMonth <= 0 {
		rentMonth = 31 * 24 * time.Hour
	}
	return &Reconciler{
		interval:  interval,
		billDelay: billDelay,
		backoff:   backoff,
		rentMonth: rentMonth,
		store:     store,
		gateway:   gateway,
		sessions:  sessions,
		bus:       bus,
		logger:    logger.WithComponent("billing"),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Start begins the payment polling loop. Blocks until ctx is canceled.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.InfoContext(ctx, "payment reconciler started",
		slog.Duration("interval", r.interval))

	r.RunPass(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "payment reconciler stopped")
			return
		case <-ticker.C:
			r.RunPass(ctx)
		}
	}
}

// RunPass checks every outstanding bill once. Bills are processed serially
// with a delay in between to stay under the gateway's rate limit.
func (r *Reconciler) RunPass(ctx context.Context) {
	bills, err := r.store.ListBillsWithConnections(ctx)
	if err != nil {
		r.logger.ErrorCtx(ctx, "failed to list outstanding bills", err)
		return
	}

	for _, bill := range bills {
		if ctx.Err() != nil {
			return
		}
		if err := r.processBill(ctx, bill); err != nil {
			if IsIndeterminate(err) {
				r.logger.WarnContext(ctx, "gateway unavailable, backing off",
					slog.String("bill_id", bill.BillID))
				r.sleep(ctx, r.backoff)
			} else {
				r.logger.ErrorCtx(ctx, "bill processing failed", err,
					slog.String("bill_id", bill.BillID))
			}
		}
		r.sleep(ctx, r.billDelay)
	}
}

func (r *Reconciler) processBill(ctx context.Context, bill db.BillWithConnections) error {
	status, err := r.gateway.CheckStatus(ctx, bill.BillID)
	if err != nil {
		return err
	}

	switch status {
	case StatusRejected, StatusExpired:
		// Extension bills hold no reservation; discard the bill and the
		// renter keeps the remaining lease.
		if bill.BillType != db.BillTypeNew {
			return r.dropBill(ctx, bill)
		}
		return r.cancelBill(ctx, bill)
	case StatusPaid:
		return r.settleBill(ctx, bill)
	default:
		return nil
	}
}

// cancelBill releases every reserved connection and removes the bill, in one
// transaction.
func (r *Reconciler) cancelBill(ctx context.Context, bill db.BillWithConnections) error {
	r.logger.InfoContext(ctx, "bill rejected, releasing reserved connections",
		slog.String("bill_id", bill.BillID),
		slog.Int64("user_id", bill.UserID),
		slog.Int("connections", len(bill.Connections)))

	err := r.store.ExecTx(ctx, func(q *db.Queries) error {
		for _, conn := range bill.Connections {
			if err := q.ReleaseConnection(ctx, conn.ID); err != nil {
				return err
			}
		}
		return q.DeleteBill(ctx, bill.ID)
	})
	if err != nil {
		return err
	}

	return r.bus.PublishBillCanceled(billEvent(bill))
}

// dropBill removes a resolved extension bill without touching connections.
func (r *Reconciler) dropBill(ctx context.Context, bill db.BillWithConnections) error {
	if err := r.store.DeleteBill(ctx, bill.ID); err != nil {
		return err
	}
	return r.bus.PublishBillCanceled(billEvent(bill))
}

// settleBill unfreezes every connection on its server, then commits the new
// leases and deletes the bill in one transaction. Remote work happens first:
// if any host fails the bill survives and the whole settlement retries on
// the next pass. Unfreezing an already open route is a no-op, so retries are
// safe.
func (r *Reconciler) settleBill(ctx context.Context, bill db.BillWithConnections) error {
	r.logger.InfoContext(ctx, "bill paid, activating connections",
		slog.String("bill_id", bill.BillID),
		slog.Int64("user_id", bill.UserID),
		slog.Int64("rent_months", bill.RentMonths))

	type pendingLease struct {
		connID int64
		until  time.Time
	}
	leases := make([]pendingLease, 0, len(bill.Connections))

	for _, conn := range bill.Connections {
		server, err := r.store.GetServer(ctx, conn.ServerID)
		if apperrors.IsNotFound(err) {
			r.logger.WarnContext(ctx, "connection references missing server",
				slog.Int64("connection_id", conn.ID),
				slog.Int64("server_id", conn.ServerID))
			continue
		}
		if err != nil {
			return err
		}

		if err := r.unfreeze(ctx, server, conn.LocalIP); err != nil {
			return err
		}

		from := r.now()
		if conn.AvailableTo.Valid {
			from = conn.AvailableTo.Time
		}
		until := from.Add(time.Duration(bill.RentMonths) * r.rentMonth)

		r.logger.InfoContext(ctx, "extending lease",
			slog.String("local_ip", conn.LocalIP),
			slog.String("server", server.Name),
			slog.Time("until", until))

		leases = append(leases, pendingLease{connID: conn.ID, until: until})
	}

	err := r.store.ExecTx(ctx, func(q *db.Queries) error {
		for _, lease := range leases {
			if err := q.ActivateConnection(ctx, lease.connID, bill.UserID, lease.until); err != nil {
				return err
			}
		}
		return q.DeleteBill(ctx, bill.ID)
	})
	if err != nil {
		return err
	}

	return r.bus.PublishBillSettled(billEvent(bill))
}

func (r *Reconciler) unfreeze(ctx context.Context, server db.Server, localIP string) error {
	session, err := r.sessions.Open(ctx, server)
	if err != nil {
		return err
	}
	defer session.Close()
	return session.Unfreeze(ctx, localIP)
}

func billEvent(bill db.BillWithConnections) events.BillEvent {
	connIDs := make([]int64, 0, len(bill.Connections))
	for _, conn := range bill.Connections {
		connIDs = append(connIDs, conn.ID)
	}
	return events.BillEvent{
		BillID:      bill.BillID,
		UserID:      bill.UserID,
		BillType:    string(bill.BillType),
		RentMonths:  bill.RentMonths,
		Connections: connIDs,
	}
}
