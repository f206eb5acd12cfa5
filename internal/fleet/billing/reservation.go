package billing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ig-rudenko/axo-vpn-bot/internal/fleet/db"
	apperrors "github.com/ig-rudenko/axo-vpn-bot/internal/shared/errors"
	applogger "github.com/ig-rudenko/axo-vpn-bot/internal/shared/logger"
)

// Reservation creates bills for purchases and extensions. For a purchase it
// reserves free slots while the payment form is open; the reservation is
// rolled back if the gateway refuses the bill. The reconciler later settles
// or cancels what was created here.
type Reservation struct {
	store   db.Store
	gateway Gateway
	logger  *applogger.Logger
}

// NewReservation creates a reservation helper.
func NewReservation(store db.Store, gateway Gateway, logger *applogger.Logger) *Reservation {
	return &Reservation{
		store:   store,
		gateway: gateway,
		logger:  logger.WithComponent("billing.reservation"),
	}
}

// PendingBill is the caller-facing result of a successful reservation.
type PendingBill struct {
	Bill        db.ActiveBill
	PayURL      string
	Connections []db.VPNConnection
}

// ReserveNew reserves count free slots on the server for the user, creates a
// gateway bill for amount and records it. On gateway failure the slots
// return to the pool and an error is returned.
func (r *Reservation) ReserveNew(ctx context.Context, chatID, serverID, count, months, amount int64) (PendingBill, error) {
	if count <= 0 || months <= 0 {
		return PendingBill{}, apperrors.NewSystemError(apperrors.ErrCodeValidation,
			"count and months must be positive", false, nil)
	}

	user, err := r.store.GetOrCreateUserByChatID(ctx, chatID)
	if err != nil {
		return PendingBill{}, err
	}

	free, err := r.store.ListFreeConnections(ctx, serverID, count)
	if err != nil {
		return PendingBill{}, err
	}
	if int64(len(free)) < count {
		return PendingBill{}, apperrors.NewSystemError(apperrors.ErrCodeConstraint,
			fmt.Sprintf("server has only %d free connections", len(free)), false, nil).
			WithMetadata("server_id", serverID)
	}

	// Hold the slots so nobody else can take them while the form is open.
	err = r.store.ExecTx(ctx, func(q *db.Queries) error {
		for _, conn := range free {
			if err := q.ReserveConnection(ctx, conn.ID, user.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return PendingBill{}, err
	}

	ref, err := r.gateway.CreateBill(ctx, amount)
	if err != nil {
		r.rollback(ctx, free)
		return PendingBill{}, err
	}

	bill, err := r.recordBill(ctx, ref, user.ID, db.BillTypeNew, months, free)
	if err != nil {
		r.rollback(ctx, free)
		return PendingBill{}, err
	}

	r.logger.InfoContext(ctx, "reserved connections for purchase",
		slog.Int64("user_id", user.ID),
		slog.Int64("server_id", serverID),
		slog.Int("connections", len(free)),
		slog.String("bill_id", ref.ID))

	return PendingBill{Bill: bill, PayURL: ref.PayURL, Connections: free}, nil
}

// ReserveExtension creates an extension bill for a connection the user
// already owns. No slot state changes until the bill is paid.
func (r *Reservation) ReserveExtension(ctx context.Context, chatID, connectionID, months, amount int64) (PendingBill, error) {
	if months <= 0 {
		return PendingBill{}, apperrors.NewSystemError(apperrors.ErrCodeValidation,
			"months must be positive", false, nil)
	}

	user, err := r.store.GetOrCreateUserByChatID(ctx, chatID)
	if err != nil {
		return PendingBill{}, err
	}

	conn, err := r.store.GetConnection(ctx, connectionID)
	if err != nil {
		return PendingBill{}, err
	}
	if !conn.UserID.Valid || conn.UserID.Int64 != user.ID {
		return PendingBill{}, apperrors.NewSystemError(apperrors.ErrCodeConstraint,
			"connection does not belong to this user", false, nil).
			WithMetadata("connection_id", connectionID)
	}

	ref, err := r.gateway.CreateBill(ctx, amount)
	if err != nil {
		return PendingBill{}, err
	}

	bill, err := r.recordBill(ctx, ref, user.ID, db.BillTypeExtend, months, []db.VPNConnection{conn})
	if err != nil {
		return PendingBill{}, err
	}

	r.logger.InfoContext(ctx, "created extension bill",
		slog.Int64("user_id", user.ID),
		slog.Int64("connection_id", connectionID),
		slog.String("bill_id", ref.ID))

	return PendingBill{Bill: bill, PayURL: ref.PayURL, Connections: []db.VPNConnection{conn}}, nil
}

func (r *Reservation) recordBill(ctx context.Context, ref BillRef, userID int64, kind db.BillType, months int64, conns []db.VPNConnection) (db.ActiveBill, error) {
	var bill db.ActiveBill
	err := r.store.ExecTx(ctx, func(q *db.Queries) error {
		var err error
		bill, err = q.CreateBill(ctx, db.CreateBillParams{
			BillID:        ref.ID,
			UserID:        userID,
			BillType:      kind,
			RentMonths:    months,
			FormExpiresAt: ref.ExpiresAt,
			PayURL:        ref.PayURL,
		})
		if err != nil {
			return err
		}
		for _, conn := range conns {
			if err := q.AssociateBillConnection(ctx, bill.ID, conn.ID); err != nil {
				return err
			}
		}
		return nil
	})
	return bill, err
}

func (r *Reservation) rollback(ctx context.Context, conns []db.VPNConnection) {
	err := r.store.ExecTx(ctx, func(q *db.Queries) error {
		for _, conn := range conns {
			if err := q.ReleaseConnection(ctx, conn.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		r.logger.ErrorCtx(ctx, "failed to roll back reservation", err)
	}
}
