package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"escrownotify/internal/types"
)

// UserRepository provides the user directory lookups the notification
// adapters need: contact phone and channel preferences by user ID.
type UserRepository struct {
	db DBTX
}

// NewUserRepository creates a new UserRepository backed by the given database
// connection (pool or transaction).
func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

// GetByID returns the user with the given ID. An unknown ID yields an
// ErrCodeNotFoundUser error; the integration layer treats that as a skip
// rather than a failure.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*types.User, error) {
	var (
		u     types.User
		name  *string
		phone *string
		prefs []byte
	)

	err := r.db.QueryRow(ctx,
		`SELECT id, name, phone, notification_preferences
		 FROM users
		 WHERE id = $1`,
		id,
	).Scan(&u.ID, &name, &phone, &prefs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user "+id+" not found", err)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get user", err)
	}

	if name != nil {
		u.Name = *name
	}
	if phone != nil {
		u.Phone = *phone
	}
	if len(prefs) > 0 {
		var p types.NotificationPreferences
		if err := json.Unmarshal(prefs, &p); err == nil {
			u.Preferences = &p
		}
	}

	return &u, nil
}

// OTPRepository persists delivery confirmation codes keyed by order ID.
type OTPRepository struct {
	db DBTX
}

// NewOTPRepository creates a new OTPRepository backed by the given database
// connection (pool or transaction).
func NewOTPRepository(db DBTX) *OTPRepository {
	return &OTPRepository{db: db}
}

// Upsert stores a delivery OTP for an order, replacing any prior unverified
// code. A re-dispatched "out for delivery" event regenerates the code.
func (r *OTPRepository) Upsert(ctx context.Context, otp *types.DeliveryOTP) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO delivery_otps (order_id, code, is_verified, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (order_id) DO UPDATE SET
			code = EXCLUDED.code,
			is_verified = EXCLUDED.is_verified,
			expires_at = EXCLUDED.expires_at,
			created_at = EXCLUDED.created_at`,
		otp.OrderID,
		otp.Code,
		otp.IsVerified,
		otp.ExpiresAt,
		otp.CreatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to store delivery OTP", err)
	}
	return nil
}

// GetByOrderID returns the OTP record for an order, or (nil, nil) when none
// exists. Verification is handled by the delivery subsystem; this lookup
// exists for the operator dashboard.
func (r *OTPRepository) GetByOrderID(ctx context.Context, orderID string) (*types.DeliveryOTP, error) {
	var (
		otp       types.DeliveryOTP
		expiresAt time.Time
		createdAt time.Time
	)

	err := r.db.QueryRow(ctx,
		`SELECT order_id, code, is_verified, expires_at, created_at
		 FROM delivery_otps
		 WHERE order_id = $1`,
		orderID,
	).Scan(&otp.OrderID, &otp.Code, &otp.IsVerified, &expiresAt, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get delivery OTP", err)
	}

	otp.ExpiresAt = expiresAt
	otp.CreatedAt = createdAt
	return &otp, nil
}
