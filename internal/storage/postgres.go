package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

// Migrate applies the embedded schema files in name order. Every statement
// is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

func (p *PostgresStore) Service(ctx context.Context, id string) (models.Service, error) {
	var s models.Service
	err := p.db.QueryRowContext(ctx, `
        SELECT id, vehicle_class, base_fare, per_km, per_minute, minimum_fare,
               cancellation_fee, cancellation_driver_share, provider_share_percent, search_radius_m
        FROM services WHERE id = $1`, id).Scan(
		&s.ID, &s.VehicleClass, &s.BaseFare, &s.PerKm, &s.PerMinute, &s.MinimumFare,
		&s.CancellationFee, &s.CancellationDriverShare, &s.ProviderSharePercent, &s.SearchRadiusM,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Service{}, fmt.Errorf("service %s: %w", id, apperr.ErrNotFound)
	}
	return s, err
}

func (p *PostgresStore) PutService(ctx context.Context, s models.Service) error {
	_, err := p.db.ExecContext(ctx, `
        INSERT INTO services (id, vehicle_class, base_fare, per_km, per_minute, minimum_fare,
                              cancellation_fee, cancellation_driver_share, provider_share_percent, search_radius_m)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
        ON CONFLICT (id) DO UPDATE SET
            vehicle_class = EXCLUDED.vehicle_class, base_fare = EXCLUDED.base_fare,
            per_km = EXCLUDED.per_km, per_minute = EXCLUDED.per_minute,
            minimum_fare = EXCLUDED.minimum_fare, cancellation_fee = EXCLUDED.cancellation_fee,
            cancellation_driver_share = EXCLUDED.cancellation_driver_share,
            provider_share_percent = EXCLUDED.provider_share_percent,
            search_radius_m = EXCLUDED.search_radius_m`,
		s.ID, s.VehicleClass, s.BaseFare, s.PerKm, s.PerMinute, s.MinimumFare,
		s.CancellationFee, s.CancellationDriverShare, s.ProviderSharePercent, s.SearchRadiusM,
	)
	return err
}

// CouponByCode reads the legacy discount columns and resolves them to a
// tagged kind. Rows populating both flat and percent are served as flat
// and logged.
func (p *PostgresStore) CouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	var c models.Coupon
	var flat, percent, maxCost decimal.Decimal
	var expireAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `
        SELECT id, code, discount_flat, discount_percent, maximum_cost, minimum_cost,
               many_users_can_use, many_times_user_can_use, start_at, expire_at, is_enabled
        FROM coupons WHERE code = $1`, code).Scan(
		&c.ID, &c.Code, &flat, &percent, &maxCost, &c.MinimumCost,
		&c.ManyUsersCanUse, &c.ManyTimesUserCanUse, &c.StartAt, &expireAt, &c.IsEnabled,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("coupon %s: %w", code, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	kind, ambiguous := models.ResolveDiscount(flat, percent, maxCost)
	if ambiguous {
		p.logger.Warn("coupon has both flat and percent discount; using flat", "coupon_id", c.ID, "code", c.Code)
	}
	c.Discount = kind
	c.ExpireAt = toTimePtr(expireAt)
	return &c, nil
}

func (p *PostgresStore) PutCoupon(ctx context.Context, c models.Coupon) error {
	var flat, percent, maxCost decimal.Decimal
	switch c.Discount.Type {
	case models.DiscountFlat:
		flat = c.Discount.Value
	case models.DiscountPercent:
		percent, maxCost = c.Discount.Value, c.Discount.Cap
	}
	_, err := p.db.ExecContext(ctx, `
        INSERT INTO coupons (id, code, discount_flat, discount_percent, maximum_cost, minimum_cost,
                             many_users_can_use, many_times_user_can_use, start_at, expire_at, is_enabled)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		c.ID, c.Code, flat, percent, maxCost, c.MinimumCost,
		c.ManyUsersCanUse, c.ManyTimesUserCanUse, c.StartAt, c.ExpireAt, c.IsEnabled,
	)
	return err
}

const orderColumns = `
    id, status, customer_id, driver_id, service_id,
    pickup_text, pickup_lat, pickup_lon, dropoff_text, dropoff_lat, dropoff_lon,
    payment_mode, distance_m, duration_s,
    estimated_fare, discount, final_fare, paid_amount, tip_amount,
    coupon_id, coupon_snapshot, cancel_reason_id, payment_url, settled,
    created_at, booked_at, found_at, accepted_at, arrived_at, started_at, finished_at, cancelled_at`

// snapshotArg encodes the coupon snapshot as text; lib/pq would send a
// []byte as bytea, which jsonb rejects.
func snapshotArg(c *models.CouponSnapshot) (any, error) {
	if c == nil {
		return nil, nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func orderArgs(o *models.Order) ([]any, error) {
	snapshot, err := snapshotArg(o.Coupon)
	if err != nil {
		return nil, err
	}
	return []any{
		o.ID, string(o.Status), o.CustomerID, o.DriverID, o.ServiceID,
		o.Pickup.Text, o.Pickup.Loc.Lat, o.Pickup.Loc.Lon, o.Dropoff.Text, o.Dropoff.Loc.Lat, o.Dropoff.Loc.Lon,
		string(o.PaymentMode), o.Route.DistanceM, o.Route.DurationS,
		o.EstimatedFare, o.Discount, o.FinalFare, o.PaidAmount, o.TipAmount,
		o.CouponID, snapshot, o.CancelReasonID, o.PaymentURL, o.Settled,
		o.CreatedAt, o.BookedAt, o.FoundAt, o.AcceptedAt, o.ArrivedAt, o.StartedAt, o.FinishedAt, o.CancelledAt,
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var o models.Order
	var driverID, couponID, cancelReason, paymentURL sql.NullString
	var paid decimal.NullDecimal
	var snapshot []byte
	var bookedAt, foundAt, acceptedAt, arrivedAt, startedAt, finishedAt, cancelledAt sql.NullTime

	err := row.Scan(
		&o.ID, &o.Status, &o.CustomerID, &driverID, &o.ServiceID,
		&o.Pickup.Text, &o.Pickup.Loc.Lat, &o.Pickup.Loc.Lon, &o.Dropoff.Text, &o.Dropoff.Loc.Lat, &o.Dropoff.Loc.Lon,
		&o.PaymentMode, &o.Route.DistanceM, &o.Route.DurationS,
		&o.EstimatedFare, &o.Discount, &o.FinalFare, &paid, &o.TipAmount,
		&couponID, &snapshot, &cancelReason, &paymentURL, &o.Settled,
		&o.CreatedAt, &bookedAt, &foundAt, &acceptedAt, &arrivedAt, &startedAt, &finishedAt, &cancelledAt,
	)
	if err != nil {
		return nil, err
	}
	o.DriverID = toStringPtr(driverID)
	o.CouponID = toStringPtr(couponID)
	o.CancelReasonID = toStringPtr(cancelReason)
	o.PaymentURL = toStringPtr(paymentURL)
	if paid.Valid {
		v := paid.Decimal
		o.PaidAmount = &v
	}
	if len(snapshot) > 0 {
		var s models.CouponSnapshot
		if err := json.Unmarshal(snapshot, &s); err != nil {
			return nil, fmt.Errorf("coupon snapshot: %w", err)
		}
		o.Coupon = &s
	}
	o.BookedAt = toTimePtr(bookedAt)
	o.FoundAt = toTimePtr(foundAt)
	o.AcceptedAt = toTimePtr(acceptedAt)
	o.ArrivedAt = toTimePtr(arrivedAt)
	o.StartedAt = toTimePtr(startedAt)
	o.FinishedAt = toTimePtr(finishedAt)
	o.CancelledAt = toTimePtr(cancelledAt)
	return &o, nil
}

func (p *PostgresStore) CreateOrder(ctx context.Context, o *models.Order) error {
	args, err := orderArgs(o)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := guardCoupon(ctx, tx, o); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,
        $17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32)`, args...)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("order %s exists: %w", o.ID, apperr.ErrConflict)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// guardCoupon locks the coupon row and re-counts its usage inside tx. The
// lock serializes every order taking the same coupon.
func guardCoupon(ctx context.Context, tx *sql.Tx, o *models.Order) error {
	if o.CouponID == nil {
		return nil
	}
	c := models.Coupon{ID: *o.CouponID}
	err := tx.QueryRowContext(ctx, `
        SELECT many_users_can_use, many_times_user_can_use FROM coupons WHERE id = $1 FOR UPDATE`,
		c.ID).Scan(&c.ManyUsersCanUse, &c.ManyTimesUserCanUse)
	if errors.Is(err, sql.ErrNoRows) {
		return fare.ErrCouponNotFound
	}
	if err != nil {
		return err
	}
	if !c.Capped() {
		return nil
	}
	total, mine, err := couponUsage(ctx, tx, c.ID, o.CustomerID, o.ID)
	if err != nil {
		return err
	}
	return fare.CheckUsage(&c, total, mine)
}

func (p *PostgresStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	o, err := scanOrder(p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, apperr.ErrNotFound)
	}
	return o, err
}

// UpdateOrder locks the row, checks it is still in status from, applies
// mutate and writes every column back in the same transaction.
func (p *PostgresStore) UpdateOrder(ctx context.Context, id string, from models.OrderStatus, mutate func(*models.Order) error) (*models.Order, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	cur, err := scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if cur.Status != from {
		return nil, fmt.Errorf("order %s is %s, not %s: %w", id, cur.Status, from, apperr.ErrConflict)
	}
	hadCoupon := cur.CouponID != nil
	if err := mutate(cur); err != nil {
		return nil, err
	}
	if !hadCoupon {
		if err := guardCoupon(ctx, tx, cur); err != nil {
			return nil, err
		}
	}
	snapshot, err := snapshotArg(cur.Coupon)
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, `
        UPDATE orders SET
            status = $3, driver_id = $4, payment_mode = $5,
            estimated_fare = $6, discount = $7, final_fare = $8, paid_amount = $9, tip_amount = $10,
            coupon_id = $11, coupon_snapshot = $12, cancel_reason_id = $13, payment_url = $14, settled = $15,
            booked_at = $16, found_at = $17, accepted_at = $18, arrived_at = $19,
            started_at = $20, finished_at = $21, cancelled_at = $22
        WHERE id = $1 AND status = $2`,
		id, string(from),
		string(cur.Status), cur.DriverID, string(cur.PaymentMode),
		cur.EstimatedFare, cur.Discount, cur.FinalFare, cur.PaidAmount, cur.TipAmount,
		cur.CouponID, snapshot, cur.CancelReasonID, cur.PaymentURL, cur.Settled,
		cur.BookedAt, cur.FoundAt, cur.AcceptedAt, cur.ArrivedAt,
		cur.StartedAt, cur.FinishedAt, cur.CancelledAt,
	)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, fmt.Errorf("order %s changed concurrently: %w", id, apperr.ErrConflict)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cur, nil
}

// AcceptDriver is a single conditional UPDATE so two accepts cannot both
// land, and the order never rests in Found.
func (p *PostgresStore) AcceptDriver(ctx context.Context, id, driverID string, at time.Time) (*models.Order, error) {
	o, err := scanOrder(p.db.QueryRowContext(ctx, `
        UPDATE orders SET driver_id = $2, status = $3, found_at = $4, accepted_at = $4
        WHERE id = $1 AND status = $5 AND driver_id IS NULL
        RETURNING `+orderColumns,
		id, driverID, string(models.StatusDriverAccepted), at, string(models.StatusBooked)))
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := p.GetOrder(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, fmt.Errorf("order %s not assignable: %w", id, apperr.ErrConflict)
	}
	return o, err
}

// PendingDispatch lists orders still waiting for a driver, oldest first.
func (p *PostgresStore) PendingDispatch(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
        SELECT id FROM orders WHERE status IN ($1, $2) ORDER BY created_at, id`,
		string(models.StatusRequested), string(models.StatusBooked))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresStore) CouponUsage(ctx context.Context, couponID, customerID string) (int, int, error) {
	return couponUsage(ctx, p.db, couponID, customerID, "")
}

func couponUsage(ctx context.Context, q queryer, couponID, customerID, excludeOrderID string) (int, int, error) {
	var total, mine int
	err := q.QueryRowContext(ctx, `
        SELECT COUNT(*), COUNT(*) FILTER (WHERE customer_id = $2)
        FROM orders
        WHERE coupon_id = $1 AND status NOT IN ($3, $4) AND id <> $5`,
		couponID, customerID, string(models.StatusRiderCanceled), string(models.StatusDriverCanceled), excludeOrderID,
	).Scan(&total, &mine)
	return total, mine, err
}

func (p *PostgresStore) HasActiveOrder(ctx context.Context, customerID string) (bool, error) {
	terminal := make([]string, 0, len(models.TerminalStatuses))
	for _, s := range models.TerminalStatuses {
		terminal = append(terminal, string(s))
	}
	var exists bool
	err := p.db.QueryRowContext(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM orders WHERE customer_id = $1 AND NOT (status = ANY($2))
        )`, customerID, pq.Array(terminal)).Scan(&exists)
	return exists, err
}

func toStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func toTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
