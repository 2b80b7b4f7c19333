package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-negotiator/internal/models"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const dbTimeout = 3 * time.Second

const rideColumns = `id, rider_name, rider_phone, origin, destination, initial_price, current_price,
	status, last_offer_id, agreed_driver_name, agreed_driver_phone, created_at, updated_at`

const offerColumns = `id, ride_id, parent_offer_id, role, from_user_name, from_user_phone,
	offer_amount, message, is_accepted, created_at`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies the embedded migrations in lexical order. Every statement
// is idempotent so it is safe to run on each start.
func (p *PostgresStore) Migrate(ctx context.Context) ([]string, error) {
	names, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrationFS.ReadFile(name)
		if err != nil {
			return nil, err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return nil, fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return names, nil
}

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		r.ID, r.RiderName, r.RiderPhone, r.Origin, r.Destination, r.InitialPrice, r.CurrentPrice,
		r.Status, r.LastOfferID, r.AgreedDriverName, r.AgreedDriverPhone, r.CreatedAt, r.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert ride: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()
	r, err := scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query ride: %w", err)
	}
	return r, nil
}

func (p *PostgresStore) ListRides(ctx context.Context, f models.RideFilter) ([]*models.Ride, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, pq.Array(statuses))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	query := `SELECT ` + rideColumns + ` FROM rides`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rides: %w", err)
	}
	defer rows.Close()
	out := []*models.Ride{}
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ride: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetOffer(ctx context.Context, id string) (*models.Offer, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()
	o, err := scanOffer(p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query offer: %w", err)
	}
	return o, nil
}

func (p *PostgresStore) ListOffers(ctx context.Context, rideID string) ([]*models.Offer, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()
	rows, err := p.db.QueryContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE ride_id = $1 ORDER BY seq`, rideID)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	defer rows.Close()
	out := []*models.Offer{}
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan offer: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AppendOffer(ctx context.Context, prev Version, r *models.Ride, o *models.Offer) error {
	return p.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := casRide(ctx, tx, prev, r); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO offers(`+offerColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			o.ID, o.RideID, o.ParentOfferID, o.Role, o.FromUserName, o.FromUserPhone,
			o.OfferAmount, o.Message, o.IsAccepted, o.CreatedAt)
		if isUniqueViolation(err) {
			return ErrConflict
		}
		if err != nil {
			return fmt.Errorf("insert offer: %w", err)
		}
		return nil
	})
}

func (p *PostgresStore) AcceptOffer(ctx context.Context, prev Version, r *models.Ride, offerID string) error {
	return p.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := casRide(ctx, tx, prev, r); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `UPDATE offers SET is_accepted = TRUE WHERE id = $1 AND ride_id = $2`, offerID, r.ID)
		if isUniqueViolation(err) {
			return ErrConflict
		}
		if err != nil {
			return fmt.Errorf("accept offer: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) inTx(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

const casRideSQL = `UPDATE rides
		SET status = $1, current_price = $2, last_offer_id = $3,
			agreed_driver_name = $4, agreed_driver_phone = $5, updated_at = $6
		WHERE id = $7 AND status = $8 AND last_offer_id = $9`

func casRideArgs(prev Version, r *models.Ride) []any {
	return []any{
		r.Status, r.CurrentPrice, r.LastOfferID, r.AgreedDriverName, r.AgreedDriverPhone, r.UpdatedAt,
		r.ID, prev.Status, prev.LastOfferID,
	}
}

// casRide writes the ride's mutable columns only when the stored row still
// matches prev. A miss is reported as ErrConflict.
func casRide(ctx context.Context, tx *sql.Tx, prev Version, r *models.Ride) error {
	res, err := tx.ExecContext(ctx, casRideSQL, casRideArgs(prev, r)...)
	if err != nil {
		return fmt.Errorf("update ride: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(s rowScanner) (*models.Ride, error) {
	var r models.Ride
	err := s.Scan(&r.ID, &r.RiderName, &r.RiderPhone, &r.Origin, &r.Destination, &r.InitialPrice, &r.CurrentPrice,
		&r.Status, &r.LastOfferID, &r.AgreedDriverName, &r.AgreedDriverPhone, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func scanOffer(s rowScanner) (*models.Offer, error) {
	var o models.Offer
	err := s.Scan(&o.ID, &o.RideID, &o.ParentOfferID, &o.Role, &o.FromUserName, &o.FromUserPhone,
		&o.OfferAmount, &o.Message, &o.IsAccepted, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
