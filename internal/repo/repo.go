package repo

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository provides typed access to Postgres resources.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	schema string
}

// New opens a new connection pool to the database with the desired search_path.
func New(ctx context.Context, databaseURL, schema string, logger *slog.Logger) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if schema != "" {
		cfg.ConnConfig.RuntimeParams["search_path"] = schema
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	r := &PostgresRepository{
		pool:   pool,
		logger: logger.With("component", "repo"),
		schema: schema,
	}

	if err := r.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// Ping ensures the database is reachable.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// WithTx executes fn within a database transaction.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(tx)
	})
}

// RunMigrations applies schema migrations on the connected database.
func (r *PostgresRepository) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	return ApplyMigrations(ctx, r.pool, filesystem)
}

// UpsertUserByWA stores or updates the user profile based on WhatsApp ID.
func (r *PostgresRepository) UpsertUserByWA(ctx context.Context, profile UserProfile) (*User, error) {
	const q = `
INSERT INTO users (wa_id, wa_jid, display_name, phone_number, language_preference, timezone, updated_at)
VALUES ($1, $2, $3, $4, COALESCE($5, 'en-KE'), COALESCE($6, 'Africa/Nairobi'), NOW())
ON CONFLICT (wa_id) DO UPDATE SET
    wa_jid = EXCLUDED.wa_jid,
    display_name = COALESCE(EXCLUDED.display_name, users.display_name),
    phone_number = COALESCE(EXCLUDED.phone_number, users.phone_number),
    language_preference = COALESCE(EXCLUDED.language_preference, users.language_preference),
    timezone = COALESCE(EXCLUDED.timezone, users.timezone),
    updated_at = NOW()
RETURNING id, wa_id, wa_jid, display_name, phone_number, language_preference, timezone, created_at, updated_at;
`
	row := r.pool.QueryRow(ctx, q,
		profile.WAID,
		profile.WAJID,
		profile.DisplayName,
		profile.PhoneNumber,
		profile.LanguagePreference,
		profile.Timezone,
	)

	var u User
	if err := row.Scan(&u.ID, &u.WAID, &u.WAJID, &u.DisplayName, &u.PhoneNumber, &u.LanguagePreference, &u.Timezone, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	return &u, nil
}

// GetUserByID returns user by internal identifier.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id string) (*User, error) {
	const q = `
SELECT id, wa_id, wa_jid, display_name, phone_number, language_preference, timezone, created_at, updated_at
FROM users
WHERE id = $1
LIMIT 1;
`
	row := r.pool.QueryRow(ctx, q, id)
	var user User
	if err := row.Scan(&user.ID, &user.WAID, &user.WAJID, &user.DisplayName, &user.PhoneNumber, &user.LanguagePreference, &user.Timezone, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	return &user, nil
}

// InsertMessage stores a message record for auditing purposes.
func (r *PostgresRepository) InsertMessage(ctx context.Context, msg MessageRecord) error {
	payload, err := toJSON(msg.RawPayload)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO messages (user_id, direction, message_type, content, raw_payload)
VALUES ($1, $2, $3, $4, $5);
`
	_, err = r.pool.Exec(ctx, q,
		msg.UserID,
		msg.Direction,
		msg.Type,
		msg.Content,
		jsonParam(payload),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListRecentMessages returns the latest messages exchanged with the user.
func (r *PostgresRepository) ListRecentMessages(ctx context.Context, userID string, limit int) ([]MessageRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	const q = `
SELECT direction, message_type, content, created_at
FROM messages
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2;
`
	rows, err := r.pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	defer rows.Close()

	var records []MessageRecord
	for rows.Next() {
		var msg MessageRecord
		if err := rows.Scan(&msg.Direction, &msg.Type, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recent message: %w", err)
		}
		msg.UserID = userID
		records = append(records, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent messages: %w", err)
	}
	return records, nil
}
