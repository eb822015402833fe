package userstorepg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mapperinfluence/miauth/internal/userstore"
)

const pgUniqueViolation = "23505"

// Store is the raw-SQL PostgreSQL implementation of the user store.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewStore constructs a Postgres store over an existing pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// Driver exposes the driver label used in logs.
func (store *Store) Driver() string {
	return "pgx"
}

// Ping checks database connectivity.
func (store *Store) Ping(ctx context.Context) error {
	return store.pool.Ping(ctx)
}

// Close releases the pool.
func (store *Store) Close() error {
	store.pool.Close()
	return nil
}

// GetUser returns the durable identity row.
func (store *Store) GetUser(ctx context.Context, userID int64) (userstore.User, error) {
	var user userstore.User
	row := store.pool.QueryRow(ctx, `
SELECT id, user_name, profile_picture, modified_at
FROM users
WHERE id = $1
`, userID)
	if scanErr := row.Scan(&user.ID, &user.UserName, &user.ProfilePicture, &user.ModifiedAt); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return userstore.User{}, userstore.NotFound("user_store_pg.get_user", userID)
		}
		return userstore.User{}, fmt.Errorf("user_store_pg.get_user: %w", scanErr)
	}
	user.ModifiedAt = user.ModifiedAt.UTC()
	return user, nil
}

// GetFullUser returns the join of the identity, profile and snapshot rows.
func (store *Store) GetFullUser(ctx context.Context, userID int64) (userstore.FullUser, error) {
	var full userstore.FullUser
	var featuredMaps []byte
	row := store.pool.QueryRow(ctx, `
SELECT users.id, users.user_name, users.profile_picture,
       profile.bio, profile.featured_maps,
       osu.ranked_count, osu.loved_count, osu.nominated_count, osu.graveyard_count, osu.guest_count,
       osu.modified_at
FROM users
INNER JOIN user_profiles profile ON profile.user_id = users.id
INNER JOIN users_osu_data osu ON osu.user_id = users.id
WHERE users.id = $1
`, userID)
	scanErr := row.Scan(
		&full.ID, &full.UserName, &full.ProfilePicture,
		&full.Bio, &featuredMaps,
		&full.Counts.Ranked, &full.Counts.Loved, &full.Counts.Nominated, &full.Counts.Graveyard, &full.Counts.Guest,
		&full.OsuDataModifiedAt,
	)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return userstore.FullUser{}, userstore.NotFound("user_store_pg.get_full_user", userID)
		}
		return userstore.FullUser{}, fmt.Errorf("user_store_pg.get_full_user: %w", scanErr)
	}
	decoded, decodeErr := decodeFeaturedMaps(featuredMaps)
	if decodeErr != nil {
		return userstore.FullUser{}, fmt.Errorf("user_store_pg.get_full_user: %w", decodeErr)
	}
	full.FeaturedMaps = decoded
	full.OsuDataModifiedAt = full.OsuDataModifiedAt.UTC()
	return full, nil
}

// InsertUserTriplet creates the user, profile and snapshot rows in one transaction.
func (store *Store) InsertUserTriplet(ctx context.Context, newUser userstore.NewUser) (userstore.User, error) {
	if newUser.ID <= 0 || newUser.UserName == "" {
		return userstore.User{}, &userstore.UserError{Op: "user_store_pg.insert_user_triplet", UserID: newUser.ID, Err: userstore.ErrInvalidUpdate}
	}
	now := store.now().UTC()
	err := pgx.BeginFunc(ctx, store.pool, func(tx pgx.Tx) error {
		if _, execErr := tx.Exec(ctx, `
INSERT INTO users (id, user_name, profile_picture, modified_at)
VALUES ($1, $2, $3, $4)
`, newUser.ID, newUser.UserName, newUser.ProfilePicture, now); execErr != nil {
			return execErr
		}
		if _, execErr := tx.Exec(ctx, `
INSERT INTO user_profiles (user_id, bio, featured_maps, modified_at)
VALUES ($1, NULL, NULL, $2)
`, newUser.ID, now); execErr != nil {
			return execErr
		}
		_, execErr := tx.Exec(ctx, `
INSERT INTO users_osu_data (user_id, ranked_count, loved_count, nominated_count, graveyard_count, guest_count, modified_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, newUser.ID, newUser.Counts.Ranked, newUser.Counts.Loved, newUser.Counts.Nominated, newUser.Counts.Graveyard, newUser.Counts.Guest, now)
		return execErr
	})
	if err != nil {
		if isUniqueViolation(err) {
			return userstore.User{}, userstore.AlreadyExists("user_store_pg.insert_user_triplet", newUser.ID)
		}
		return userstore.User{}, fmt.Errorf("user_store_pg.insert_user_triplet: %w", err)
	}
	return userstore.User{
		ID:             newUser.ID,
		UserName:       newUser.UserName,
		ProfilePicture: newUser.ProfilePicture,
		ModifiedAt:     now,
	}, nil
}

// UpdateExternalSnapshot stores fresh counts and bumps the snapshot timestamp.
func (store *Store) UpdateExternalSnapshot(ctx context.Context, userID int64, counts userstore.Counts) error {
	tag, err := store.pool.Exec(ctx, `
UPDATE users_osu_data
SET ranked_count = $2, loved_count = $3, nominated_count = $4, graveyard_count = $5, guest_count = $6, modified_at = $7
WHERE user_id = $1
`, userID, counts.Ranked, counts.Loved, counts.Nominated, counts.Graveyard, counts.Guest, store.now().UTC())
	if err != nil {
		return fmt.Errorf("user_store_pg.update_external_snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return userstore.NotFound("user_store_pg.update_external_snapshot", userID)
	}
	return nil
}

// UpdateProfileField applies a three-state update to one string column.
func (store *Store) UpdateProfileField(ctx context.Context, userID int64, field userstore.ProfileField, update userstore.FieldUpdate[string]) error {
	profileUpdate, err := userstore.ProfileUpdateForField(field, update)
	if err != nil {
		return err
	}
	return store.UpdateProfile(ctx, userID, profileUpdate)
}

// UpdateProfile applies every non-Leave field of update in one transaction.
func (store *Store) UpdateProfile(ctx context.Context, userID int64, update userstore.ProfileUpdate) error {
	if err := update.Validate(); err != nil {
		return &userstore.UserError{Op: "user_store_pg.update_profile", UserID: userID, Err: err}
	}
	now := store.now().UTC()
	err := pgx.BeginFunc(ctx, store.pool, func(tx pgx.Tx) error {
		var existing int64
		if scanErr := tx.QueryRow(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&existing); scanErr != nil {
			return scanErr
		}
		if update.UserName.Action == userstore.UpdateSet || update.ProfilePicture.Action == userstore.UpdateSet {
			if _, execErr := tx.Exec(ctx, `
UPDATE users
SET user_name = CASE WHEN $2 THEN $3 ELSE user_name END,
    profile_picture = CASE WHEN $4 THEN $5 ELSE profile_picture END,
    modified_at = $6
WHERE id = $1
`, userID,
				update.UserName.Action == userstore.UpdateSet, update.UserName.Value,
				update.ProfilePicture.Action == userstore.UpdateSet, update.ProfilePicture.Value,
				now); execErr != nil {
				return execErr
			}
		}
		if update.Bio.Changes() || update.FeaturedMaps.Changes() {
			featuredMaps, encodeErr := encodeFeaturedMaps(update.FeaturedMaps)
			if encodeErr != nil {
				return encodeErr
			}
			if _, execErr := tx.Exec(ctx, `
UPDATE user_profiles
SET bio = CASE WHEN $2 THEN $3 ELSE bio END,
    featured_maps = CASE WHEN $4 THEN $5::jsonb ELSE featured_maps END,
    modified_at = $6
WHERE user_id = $1
`, userID,
				update.Bio.Changes(), nullableString(update.Bio),
				update.FeaturedMaps.Changes(), featuredMaps,
				now); execErr != nil {
				return execErr
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return userstore.NotFound("user_store_pg.update_profile", userID)
		}
		return fmt.Errorf("user_store_pg.update_profile: %w", err)
	}
	return nil
}

// RecordError appends a durable error log entry.
func (store *Store) RecordError(ctx context.Context, entry userstore.ErrorRecord) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = store.now()
	}
	var data []byte
	if entry.Data != nil {
		encoded, encodeErr := json.Marshal(entry.Data)
		if encodeErr != nil {
			return fmt.Errorf("user_store_pg.record_error: %w", encodeErr)
		}
		data = encoded
	}
	if _, err := store.pool.Exec(ctx, `
INSERT INTO error_records (category, code, message, data, created_at)
VALUES ($1, $2, $3, $4::jsonb, $5)
`, entry.Category, entry.Code, entry.Message, data, createdAt.UTC()); err != nil {
		return fmt.Errorf("user_store_pg.record_error: %w", err)
	}
	return nil
}

func nullableString(update userstore.FieldUpdate[string]) *string {
	if update.Action != userstore.UpdateSet {
		return nil
	}
	value := update.Value
	return &value
}

func encodeFeaturedMaps(update userstore.FieldUpdate[userstore.FeaturedMaps]) ([]byte, error) {
	if update.Action != userstore.UpdateSet {
		return nil, nil
	}
	return json.Marshal(update.Value)
}

func decodeFeaturedMaps(raw []byte) (*userstore.FeaturedMaps, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var featuredMaps userstore.FeaturedMaps
	if err := json.Unmarshal(raw, &featuredMaps); err != nil {
		return nil, err
	}
	return &featuredMaps, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
