package userstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const pgUniqueViolation = "23505"

// Store persists users, their profiles and external-data snapshots using GORM.
type Store struct {
	db          *gorm.DB
	driverLabel string
	now         func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithClock replaces the clock used for modified_at timestamps.
func WithClock(now func() time.Time) Option {
	return func(store *Store) {
		if now != nil {
			store.now = now
		}
	}
}

// Open connects to databaseURL, choosing postgres or sqlite from the scheme, and migrates the schema.
func Open(ctx context.Context, databaseURL string, options ...Option) (*Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("user_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if openErr != nil {
		return nil, fmt.Errorf("user_store.open.%s: %w", driverLabel, openErr)
	}
	if driverLabel == "sqlite" {
		sqlDB, sqlErr := gormDB.DB()
		if sqlErr != nil {
			return nil, fmt.Errorf("user_store.open.%s: %w", driverLabel, sqlErr)
		}
		// One connection serializes transactions and keeps in-memory databases alive.
		sqlDB.SetMaxOpenConns(1)
	}
	return NewStore(ctx, gormDB, driverLabel, options...)
}

// NewStore wraps an opened GORM handle and migrates the schema.
func NewStore(ctx context.Context, gormDB *gorm.DB, driverLabel string, options ...Option) (*Store, error) {
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&userRecord{}, &profileRecord{}, &osuDataRecord{}, &errorRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("user_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	store := &Store{
		db:          gormDB,
		driverLabel: driverLabel,
		now:         time.Now,
	}
	for _, option := range options {
		option(store)
	}
	return store, nil
}

// Driver exposes the selected database driver label.
func (store *Store) Driver() string {
	return store.driverLabel
}

// Ping checks database connectivity.
func (store *Store) Ping(ctx context.Context) error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return fmt.Errorf("user_store.ping.%s: %w", store.driverLabel, err)
	}
	if pingErr := sqlDB.PingContext(ctx); pingErr != nil {
		return fmt.Errorf("user_store.ping.%s: %w", store.driverLabel, pingErr)
	}
	return nil
}

// Close releases the underlying connection pool.
func (store *Store) Close() error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetUser returns the durable identity row.
func (store *Store) GetUser(ctx context.Context, userID int64) (User, error) {
	var record userRecord
	err := store.db.WithContext(ctx).Where("id = ?", userID).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return User{}, NotFound("user_store.get_user", userID)
		}
		return User{}, fmt.Errorf("user_store.get_user.%s: %w", store.driverLabel, err)
	}
	return record.user(), nil
}

// GetFullUser returns the join of the identity, profile and snapshot rows.
func (store *Store) GetFullUser(ctx context.Context, userID int64) (FullUser, error) {
	var row fullUserRow
	err := store.db.WithContext(ctx).
		Table("users").
		Select(`users.id AS id, users.user_name AS user_name, users.profile_picture AS profile_picture,
			user_profiles.bio AS bio, user_profiles.featured_maps AS featured_maps,
			users_osu_data.ranked_count AS ranked_count, users_osu_data.loved_count AS loved_count,
			users_osu_data.nominated_count AS nominated_count, users_osu_data.graveyard_count AS graveyard_count,
			users_osu_data.guest_count AS guest_count, users_osu_data.modified_at AS osu_data_modified_at`).
		Joins("INNER JOIN user_profiles ON user_profiles.user_id = users.id").
		Joins("INNER JOIN users_osu_data ON users_osu_data.user_id = users.id").
		Where("users.id = ?", userID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return FullUser{}, NotFound("user_store.get_full_user", userID)
		}
		return FullUser{}, fmt.Errorf("user_store.get_full_user.%s: %w", store.driverLabel, err)
	}
	return row.fullUser(), nil
}

// InsertUserTriplet creates the user, profile and snapshot rows in one transaction.
// Any failure rolls back all three; a duplicate id yields ErrUserAlreadyExists.
func (store *Store) InsertUserTriplet(ctx context.Context, newUser NewUser) (User, error) {
	if err := validateNewUser("user_store.insert_user_triplet", newUser); err != nil {
		return User{}, err
	}
	now := store.now().UTC()
	user := userRecord{
		ID:             newUser.ID,
		UserName:       newUser.UserName,
		ProfilePicture: newUser.ProfilePicture,
		ModifiedAt:     now,
	}
	profile := profileRecord{
		UserID:       newUser.ID,
		FeaturedMaps: datatypes.NewJSONType[*FeaturedMaps](nil),
		ModifiedAt:   now,
	}
	snapshot := osuDataRecord{
		UserID:         newUser.ID,
		RankedCount:    newUser.Counts.Ranked,
		LovedCount:     newUser.Counts.Loved,
		NominatedCount: newUser.Counts.Nominated,
		GraveyardCount: newUser.Counts.Graveyard,
		GuestCount:     newUser.Counts.Guest,
		ModifiedAt:     now,
	}
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if createErr := tx.Create(&user).Error; createErr != nil {
			return createErr
		}
		if createErr := tx.Create(&profile).Error; createErr != nil {
			return createErr
		}
		return tx.Create(&snapshot).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, AlreadyExists("user_store.insert_user_triplet", newUser.ID)
		}
		return User{}, fmt.Errorf("user_store.insert_user_triplet.%s: %w", store.driverLabel, err)
	}
	return user.user(), nil
}

// UpdateExternalSnapshot stores fresh counts and bumps the snapshot timestamp.
func (store *Store) UpdateExternalSnapshot(ctx context.Context, userID int64, counts Counts) error {
	result := store.db.WithContext(ctx).Model(&osuDataRecord{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"ranked_count":    counts.Ranked,
			"loved_count":     counts.Loved,
			"nominated_count": counts.Nominated,
			"graveyard_count": counts.Graveyard,
			"guest_count":     counts.Guest,
			"modified_at":     store.now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("user_store.update_external_snapshot.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return NotFound("user_store.update_external_snapshot", userID)
	}
	return nil
}

// UpdateProfileField applies a three-state update to one string column.
func (store *Store) UpdateProfileField(ctx context.Context, userID int64, field ProfileField, update FieldUpdate[string]) error {
	profileUpdate, err := ProfileUpdateForField(field, update)
	if err != nil {
		return err
	}
	return store.UpdateProfile(ctx, userID, profileUpdate)
}

// UpdateProfile applies every non-Leave field of update in one transaction.
// Identity columns bump users.modified_at; profile columns bump user_profiles.modified_at.
func (store *Store) UpdateProfile(ctx context.Context, userID int64, update ProfileUpdate) error {
	if err := update.Validate(); err != nil {
		return &UserError{Op: "user_store.update_profile", UserID: userID, Err: err}
	}
	now := store.now().UTC()
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing userRecord
		if findErr := tx.Select("id").Where("id = ?", userID).Take(&existing).Error; findErr != nil {
			return findErr
		}
		if update.touchesUser() {
			changes := map[string]interface{}{"modified_at": now}
			if update.UserName.Action == UpdateSet {
				changes["user_name"] = update.UserName.Value
			}
			if update.ProfilePicture.Action == UpdateSet {
				changes["profile_picture"] = update.ProfilePicture.Value
			}
			if updateErr := tx.Model(&userRecord{}).Where("id = ?", userID).Updates(changes).Error; updateErr != nil {
				return updateErr
			}
		}
		if update.touchesProfile() {
			changes := map[string]interface{}{"modified_at": now}
			switch update.Bio.Action {
			case UpdateSet:
				changes["bio"] = update.Bio.Value
			case UpdateClear:
				changes["bio"] = nil
			}
			switch update.FeaturedMaps.Action {
			case UpdateSet:
				featuredMaps := update.FeaturedMaps.Value
				changes["featured_maps"] = datatypes.NewJSONType(&featuredMaps)
			case UpdateClear:
				changes["featured_maps"] = datatypes.NewJSONType[*FeaturedMaps](nil)
			}
			if updateErr := tx.Model(&profileRecord{}).Where("user_id = ?", userID).Updates(changes).Error; updateErr != nil {
				return updateErr
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NotFound("user_store.update_profile", userID)
		}
		return fmt.Errorf("user_store.update_profile.%s: %w", store.driverLabel, err)
	}
	return nil
}

// RecordError appends a durable error log entry.
func (store *Store) RecordError(ctx context.Context, entry ErrorRecord) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = store.now()
	}
	record := errorRecord{
		Category:  entry.Category,
		Code:      entry.Code,
		Message:   entry.Message,
		Data:      datatypes.JSONMap(entry.Data),
		CreatedAt: createdAt.UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("user_store.record_error.%s: %w", store.driverLabel, err)
	}
	return nil
}

// ErrorRecords returns the most recent error log entries, newest first.
func (store *Store) ErrorRecords(ctx context.Context, limit int) ([]ErrorRecord, error) {
	var records []errorRecord
	if err := store.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("user_store.error_records.%s: %w", store.driverLabel, err)
	}
	entries := make([]ErrorRecord, 0, len(records))
	for _, record := range records {
		entries = append(entries, ErrorRecord{
			Category:  record.Category,
			Code:      record.Code,
			Message:   record.Message,
			Data:      map[string]interface{}(record.Data),
			CreatedAt: record.CreatedAt.UTC(),
		})
	}
	return entries, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	message := err.Error()
	return strings.Contains(message, "UNIQUE constraint failed") || strings.Contains(message, "duplicate key value")
}
