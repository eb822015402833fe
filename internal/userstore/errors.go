package userstore

import (
	"errors"
	"fmt"
)

var (
	// ErrUserNotFound indicates no durable user row exists for the id.
	ErrUserNotFound = errors.New("user_store.user_not_found")
	// ErrUserAlreadyExists indicates a unique-key violation while inserting a user triplet.
	ErrUserAlreadyExists = errors.New("user_store.user_already_exists")
	// ErrInvalidUpdate indicates a profile update that would break a column constraint.
	ErrInvalidUpdate = errors.New("user_store.invalid_update")
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("user_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("user_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("user_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("user_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("user_store.unsupported_no_scheme")
)

// UserError ties a store failure to the user id it concerns.
type UserError struct {
	Op     string
	UserID int64
	Err    error
}

func (userError *UserError) Error() string {
	return fmt.Sprintf("%s(%d): %v", userError.Op, userError.UserID, userError.Err)
}

func (userError *UserError) Unwrap() error {
	return userError.Err
}

// NotFound builds the distinguishable not-found outcome for userID.
func NotFound(operation string, userID int64) error {
	return &UserError{Op: operation, UserID: userID, Err: ErrUserNotFound}
}

// AlreadyExists builds the unique-violation outcome for userID.
func AlreadyExists(operation string, userID int64) error {
	return &UserError{Op: operation, UserID: userID, Err: ErrUserAlreadyExists}
}
