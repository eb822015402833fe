package userstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// UpdateAction is the instruction carried by a FieldUpdate.
type UpdateAction uint8

const (
	// UpdateLeave keeps the stored value.
	UpdateLeave UpdateAction = iota
	// UpdateClear sets the stored value to NULL.
	UpdateClear
	// UpdateSet replaces the stored value.
	UpdateSet
)

// FieldUpdate is a three-state update instruction for a single column.
// The zero value leaves the column untouched. In JSON an absent key decodes to
// Leave, an explicit null to Clear and any other value to Set.
type FieldUpdate[T any] struct {
	Action UpdateAction
	Value  T
}

// Leave returns an update that keeps the stored value.
func Leave[T any]() FieldUpdate[T] {
	return FieldUpdate[T]{Action: UpdateLeave}
}

// Clear returns an update that nulls the stored value.
func Clear[T any]() FieldUpdate[T] {
	return FieldUpdate[T]{Action: UpdateClear}
}

// Set returns an update that stores value.
func Set[T any](value T) FieldUpdate[T] {
	return FieldUpdate[T]{Action: UpdateSet, Value: value}
}

// Changes reports whether the update touches the column.
func (update FieldUpdate[T]) Changes() bool {
	return update.Action != UpdateLeave
}

func (update *FieldUpdate[T]) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*update = Clear[T]()
		return nil
	}
	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	*update = Set(value)
	return nil
}

func (update FieldUpdate[T]) MarshalJSON() ([]byte, error) {
	if update.Action != UpdateSet {
		return []byte("null"), nil
	}
	return json.Marshal(update.Value)
}

// ProfileUpdate is a partial update across the users and user_profiles rows.
type ProfileUpdate struct {
	UserName       FieldUpdate[string]       `json:"user_name"`
	ProfilePicture FieldUpdate[string]       `json:"profile_picture"`
	Bio            FieldUpdate[string]       `json:"bio"`
	FeaturedMaps   FieldUpdate[FeaturedMaps] `json:"featured_maps"`
}

// ProfileField names a single updatable string column.
type ProfileField string

const (
	FieldUserName       ProfileField = "user_name"
	FieldProfilePicture ProfileField = "profile_picture"
	FieldBio            ProfileField = "bio"
)

// ProfileUpdateForField builds a ProfileUpdate touching only field.
func ProfileUpdateForField(field ProfileField, update FieldUpdate[string]) (ProfileUpdate, error) {
	switch field {
	case FieldUserName:
		return ProfileUpdate{UserName: update}, nil
	case FieldProfilePicture:
		return ProfileUpdate{ProfilePicture: update}, nil
	case FieldBio:
		return ProfileUpdate{Bio: update}, nil
	default:
		return ProfileUpdate{}, fmt.Errorf("user_store.field.%s: %w", field, ErrInvalidUpdate)
	}
}

func (update ProfileUpdate) touchesUser() bool {
	return update.UserName.Changes() || update.ProfilePicture.Changes()
}

func (update ProfileUpdate) touchesProfile() bool {
	return update.Bio.Changes() || update.FeaturedMaps.Changes()
}

// Validate rejects clearing non-nullable columns and blank names.
func (update ProfileUpdate) Validate() error {
	if update.UserName.Action == UpdateClear {
		return fmt.Errorf("user_store.user_name.clear: %w", ErrInvalidUpdate)
	}
	if update.UserName.Action == UpdateSet && strings.TrimSpace(update.UserName.Value) == "" {
		return fmt.Errorf("user_store.user_name.empty: %w", ErrInvalidUpdate)
	}
	if update.ProfilePicture.Action == UpdateClear {
		return fmt.Errorf("user_store.profile_picture.clear: %w", ErrInvalidUpdate)
	}
	return nil
}
