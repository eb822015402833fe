package userstore

import (
	"strings"
	"time"
)

// Counts are the beatmapset counters of a user's external-data snapshot.
type Counts struct {
	Ranked    int64 `json:"ranked_count"`
	Loved     int64 `json:"loved_count"`
	Nominated int64 `json:"nominated_count"`
	Graveyard int64 `json:"graveyard_count"`
	Guest     int64 `json:"guest_count"`
}

// BeatmapsetSummary identifies the beatmapset a featured map belongs to.
type BeatmapsetSummary struct {
	ID      int64  `json:"id"`
	Title   string `json:"title"`
	Artist  string `json:"artist"`
	Creator string `json:"creator"`
}

// FeaturedMap is one map a user pins to their profile.
type FeaturedMap struct {
	FeaturedMapID int64             `json:"featured_map_id"`
	Beatmapset    BeatmapsetSummary `json:"beatmapset"`
}

// FeaturedMaps is the JSON blob stored in user_profiles.featured_maps.
type FeaturedMaps struct {
	Maps []FeaturedMap `json:"maps"`
}

// User is the durable identity row.
type User struct {
	ID             int64     `json:"id"`
	UserName       string    `json:"user_name"`
	ProfilePicture string    `json:"profile_picture"`
	ModifiedAt     time.Time `json:"modified_at"`
}

// NewUser is the input of a triplet insert: identity plus the first snapshot.
type NewUser struct {
	ID             int64
	UserName       string
	ProfilePicture string
	Counts         Counts
}

// FullUser joins users, user_profiles and users_osu_data.
type FullUser struct {
	ID                int64         `json:"id"`
	UserName          string        `json:"user_name"`
	ProfilePicture    string        `json:"profile_picture"`
	Bio               *string       `json:"bio"`
	FeaturedMaps      *FeaturedMaps `json:"featured_maps"`
	Counts            Counts        `json:"osu_data"`
	OsuDataModifiedAt time.Time     `json:"osu_data_modified_at"`
}

// DefaultStalenessWindow is how long an external-data snapshot stays fresh.
const DefaultStalenessWindow = 3 * time.Hour

// IsOutdated reports whether the snapshot is older than window at now.
// A snapshot exactly window old is still fresh.
func (user FullUser) IsOutdated(now time.Time, window time.Duration) bool {
	return now.Sub(user.OsuDataModifiedAt) > window
}

// ErrorRecord is a durable log entry for failures flagged for persistence.
type ErrorRecord struct {
	Category  string
	Code      string
	Message   string
	Data      map[string]interface{}
	CreatedAt time.Time
}

func validateNewUser(operation string, user NewUser) error {
	if user.ID <= 0 {
		return &UserError{Op: operation, UserID: user.ID, Err: ErrInvalidUpdate}
	}
	if strings.TrimSpace(user.UserName) == "" {
		return &UserError{Op: operation, UserID: user.ID, Err: ErrInvalidUpdate}
	}
	return nil
}
