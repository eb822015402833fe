package userstore

import (
	"time"

	"gorm.io/datatypes"
)

type userRecord struct {
	ID             int64     `gorm:"column:id;primaryKey;autoIncrement:false"`
	UserName       string    `gorm:"column:user_name;not null"`
	ProfilePicture string    `gorm:"column:profile_picture;not null"`
	ModifiedAt     time.Time `gorm:"column:modified_at;not null"`
}

func (userRecord) TableName() string {
	return "users"
}

// featured_maps holds JSON null when the user has not featured anything.
type profileRecord struct {
	UserID       int64                             `gorm:"column:user_id;primaryKey;autoIncrement:false"`
	Bio          *string                           `gorm:"column:bio"`
	FeaturedMaps datatypes.JSONType[*FeaturedMaps] `gorm:"column:featured_maps"`
	ModifiedAt   time.Time                         `gorm:"column:modified_at;not null"`
}

func (profileRecord) TableName() string {
	return "user_profiles"
}

type osuDataRecord struct {
	UserID         int64     `gorm:"column:user_id;primaryKey;autoIncrement:false"`
	RankedCount    int64     `gorm:"column:ranked_count;not null;default:0"`
	LovedCount     int64     `gorm:"column:loved_count;not null;default:0"`
	NominatedCount int64     `gorm:"column:nominated_count;not null;default:0"`
	GraveyardCount int64     `gorm:"column:graveyard_count;not null;default:0"`
	GuestCount     int64     `gorm:"column:guest_count;not null;default:0"`
	ModifiedAt     time.Time `gorm:"column:modified_at;not null"`
}

func (osuDataRecord) TableName() string {
	return "users_osu_data"
}

type errorRecord struct {
	ID        uint64            `gorm:"column:id;primaryKey;autoIncrement"`
	Category  string            `gorm:"column:category;not null;index"`
	Code      string            `gorm:"column:code;not null"`
	Message   string            `gorm:"column:message;not null"`
	Data      datatypes.JSONMap `gorm:"column:data"`
	CreatedAt time.Time         `gorm:"column:created_at;not null"`
}

func (errorRecord) TableName() string {
	return "error_records"
}

type fullUserRow struct {
	ID                int64
	UserName          string
	ProfilePicture    string
	Bio               *string
	FeaturedMaps      datatypes.JSONType[*FeaturedMaps]
	RankedCount       int64
	LovedCount        int64
	NominatedCount    int64
	GraveyardCount    int64
	GuestCount        int64
	OsuDataModifiedAt time.Time
}

func (row fullUserRow) fullUser() FullUser {
	return FullUser{
		ID:             row.ID,
		UserName:       row.UserName,
		ProfilePicture: row.ProfilePicture,
		Bio:            row.Bio,
		FeaturedMaps:   row.FeaturedMaps.Data(),
		Counts: Counts{
			Ranked:    row.RankedCount,
			Loved:     row.LovedCount,
			Nominated: row.NominatedCount,
			Graveyard: row.GraveyardCount,
			Guest:     row.GuestCount,
		},
		OsuDataModifiedAt: row.OsuDataModifiedAt.UTC(),
	}
}

func (record userRecord) user() User {
	return User{
		ID:             record.ID,
		UserName:       record.UserName,
		ProfilePicture: record.ProfilePicture,
		ModifiedAt:     record.ModifiedAt.UTC(),
	}
}
