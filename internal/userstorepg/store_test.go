package userstorepg

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mapperinfluence/miauth/internal/userstore"
)

func TestIsUniqueViolation(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "unique violation", err: &pgconn.PgError{Code: "23505"}, expected: true},
		{name: "wrapped unique violation", err: fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), expected: true},
		{name: "foreign key violation", err: &pgconn.PgError{Code: "23503"}, expected: false},
		{name: "plain error", err: errors.New("boom"), expected: false},
	}
	for _, testCase := range testCases {
		if got := isUniqueViolation(testCase.err); got != testCase.expected {
			t.Fatalf("%s: expected %v, got %v", testCase.name, testCase.expected, got)
		}
	}
}

func TestFeaturedMapsEncoding(t *testing.T) {
	encoded, err := encodeFeaturedMaps(userstore.Leave[userstore.FeaturedMaps]())
	if err != nil || encoded != nil {
		t.Fatalf("expected nil encoding for Leave, got %q (%v)", encoded, err)
	}
	encoded, err = encodeFeaturedMaps(userstore.Set(userstore.FeaturedMaps{Maps: []userstore.FeaturedMap{{FeaturedMapID: 9}}}))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := decodeFeaturedMaps(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded == nil || decoded.Maps[0].FeaturedMapID != 9 {
		t.Fatalf("unexpected round trip %+v", decoded)
	}
	if decoded, err := decodeFeaturedMaps([]byte("null")); err != nil || decoded != nil {
		t.Fatalf("expected nil for JSON null, got %+v (%v)", decoded, err)
	}
}

func TestNullableString(t *testing.T) {
	if value := nullableString(userstore.Clear[string]()); value != nil {
		t.Fatalf("expected nil for Clear, got %q", *value)
	}
	if value := nullableString(userstore.Set("bio")); value == nil || *value != "bio" {
		t.Fatalf("expected pointer to bio, got %v", value)
	}
}
