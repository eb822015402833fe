package authkit

import (
	"errors"
	"testing"
)

func TestSessionTokenDecimalRoundTrip(t *testing.T) {
	t.Parallel()

	generator := NewSeededTokenGenerator([32]byte{1, 2, 3})
	for attempt := 0; attempt < 64; attempt++ {
		token := generator.NewSessionToken()
		parsed, err := ParseSessionToken(token.String())
		if err != nil {
			t.Fatalf("parse %s: %v", token, err)
		}
		if parsed != token {
			t.Fatalf("round trip mismatch for %s", token)
		}
	}
}

func TestSessionTokenBoundaries(t *testing.T) {
	t.Parallel()

	var zero SessionToken
	if zero.String() != "0" {
		t.Fatalf("expected zero token to render as 0, got %s", zero.String())
	}
	maxToken, err := ParseSessionToken("340282366920938463463374607431768211455")
	if err != nil {
		t.Fatalf("expected max u128 to parse: %v", err)
	}
	for _, value := range maxToken {
		if value != 0xff {
			t.Fatalf("expected all bits set, got %x", maxToken)
		}
	}
}

func TestParseSessionTokenRejectsMalformed(t *testing.T) {
	t.Parallel()

	inputs := []string{"", "   ", "abc", "-5", "12a", "1.5", "340282366920938463463374607431768211456"}
	for _, input := range inputs {
		if _, err := ParseSessionToken(input); !errors.Is(err, ErrMalformedSessionToken) {
			t.Fatalf("expected ErrMalformedSessionToken for %q, got %v", input, err)
		}
	}
}

func TestTokenGeneratorProducesDistinctTokens(t *testing.T) {
	t.Parallel()

	generator, err := NewTokenGenerator()
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	seen := make(map[SessionToken]struct{})
	for attempt := 0; attempt < 1000; attempt++ {
		token := generator.NewSessionToken()
		if _, duplicate := seen[token]; duplicate {
			t.Fatalf("duplicate token %s", token)
		}
		seen[token] = struct{}{}
	}
}

func TestSeededGeneratorsAreDeterministic(t *testing.T) {
	t.Parallel()

	seed := [32]byte{9}
	first := NewSeededTokenGenerator(seed).NewSessionToken()
	second := NewSeededTokenGenerator(seed).NewSessionToken()
	if first != second {
		t.Fatalf("expected identical tokens from identical seeds")
	}
}
