package auth

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestJWTServiceGenerateValidate(t *testing.T) {
	service := NewJWTService("secret", time.Hour)
	token, err := service.Generate(Identity{UserID: "member-1", Email: "ada@example.com", Roles: []string{"MEMBER"}})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	id, err := service.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if id.UserID != "member-1" {
		t.Fatalf("expected user id, got %q", id.UserID)
	}
	if id.Email != "ada@example.com" {
		t.Fatalf("expected email, got %q", id.Email)
	}
	if !slices.Equal(id.Roles, []string{"MEMBER"}) {
		t.Fatalf("expected roles, got %v", id.Roles)
	}
}

func TestJWTServiceRejects(t *testing.T) {
	service := NewJWTService("secret", time.Hour)
	other := NewJWTService("other-secret", time.Hour)
	foreign, _ := other.Generate(Identity{UserID: "u"})
	stale, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "u",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}}).SignedString([]byte("secret"))
	anonymous, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{}).SignedString([]byte("secret"))

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-jwt"},
		{"wrong secret", foreign},
		{"expired", stale},
		{"no subject", anonymous},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := service.Validate(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("Validate() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestJWTServiceDisabled(t *testing.T) {
	service := NewJWTService("", time.Hour)
	if _, err := service.Generate(Identity{UserID: "u"}); !errors.Is(err, ErrAuthDisabled) {
		t.Fatalf("Generate() error = %v, want ErrAuthDisabled", err)
	}
	if _, err := service.Generate(Identity{}); err == nil {
		t.Fatal("expected error for empty user id")
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer  abc ", "abc", true},
		{"Basic abc", "", false},
		{"Bearer", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := BearerToken(tt.header)
		if got != tt.want || ok != tt.ok {
			t.Errorf("BearerToken(%q) = %q, %v; want %q, %v", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}

func TestAccountsAuthenticate(t *testing.T) {
	accounts := NewAccounts([]Account{{Email: "Ada@Example.com", Password: "pw", UserID: "member-1", Roles: []string{"COACH"}}})

	id, err := accounts.Authenticate("ada@example.com", "pw")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if id.UserID != "member-1" || !slices.Equal(id.Roles, []string{"COACH"}) {
		t.Fatalf("identity = %+v", id)
	}

	for _, tc := range [][2]string{{"ada@example.com", "nope"}, {"bob@example.com", "pw"}} {
		if _, err := accounts.Authenticate(tc[0], tc[1]); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("Authenticate(%q, %q) error = %v, want ErrInvalidCredentials", tc[0], tc[1], err)
		}
	}
}
