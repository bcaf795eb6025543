package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestNewUser(t *testing.T) {
	u, err := NewUser("alice")
	if err != nil {
		t.Fatalf("NewUser: %v", err)
	}
	if u.Username != "alice" || u.ID == "" {
		t.Fatalf("user = %+v, want named user with generated id", u)
	}

	if _, err := NewUser(""); !errors.Is(err, ErrUsernameEmpty) {
		t.Fatalf("empty username: err = %v, want ErrUsernameEmpty", err)
	}
	if _, err := NewUser(strings.Repeat("x", MaxUsernameLen+1)); !errors.Is(err, ErrUsernameTooLong) {
		t.Fatalf("oversized username: err = %v, want ErrUsernameTooLong", err)
	}
}
