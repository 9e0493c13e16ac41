// Package domain holds the space entities, their snapshots and the error taxonomy.
// Nothing here touches transport or storage.
package domain

import (
	"errors"
	"strings"
)

const (
	MaxUserIDLen   = 64
	MaxUsernameLen = 36
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
	ErrUserIDInvalid   = errors.New("user id invalid")
)

type UserID string

// Valid reports whether the id can be used as a participant key.
func (id UserID) Valid() bool {
	return id != "" && len(id) <= MaxUserIDLen && strings.TrimSpace(string(id)) == string(id)
}

type User struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
}

// NewUser builds a user for an identity resolved by the auth collaborator.
func NewUser(id UserID, username string) (*User, error) {
	if !id.Valid() {
		return nil, ErrUserIDInvalid
	}
	if username == "" {
		username = "guest"
	}
	u := &User{ID: id}
	if err := u.SetUsername(username); err != nil {
		return nil, err
	}
	return u, nil
}

func (u *User) SetUsername(username string) error {
	if len(username) == 0 {
		return ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	u.Username = username
	return nil
}
