package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

var ErrBadCredentials = errors.New("auth: bad credentials")

// User is an application account allowed to manage device tokens.
type User struct {
	Name         string `yaml:"name"`
	PasswordHash string `yaml:"passwordHash"`
}

// Users verifies application logins against bcrypt hashes.
type Users struct {
	hashes map[string][]byte
}

func NewUsers(users []User) (*Users, error) {
	u := &Users{hashes: make(map[string][]byte, len(users))}
	for _, user := range users {
		if user.Name == "" {
			return nil, fmt.Errorf("auth: user without name")
		}
		if _, err := bcrypt.Cost([]byte(user.PasswordHash)); err != nil {
			return nil, fmt.Errorf("auth: user %s: %w", user.Name, err)
		}
		u.hashes[user.Name] = []byte(user.PasswordHash)
	}
	return u, nil
}

// Verify checks password for name.
func (u *Users) Verify(name, password string) error {
	hash, ok := u.hashes[name]
	if !ok {
		return ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return ErrBadCredentials
	}
	return nil
}
