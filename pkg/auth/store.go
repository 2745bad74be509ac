package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("auth: invalid token")

// Device is the record behind an issued device token.
type Device struct {
	Token    string    `cbor:"1,keyasint" yaml:"token"`
	Owner    string    `cbor:"2,keyasint" yaml:"owner"`
	DashID   int       `cbor:"3,keyasint" yaml:"dashId"`
	IssuedAt time.Time `cbor:"4,keyasint" yaml:"-"`
}

// TokenStore resolves and issues device tokens.
type TokenStore interface {
	// Resolve returns the device for token or ErrInvalidToken.
	Resolve(ctx context.Context, token string) (Device, error)
	// Issue returns the token of owner's dashboard, creating one if needed.
	Issue(ctx context.Context, owner string, dashID int) (Device, error)
	// Refresh replaces the dashboard's token; the old one stops resolving.
	Refresh(ctx context.Context, owner string, dashID int) (Device, error)
}

// NewToken returns a fresh 32 character hex token.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
