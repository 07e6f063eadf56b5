package tokencache

import (
	"errors"
	"fmt"
)

var (
	// ErrCacheMiss is returned by a Store when the key is absent.
	ErrCacheMiss = errors.New("tokencache: cache miss")
	// ErrAuthentication marks every failure to obtain a delegated token.
	ErrAuthentication = errors.New("tokencache: authentication required")
	// ErrNoToken means no usable token or refresh token is cached for the user.
	ErrNoToken = errors.New("tokencache: no cached token")
)

// CacheError reports a backing-store read or write failure.
type CacheError struct {
	Op  string
	Key string
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("tokencache: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

// AuthenticationError reports that a delegated token could not be acquired.
type AuthenticationError struct {
	Op     string
	UserID string
	Err    error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("tokencache: %s for user %s: %v", e.Op, e.UserID, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrAuthentication) match any AuthenticationError.
func (e *AuthenticationError) Is(target error) bool { return target == ErrAuthentication }
