package services

import (
	"errors"
	"fmt"
)

var (
	// ErrAccountNotFound is returned for sync requests naming an unknown account.
	ErrAccountNotFound = errors.New("account not found")
	// ErrMissingCredentials is returned when an account has nothing to log in with.
	ErrMissingCredentials = errors.New("account has no usable credentials")
)

// FetchErrorKind classifies mailbox failures.
type FetchErrorKind string

const (
	FetchErrorAuth    FetchErrorKind = "auth"
	FetchErrorNetwork FetchErrorKind = "network"
)

// FetchError reports a failure talking to a remote mailbox.
type FetchError struct {
	Kind FetchErrorKind
	Op   string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func authError(op string, err error) error {
	return &FetchError{Kind: FetchErrorAuth, Op: op, Err: err}
}

func networkError(op string, err error) error {
	return &FetchError{Kind: FetchErrorNetwork, Op: op, Err: err}
}

// IsFetchError reports whether err came from the mailbox side.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}
