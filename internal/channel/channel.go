// Package channel defines the contracts between the worker and the
// delivery providers.
package channel

import (
	"context"
	"errors"
)

// ErrPermanent marks a failure that will not go away on retry: a rejected
// address, an unknown user, a push target with no devices.
var ErrPermanent = errors.New("permanent delivery failure")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }
func (e *permanentError) Is(target error) bool {
	return target == ErrPermanent
}

// Permanent wraps err so IsPermanent reports true. nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	if IsPermanent(err) {
		return err
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, is permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

type EmailMessage struct {
	To      string
	Subject string
	Body    string
	HTML    *string
	Tag     string
}

// EmailSender delivers one email and returns the provider's message id.
type EmailSender interface {
	SendEmail(ctx context.Context, msg EmailMessage) (string, error)
	Name() string
}

type PushMessage struct {
	Tokens []string
	Title  string
	Body   string
	Data   map[string]string
}

// TokenResult is the provider's answer for one device token. Invalid means
// the token is gone for good and the device should be deactivated.
type TokenResult struct {
	Token     string
	MessageID string
	Err       error
	Invalid   bool
}

// PushSender fans one message out to every token. The returned error covers
// failures of the whole request; per-token failures live in the results.
type PushSender interface {
	SendPush(ctx context.Context, msg PushMessage) ([]TokenResult, error)
	Name() string
}
