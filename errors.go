package consent

import (
	"errors"

	goerrors "github.com/goliatone/go-errors"
)

// Wire-level error codes returned by the HTTP surface. Clients key off these
// to explain an outcome instead of showing a generic failure.
const (
	TextCodeMissingFields   = "missing_fields"
	TextCodeNotFound        = "not_found"
	TextCodeExpired         = "expired"
	TextCodeAlreadyApproved = "already_approved"
	TextCodeAlreadyDenied   = "already_denied"
	TextCodeAlreadyUsed     = "already_used"
	TextCodeInternal        = "internal"
)

// ErrTokenNotFound is returned when no record matches the presented token.
var ErrTokenNotFound = goerrors.New("token not found", goerrors.CategoryNotFound).
	WithTextCode(TextCodeNotFound).
	WithCode(goerrors.CodeNotFound)

// ErrTokenExpired is returned when a record exists but its validity window
// has closed. An expired token is permanently unusable.
var ErrTokenExpired = goerrors.New("token has expired", goerrors.CategoryValidation).
	WithTextCode(TextCodeExpired).
	WithCode(goerrors.CodeBadRequest)

// ErrTokenUsed is returned when a single-use token was already consumed.
var ErrTokenUsed = goerrors.New("token has already been used", goerrors.CategoryConflict).
	WithTextCode(TextCodeAlreadyUsed).
	WithCode(goerrors.CodeConflict)

// ErrUnableToFindSession is the error when our request has no cookie
var ErrUnableToFindSession = errors.New("unable to find session")

// ErrUnableToDecodeSession unable to decode JWT from session cookie
var ErrUnableToDecodeSession = errors.New("unable to decode session")

// ErrUnableToMapClaims unable to get claims from token
var ErrUnableToMapClaims = errors.New("unable to map claims")

// ErrUnableToParseData parse error
var ErrUnableToParseData = errors.New("unable to parse data")

// ErrNoEmptyString rejects empty passwords before hashing
var ErrNoEmptyString = errors.New("password must not be empty")

// ErrMismatchedHashAndPassword cleartext does not match the stored hash
var ErrMismatchedHashAndPassword = errors.New("mismatched hash and password")

// AlreadyResolvedError reports the terminal status a losing caller ran into,
// so a stale client can explain the outcome (already_approved vs
// already_denied) instead of a generic conflict.
func AlreadyResolvedError(status ConsentStatus) *goerrors.Error {
	textCode := TextCodeAlreadyDenied
	if status == ConsentApproved {
		textCode = TextCodeAlreadyApproved
	}
	return goerrors.New("consent request already resolved", goerrors.CategoryConflict).
		WithTextCode(textCode).
		WithCode(goerrors.CodeBadRequest).
		WithMetadata(map[string]any{
			"status": status,
		})
}

// IsAlreadyResolved reports whether err carries an already_<status> code and
// returns the terminal status it encodes.
func IsAlreadyResolved(err error) (ConsentStatus, bool) {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return "", false
	}
	switch richErr.TextCode {
	case TextCodeAlreadyApproved:
		return ConsentApproved, true
	case TextCodeAlreadyDenied:
		return ConsentDenied, true
	}
	return "", false
}

// ErrorTextCode extracts the wire code from a rich error, defaulting to
// internal for anything unclassified.
func ErrorTextCode(err error) string {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && richErr.TextCode != "" {
		return richErr.TextCode
	}
	return TextCodeInternal
}
