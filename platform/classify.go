package platform

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/conversimple/conversimple-go/core"
)

// permanentAuthPatterns are substrings in connect errors that indicate the
// platform rejected the credentials. Checked case-insensitively.
var permanentAuthPatterns = []string{
	"401",
	"unauthorized",
	"authentication failed",
	"invalid api key",
}

// permanentSuspendedPatterns indicate the customer account is suspended.
var permanentSuspendedPatterns = []string{
	"403",
	"forbidden",
	"suspended",
}

// ClassifyConnect maps a raw connect error onto the SDK taxonomy.
// Permanent failures (credential rejection, suspended account) are wrapped
// with their sentinel so core.IsPermanent recognizes them; anything else is
// treated as transient and returned as-is for retry.
func ClassifyConnect(err error) error {
	if err == nil {
		return nil
	}
	if core.IsPermanent(err) {
		return err
	}

	lower := strings.ToLower(err.Error())
	for _, p := range permanentAuthPatterns {
		if strings.Contains(lower, p) {
			return core.NewDomainError("Connection.connect", core.ErrAuthInvalid, err.Error())
		}
	}
	for _, p := range permanentSuspendedPatterns {
		if strings.Contains(lower, p) {
			return core.NewDomainError("Connection.connect", core.ErrCustomerSuspended, err.Error())
		}
	}
	return err
}

// PermanentWireError converts a platform error event into a permanent
// sentinel error, or nil if the code is not a permanent condition.
func PermanentWireError(ev PlatformError) error {
	switch ev.Code {
	case core.CodeAuthFailed:
		return core.NewDomainError("Connection.read", core.ErrAuthInvalid, ev.Message)
	case core.CodeCustomerSuspended:
		return core.NewDomainError("Connection.read", core.ErrCustomerSuspended, ev.Message)
	default:
		return nil
	}
}

// IsTransient reports whether a connect failure should be retried.
func IsTransient(err error) bool {
	return err != nil && !core.IsPermanent(err) && !errors.Is(err, core.ErrCircuitOpen)
}

// DeriveCustomerID deterministically derives a customer identifier from an
// API key: the md5 hex digest truncated to 12 characters. Matches the
// platform's own derivation, so an SDK with no configured customer id lands
// in the right account.
func DeriveCustomerID(apiKey string) string {
	sum := md5.Sum([]byte(apiKey))
	return hex.EncodeToString(sum[:])[:12]
}
