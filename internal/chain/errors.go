package chain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// Provider error classes. A classified error matches exactly one of them
// with errors.Is.
var (
	ErrRangeTooLarge = errors.New("provider: block range too large")
	ErrTransient     = errors.New("provider: transient failure")
	ErrPermanent     = errors.New("provider: permanent failure")
)

// ProviderError is a failed provider call tagged with its class.
type ProviderError struct {
	Method string
	Class  error
	Err    error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %v", e.Method, e.Err)
}

func (e *ProviderError) Unwrap() []error {
	return []error{e.Class, e.Err}
}

var rangePatterns = []string{
	"query returned more than",
	"block range",
	"range is too large",
	"response size",
	"response is too big",
	"too many results",
	"exceed maximum block range",
	"limit the query",
}

var transientPatterns = []string{
	"rate limit",
	"too many requests",
	"request count exceeded",
	"capacity exceeded",
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"broken pipe",
	"eof",
	"header not found",
	"temporarily unavailable",
	"service unavailable",
	"bad gateway",
	"internal error",
}

var permanentPatterns = []string{
	"invalid address",
	"invalid argument",
	"invalid params",
	"method not found",
	"unsupported chain",
	"execution reverted",
}

// Classify wraps err from provider method in a ProviderError. Cancellation of
// the caller's context is returned unchanged.
func Classify(method string, err error) error {
	if err == nil {
		return nil
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &ProviderError{Method: method, Class: classOf(err), Err: err}
}

func classOf(err error) error {
	msg := strings.ToLower(err.Error())

	for _, pattern := range rangePatterns {
		if strings.Contains(msg, pattern) {
			return ErrRangeTooLarge
		}
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == 429, httpErr.StatusCode >= 500:
			return ErrTransient
		case httpErr.StatusCode >= 400:
			return ErrPermanent
		}
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case -32005:
			if containsAny(msg, transientPatterns) {
				return ErrTransient
			}
			return ErrRangeTooLarge
		case -32600, -32601, -32602:
			return ErrPermanent
		case 3:
			return ErrPermanent
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrTransient
	}

	if containsAny(msg, permanentPatterns) {
		return ErrPermanent
	}
	// Unknown failures are retried; the retry budget bounds them.
	return ErrTransient
}

func containsAny(msg string, patterns []string) bool {
	for _, pattern := range patterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// IsRangeTooLarge reports whether err asks for a smaller block range.
func IsRangeTooLarge(err error) bool {
	return errors.Is(err, ErrRangeTooLarge)
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
