package types

import (
	"errors"
	"fmt"
)

// Error kinds used to classify failures. Every error produced by the pipeline
// wraps exactly one of these so retry and escalation can use errors.Is.
var (
	ErrTransientNetwork    = errors.New("transient network error")
	ErrUIState             = errors.New("ui state error")
	ErrTimeout             = errors.New("timeout")
	ErrConversionIntegrity = errors.New("conversion integrity error")
	ErrConfiguration       = errors.New("configuration error")
	ErrUploadRejected      = errors.New("upload rejected")
)

// Stage names the pipeline step a job failed in.
type Stage string

const (
	StagePlan    Stage = "plan"
	StageFetch   Stage = "fetch"
	StageConvert Stage = "convert"
	StagePublish Stage = "publish"
)

// KindError wraps err with one of the error kinds above.
func KindError(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// IsRetryableUI reports whether a fetch failure should be retried with a fresh
// browser session.
func IsRetryableUI(err error) bool {
	return errors.Is(err, ErrUIState) || errors.Is(err, ErrTimeout)
}

// Kind returns a short label for the error kind, or "unknown".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrConversionIntegrity):
		return "conversion_integrity"
	case errors.Is(err, ErrUIState):
		return "ui_state"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrTransientNetwork):
		return "transient_network"
	case errors.Is(err, ErrUploadRejected):
		return "upload_rejected"
	default:
		return "unknown"
	}
}
