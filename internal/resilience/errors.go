// Package resilience provides retry with backoff and the failure taxonomy
// shared by every pipeline stage.
package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// Kind classifies a pipeline failure. The classification decides retry
// behavior and how the failure is reported: transient I/O failures are
// retried, everything else is handled by the stage that produced it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransientIO covers timeouts, resets, and 429/5xx responses.
	KindTransientIO
	// KindPermanentSource marks a source that cannot be fetched at all:
	// gone, forbidden, or failing past the disable threshold.
	KindPermanentSource
	// KindValidation marks structurally invalid data, such as a
	// non-verbatim quote or a pubmed item without a numeric id.
	KindValidation
	// KindExtraction marks an LLM response that could not be turned into
	// a structured result after retries.
	KindExtraction
	// KindConflict marks a reconciliation merge refused because it would
	// overwrite higher-confidence data.
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindTransientIO:
		return "transient_io"
	case KindPermanentSource:
		return "permanent_source"
	case KindValidation:
		return "validation"
	case KindExtraction:
		return "extraction"
	case KindConflict:
		return "reconciliation_conflict"
	default:
		return "unknown"
	}
}

// Failure attaches a Kind to an underlying error. StatusCode is set for
// HTTP-borne transient failures, 0 otherwise.
type Failure struct {
	Kind       Kind
	Err        error
	StatusCode int
}

func (f *Failure) Error() string {
	return f.Err.Error()
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// TransientIO wraps err as a retryable I/O failure.
func TransientIO(err error, statusCode int) error {
	return &Failure{Kind: KindTransientIO, Err: err, StatusCode: statusCode}
}

// PermanentSource wraps err as a non-retryable source failure.
func PermanentSource(err error) error {
	return &Failure{Kind: KindPermanentSource, Err: err}
}

// Validation wraps err as a data-validation failure.
func Validation(err error) error {
	return &Failure{Kind: KindValidation, Err: err}
}

// Extraction wraps err as a terminal extraction failure.
func Extraction(err error) error {
	return &Failure{Kind: KindExtraction, Err: err}
}

// Conflict wraps err as a reconciliation conflict.
func Conflict(err error) error {
	return &Failure{Kind: KindConflict, Err: err}
}

// KindOf returns the Kind of the first Failure in the chain, or
// KindUnknown when the error carries no classification.
func KindOf(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err is safe to retry. An explicit Failure
// classification wins; unclassified errors fall back to network-level
// checks and string heuristics for errors wrapped by HTTP clients.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var f *Failure
	if errors.As(err, &f) {
		return f.Kind == KindTransientIO
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus reports whether an HTTP status is worth retrying.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
