// Package errors defines the error kinds a co-occurrence run can fail with
// and maps them to process exit codes.
package errors

import (
	"errors"
	"fmt"
)

var (
	ErrConfig            = errors.New("configuration error")
	ErrUnitRead          = errors.New("source unit read error")
	ErrRecordParse       = errors.New("record parse error")
	ErrStorage           = errors.New("storage error")
	ErrExport            = errors.New("export error")
	ErrInterrupted       = errors.New("run interrupted")
	ErrCheckpointCorrupt = errors.New("checkpoint corrupt")
)

// Exit codes returned by the CLI for each fatal kind.
const (
	ExitOK          = 0
	ExitInternal    = 1
	ExitConfig      = 2
	ExitStorage     = 3
	ExitExport      = 4
	ExitInterrupted = 130
)

type AppError struct {
	Err      error
	Message  string
	ExitCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, message string) *AppError {
	return &AppError{
		Err:      sentinel,
		Message:  message,
		ExitCode: exitCodeFor(sentinel),
	}
}

func Newf(sentinel error, format string, args ...any) *AppError {
	return &AppError{
		Err:      sentinel,
		Message:  fmt.Sprintf(format, args...),
		ExitCode: exitCodeFor(sentinel),
	}
}

// Wrap attaches a sentinel kind to an underlying cause so that both
// errors.Is(err, sentinel) and errors.Is(err, cause) hold.
func Wrap(sentinel error, cause error, message string) *AppError {
	return &AppError{
		Err:      fmt.Errorf("%w: %w", sentinel, cause),
		Message:  message,
		ExitCode: exitCodeFor(sentinel),
	}
}

// ExitCode returns the process exit code for err.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.ExitCode != 0 {
		return appErr.ExitCode
	}
	return exitCodeFor(err)
}

// Recoverable reports whether err is a per-unit or per-record failure that
// must not abort the run.
func Recoverable(err error) bool {
	return errors.Is(err, ErrUnitRead) || errors.Is(err, ErrRecordParse)
}

func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, ErrConfig):
		return ExitConfig
	case errors.Is(err, ErrStorage), errors.Is(err, ErrCheckpointCorrupt):
		return ExitStorage
	case errors.Is(err, ErrExport):
		return ExitExport
	case errors.Is(err, ErrInterrupted):
		return ExitInterrupted
	default:
		return ExitInternal
	}
}
