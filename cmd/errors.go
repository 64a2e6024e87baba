package cmd

import (
	"errors"
	"fmt"

	sharedErrors "github.com/khanhnv2901/arachne-lens/internal/shared/errors"
)

const (
	exitFailure      = 1
	exitScanFailed   = 2
	exitInvalidInput = 3
)

// ScanFailedError reports how many sessions of a scan run ended Failed.
type ScanFailedError struct {
	Failed int
	Total  int
}

func (e *ScanFailedError) Error() string {
	if e.Total == 1 {
		return "scan failed"
	}
	return fmt.Sprintf("%d of %d scans failed", e.Failed, e.Total)
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	var failed *ScanFailedError
	switch {
	case errors.As(err, &failed):
		return exitScanFailed
	case errors.Is(err, sharedErrors.ErrInvalidInput):
		return exitInvalidInput
	default:
		return exitFailure
	}
}
