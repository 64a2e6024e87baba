package cmd

import (
	"github.com/fatih/color"

	"github.com/khanhnv2901/arachne-lens/internal/domain/scan"
)

var (
	colorSuccess = color.New(color.FgGreen).SprintFunc()
	colorInfo    = color.New(color.FgCyan).SprintFunc()
	colorWarn    = color.New(color.FgYellow).SprintFunc()
	colorError   = color.New(color.FgRed).SprintFunc()
)

func formatStatusWithColor(status scan.Status) string {
	switch status {
	case scan.StatusCompleted:
		return colorSuccess(string(status))
	case scan.StatusFailed:
		return colorError(string(status))
	case scan.StatusRunning:
		return colorInfo(string(status))
	default:
		return string(status)
	}
}

// formatSeverityWithColor paints High red and Medium yellow; every other severity,
// including ones the backend invents, is green.
func formatSeverityWithColor(sev scan.Severity) string {
	switch sev {
	case scan.SeverityHigh:
		return colorError(string(sev))
	case scan.SeverityMedium:
		return colorWarn(string(sev))
	default:
		return colorSuccess(string(sev))
	}
}
