package constants

import (
	"io/fs"
	"time"
)

const (
	// DefaultDirPerm is the default permission used when creating directories.
	DefaultDirPerm fs.FileMode = 0o755
	// DefaultFilePerm is the default permission used when creating files.
	DefaultFilePerm fs.FileMode = 0o644
)

const (
	// DefaultBackendURL is where the scanning backend listens unless configured otherwise.
	DefaultBackendURL = "http://127.0.0.1:5000"
	// DefaultScanPath is the backend route that starts a streamed scan.
	DefaultScanPath = "/scan"
	// DefaultUserAgent identifies the client to the backend.
	DefaultUserAgent = "ArachneLens-Client/1.0"
	// DefaultConnectTimeout bounds connection setup and response headers, never the stream itself.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultConnectRetries is how many times establishing the scan request is attempted.
	DefaultConnectRetries = 3
	// DefaultChunkSize is the read buffer used when pulling the response body.
	DefaultChunkSize = 4096
	// MaxErrorBodyBytes caps how much of a failure response body is read for its error payload.
	MaxErrorBodyBytes = 64 << 10
	// MaxLoggedLineBytes truncates raw lines attached to parse diagnostics.
	MaxLoggedLineBytes = 256
)

const (
	// BrokenLinksCSV is the export file name for broken link rows.
	BrokenLinksCSV = "broken_links.csv"
	// SensitiveInfoCSV is the export file name for sensitive finding rows.
	SensitiveInfoCSV = "sensitive_info.csv"
)
