// Package constants centralizes defaults shared by the CLI, the relay server and
// the scan pipeline.
//
// Backend connection settings, read sizes and export file names live here so cmd/
// and internal/ agree on them without importing each other.
package constants
