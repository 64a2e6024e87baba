// Package export writes scan results as CSV tables.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/khanhnv2901/arachne-lens/internal/domain/scan"
	consts "github.com/khanhnv2901/arachne-lens/internal/shared/constants"
	sharedErrors "github.com/khanhnv2901/arachne-lens/internal/shared/errors"
	"github.com/khanhnv2901/arachne-lens/internal/shared/security"
)

// Table selects one of the two result tables.
type Table string

const (
	TableBrokenLinks   Table = "broken"
	TableSensitiveInfo Table = "sensitive"
)

// Tables lists every table in export order.
var Tables = []Table{TableBrokenLinks, TableSensitiveInfo}

var (
	brokenLinkHeader    = []string{"url", "status", "source_text"}
	sensitiveInfoHeader = []string{"severity", "category", "finding", "url", "line"}
)

// ParseTable accepts the short names and the result field names.
func ParseTable(name string) (Table, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "broken", "broken_links":
		return TableBrokenLinks, nil
	case "sensitive", "sensitive_info":
		return TableSensitiveInfo, nil
	default:
		return "", fmt.Errorf("%w: %q", sharedErrors.ErrUnknownTable, name)
	}
}

// FileName is the conventional file name of the table.
func (t Table) FileName() string {
	if t == TableSensitiveInfo {
		return consts.SensitiveInfoCSV
	}
	return consts.BrokenLinksCSV
}

// Rows reports how many data rows the table has in res.
func (t Table) Rows(res scan.Result) int {
	if t == TableSensitiveInfo {
		return len(res.SensitiveInfo)
	}
	return len(res.BrokenLinks)
}

// WriteCSV writes one table with a header row. Values are quoted as needed by RFC 4180.
func WriteCSV(w io.Writer, res scan.Result, t Table) error {
	cw := csv.NewWriter(w)

	switch t {
	case TableBrokenLinks:
		if err := cw.Write(brokenLinkHeader); err != nil {
			return err
		}
		for _, l := range res.BrokenLinks {
			if err := cw.Write([]string{l.URL, strconv.Itoa(l.Status), l.SourceText}); err != nil {
				return err
			}
		}
	case TableSensitiveInfo:
		if err := cw.Write(sensitiveInfoHeader); err != nil {
			return err
		}
		for _, s := range res.SensitiveInfo {
			if err := cw.Write([]string{string(s.Severity), s.Category, s.Finding, s.URL, s.Line}); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: %q", sharedErrors.ErrUnknownTable, string(t))
	}

	cw.Flush()
	return cw.Error()
}

// WriteFiles writes every non-empty table of res into dir, creating it if needed,
// and returns the written paths. Empty tables produce no file.
func WriteFiles(dir string, res scan.Result) ([]string, error) {
	var written []string
	for _, t := range Tables {
		if t.Rows(res) == 0 {
			continue
		}

		path, err := security.ResolveWithin(dir, t.FileName())
		if err != nil {
			return written, err
		}
		if err := os.MkdirAll(dir, consts.DefaultDirPerm); err != nil {
			return written, fmt.Errorf("create export directory: %w", err)
		}
		if err := writeFile(path, res, t); err != nil {
			return written, err
		}
		written = append(written, path)
	}
	return written, nil
}

// WriteSession exports a finished session under base/<target dir name>.
func WriteSession(base string, s scan.Session) ([]string, error) {
	if s.Result == nil {
		return nil, sharedErrors.ErrNoResult
	}
	dir, err := security.ResolveWithin(base, security.TargetDirName(s.TargetURL))
	if err != nil {
		return nil, err
	}
	return WriteFiles(dir, *s.Result)
}

func writeFile(path string, res scan.Result, t Table) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, consts.DefaultFilePerm)
	if err != nil {
		return fmt.Errorf("create %s: %w", t.FileName(), err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close %s: %w", t.FileName(), cerr)
		}
	}()

	if err := WriteCSV(f, res, t); err != nil {
		return fmt.Errorf("write %s: %w", t.FileName(), err)
	}
	return nil
}
