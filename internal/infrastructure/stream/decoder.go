package stream

import (
	"bytes"
	"strings"
	"unicode/utf8"

	sharedErrors "github.com/khanhnv2901/arachne-lens/internal/shared/errors"
)

// LineDecoder re-segments arbitrary byte chunks into complete LF-terminated lines.
//
// Bytes are split on LF before decoding. LF never appears inside a multi-byte UTF-8
// sequence, so a rune split across chunks is reassembled in the carry-over buffer
// like any other partial line. Each complete line is then validated; invalid UTF-8
// yields a *DecodeError and the decoder refuses further input.
//
// A trailing CR is dropped and whitespace-only lines are skipped.
type LineDecoder struct {
	carry  []byte
	offset int64 // stream offset of carry[0]
	err    error
}

// Feed appends chunk to the carry-over buffer and returns every line it completes.
func (d *LineDecoder) Feed(chunk []byte) ([]string, error) {
	if d.err != nil {
		return nil, d.err
	}

	searchFrom := len(d.carry)
	d.carry = append(d.carry, chunk...)

	var lines []string
	start := 0
	for {
		i := bytes.IndexByte(d.carry[searchFrom:], '\n')
		if i < 0 {
			break
		}
		end := searchFrom + i
		line, ok, err := d.decodeLine(d.carry[start:end], d.offset+int64(start))
		if err != nil {
			return lines, err
		}
		if ok {
			lines = append(lines, line)
		}
		start = end + 1
		searchFrom = start
	}

	d.offset += int64(start)
	d.carry = append(d.carry[:0], d.carry[start:]...)
	return lines, nil
}

// Flush emits the leftover partial line at end of stream. A producer may omit the
// delimiter after its last record.
func (d *LineDecoder) Flush() ([]string, error) {
	if d.err != nil {
		return nil, d.err
	}
	if len(d.carry) == 0 {
		return nil, nil
	}

	line, ok, err := d.decodeLine(d.carry, d.offset)
	d.offset += int64(len(d.carry))
	d.carry = d.carry[:0]
	if err != nil || !ok {
		return nil, err
	}
	return []string{line}, nil
}

// Pending reports how many undelimited bytes are buffered.
func (d *LineDecoder) Pending() int {
	return len(d.carry)
}

func (d *LineDecoder) decodeLine(raw []byte, offset int64) (string, bool, error) {
	raw = bytes.TrimSuffix(raw, []byte{'\r'})
	if !utf8.Valid(raw) {
		d.err = &sharedErrors.DecodeError{Offset: offset}
		return "", false, d.err
	}
	line := string(raw)
	if strings.TrimSpace(line) == "" {
		return "", false, nil
	}
	return line, true, nil
}
