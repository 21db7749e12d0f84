package protocol

import (
	"bytes"
	"strings"
)

// DefaultMaxRecordBytes bounds a single record. Worker results are small JSON
// objects; anything near this size is a runaway line.
const DefaultMaxRecordBytes = 16 * 1024 * 1024

// Framer turns a byte stream into newline-delimited records.
//
// The zero value is ready to use with DefaultMaxRecordBytes. A Framer is not
// safe for concurrent use; the bridge feeds it from a single reader goroutine.
type Framer struct {
	buf       []byte
	maxBytes  int
	discard   bool // dropping the remainder of an oversized record
	overflows int
}

// NewFramer creates a Framer that drops records longer than maxBytes.
// A non-positive maxBytes selects DefaultMaxRecordBytes.
func NewFramer(maxBytes int) *Framer {
	return &Framer{maxBytes: maxBytes}
}

func (f *Framer) limit() int {
	if f.maxBytes <= 0 {
		return DefaultMaxRecordBytes
	}
	return f.maxBytes
}

// Feed appends chunk to the buffer and returns every record it completes, in
// stream order. The trailing partial record, if any, stays buffered until a
// later chunk terminates it. Blank and whitespace-only records are skipped.
func (f *Framer) Feed(chunk []byte) []string {
	var records []string

	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			f.appendPartial(chunk)
			break
		}

		line := chunk[:i]
		chunk = chunk[i+1:]

		if f.discard {
			// End of an oversized record; resume normal framing.
			f.discard = false
			continue
		}

		if len(f.buf) > 0 {
			f.buf = append(f.buf, line...)
			line = f.buf
		}
		if len(line) > f.limit() {
			f.overflows++
		} else if rec, ok := record(line); ok {
			records = append(records, rec)
		}
		f.buf = f.buf[:0]
	}

	return records
}

// appendPartial buffers an unterminated tail, switching to discard mode when
// the record outgrows the limit.
func (f *Framer) appendPartial(p []byte) {
	if f.discard {
		return
	}
	if len(f.buf)+len(p) > f.limit() {
		f.overflows++
		f.discard = true
		f.buf = f.buf[:0]
		return
	}
	f.buf = append(f.buf, p...)
}

// Flush returns the buffered unterminated record at end of stream and resets
// the Framer.
func (f *Framer) Flush() (string, bool) {
	defer func() {
		f.buf = f.buf[:0]
		f.discard = false
	}()
	if f.discard {
		return "", false
	}
	return record(f.buf)
}

// Pending returns the number of buffered bytes belonging to an incomplete record.
func (f *Framer) Pending() int {
	return len(f.buf)
}

// Overflows returns how many oversized records have been dropped.
func (f *Framer) Overflows() int {
	return f.overflows
}

// record converts a raw line to a record, trimming a CR line ending.
// Reports false for blank lines.
func record(line []byte) (string, bool) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	s := string(line)
	if strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}
