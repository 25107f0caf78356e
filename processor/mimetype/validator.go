// Package mimetype checks a downloaded artifact's content type against
// an expected pattern before it is handed to the installer. A build
// mirror replying with an HTML error page instead of a zip archive is
// caught here rather than halfway through extraction.
package mimetype

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rakyll/magicmime"
)

// SniffLength is how many leading bytes of an artifact are inspected.
const SniffLength = 1024

// Validator matches an artifact's detected mime type against a set of
// checks. It holds a reference to a libmagic decoder and is not safe
// for concurrent use.
type Validator struct {
	decoder *magicmime.Decoder

	// checks to run against the detected mime type
	checks []Check
}

// Check is one pattern to match; negate turns it into a blacklist
// entry.
type Check struct {
	check  string
	negate bool
}

// ErrMimeTypeMismatch is returned when the detected mime type fails a
// check.
type ErrMimeTypeMismatch struct {
	check Check
	found string
}

// Error returns the error string for the current ErrMimeTypeMismatch.
func (e ErrMimeTypeMismatch) Error() string {
	if e.check.negate {
		return fmt.Sprintf("Expected mime-type not to be (%s), found (%s)", e.check.check, e.found)
	}
	return fmt.Sprintf("Expected mime-type to be (%s), found (%s)", e.check.check, e.found)
}

// New constructs a Validator for the given comma-separated pattern.
// A leading "!" negates an entry: "application/zip,!text/html".
func New(pattern string) (*Validator, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	decoder, err := magicmime.NewDecoder(magicmime.MAGIC_MIME_TYPE)
	if err != nil {
		return nil, err
	}

	v := &Validator{decoder: decoder}
	for _, c := range strings.Split(pattern, ",") {
		c = strings.TrimSpace(c)
		if strings.HasPrefix(c, "!") {
			v.checks = append(v.checks, Check{check: c[1:], negate: true})
			continue
		}
		v.checks = append(v.checks, Check{check: c, negate: false})
	}
	return v, nil
}

// Close releases the libmagic decoder.
func (v *Validator) Close() {
	v.decoder.Close()
}

// ValidatePattern validates that the entries extracted from pattern are
// usable as glob patterns against mime types.
func ValidatePattern(pattern string) error {
	var err error
	for _, c := range strings.Split(pattern, ",") {
		c = strings.TrimSpace(c)
		if strings.HasPrefix(c, "!") {
			_, err = filepath.Match(c[1:], "*")
		} else {
			_, err = filepath.Match(c, "*")
		}
		if err != nil {
			return fmt.Errorf("Invalid mime type pattern, %q", c)
		}
	}
	return nil
}

// CheckFile inspects the leading bytes of the file at path and runs the
// validator's checks against the detected mime type.
func (v *Validator) CheckFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, SniffLength)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return err
	}
	return v.CheckBuffer(buf[:n])
}

// CheckBuffer runs the mime type checks against the provided bytes.
func (v *Validator) CheckBuffer(p []byte) error {
	var mime string
	var err error
	// libmagic panics on empty input; it reports "application/x-empty"
	// for empty files, so short-circuit to that.
	if len(p) > 0 {
		mime, err = v.decoder.TypeByBuffer(p)
		if err != nil {
			return err
		}
	} else {
		mime = "application/x-empty"
	}

	for _, c := range v.checks {
		match, err := filepath.Match(c.check, mime)
		if err != nil {
			return err
		}
		if match == c.negate {
			return ErrMimeTypeMismatch{check: c, found: mime}
		}
	}
	return nil
}
