package graffiti

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

const (
	// URLScheme prefixes every object url.
	URLScheme = "graffiti:"

	urlSeparator = "/"

	objectIDBytes = 24
)

// ComposeObjectURL builds the canonical url for (actor, id). Both parts
// are percent-encoded, so the separator occurs exactly once in any
// encoder output. Encoding is total.
func ComposeObjectURL(actor, id string) string {
	return URLScheme + url.QueryEscape(actor) + urlSeparator + url.QueryEscape(id)
}

// ParseObjectURL recovers (actor, id) from an object url. It is the only
// authority on the mapping; it fails with an InvalidURLError when the
// scheme prefix is missing or the separator count is not exactly one.
func ParseObjectURL(objectURL string) (string, string, error) {
	rest, ok := strings.CutPrefix(objectURL, URLScheme)
	if !ok {
		return "", "", InvalidURLError{URL: objectURL}
	}

	parts := strings.Split(rest, urlSeparator)
	if len(parts) != 2 {
		return "", "", InvalidURLError{URL: objectURL}
	}

	actor, err := url.QueryUnescape(parts[0])
	if err != nil {
		return "", "", InvalidURLError{URL: objectURL}
	}
	id, err := url.QueryUnescape(parts[1])
	if err != nil {
		return "", "", InvalidURLError{URL: objectURL}
	}

	return actor, id, nil
}

// NewObjectID mints a cryptographically random identifier, url-safe
// base64 without padding.
func NewObjectID() (string, error) {
	buf := make([]byte, objectIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// PadLastModified renders a sequence value as a 15-digit zero-padded
// decimal, so lexicographic index scans order like numeric ones for any
// value below 10^15.
func PadLastModified(seq int64) string {
	return fmt.Sprintf("%015d", seq)
}

// MaxSuffix orders above any zero-padded decimal suffix. Index scans use
// it as the upper bound when a schema gives no lastModified maximum.
const MaxSuffix = "\uffff"
