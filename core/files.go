package core

import (
	"path"
	"strings"

	"github.com/oklog/ulid/v2"
)

// FileKey derives a unique, URL-safe object key from an uploaded file name.
func FileKey(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	safe = strings.Trim(safe, ".")
	if safe == "" {
		safe = "file"
	}
	return ulid.Make().String() + "-" + safe
}
