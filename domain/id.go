package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// ID is an opaque entity identifier. Upstream payloads carry the same entity
// id as either a JSON number or a JSON string depending on which service
// produced them, so ids are canonicalized to their decimal string form once,
// when they enter the process. After that plain == comparison is safe.
type ID string

// CanonicalID converts a raw decoded JSON value into an ID.
func CanonicalID(v any) ID {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return ID(x)
	case float64:
		if x == float64(int64(x)) {
			return ID(strconv.FormatInt(int64(x), 10))
		}
		return ID(strconv.FormatFloat(x, 'f', -1, 64))
	case int:
		return ID(strconv.Itoa(x))
	case int64:
		return ID(strconv.FormatInt(x, 10))
	default:
		return ID(fmt.Sprintf("%v", x))
	}
}

// UnmarshalJSON accepts both string and numeric id representations.
func (id *ID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*id = ""
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		unquoted, err := strconv.Unquote(s)
		if err != nil {
			return err
		}
		*id = ID(unquoted)
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q: %w", s, err)
	}
	*id = CanonicalID(n)
	return nil
}

func (id ID) String() string { return string(id) }

// IsZero reports whether the id carries no value.
func (id ID) IsZero() bool { return id == "" }
