package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var ErrInvalidAddress = errors.New("invalid address")

// Address locates a recipient: scheme://host/path?query.
type Address struct {
	Scheme string
	Host   string
	Path   string
	Query  string
}

// DeadLetters is where undecodable recipients end up. It never resolves.
var DeadLetters = Address{Scheme: "local", Host: "system", Path: "/deadLetters"}

// ParseAddress parses the canonical string form of an address.
func ParseAddress(raw string) (Address, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Address{}, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	u, err := url.Parse(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if u.Scheme == "" {
		return Address{}, fmt.Errorf("%w: %q has no scheme", ErrInvalidAddress, raw)
	}
	if u.Opaque != "" {
		return Address{}, fmt.Errorf("%w: %q is not hierarchical", ErrInvalidAddress, raw)
	}
	if u.Host == "" && u.Path == "" {
		return Address{}, fmt.Errorf("%w: %q has neither host nor path", ErrInvalidAddress, raw)
	}
	return Address{
		Scheme: strings.ToLower(u.Scheme),
		Host:   u.Host,
		Path:   u.EscapedPath(),
		Query:  u.RawQuery,
	}, nil
}

// MustParseAddress is ParseAddress for literals.
func MustParseAddress(raw string) Address {
	a, err := ParseAddress(raw)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) IsZero() bool { return a == Address{} }

// Segments returns the non-empty path elements.
func (a Address) Segments() []string {
	var out []string
	for _, p := range strings.Split(a.Path, "/") {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (a Address) String() string {
	if a.IsZero() {
		return ""
	}
	var b strings.Builder
	b.WriteString(a.Scheme)
	b.WriteString("://")
	b.WriteString(a.Host)
	b.WriteString(a.Path)
	if a.Query != "" {
		b.WriteByte('?')
		b.WriteString(a.Query)
	}
	return b.String()
}

func (a Address) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Address) UnmarshalText(b []byte) error {
	parsed, err := ParseAddress(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
