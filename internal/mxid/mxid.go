// Package mxid parses and validates user identifiers of the form
// @localpart:server.name.
package mxid

import (
	"errors"
	"fmt"
	"strings"
)

// MaxLength is the maximum length of a fully qualified user identifier.
const MaxLength = 255

var (
	ErrEmpty         = errors.New("mxid: empty identifier")
	ErrMissingSigil  = errors.New("mxid: identifier must start with '@'")
	ErrMissingServer = errors.New("mxid: identifier has no server name")
	ErrInvalidChar   = errors.New("mxid: localpart contains an invalid character")
	ErrInvalidServer = errors.New("mxid: invalid server name")
	ErrTooLong       = errors.New("mxid: identifier too long")
	ErrForeignServer = errors.New("mxid: identifier belongs to another server")
)

// UserID is a parsed user identifier.
type UserID struct {
	Localpart  string
	ServerName string
}

func (u UserID) String() string {
	return "@" + u.Localpart + ":" + u.ServerName
}

// IsHistorical reports whether the localpart uses characters only permitted
// for identifiers created before the current grammar was introduced.
func (u UserID) IsHistorical() bool {
	for i := 0; i < len(u.Localpart); i++ {
		if !isCurrentLocalpartChar(u.Localpart[i]) {
			return true
		}
	}
	return false
}

// Parse parses a fully qualified identifier. Historical localparts are
// accepted; callers creating new accounts should reject them with
// IsHistorical.
func Parse(s string) (UserID, error) {
	if s == "" {
		return UserID{}, ErrEmpty
	}
	if len(s) > MaxLength {
		return UserID{}, ErrTooLong
	}
	if s[0] != '@' {
		return UserID{}, ErrMissingSigil
	}
	localpart, server, ok := strings.Cut(s[1:], ":")
	if !ok || server == "" {
		return UserID{}, ErrMissingServer
	}
	if localpart == "" {
		return UserID{}, fmt.Errorf("%w: empty localpart", ErrInvalidChar)
	}
	for i := 0; i < len(localpart); i++ {
		if !isHistoricalLocalpartChar(localpart[i]) {
			return UserID{}, fmt.Errorf("%w: %q", ErrInvalidChar, localpart[i])
		}
	}
	if err := ValidateServerName(server); err != nil {
		return UserID{}, err
	}
	return UserID{Localpart: localpart, ServerName: server}, nil
}

// ParseWithServerName accepts either a bare localpart or a fully qualified
// identifier and returns an identifier on serverName. A fully qualified
// identifier on a different server fails with ErrForeignServer.
func ParseWithServerName(idOrLocalpart, serverName string) (UserID, error) {
	if idOrLocalpart == "" {
		return UserID{}, ErrEmpty
	}
	s := idOrLocalpart
	if s[0] != '@' {
		s = "@" + s + ":" + serverName
	}
	u, err := Parse(s)
	if err != nil {
		return UserID{}, err
	}
	if u.ServerName != serverName {
		return UserID{}, ErrForeignServer
	}
	return u, nil
}

// ValidateServerName checks a server name of the form host[:port].
func ValidateServerName(name string) error {
	if name == "" {
		return ErrInvalidServer
	}
	host, port := name, ""
	if strings.HasPrefix(name, "[") {
		end := strings.IndexByte(name, ']')
		if end < 0 {
			return ErrInvalidServer
		}
		host, port = name[:end+1], strings.TrimPrefix(name[end+1:], ":")
		if len(name) > end+1 && name[end+1] != ':' {
			return ErrInvalidServer
		}
	} else if i := strings.LastIndexByte(name, ':'); i >= 0 {
		host, port = name[:i], name[i+1:]
		if port == "" {
			return ErrInvalidServer
		}
	}
	if host == "" {
		return ErrInvalidServer
	}
	if len(port) > 5 {
		return ErrInvalidServer
	}
	for i := 0; i < len(port); i++ {
		if port[i] < '0' || port[i] > '9' {
			return ErrInvalidServer
		}
	}
	if host[0] == '[' {
		return nil
	}
	for i := 0; i < len(host); i++ {
		c := host[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '.':
		default:
			return ErrInvalidServer
		}
	}
	return nil
}

func isCurrentLocalpartChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	}
	switch c {
	case '.', '_', '=', '-', '/', '+':
		return true
	}
	return false
}

// Historical localparts may use any printable ASCII except ':'.
func isHistoricalLocalpartChar(c byte) bool {
	return c >= 0x21 && c <= 0x7e && c != ':'
}
