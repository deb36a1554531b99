// Package imap provides an IMAP mail source implementing gmail.API, for
// users whose mailbox is not on Gmail.
package imap

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
)

// Config holds connection settings for an IMAP server.
type Config struct {
	Host     string
	Port     int
	TLS      bool // Implicit TLS (IMAPS, port 993)
	STARTTLS bool // STARTTLS upgrade (port 143)
	Username string
}

func (c *Config) port() int {
	if c.Port != 0 {
		return c.Port
	}
	if c.TLS {
		return 993
	}
	return 143
}

// Addr returns the "host:port" string.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.port()))
}

// Identifier returns a canonical string like "imaps://user@host:port".
// Saved credentials are keyed by it.
func (c *Config) Identifier() string {
	scheme := "imap"
	if c.TLS {
		scheme = "imaps"
	}
	return fmt.Sprintf("%s://%s@%s", scheme, url.PathEscape(c.Username), c.Addr())
}
