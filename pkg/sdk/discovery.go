package sdk

import (
	"errors"
	"os"
	"strings"
)

// ErrNoServer is returned by NewFromEnv when no daemon address is configured.
var ErrNoServer = errors.New("CELERIX_NAMING_ADDR is not set")

// NewFromEnv builds a client from the environment.
//
// CELERIX_NAMING_ADDR is either a full URL or a host:port. A bare host:port is
// dialled over TLS with the daemon's self-signed certificate accepted, unless
// CELERIX_DISABLE_TLS is "true". CELERIX_NAMING_ADMIN_SECRET is sent on admin calls.
func NewFromEnv(opts ...Option) (*Client, error) {
	addr := strings.TrimSpace(os.Getenv("CELERIX_NAMING_ADDR"))
	if addr == "" {
		return nil, ErrNoServer
	}

	if !strings.Contains(addr, "://") {
		if os.Getenv("CELERIX_DISABLE_TLS") == "true" {
			addr = "http://" + addr
		} else {
			addr = "https://" + addr
			opts = append([]Option{WithInsecureTLS()}, opts...)
		}
	}
	if secret := os.Getenv("CELERIX_NAMING_ADMIN_SECRET"); secret != "" {
		opts = append([]Option{WithAdminSecret(secret)}, opts...)
	}
	return Connect(addr, opts...)
}
