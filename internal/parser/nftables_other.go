//go:build !linux

package parser

import (
	"errors"
	"log/slog"
)

// CaptureNftables is only available on Linux.
func CaptureNftables(logger *slog.Logger) (string, error) {
	return "", errors.New("nftables: live capture is only supported on linux")
}
