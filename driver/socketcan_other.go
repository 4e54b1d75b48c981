//go:build !linux

package driver

import (
	"errors"
	"log/slog"
)

// NewSocketCAN is only available on Linux.
func NewSocketCAN(iface string, logger *slog.Logger) (CANDriver, error) {
	return nil, errors.New("SocketCAN 仅支持 Linux")
}
