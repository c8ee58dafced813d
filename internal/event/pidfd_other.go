//go:build !linux

package event

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/benaskins/vigil/internal/supervise"
)

func newPidfd(*slog.Logger) (supervise.EventSource, error) {
	return nil, fmt.Errorf("pidfd is not available on %s", runtime.GOOS)
}
