package api

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"github.com/Abooow/EzLiveServer/internal/logging"
)

// Random ports are drawn from [RandomPortMin, RandomPortMax).
const (
	RandomPortMin = 3000
	RandomPortMax = 9000

	maxBindAttempts = 32
)

// ErrPortInUse reports that the requested port is taken.
var ErrPortInUse = errors.New("port already in use")

// Listen binds a TCP listener on host. Port 0 picks a random port and
// retries with another one when binding fails; a pinned port is tried once.
func Listen(host string, port int) (net.Listener, error) {
	if port != 0 {
		return bind(host, port)
	}

	var lastErr error
	for attempt := 1; attempt <= maxBindAttempts; attempt++ {
		p := RandomPortMin + rand.IntN(RandomPortMax-RandomPortMin)
		ln, err := bind(host, p)
		if err == nil {
			return ln, nil
		}
		lastErr = err
		logging.Debug("random port unavailable", zap.Int("port", p), zap.Int("attempt", attempt), zap.Error(err))
	}
	return nil, fmt.Errorf("no free port in [%d, %d) after %d attempts: %w",
		RandomPortMin, RandomPortMax, maxBindAttempts, lastErr)
}

func bind(host string, port int) (net.Listener, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("listen %s: %w: %w", addr, ErrPortInUse, err)
		}
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, nil
}
