package robinhood

import (
	"github.com/pkg/errors"
)

var (
	// ErrCapacityExceeded is returned by Insert when growing the table would
	// exceed the configured maximum capacity or the addressable range. The
	// table keeps its last good state.
	ErrCapacityExceeded = errors.New("robinhood: capacity exceeded")

	// ErrInvalidConfig is returned by Config.Validate and LoadConfig.
	ErrInvalidConfig = errors.New("robinhood: invalid config")

	// ErrInvariant is the panic value cause for internal consistency
	// violations. Continuing after one would corrupt every probe run that
	// shares the damaged slots.
	ErrInvariant = errors.New("robinhood: invariant violated")
)

func invariantf(format string, args ...any) {
	panic(errors.Wrapf(ErrInvariant, format, args...))
}
