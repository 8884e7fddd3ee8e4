//go:build unix

package waiter

import (
	"errors"
	"fmt"

	"github.com/danmuck/rdpctl/internal/fdset"
	"golang.org/x/sys/unix"
)

// Outcome is the classified result of one wait.
type Outcome int

const (
	Ready Outcome = iota
	Interrupted
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Ready:
		return "ready"
	case Interrupted:
		return "interrupted"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

var ErrEmptySet = errors.New("waiter: empty descriptor set")

// Waiter blocks until a descriptor in set is ready for its direction.
// Interrupted outcomes carry the benign cause as the error.
type Waiter interface {
	Wait(set *fdset.Set) (Outcome, error)
}

// Func adapts a plain function to Waiter.
type Func func(set *fdset.Set) (Outcome, error)

func (f Func) Wait(set *fdset.Set) (Outcome, error) {
	return f(set)
}

// benign lists the errnos that mean "try again" rather than failure.
var benign = []unix.Errno{
	unix.EINTR,
	unix.EAGAIN,
	unix.EWOULDBLOCK,
	unix.EINPROGRESS,
}

// IsBenign reports whether err is an allow-listed transient wait failure.
func IsBenign(err error) bool {
	for _, errno := range benign {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

// Classify maps a wait error to its outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Ready
	case IsBenign(err):
		return Interrupted
	default:
		return Fatal
	}
}
