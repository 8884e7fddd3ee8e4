package waiter

import (
	"fmt"

	"github.com/danmuck/rdpctl/internal/fdset"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// SelectWaiter waits with select(2). Descriptors must be below FD_SETSIZE.
type SelectWaiter struct{}

func NewSelect() SelectWaiter {
	return SelectWaiter{}
}

func (SelectWaiter) Wait(set *fdset.Set) (Outcome, error) {
	if set == nil || set.Empty() {
		return Fatal, ErrEmptySet
	}
	var rfds, wfds unix.FdSet
	if err := fill(&rfds, set.Readable()); err != nil {
		return Fatal, err
	}
	if err := fill(&wfds, set.Writable()); err != nil {
		return Fatal, err
	}

	n, err := unix.Select(int(set.Max())+1, &rfds, &wfds, nil, nil)
	if err != nil {
		outcome := Classify(err)
		log.Debug().
			Err(err).
			Stringer("outcome", outcome).
			Int("max_fd", int(set.Max())).
			Msg("waiter.SelectWaiter.Wait select failed")
		return outcome, err
	}
	log.Trace().Int("ready", n).Msg("waiter.SelectWaiter.Wait ready")
	return Ready, nil
}

func fill(dst *unix.FdSet, fds []fdset.Descriptor) error {
	dst.Zero()
	for _, fd := range fds {
		if int(fd) >= unix.FD_SETSIZE {
			return fmt.Errorf("waiter: descriptor %d exceeds FD_SETSIZE %d", fd, unix.FD_SETSIZE)
		}
		dst.Set(int(fd))
	}
	return nil
}
