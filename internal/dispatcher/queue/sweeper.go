package queue

import (
	"time"

	"github.com/LumiOpen/dispatcher/internal/dispatcher/logging"
)

// Sweeper runs Core.SweepTimeouts on a periodic schedule derived from the
// core's current work timeout, per §4.3.2's cadence requirement
// (at least once every max(1, work_timeout/10) seconds).
type Sweeper struct {
	core *Core
	log  *logging.Logger
	stop chan struct{}
	done chan struct{}

	// fatalErr receives the first fatal error encountered by a sweep, if
	// any; the process should treat this the same as any other fatal
	// output I/O error (§7).
	fatalErr chan error
}

// NewSweeper builds a Sweeper for core.
func NewSweeper(core *Core, log *logging.Logger) *Sweeper {
	return &Sweeper{
		core:     core,
		log:      log.WithComponent("sweeper"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		fatalErr: make(chan error, 1),
	}
}

// Start launches the sweep loop in its own goroutine.
func (s *Sweeper) Start() {
	go s.loop()
}

// Stop ends the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

// FatalErr returns a channel that receives a fatal output-write error
// encountered during a sweep, if one ever occurs.
func (s *Sweeper) FatalErr() <-chan error {
	return s.fatalErr
}

func (s *Sweeper) loop() {
	defer close(s.done)

	interval := s.core.SweepInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.core.SweepTimeouts(time.Now()); err != nil {
				s.log.Errorf("fatal error during timeout sweep: %v", err)
				select {
				case s.fatalErr <- err:
				default:
				}
				return
			}

			// The timeout may have changed since the ticker was built;
			// re-derive the cadence each pass so set_work_timeout takes
			// effect on the sweep schedule too, not just on expiry checks.
			newInterval := s.core.SweepInterval()
			if newInterval != interval {
				interval = newInterval
				ticker.Reset(interval)
			}
		}
	}
}
