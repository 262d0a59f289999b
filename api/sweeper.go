/*
sweeper.go - Background confirmation sweeper

PURPOSE:
  Periodically runs the referral confirmation sweep: pending bonuses
  whose 24-hour window has elapsed are confirmed (booking still
  completed) or cancelled (booking cancelled/refunded).

DESIGN:
  - Runs a background goroutine with configurable check interval
  - One scan per tick over all due records, not per-referral timers
  - Safe to run on multiple instances: the status compare-and-set in
    the sweep means only one instance settles each referral

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 5 minutes)
  - Enabled: Whether the sweeper is active (default: true)

USAGE:
  sweeper := NewSweeper(handler.Sweep())
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - referral/confirm.go: the sweep logic
  - handlers.go: TriggerSweep endpoint (manual sweep)
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/blkpages/loyalty-engine/referral"
)

// Sweeper drives the confirmation sweep on a timer.
type Sweeper struct {
	Sweep         *referral.ConfirmationSweep
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweeper creates a new sweeper.
func NewSweeper(sweep *referral.ConfirmationSweep) *Sweeper {
	return &Sweeper{
		Sweep:         sweep,
		CheckInterval: 5 * time.Minute,
		Enabled:       true,
		stop:          make(chan bool),
	}
}

// Start begins the sweeper.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		log.Println("[Sweep] Disabled, not starting")
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)

	go s.run()

	log.Printf("[Sweep] Started with check interval: %v", s.CheckInterval)
}

// Stop stops the sweeper.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		log.Println("[Sweep] Stopped")
	}
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.runOnce()

	for {
		select {
		case <-s.ticker.C:
			s.runOnce()
		case <-s.stop:
			return
		}
	}
}

func (s *Sweeper) runOnce() {
	if _, err := s.Sweep.Run(context.Background()); err != nil {
		log.Printf("[Sweep] Error: %v", err)
	}
}

// RunNow triggers an immediate sweep (for testing/admin).
func (s *Sweeper) RunNow() {
	s.runOnce()
}

// GetNextRunTime returns when the next scheduled sweep will occur.
func (s *Sweeper) GetNextRunTime() time.Time {
	return time.Now().Add(s.CheckInterval)
}
