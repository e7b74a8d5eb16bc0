package logstore

import (
	"sync"
	"time"
)

const idlePoll = 100 * time.Millisecond

// pendingWrite is an index waiting for its simulated disk write to land.
type pendingWrite struct {
	due   time.Time
	index uint64
}

// diskEmulator promotes pending writes to durable once their delay has
// elapsed and reports every promotion batch to the store's notifier.
type diskEmulator struct {
	s    *Store
	wake chan struct{}
	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func newDiskEmulator(s *Store) *diskEmulator {
	return &diskEmulator{
		s:    s,
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
}

func (d *diskEmulator) start() {
	d.wg.Add(1)
	go d.loop()
}

func (d *diskEmulator) stop() {
	d.once.Do(func() {
		close(d.quit)
		d.wg.Wait()
	})
}

func (d *diskEmulator) loop() {
	defer d.wg.Done()

	timer := time.NewTimer(idlePoll)
	defer timer.Stop()

	for {
		select {
		case <-d.quit:
			return
		case <-d.wake:
		case <-timer.C:
		}

		durable, promoted, next, notify := d.s.promoteDue(time.Now())
		if promoted && notify != nil {
			notify(durable)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(next)
	}
}

// schedule must be called with mu held.
func (s *Store) schedule(index uint64) {
	if s.emul == nil {
		return
	}
	s.pending = append(s.pending, pendingWrite{due: time.Now().Add(s.delay), index: index})
}

func (s *Store) kick() {
	if s.emul == nil {
		return
	}
	select {
	case s.emul.wake <- struct{}{}:
	default:
	}
}

// promoteDue moves every pending write whose due time has passed to durable.
// It returns the time to sleep until the next one is due.
func (s *Store) promoteDue(now time.Time) (uint64, bool, time.Duration, AppendNotifier) {
	s.mu.Lock()
	defer s.mu.Unlock()

	promoted := false
	n := 0
	for _, p := range s.pending {
		if p.due.After(now) {
			break
		}
		s.durable = p.index
		promoted = true
		n++
	}
	s.pending = s.pending[n:]
	if s.durable > s.lastIndex {
		s.durable = s.lastIndex
	}

	next := idlePoll
	if len(s.pending) > 0 {
		next = s.pending[0].due.Sub(now)
		if next <= 0 {
			next = time.Millisecond
		}
	}
	return s.durable, promoted, next, s.notify
}
