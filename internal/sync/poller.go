package sync

import (
	"context"
	gosync "sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// State represents the current state of a sync direction.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateError
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateError:
		return "error"
	default:
		return "idle"
	}
}

// Status holds the sync state for a single direction.
type Status struct {
	Direction Direction
	State     State
	LastSync  time.Time
	LastCount int
	Error     error
}

// Result is sent on the results channel when a run completes.
type Result struct {
	Direction Direction
	Count     int
	Error     error
}

// runTimeout is the maximum time allowed for a single sync run.
const runTimeout = 5 * time.Minute

// defaultInterval is used when the poller is created without one.
const defaultInterval = 10 * time.Minute

// Poller runs both sync directions on an interval and on demand.
type Poller struct {
	syncer    Syncer
	interval  time.Duration
	statuses  map[Direction]*Status
	resultCh  chan Result
	triggerCh chan Direction
	stopCh    chan struct{}
	done      gosync.WaitGroup
	mu        gosync.Mutex
	running   bool
}

// NewPoller creates a Poller for syncer.
func NewPoller(syncer Syncer, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = defaultInterval
	}
	p := &Poller{
		syncer:    syncer,
		interval:  interval,
		statuses:  make(map[Direction]*Status, len(Directions)),
		resultCh:  make(chan Result, 16),
		triggerCh: make(chan Direction, 16),
	}
	for _, dir := range Directions {
		p.statuses[dir] = &Status{Direction: dir, State: StateIdle}
	}
	return p
}

// Start launches the polling goroutine. The first run of both directions
// happens immediately. Calling Start on a running poller does nothing.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	stop := p.stopCh
	p.mu.Unlock()

	p.done.Add(1)
	go p.loop(stop)
}

// Stop halts the polling goroutine and waits for an in-flight run to
// finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	close(p.stopCh)
	p.running = false
	p.mu.Unlock()

	p.done.Wait()
}

// Trigger requests an immediate run of dir.
func (p *Poller) Trigger(dir Direction) {
	select {
	case p.triggerCh <- dir:
	default:
		// Channel full; a run is already queued.
	}
}

// TriggerAll requests an immediate run of both directions.
func (p *Poller) TriggerAll() {
	for _, dir := range Directions {
		p.Trigger(dir)
	}
}

// Results delivers the outcome of every run. Results are dropped when
// nobody keeps up with the channel.
func (p *Poller) Results() <-chan Result {
	return p.resultCh
}

// Statuses returns the current status of both directions, upload first.
func (p *Poller) Statuses() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	statuses := make([]Status, 0, len(Directions))
	for _, dir := range Directions {
		statuses = append(statuses, *p.statuses[dir])
	}
	return statuses
}

func (p *Poller) loop(stop <-chan struct{}) {
	defer p.done.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.runAll()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.runAll()
		case dir := <-p.triggerCh:
			p.run(dir)
		}
	}
}

func (p *Poller) runAll() {
	for _, dir := range Directions {
		p.run(dir)
	}
}

// run performs a single sync of dir and records its outcome.
func (p *Poller) run(dir Direction) {
	p.setStatus(dir, StateRunning, 0, nil)

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	var count int
	var err error
	switch dir {
	case DirectionUpload:
		count, err = p.syncer.Upload(ctx)
	case DirectionDownload:
		count, err = p.syncer.Download(ctx)
	default:
		return
	}

	if err != nil {
		log.WithError(err).WithField("direction", dir).Error("Sync failed")
		p.setStatus(dir, StateError, 0, err)
	} else {
		p.setStatus(dir, StateIdle, count, nil)
	}
	p.sendResult(Result{Direction: dir, Count: count, Error: err})
}

// setStatus updates the sync status for a direction.
func (p *Poller) setStatus(dir Direction, state State, count int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	status, ok := p.statuses[dir]
	if !ok {
		return
	}

	status.State = state
	status.Error = err
	if state == StateIdle && err == nil {
		status.LastSync = time.Now()
		status.LastCount = count
	}
}

// sendResult sends a Result without blocking.
func (p *Poller) sendResult(r Result) {
	select {
	case p.resultCh <- r:
	default:
		// Drop if channel is full to avoid blocking the poller
	}
}
