package reactor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/Charana123/torrentd/go-torrent/disk"
	"github.com/Charana123/torrentd/go-torrent/torrent"
)

// Event is delivered to the Handler on the reactor goroutine.
type Event interface{}

// Accepted is posted for an inbound connection before any of its data.
type Accepted struct {
	Sock *Socket
}

type Readable struct {
	Sock *Socket
	Data []byte
}

// Hangup reports that a socket failed or was closed by the remote end. It
// may be posted more than once for the same socket.
type Hangup struct {
	Sock *Socket
	Err  error
}

// Dialed reports the result of Dial. Sock is nil when the dial failed.
type Dialed struct {
	Sock *Socket
	Addr string
	Tag  interface{}
	Err  error
}

type Tick struct {
	Name string
	Now  time.Time
}

type call struct {
	fn   func()
	done chan struct{}
}

// Handler consumes events. Both methods run on the reactor goroutine and
// must not block.
type Handler interface {
	HandleEvent(ev Event)
	HandleCompletions(batch []disk.Completion)
}

var ErrStopped = errors.New("reactor stopped")

type Config struct {
	MaxSockets      int
	EventQueue      int
	CompletionQueue int
	SendQueue       int
	ReadBuffer      int
	WriteTimeout    time.Duration
	Upload          *rate.Limiter
	Download        *rate.Limiter
}

func DefaultConfig() Config {
	return Config{
		MaxSockets:      200,
		EventQueue:      1024,
		CompletionQueue: 1024,
		SendQueue:       256,
		ReadBuffer:      32 * 1024,
		WriteTimeout:    2 * time.Minute,
		Upload:          rate.NewLimiter(rate.Inf, 0),
		Download:        rate.NewLimiter(rate.Inf, 0),
	}
}

// Reactor runs a single loop that owns all protocol state. Socket I/O,
// timers and disk completions happen on other goroutines and reach the
// loop as events.
type Reactor struct {
	cfg         Config
	events      chan Event
	completions chan disk.Completion
	sockets     int64
	quit        chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func New(cfg Config) *Reactor {
	return &Reactor{
		cfg:         cfg,
		events:      make(chan Event, cfg.EventQueue),
		completions: make(chan disk.Completion, cfg.CompletionQueue),
		quit:        make(chan struct{}),
	}
}

// Reserve claims a socket slot, failing at the ceiling.
func (r *Reactor) Reserve() bool {
	for {
		n := atomic.LoadInt64(&r.sockets)
		if n >= int64(r.cfg.MaxSockets) {
			return false
		}
		if atomic.CompareAndSwapInt64(&r.sockets, n, n+1) {
			return true
		}
	}
}

func (r *Reactor) Release() {
	atomic.AddInt64(&r.sockets, -1)
}

// Sockets is the number of slots in use.
func (r *Reactor) Sockets() int {
	return int(atomic.LoadInt64(&r.sockets))
}

func (r *Reactor) MaxSockets() int {
	return r.cfg.MaxSockets
}

func (r *Reactor) post(ev Event) bool {
	select {
	case r.events <- ev:
		return true
	case <-r.quit:
		return false
	}
}

// Complete hands a finished disk job to the loop.
func (r *Reactor) Complete(c disk.Completion) {
	select {
	case r.completions <- c:
	case <-r.quit:
	}
}

// Every posts a Tick named name every d until the reactor stops.
func (r *Reactor) Every(name string, d time.Duration) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case t := <-ticker.C:
				if !r.post(Tick{Name: name, Now: t}) {
					return
				}
			case <-r.quit:
				return
			}
		}
	}()
}

// Call runs fn on the reactor goroutine and waits for it to return. ctx
// only bounds queueing: once fn is queued Call waits until it has run or
// the reactor has stopped, so a nil error means fn ran and ErrStopped
// means it never will.
func (r *Reactor) Call(ctx context.Context, fn func()) error {
	c := call{fn: fn, done: make(chan struct{})}
	select {
	case r.events <- c:
	case <-r.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-c.done:
		return nil
	case <-r.quit:
		// fn finishes before the loop exits and quit is closed
		select {
		case <-c.done:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Run dispatches events to h until ctx is cancelled. Disk completions are
// drained in batches ahead of socket events.
func (r *Reactor) Run(ctx context.Context, h Handler) error {
	defer r.stop()
	logger().Debugf("running with %d socket slots", r.cfg.MaxSockets)
	batch := make([]disk.Completion, 0, cap(r.completions))
	for {
		batch = r.drain(batch[:0])
		if len(batch) > 0 {
			h.HandleCompletions(batch)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-r.completions:
			batch = r.drain(append(batch[:0], c))
			h.HandleCompletions(batch)
		case ev := <-r.events:
			if c, ok := ev.(call); ok {
				c.fn()
				close(c.done)
				continue
			}
			h.HandleEvent(ev)
		}
	}
}

func (r *Reactor) drain(batch []disk.Completion) []disk.Completion {
	for len(batch) < cap(r.completions) || cap(r.completions) == 0 {
		select {
		case c := <-r.completions:
			batch = append(batch, c)
		default:
			return batch
		}
	}
	return batch
}

func (r *Reactor) stop() {
	r.stopOnce.Do(func() {
		close(r.quit)
	})
}

// Wait blocks until timers and socket goroutines have exited.
func (r *Reactor) Wait() {
	r.wg.Wait()
}

func wrapConn(err error, format string, args ...interface{}) error {
	return errors.Wrapf(torrent.ErrConnection, format+": %v", append(args, err)...)
}

func logger() *log.Entry {
	return log.WithField("component", "reactor")
}
