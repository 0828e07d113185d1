package reactor

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/Charana123/torrentd/go-torrent/torrent"
)

var dial = net.DialTimeout

// Socket is a registered connection. Reads arrive as Readable events;
// writes are queued with Send and written by a dedicated goroutine.
type Socket struct {
	r        *Reactor
	conn     net.Conn
	addr     string
	incoming bool
	out      chan []byte
	closed   chan struct{}
	once     sync.Once
	ctx      context.Context
	cancel   context.CancelFunc

	// Owner is attached by the handler and only touched on the reactor
	// goroutine.
	Owner interface{}
}

func (r *Reactor) newSocket(conn net.Conn, incoming bool) *Socket {
	ctx, cancel := context.WithCancel(context.Background())
	return &Socket{
		r:        r,
		conn:     conn,
		addr:     conn.RemoteAddr().String(),
		incoming: incoming,
		out:      make(chan []byte, r.cfg.SendQueue),
		closed:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Adopt registers an accepted connection whose slot the caller has already
// reserved.
func (r *Reactor) Adopt(conn net.Conn) *Socket {
	s := r.newSocket(conn, true)
	if !r.post(Accepted{Sock: s}) {
		s.Close()
		return s
	}
	s.start()
	return s
}

// Dial connects to addr off the loop and posts Dialed. It returns false
// without dialing when no socket slot is free.
func (r *Reactor) Dial(addr string, timeout time.Duration, tag interface{}) bool {
	if !r.Reserve() {
		return false
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		conn, err := dial("tcp", addr, timeout)
		if err != nil {
			r.Release()
			r.post(Dialed{Addr: addr, Tag: tag, Err: wrapConn(err, "dial %s", addr)})
			return
		}
		s := r.newSocket(conn, false)
		if !r.post(Dialed{Sock: s, Addr: addr, Tag: tag}) {
			s.Close()
			return
		}
		s.start()
	}()
	return true
}

func (s *Socket) start() {
	s.r.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
}

func (s *Socket) Addr() string {
	return s.addr
}

func (s *Socket) Incoming() bool {
	return s.incoming
}

// Send queues a frame without blocking.
func (s *Socket) Send(frame []byte) error {
	select {
	case <-s.closed:
		return errors.Wrap(torrent.ErrConnection, "socket closed")
	default:
	}
	select {
	case s.out <- frame:
		return nil
	default:
		return errors.Wrapf(torrent.ErrResourceExhausted, "send queue of %s full", s.addr)
	}
}

// Close shuts the connection and frees its slot. Only the first call has an
// effect.
func (s *Socket) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		s.cancel()
		err = s.conn.Close()
		s.r.Release()
	})
	return err
}

func (s *Socket) hangup(err error) {
	select {
	case <-s.closed:
		return
	default:
	}
	s.r.post(Hangup{Sock: s, Err: err})
}

func (s *Socket) readLoop() {
	defer s.r.wg.Done()
	for {
		buf := make([]byte, s.r.cfg.ReadBuffer)
		n, err := s.conn.Read(buf)
		if n > 0 {
			if werr := waitN(s.ctx, s.r.cfg.Download, n); werr != nil {
				return
			}
			if !s.r.post(Readable{Sock: s, Data: buf[:n]}) {
				return
			}
		}
		if err != nil {
			s.hangup(wrapConn(err, "read %s", s.addr))
			return
		}
	}
}

func (s *Socket) writeLoop() {
	defer s.r.wg.Done()
	for {
		select {
		case frame := <-s.out:
			if err := waitN(s.ctx, s.r.cfg.Upload, len(frame)); err != nil {
				return
			}
			if s.r.cfg.WriteTimeout > 0 {
				s.conn.SetWriteDeadline(time.Now().Add(s.r.cfg.WriteTimeout))
			}
			if _, err := s.conn.Write(frame); err != nil {
				s.hangup(wrapConn(err, "write %s", s.addr))
				return
			}
		case <-s.closed:
			return
		case <-s.r.quit:
			s.Close()
			return
		}
	}
}

// waitN takes n tokens from limiter in burst sized pieces.
func waitN(ctx context.Context, limiter *rate.Limiter, n int) error {
	if limiter == nil || limiter.Limit() == rate.Inf {
		return nil
	}
	for n > 0 {
		take := n
		if burst := limiter.Burst(); take > burst && burst > 0 {
			take = burst
		}
		if err := limiter.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return nil
}
