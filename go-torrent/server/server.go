package server

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Charana123/torrentd/go-torrent/reactor"
)

// Registrar hands accepted connections to the reactor.
type Registrar interface {
	Reserve() bool
	Adopt(conn net.Conn) *reactor.Socket
}

type Server interface {
	Serve(ctx context.Context) error
	GetServerPort() int
	Close() error
}

type server struct {
	port     int
	listener net.Listener
	reg      Registrar
	closed   chan struct{}
	once     sync.Once
}

var (
	listen = net.Listen
)

func NewServer(addr string, reg Registrar) (Server, error) {
	listener, err := listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}
	sv := &server{
		listener: listener,
		reg:      reg,
		closed:   make(chan struct{}),
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		sv.port = tcpAddr.Port
	}
	log.Infof("Listening for peers on %s", listener.Addr())
	return sv, nil
}

// Serve accepts connections until ctx is cancelled or the listener fails.
// A connection beyond the socket ceiling is closed right away.
func (sv *server) Serve(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			sv.Close()
		case <-done:
		}
	}()

	delay := 5 * time.Millisecond
	for {
		conn, err := sv.listener.Accept()
		if err != nil {
			select {
			case <-sv.closed:
				log.Info("Safely terminating peer listener")
				return nil
			default:
			}
			if neterr, ok := err.(net.Error); ok && neterr.Temporary() {
				log.Warnf("Accept failed, retrying in %s: %v", delay, err)
				time.Sleep(delay)
				if delay < time.Second {
					delay *= 2
				}
				continue
			}
			return errors.Wrap(err, "accept")
		}
		delay = 5 * time.Millisecond

		if !sv.reg.Reserve() {
			log.Debugf("Socket ceiling reached, refusing %s", conn.RemoteAddr())
			conn.Close()
			continue
		}
		sv.reg.Adopt(conn)
	}
}

func (sv *server) Close() error {
	var err error
	sv.once.Do(func() {
		close(sv.closed)
		err = sv.listener.Close()
	})
	return err
}

func (sv *server) GetServerPort() int {
	return sv.port
}
