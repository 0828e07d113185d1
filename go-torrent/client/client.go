package client

import (
	"context"
	"io"
	"sort"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Charana123/torrentd/go-torrent/config"
	"github.com/Charana123/torrentd/go-torrent/disk"
	"github.com/Charana123/torrentd/go-torrent/peer"
	"github.com/Charana123/torrentd/go-torrent/piece"
	"github.com/Charana123/torrentd/go-torrent/reactor"
	"github.com/Charana123/torrentd/go-torrent/resume"
	"github.com/Charana123/torrentd/go-torrent/server"
	"github.com/Charana123/torrentd/go-torrent/storage"
	"github.com/Charana123/torrentd/go-torrent/torrent"
	"github.com/Charana123/torrentd/go-torrent/wire"
)

var ErrNotFound = errors.New("torrent not found")

type NotificationKind int

const (
	TorrentAdded NotificationKind = iota
	TorrentCompleted
	ValidationDone
	TorrentError
	TorrentRemoved
)

func (k NotificationKind) String() string {
	switch k {
	case TorrentAdded:
		return "added"
	case TorrentCompleted:
		return "completed"
	case ValidationDone:
		return "validated"
	case TorrentError:
		return "error"
	}
	return "removed"
}

type Notification struct {
	Torrent string
	Kind    NotificationKind
	Err     error
	Time    time.Time
}

// Client is the registry of torrents. Its methods may be called from any
// goroutine; they run on the reactor goroutine and return snapshots.
type Client interface {
	Run(ctx context.Context) error
	Restore(ctx context.Context) error
	AddTorrent(ctx context.Context, torrentReader io.ReadSeeker) (id string, err error)
	RemoveTorrent(ctx context.Context, id string, deleteData bool) error
	SetFilePriority(ctx context.Context, id string, file int, priority piece.Priority) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Verify(ctx context.Context, id string) error
	AddCandidatePeer(ctx context.Context, id string, addr string) error
	Torrents(ctx context.Context) ([]TorrentStatus, error)
	Torrent(ctx context.Context, id string) (TorrentStatus, error)
	Peers(ctx context.Context, id string) ([]peer.PeerInfo, error)
	Pieces(ctx context.Context, id string) ([]piece.PieceStatus, error)
	Notifications() <-chan Notification
	Port() int
}

type pendingConn struct {
	sock   *reactor.Socket
	parser *wire.Parser
	since  time.Time
}

type client struct {
	cfg           *config.Config
	reactor       *reactor.Reactor
	disk          *disk.Manager
	store         *resume.Store
	listener      server.Server
	torrents      map[string]*torrentDownload
	pending       map[*reactor.Socket]*pendingConn
	generation    uint64
	notifications chan Notification
	persistQueue  chan func(*resume.Store) error
	persistDone   chan struct{}
	newStorage    func(tor *torrent.Torrent, dataDir string, openFiles int) (storage.Storage, error)
}

var now = time.Now

// NewClient builds a client. store may be nil, in which case nothing is
// persisted.
func NewClient(cfg *config.Config, store *resume.Store) Client {
	return newClient(cfg, store)
}

func newClient(cfg *config.Config, store *resume.Store) *client {
	c := &client{
		cfg:           cfg,
		reactor:       reactor.New(cfg.ReactorConfig()),
		store:         store,
		torrents:      make(map[string]*torrentDownload),
		pending:       make(map[*reactor.Socket]*pendingConn),
		notifications: make(chan Notification, 64),
		persistQueue:  make(chan func(*resume.Store) error, 256),
		persistDone:   make(chan struct{}),
		newStorage:    storage.NewRandomAccessStorage,
	}
	c.disk = cfg.NewDiskManager(c.reactor.Complete)
	return c
}

func (c *client) Run(ctx context.Context) error {
	c.disk.Start()
	go c.persistLoop()

	keepAlive := c.cfg.KeepAliveInterval / 4
	if keepAlive < time.Second {
		keepAlive = time.Second
	}
	c.reactor.Every("choke", c.cfg.ChokeInterval)
	c.reactor.Every("keepalive", keepAlive)
	c.reactor.Every("maintain", time.Second)
	c.reactor.Every("stats", time.Second)
	c.reactor.Every("save", time.Minute)

	g, ctx := errgroup.WithContext(ctx)
	if c.cfg.ListenAddr != "" {
		sv, err := server.NewServer(c.cfg.ListenAddr, c.reactor)
		if err != nil {
			c.shutdown()
			return err
		}
		c.listener = sv
		g.Go(func() error {
			return sv.Serve(ctx)
		})
	}
	g.Go(func() error {
		err := c.reactor.Run(ctx, c)
		if c.listener != nil {
			c.listener.Close()
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	err := g.Wait()
	c.shutdown()
	return err
}

// shutdown runs once the reactor loop has exited and nothing else touches
// the torrents.
func (c *client) shutdown() {
	for _, pc := range c.pending {
		pc.sock.Close()
	}
	for _, t := range c.sortedTorrents() {
		t.peerMgr.StopPeers(errors.Wrap(torrent.ErrConnection, "shutting down"))
	}
	c.disk.Stop()

	close(c.persistQueue)
	<-c.persistDone
	for _, t := range c.sortedTorrents() {
		if c.store != nil && !t.removing {
			if err := c.store.Save(t.id, t.resumeState()); err != nil {
				t.logger.Errorf("Saving resume state: %v", err)
			}
		}
		if err := t.storage.Close(); err != nil {
			t.logger.Errorf("Closing storage: %v", err)
		}
	}
	c.reactor.Wait()
	log.Info("Client stopped")
}

func (c *client) persistLoop() {
	defer close(c.persistDone)
	for fn := range c.persistQueue {
		if err := fn(c.store); err != nil {
			log.Errorf("Resume store: %v", err)
		}
	}
}

// persist applies fn to the resume store in order, off the reactor
// goroutine.
func (c *client) persist(fn func(*resume.Store) error) {
	if c.store == nil {
		return
	}
	select {
	case c.persistQueue <- fn:
	default:
		log.Warn("Resume store queue full, dropping update")
	}
}

func (c *client) notify(id string, kind NotificationKind, err error) {
	n := Notification{Torrent: id, Kind: kind, Err: err, Time: now()}
	select {
	case c.notifications <- n:
	default:
		log.Warnf("Notification queue full, dropping %s for %s", kind, id)
	}
}

func (c *client) Notifications() <-chan Notification {
	return c.notifications
}

func (c *client) Port() int {
	if c.listener == nil {
		return 0
	}
	return c.listener.GetServerPort()
}

func (c *client) call(ctx context.Context, fn func() error) error {
	var err error
	if cerr := c.reactor.Call(ctx, func() { err = fn() }); cerr != nil {
		return cerr
	}
	return err
}

func (c *client) lookup(id string) (*torrentDownload, error) {
	t, ok := c.torrents[id]
	if !ok || t.removing {
		return nil, errors.Wrap(ErrNotFound, id)
	}
	return t, nil
}

func (c *client) sortedTorrents() []*torrentDownload {
	torrents := make([]*torrentDownload, 0, len(c.torrents))
	for _, t := range c.torrents {
		torrents = append(torrents, t)
	}
	sort.Slice(torrents, func(i, j int) bool {
		return torrents[i].id < torrents[j].id
	})
	return torrents
}

func (c *client) AddTorrent(ctx context.Context, torrentReader io.ReadSeeker) (string, error) {
	tor, err := torrent.NewTorrent(torrentReader)
	if err != nil {
		return "", errors.Wrap(err, "adding torrent")
	}
	var state *resume.State
	if c.store != nil {
		if state, err = c.store.Load(tor.HexHash()); err != nil {
			log.Warnf("Ignoring resume state of %s: %v", tor.HexHash(), err)
			state = nil
		}
	}
	return tor.HexHash(), c.add(ctx, tor, state)
}

// Restore adds every torrent recorded in the resume store.
func (c *client) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	ids, err := c.store.List()
	if err != nil {
		return errors.Wrap(err, "listing resume state")
	}
	var result *multierror.Error
	for _, id := range ids {
		state, err := c.store.Load(id)
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "loading %s", id))
			continue
		}
		if state == nil {
			continue
		}
		tor, err := torrent.FromBytes([]byte(state.Torrent))
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "decoding %s", id))
			continue
		}
		if err := c.add(ctx, tor, state); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "restoring %s", id))
			continue
		}
		log.Infof("Restored %s", tor.Name())
	}
	return result.ErrorOrNil()
}

// add allocates storage off the reactor goroutine, then registers the
// torrent on it.
func (c *client) add(ctx context.Context, tor *torrent.Torrent, state *resume.State) error {
	st, err := c.newStorage(tor, c.cfg.DataDir, c.cfg.OpenFiles)
	if err != nil {
		return err
	}
	if err := st.Init(); err != nil {
		st.Close()
		return err
	}
	clientBitfield := bitmap.New(tor.NumPieces)
	if state != nil && state.Bitfield != nil {
		if bf, err := wire.DecodeBitField(state.Bitfield, tor.NumPieces); err == nil {
			clientBitfield = bf
		} else {
			log.Warnf("Ignoring saved bitfield of %s: %v", tor.Name(), err)
		}
	}

	err = c.call(ctx, func() error {
		if _, ok := c.torrents[tor.HexHash()]; ok {
			return errors.Errorf("torrent %s already added", tor.HexHash())
		}
		t := newTorrentDownload(c, tor, st, clientBitfield, state)
		c.torrents[t.id] = t
		t.save()
		t.logger.Infof("Added, %s, %d/%d pieces", t.status, t.pieceMgr.GetPiecesDownloaded(), tor.NumPieces)
		c.notify(t.id, TorrentAdded, nil)
		return nil
	})
	if err != nil {
		st.Close()
	}
	return err
}

// RemoveTorrent stops a torrent and waits until its disk jobs are drained
// and its files are closed (and deleted when deleteData is set).
func (c *client) RemoveTorrent(ctx context.Context, id string, deleteData bool) error {
	var t *torrentDownload
	err := c.call(ctx, func() error {
		var err error
		if t, err = c.lookup(id); err != nil {
			return err
		}
		t.removing = true
		t.deleteData = deleteData
		c.generation++
		t.generation = c.generation
		t.peerMgr.StopPeers(errors.Wrap(torrent.ErrConnection, "torrent removed"))
		c.maybeFinalize(t)
		return nil
	})
	if err != nil {
		return err
	}
	select {
	case <-t.finalized:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// maybeFinalize releases a removed torrent once nothing refers to it.
func (c *client) maybeFinalize(t *torrentDownload) {
	if !t.removing || t.pendingJobs > 0 || t.peerMgr.NumPeers() > 0 {
		return
	}
	if _, ok := c.torrents[t.id]; !ok {
		return
	}
	delete(c.torrents, t.id)
	id := t.id
	c.persist(func(store *resume.Store) error {
		return store.Delete(id)
	})
	go func() {
		var err error
		if t.deleteData {
			err = t.storage.Remove()
		} else {
			err = t.storage.Close()
		}
		if err != nil {
			t.logger.Errorf("Finalizing: %v", err)
		}
		t.logger.Info("Removed")
		c.notify(id, TorrentRemoved, err)
		close(t.finalized)
	}()
}

func (c *client) SetFilePriority(ctx context.Context, id string, file int, priority piece.Priority) error {
	return c.call(ctx, func() error {
		t, err := c.lookup(id)
		if err != nil {
			return err
		}
		return t.setFilePriority(file, priority)
	})
}

func (c *client) Pause(ctx context.Context, id string) error {
	return c.call(ctx, func() error {
		t, err := c.lookup(id)
		if err != nil {
			return err
		}
		if t.status == Validating {
			return errors.Errorf("torrent %s is validating", id)
		}
		t.pause()
		return nil
	})
}

func (c *client) Resume(ctx context.Context, id string) error {
	return c.call(ctx, func() error {
		t, err := c.lookup(id)
		if err != nil {
			return err
		}
		t.resume()
		return nil
	})
}

func (c *client) Verify(ctx context.Context, id string) error {
	return c.call(ctx, func() error {
		t, err := c.lookup(id)
		if err != nil {
			return err
		}
		if t.status == Validating {
			return nil
		}
		t.validate()
		return nil
	})
}

func (c *client) AddCandidatePeer(ctx context.Context, id string, addr string) error {
	return c.call(ctx, func() error {
		t, err := c.lookup(id)
		if err != nil {
			return err
		}
		t.addCandidate(addr)
		return nil
	})
}

func (c *client) Torrents(ctx context.Context) ([]TorrentStatus, error) {
	var statuses []TorrentStatus
	err := c.call(ctx, func() error {
		for _, t := range c.sortedTorrents() {
			if !t.removing {
				statuses = append(statuses, t.snapshot())
			}
		}
		return nil
	})
	return statuses, err
}

func (c *client) Torrent(ctx context.Context, id string) (TorrentStatus, error) {
	var status TorrentStatus
	err := c.call(ctx, func() error {
		t, err := c.lookup(id)
		if err != nil {
			return err
		}
		status = t.snapshot()
		return nil
	})
	return status, err
}

func (c *client) Peers(ctx context.Context, id string) ([]peer.PeerInfo, error) {
	var infos []peer.PeerInfo
	err := c.call(ctx, func() error {
		t, err := c.lookup(id)
		if err != nil {
			return err
		}
		infos = t.peerInfos()
		return nil
	})
	return infos, err
}

func (c *client) Pieces(ctx context.Context, id string) ([]piece.PieceStatus, error) {
	var pieces []piece.PieceStatus
	err := c.call(ctx, func() error {
		t, err := c.lookup(id)
		if err != nil {
			return err
		}
		pieces = t.pieceMgr.Status()
		return nil
	})
	return pieces, err
}
