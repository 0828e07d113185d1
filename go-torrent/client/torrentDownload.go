package client

import (
	"fmt"
	"sort"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"
	humanize "github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Charana123/torrentd/go-torrent/disk"
	"github.com/Charana123/torrentd/go-torrent/peer"
	"github.com/Charana123/torrentd/go-torrent/piece"
	"github.com/Charana123/torrentd/go-torrent/resume"
	"github.com/Charana123/torrentd/go-torrent/stats"
	"github.com/Charana123/torrentd/go-torrent/storage"
	"github.com/Charana123/torrentd/go-torrent/torrent"
	"github.com/Charana123/torrentd/go-torrent/wire"
)

type Status int

const (
	Leeching Status = iota
	Seeding
	// Idle torrents have every wanted piece but skip some files.
	Idle
	Paused
	Validating
	Error
)

func (s Status) String() string {
	switch s {
	case Leeching:
		return "leeching"
	case Seeding:
		return "seeding"
	case Idle:
		return "idle"
	case Paused:
		return "paused"
	case Validating:
		return "validating"
	}
	return "error"
}

// TorrentStatus is a snapshot of one torrent.
type TorrentStatus struct {
	ID           string
	Name         string
	Status       Status
	Err          error
	Length       int64
	Left         int64
	NumPieces    int
	PiecesHave   int
	Peers        int
	Candidates   int
	Uploaded     int64
	Downloaded   int64
	UploadRate   float64
	DownloadRate float64
	Endgame      bool
	AddedAt      time.Time
	Files        []FileDownload
}

func (s TorrentStatus) String() string {
	return fmt.Sprintf("%s [%s] %d/%d pieces, %d peers, down %s/s up %s/s",
		s.Name, s.Status, s.PiecesHave, s.NumPieces, s.Peers,
		humanize.Bytes(uint64(s.DownloadRate)), humanize.Bytes(uint64(s.UploadRate)))
}

// torrentDownload is the runtime of one torrent. It is owned by the reactor
// goroutine and implements peer.Swarm.
type torrentDownload struct {
	c          *client
	id         string
	tor        *torrent.Torrent
	storage    storage.Storage
	pieceMgr   piece.PieceManager
	peerMgr    peer.PeerManager
	choke      peer.Choke
	stats      stats.Stats
	marker     disk.HaveMarker
	priorities []piece.Priority
	addedAt    time.Time

	status      Status
	err         error
	generation  uint64
	pendingJobs int
	validating  int
	candidates  mapset.Set
	dialing     mapset.Set

	removing   bool
	deleteData bool
	finalized  chan struct{}

	logger *log.Entry
}

func newTorrentDownload(c *client, tor *torrent.Torrent, st storage.Storage, clientBitfield bitmap.Bitmap, state *resume.State) *torrentDownload {
	id := tor.HexHash()
	t := &torrentDownload{
		c:          c,
		id:         id,
		tor:        tor,
		storage:    st,
		peerMgr:    peer.NewPeerManager(c.cfg.MaxPeersPerTorrent),
		choke:      peer.NewChoke(c.cfg.UnchokeSlots, c.cfg.OptimisticEvery),
		priorities: make([]piece.Priority, len(tor.Files)),
		addedAt:    now(),
		candidates: mapset.NewThreadUnsafeSet(),
		dialing:    mapset.NewThreadUnsafeSet(),
		finalized:  make(chan struct{}),
		logger:     log.WithField("torrent", tor.Name()),
	}
	if c.cfg.Strategy == "sequential" {
		t.pieceMgr = piece.NewSequentialPieceManager(tor, c.cfg.PieceConfig(), clientBitfield)
	} else {
		t.pieceMgr = piece.NewRarestFirstPieceManager(tor, c.cfg.PieceConfig(), clientBitfield)
	}
	for i := range t.priorities {
		t.priorities[i] = piece.PriorityNormal
	}

	var uploaded, downloaded int64
	paused := false
	if state != nil {
		uploaded, downloaded = state.Uploaded, state.Downloaded
		paused = state.Paused
		if state.AddedAt > 0 {
			t.addedAt = time.Unix(state.AddedAt, 0)
		}
		for i, p := range state.Priorities {
			if i < len(t.priorities) && p >= int(piece.PrioritySkip) && p <= int(piece.PriorityHigh) {
				t.priorities[i] = piece.Priority(p)
			}
		}
	}
	t.stats = stats.NewStats(tor.Name(), uploaded, downloaded, now())
	if c.store != nil {
		t.marker = c.store.Marker(id, tor.NumPieces)
	}
	t.applyPriorities()

	c.generation++
	t.generation = c.generation
	if paused {
		t.status = Paused
	} else {
		t.status = t.completionStatus()
	}
	return t
}

func (t *torrentDownload) applyPriorities() {
	for i, p := range piecePriorities(t.tor, t.priorities) {
		t.pieceMgr.SetPriority(i, p)
	}
}

func (t *torrentDownload) completionStatus() Status {
	switch {
	case t.pieceMgr.Complete():
		return Seeding
	case t.pieceMgr.Done():
		return Idle
	}
	return Leeching
}

// active torrents exchange data with peers.
func (t *torrentDownload) active() bool {
	if t.removing {
		return false
	}
	return t.status == Leeching || t.status == Seeding || t.status == Idle
}

func (t *torrentDownload) setStatus(s Status) {
	if t.status == s {
		return
	}
	t.logger.Infof("%s -> %s", t.status, s)
	t.status = s
}

func (t *torrentDownload) snapshot() TorrentStatus {
	uploaded, downloaded := t.stats.GetTrackerStats()
	rates := t.stats.GetClientStats()
	return TorrentStatus{
		ID:           t.id,
		Name:         t.tor.Name(),
		Status:       t.status,
		Err:          t.err,
		Length:       t.tor.Length,
		Left:         t.pieceMgr.Left(),
		NumPieces:    t.tor.NumPieces,
		PiecesHave:   t.pieceMgr.GetPiecesDownloaded(),
		Peers:        t.peerMgr.NumPeers(),
		Candidates:   t.candidates.Cardinality(),
		Uploaded:     uploaded,
		Downloaded:   downloaded,
		UploadRate:   rates.UploadRate,
		DownloadRate: rates.DownloadRate,
		Endgame:      t.pieceMgr.Endgame(),
		AddedAt:      t.addedAt,
		Files:        fileDownloads(t.tor, t.pieceMgr, t.priorities),
	}
}

func (t *torrentDownload) peerInfos() []peer.PeerInfo {
	peers := t.peerMgr.GetPeerList()
	infos := make([]peer.PeerInfo, len(peers))
	for i, p := range peers {
		infos[i] = p.GetPeerInfo()
	}
	return infos
}

// resumeState leaves Bitfield unset: the persisted bitfield is owned by
// the disk workers' have-markers and only rewritten after full validation.
func (t *torrentDownload) resumeState() *resume.State {
	uploaded, downloaded := t.stats.GetTrackerStats()
	priorities := make([]int, len(t.priorities))
	for i, p := range t.priorities {
		priorities[i] = int(p)
	}
	return &resume.State{
		Torrent:    string(t.tor.Raw),
		Uploaded:   uploaded,
		Downloaded: downloaded,
		Paused:     t.status == Paused,
		Priorities: priorities,
		AddedAt:    t.addedAt.Unix(),
	}
}

func (t *torrentDownload) save() {
	t.persistState(t.resumeState())
}

// saveValidated persists the state together with the bitfield found by
// full validation.
func (t *torrentDownload) saveValidated() {
	state := t.resumeState()
	state.Bitfield = wire.EncodeBitField(t.pieceMgr.GetBitField(), t.tor.NumPieces)
	t.persistState(state)
}

func (t *torrentDownload) persistState(state *resume.State) {
	if t.removing {
		return
	}
	id := t.id
	t.c.persist(func(store *resume.Store) error {
		return store.Save(id, state)
	})
}

func (t *torrentDownload) queue(job disk.Job) {
	job.Torrent = t.id
	job.Generation = t.generation
	job.Storage = t.storage
	t.pendingJobs++
	t.c.disk.Queue(job)
}

// peer.Swarm

func (t *torrentDownload) BlockReceived(p peer.Peer, req piece.Request, data []byte, receipt piece.Receipt) {
	t.queue(disk.Job{
		Kind:   disk.WriteJob,
		Index:  req.Index,
		Begin:  req.Begin,
		Length: req.Length,
		Data:   data,
		Peer:   p.ID(),
	})
	for _, id := range receipt.Cancelled {
		if other, ok := t.peerMgr.GetPeer(id); ok {
			other.CancelRequest(req)
			other.FillPipeline()
		}
	}
	if receipt.Complete {
		t.queue(disk.Job{
			Kind:     disk.VerifyJob,
			Index:    req.Index,
			Length:   t.tor.PieceLen(req.Index),
			Data:     t.pieceMgr.Assembled(req.Index),
			Expected: t.tor.PieceHash(req.Index),
			Marker:   t.marker,
		})
	}
}

func (t *torrentDownload) QueueRead(p peer.Peer, req piece.Request) {
	t.queue(disk.Job{
		Kind:   disk.ReadJob,
		Index:  req.Index,
		Begin:  req.Begin,
		Length: req.Length,
		Peer:   p.ID(),
	})
}

func (t *torrentDownload) PeerEstablished(p peer.Peer) {
	t.logger.WithField("peer", p.ID()).Debug("Peer established")
	t.candidates.Remove(p.ID())
}

func (t *torrentDownload) PeerClosed(p peer.Peer, err error) {
	t.peerMgr.RemovePeer(p.ID())
	t.stats.RemovePeer(p.ID())
	logger := t.logger.WithField("peer", p.ID())
	if errors.Is(err, torrent.ErrProtocolViolation) {
		logger.Warnf("Peer closed: %v", err)
	} else {
		logger.Debugf("Peer closed: %v", err)
	}
	// released requests go to the remaining peers
	if t.active() {
		t.peerMgr.FillPipelines()
	}
	t.c.maybeFinalize(t)
}

// complete applies a disk completion of the current generation.
func (t *torrentDownload) complete(c disk.Completion) {
	if c.Err != nil {
		t.fail(c.Err)
		return
	}
	switch c.Kind {
	case disk.ReadJob:
		if p, ok := t.peerMgr.GetPeer(c.Peer); ok {
			p.BlockRead(piece.Request{Index: c.Index, Begin: c.Begin, Length: c.Length}, c.Block)
		}
	case disk.WriteJob:
	case disk.VerifyJob:
		if c.Data == nil {
			t.rechecked(c.Index, c.OK)
			return
		}
		t.verified(c.Index, c.Digest)
	}
}

func (t *torrentDownload) verified(pieceIndex int, digest [20]byte) {
	outcome := t.pieceMgr.Verify(pieceIndex, digest)
	switch {
	case outcome.Verified:
		t.logger.Debugf("Piece %d verified, %d/%d", pieceIndex, t.pieceMgr.GetPiecesDownloaded(), t.tor.NumPieces)
		t.peerMgr.BroadcastHave(pieceIndex)
		if t.status == Leeching && t.pieceMgr.Done() {
			t.setStatus(t.completionStatus())
			t.c.notify(t.id, TorrentCompleted, nil)
			t.save()
		}
	case outcome.AlreadyHave, outcome.Stale:
	default:
		t.logger.Warnf("Piece %d failed hash check, contributors %v", pieceIndex, outcome.Contributors)
		if len(outcome.Banned) > 0 {
			t.logger.Warnf("Banning %v", outcome.Banned)
			t.peerMgr.BanPeers(outcome.Banned...)
		}
		t.peerMgr.FillPipelines()
	}
}

func (t *torrentDownload) rechecked(pieceIndex int, ok bool) {
	t.pieceMgr.Recheck(pieceIndex, ok)
	if t.status != Validating {
		return
	}
	t.validating--
	if t.validating > 0 {
		return
	}
	t.setStatus(t.completionStatus())
	t.logger.Infof("Validation done, %d/%d pieces", t.pieceMgr.GetPiecesDownloaded(), t.tor.NumPieces)
	t.c.notify(t.id, ValidationDone, nil)
	t.saveValidated()
}

// fail stops the torrent after a fatal disk error. Disk jobs already queued
// belong to the old generation and their completions are dropped.
func (t *torrentDownload) fail(err error) {
	if t.status == Error {
		return
	}
	t.logger.Errorf("Torrent failed: %v", err)
	t.err = err
	t.setStatus(Error)
	t.c.generation++
	t.generation = t.c.generation
	t.abortVerifying()
	t.peerMgr.StopPeers(err)
	t.c.notify(t.id, TorrentError, err)
}

func (t *torrentDownload) abortVerifying() {
	if aborted := t.pieceMgr.AbortVerifying(); len(aborted) > 0 {
		t.logger.Warnf("Discarded pieces %v awaiting verification", aborted)
	}
}

func (t *torrentDownload) pause() {
	if t.status == Paused {
		return
	}
	t.setStatus(Paused)
	t.peerMgr.StopPeers(errors.Wrap(torrent.ErrConnection, "torrent paused"))
	t.save()
}

func (t *torrentDownload) resume() {
	if t.status != Paused && t.status != Error {
		return
	}
	if t.status == Error {
		t.abortVerifying()
	}
	t.err = nil
	t.setStatus(t.completionStatus())
	t.save()
}

// validate re-hashes every piece from disk.
func (t *torrentDownload) validate() {
	t.peerMgr.StopPeers(errors.Wrap(torrent.ErrConnection, "torrent validating"))
	t.c.generation++
	t.generation = t.c.generation
	t.err = nil
	t.setStatus(Validating)
	t.validating = t.tor.NumPieces
	for i := 0; i < t.tor.NumPieces; i++ {
		t.queue(disk.Job{
			Kind:     disk.VerifyJob,
			Index:    i,
			Length:   t.tor.PieceLen(i),
			Expected: t.tor.PieceHash(i),
		})
	}
	if t.validating == 0 {
		t.setStatus(t.completionStatus())
	}
}

func (t *torrentDownload) setFilePriority(file int, p piece.Priority) error {
	if file < 0 || file >= len(t.priorities) {
		return errors.Errorf("file %d out of range", file)
	}
	if p < piece.PrioritySkip || p > piece.PriorityHigh {
		return errors.Errorf("invalid priority %d", p)
	}
	t.priorities[file] = p
	t.applyPriorities()
	if t.status == Leeching || t.status == Idle || t.status == Seeding {
		t.setStatus(t.completionStatus())
	}
	for _, p := range t.peerMgr.GetPeerList() {
		p.UpdateInterest()
		p.FillPipeline()
	}
	t.save()
	return nil
}

func (t *torrentDownload) addCandidate(addr string) {
	if t.peerMgr.Banned(addr) {
		return
	}
	if _, ok := t.peerMgr.GetPeer(addr); ok || t.dialing.Contains(addr) {
		return
	}
	t.candidates.Add(addr)
}

// wantsPeers reports whether the torrent should dial more peers.
func (t *torrentDownload) wantsPeers() bool {
	return t.active() && t.status == Leeching &&
		t.peerMgr.NumPeers()+t.dialing.Cardinality() < t.c.cfg.MaxPeersPerTorrent
}

func (t *torrentDownload) sortedCandidates() []string {
	out := make([]string, 0, t.candidates.Cardinality())
	for _, a := range t.candidates.ToSlice() {
		out = append(out, a.(string))
	}
	sort.Strings(out)
	return out
}

func (t *torrentDownload) newPeer(addr string, incoming bool) peer.Peer {
	return peer.NewPeer(addr, incoming, t.tor, t, t.pieceMgr, t.stats, t.c.cfg.PeerConfig())
}
