package piece

import (
	"math/rand"
	"sort"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"

	"github.com/Charana123/torrentd/go-torrent/torrent"
)

type rarestFirst struct {
	cfg              Config
	tor              *torrent.Torrent
	clientBitField   bitmap.Bitmap
	pieceInfo        []*pieceInfo
	peerRequests     map[string]mapset.Set
	failures         map[string]int
	numPeers         int
	piecesDownloaded int
	endgame          bool
	rand             *rand.Rand
}

type pieceInfo struct {
	downloaded   bool
	verifying    bool
	availabilty  int
	priority     Priority
	blocks       []*blockInfo
	received     int
	data         []byte
	contributors mapset.Set
}

type blockInfo struct {
	state       BlockState
	holders     mapset.Set
	requestedAt time.Time
}

func NewRarestFirstPieceManager(
	tor *torrent.Torrent,
	cfg Config,
	clientBitField bitmap.Bitmap) PieceManager {

	return newRarestFirst(tor, cfg, clientBitField)
}

func newRarestFirst(tor *torrent.Torrent, cfg Config, clientBitField bitmap.Bitmap) *rarestFirst {
	if clientBitField == nil {
		clientBitField = bitmap.New(tor.NumPieces)
	}
	pm := &rarestFirst{
		cfg:            cfg,
		tor:            tor,
		clientBitField: bitmap.Bitmap(clientBitField.Data(true)),
		peerRequests:   make(map[string]mapset.Set),
		failures:       make(map[string]int),
		rand:           rand.New(rand.NewSource(cfg.Seed)),
	}

	pm.pieceInfo = make([]*pieceInfo, tor.NumPieces)
	for i := 0; i < tor.NumPieces; i++ {
		pi := &pieceInfo{
			priority:     PriorityNormal,
			contributors: mapset.NewThreadUnsafeSet(),
		}
		numBlocks := tor.NumBlocks(i, cfg.BlockSize)
		pi.blocks = make([]*blockInfo, numBlocks)
		for j := range pi.blocks {
			pi.blocks[j] = &blockInfo{holders: mapset.NewThreadUnsafeSet()}
		}
		if pm.clientBitField.Get(i) {
			pm.markDownloaded(i, pi)
		}
		pm.pieceInfo[i] = pi
	}
	return pm
}

func (pm *rarestFirst) markDownloaded(pieceIndex int, pi *pieceInfo) {
	pi.downloaded = true
	pi.verifying = false
	pi.data = nil
	pi.received = len(pi.blocks)
	for _, block := range pi.blocks {
		block.state = BlockHave
	}
	pm.clientBitField.Set(pieceIndex, true)
	pm.piecesDownloaded++
}

func (pm *rarestFirst) NumPieces() int {
	return pm.tor.NumPieces
}

func (pm *rarestFirst) GetBitField() bitmap.Bitmap {
	return bitmap.Bitmap(pm.clientBitField.Data(true))
}

func (pm *rarestFirst) GetPiecesDownloaded() int {
	return pm.piecesDownloaded
}

func (pm *rarestFirst) Have(pieceIndex int) bool {
	return pieceIndex >= 0 && pieceIndex < len(pm.pieceInfo) && pm.pieceInfo[pieceIndex].downloaded
}

func (pm *rarestFirst) Complete() bool {
	return pm.piecesDownloaded == pm.tor.NumPieces
}

func (pm *rarestFirst) Done() bool {
	for _, pi := range pm.pieceInfo {
		if !pi.downloaded && pi.priority != PrioritySkip {
			return false
		}
	}
	return true
}

func (pm *rarestFirst) Left() int64 {
	left := int64(0)
	for i, pi := range pm.pieceInfo {
		if !pi.downloaded {
			left += int64(pm.tor.PieceLen(i))
		}
	}
	return left
}

func (pm *rarestFirst) Endgame() bool {
	return pm.endgame
}

func (pm *rarestFirst) PeerJoined(id string) {
	pm.numPeers++
}

func (pm *rarestFirst) PeerLeft(id string, peerBitfield bitmap.Bitmap) {
	pm.numPeers--
	if peerBitfield == nil {
		return
	}
	// Update piece availabilities
	for pieceIndex := 0; pieceIndex < pm.tor.NumPieces; pieceIndex++ {
		if peerBitfield.Get(pieceIndex) && pm.pieceInfo[pieceIndex].availabilty > 0 {
			pm.pieceInfo[pieceIndex].availabilty--
		}
	}
}

func (pm *rarestFirst) PieceHave(id string, pieceIndex int) {
	pm.pieceInfo[pieceIndex].availabilty++
}

func (pm *rarestFirst) PeerBitfield(id string, peerBitfield bitmap.Bitmap) {
	for pieceIndex := 0; pieceIndex < pm.tor.NumPieces; pieceIndex++ {
		if peerBitfield.Get(pieceIndex) {
			pm.pieceInfo[pieceIndex].availabilty++
		}
	}
}

func (pm *rarestFirst) Interesting(peerBitfield bitmap.Bitmap) bool {
	if peerBitfield == nil {
		return false
	}
	for pieceIndex, pi := range pm.pieceInfo {
		if !pi.downloaded && pi.priority != PrioritySkip && peerBitfield.Get(pieceIndex) {
			return true
		}
	}
	return false
}

// updateEndgame latches endgame mode once the blocks still missing from
// wanted pieces fit into the pipelines of the connected peers.
func (pm *rarestFirst) updateEndgame() {
	if pm.endgame {
		return
	}
	missing := 0
	for _, pi := range pm.pieceInfo {
		if !pi.downloaded && pi.priority != PrioritySkip {
			missing += len(pi.blocks) - pi.received
		}
	}
	peers := pm.numPeers
	if peers < 1 {
		peers = 1
	}
	threshold := pm.cfg.EndgameFactor * float64(peers*pm.cfg.PipelineDepth)
	if missing > 0 && float64(missing) <= threshold {
		pm.endgame = true
	}
}

// compare orders candidate pieces a and b: negative when a should be
// requested first, zero when they tie.
func (pm *rarestFirst) compare(a, b int) int {
	pa, pb := pm.pieceInfo[a], pm.pieceInfo[b]
	if pa.priority != pb.priority {
		return int(pb.priority) - int(pa.priority)
	}
	return pa.availabilty - pb.availabilty
}

func (pm *rarestFirst) SelectNextBlock(peerBitfield bitmap.Bitmap, id string) (Request, bool) {
	return pm.selectWith(peerBitfield, id, pm.compare)
}

func (pm *rarestFirst) selectWith(peerBitfield bitmap.Bitmap, id string, compare func(a, b int) int) (Request, bool) {
	if peerBitfield == nil {
		return Request{}, false
	}
	pm.updateEndgame()

	best, ties := -1, 0
	for pieceIndex := range pm.pieceInfo {
		if !peerBitfield.Get(pieceIndex) || !pm.selectable(pieceIndex, id) {
			continue
		}
		if best < 0 {
			best, ties = pieceIndex, 1
			continue
		}
		c := compare(pieceIndex, best)
		switch {
		case c < 0:
			best, ties = pieceIndex, 1
		case c == 0 && pm.cfg.TieBreak == Random:
			// reservoir sample over equally rare pieces
			ties++
			if pm.rand.Intn(ties) == 0 {
				best = pieceIndex
			}
		}
	}
	if best < 0 {
		return Request{}, false
	}

	pi := pm.pieceInfo[best]
	blockIndex := pm.pickBlock(pi, id)
	block := pi.blocks[blockIndex]
	req := Request{
		Index:  best,
		Begin:  blockIndex * pm.cfg.BlockSize,
		Length: pm.tor.BlockLen(best, blockIndex*pm.cfg.BlockSize, pm.cfg.BlockSize),
	}
	block.state = BlockRequested
	block.holders.Add(id)
	block.requestedAt = time.Now()
	reqs, ok := pm.peerRequests[id]
	if !ok {
		reqs = mapset.NewThreadUnsafeSet()
		pm.peerRequests[id] = reqs
	}
	reqs.Add(req)
	return req, true
}

func (pm *rarestFirst) selectable(pieceIndex int, id string) bool {
	pi := pm.pieceInfo[pieceIndex]
	if pi.downloaded || pi.verifying || pi.priority == PrioritySkip {
		return false
	}
	return pm.pickBlock(pi, id) >= 0
}

// pickBlock returns the lowest offset missing block of the piece or, in
// endgame, the lowest offset block the peer could duplicate. -1 if none.
func (pm *rarestFirst) pickBlock(pi *pieceInfo, id string) int {
	for blockIndex, block := range pi.blocks {
		if block.state == BlockMissing {
			return blockIndex
		}
	}
	if !pm.endgame {
		return -1
	}
	for blockIndex, block := range pi.blocks {
		if block.state == BlockRequested &&
			!block.holders.Contains(id) &&
			block.holders.Cardinality() < pm.cfg.EndgameMaxHolders {
			return blockIndex
		}
	}
	return -1
}

func (pm *rarestFirst) MarkBlockReceived(id string, pieceIndex, begin int, data []byte) (Receipt, error) {
	if pieceIndex < 0 || pieceIndex >= pm.tor.NumPieces {
		return Receipt{}, torrent.Violation("block for piece %d of %d", pieceIndex, pm.tor.NumPieces)
	}
	length := pm.tor.BlockLen(pieceIndex, begin, pm.cfg.BlockSize)
	if length == 0 || len(data) != length {
		return Receipt{}, torrent.Violation("block (%d, %d) of %d bytes", pieceIndex, begin, len(data))
	}
	pi := pm.pieceInfo[pieceIndex]
	block := pi.blocks[begin/pm.cfg.BlockSize]
	req := Request{Index: pieceIndex, Begin: begin, Length: length}

	if pi.downloaded || pi.verifying || block.state == BlockHave {
		pm.dropHolder(block, req, id)
		return Receipt{Duplicate: true}, nil
	}

	receipt := Receipt{}
	for _, h := range block.holders.ToSlice() {
		holder := h.(string)
		if reqs, ok := pm.peerRequests[holder]; ok {
			reqs.Remove(req)
		}
		if holder != id {
			receipt.Cancelled = append(receipt.Cancelled, holder)
		}
	}
	sort.Strings(receipt.Cancelled)
	block.holders.Clear()
	block.state = BlockHave

	if pi.data == nil {
		pi.data = make([]byte, pm.tor.PieceLen(pieceIndex))
	}
	copy(pi.data[begin:], data)
	pi.received++
	pi.contributors.Add(id)
	if pi.received == len(pi.blocks) {
		pi.verifying = true
		receipt.Complete = true
	}
	return receipt, nil
}

func (pm *rarestFirst) dropHolder(block *blockInfo, req Request, id string) {
	block.holders.Remove(id)
	if reqs, ok := pm.peerRequests[id]; ok {
		reqs.Remove(req)
	}
	if block.state == BlockRequested && block.holders.Cardinality() == 0 {
		block.state = BlockMissing
	}
}

func (pm *rarestFirst) Assembled(pieceIndex int) []byte {
	pi := pm.pieceInfo[pieceIndex]
	if !pi.verifying {
		return nil
	}
	return pi.data
}

func (pm *rarestFirst) Verify(pieceIndex int, digest [20]byte) Outcome {
	pi := pm.pieceInfo[pieceIndex]
	if pi.downloaded {
		return Outcome{AlreadyHave: true}
	}
	if !pi.verifying {
		return Outcome{Stale: true}
	}

	outcome := Outcome{}
	for _, c := range pi.contributors.ToSlice() {
		outcome.Contributors = append(outcome.Contributors, c.(string))
	}
	sort.Strings(outcome.Contributors)
	pi.contributors.Clear()

	if digest == pm.tor.PieceHash(pieceIndex) {
		pm.markDownloaded(pieceIndex, pi)
		outcome.Verified = true
		return outcome
	}

	pm.reset(pi)
	for _, c := range outcome.Contributors {
		pm.failures[c]++
		if pm.failures[c] >= pm.cfg.BanThreshold {
			outcome.Banned = append(outcome.Banned, c)
		}
	}
	return outcome
}

func (pm *rarestFirst) reset(pi *pieceInfo) {
	pi.verifying = false
	pi.data = nil
	pi.received = 0
	for _, block := range pi.blocks {
		block.state = BlockMissing
		block.holders.Clear()
	}
}

func (pm *rarestFirst) ReleasePeerRequests(id string) int {
	reqs, ok := pm.peerRequests[id]
	if !ok {
		return 0
	}
	delete(pm.peerRequests, id)

	released := 0
	for _, r := range reqs.ToSlice() {
		req := r.(Request)
		block := pm.pieceInfo[req.Index].blocks[req.Begin/pm.cfg.BlockSize]
		block.holders.Remove(id)
		if block.state == BlockRequested && block.holders.Cardinality() == 0 {
			block.state = BlockMissing
		}
		released++
	}
	return released
}

func (pm *rarestFirst) Requests(id string) []Request {
	reqs, ok := pm.peerRequests[id]
	if !ok {
		return nil
	}
	out := make([]Request, 0, reqs.Cardinality())
	for _, r := range reqs.ToSlice() {
		out = append(out, r.(Request))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Index != out[j].Index {
			return out[i].Index < out[j].Index
		}
		return out[i].Begin < out[j].Begin
	})
	return out
}

// Recheck applies the result of re-hashing a piece read back from disk.
func (pm *rarestFirst) Recheck(pieceIndex int, ok bool) {
	pi := pm.pieceInfo[pieceIndex]
	switch {
	case ok && !pi.downloaded:
		for blockIndex, block := range pi.blocks {
			req := Request{
				Index:  pieceIndex,
				Begin:  blockIndex * pm.cfg.BlockSize,
				Length: pm.tor.BlockLen(pieceIndex, blockIndex*pm.cfg.BlockSize, pm.cfg.BlockSize),
			}
			for _, h := range block.holders.ToSlice() {
				if reqs, ok := pm.peerRequests[h.(string)]; ok {
					reqs.Remove(req)
				}
			}
			block.holders.Clear()
		}
		pi.contributors.Clear()
		pm.markDownloaded(pieceIndex, pi)
	case !ok && pi.downloaded:
		pi.downloaded = false
		pm.clientBitField.Set(pieceIndex, false)
		pm.piecesDownloaded--
		pm.reset(pi)
	case !ok && pi.verifying:
		pm.reset(pi)
	}
}

func (pm *rarestFirst) AbortVerifying() []int {
	var aborted []int
	for pieceIndex, pi := range pm.pieceInfo {
		if pi.verifying {
			pi.contributors.Clear()
			pm.reset(pi)
			aborted = append(aborted, pieceIndex)
		}
	}
	return aborted
}

func (pm *rarestFirst) SetPriority(pieceIndex int, priority Priority) {
	pm.pieceInfo[pieceIndex].priority = priority
}

func (pm *rarestFirst) Status() []PieceStatus {
	status := make([]PieceStatus, len(pm.pieceInfo))
	for i, pi := range pm.pieceInfo {
		requested := 0
		for _, block := range pi.blocks {
			if block.state == BlockRequested {
				requested++
			}
		}
		status[i] = PieceStatus{
			Index:        i,
			Have:         pi.downloaded,
			Verifying:    pi.verifying,
			Availability: pi.availabilty,
			Priority:     pi.priority,
			Blocks:       len(pi.blocks),
			Received:     pi.received,
			Requested:    requested,
		}
	}
	return status
}

func (pm *rarestFirst) Block(pieceIndex, begin int) (BlockState, []string) {
	block := pm.pieceInfo[pieceIndex].blocks[begin/pm.cfg.BlockSize]
	holders := []string{}
	for _, h := range block.holders.ToSlice() {
		holders = append(holders, h.(string))
	}
	sort.Strings(holders)
	return block.state, holders
}
