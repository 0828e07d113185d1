package stats

import (
	"sync"
	"time"

	humanize "github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
)

// Stats keeps transfer totals and exponentially weighted transfer rates for
// a torrent and each of its peers.
type Stats interface {
	GetTrackerStats() (uploaded int64, downloaded int64)
	GetClientStats() ClientStats
	GetPeerStats() (peerStats map[string]PeerStat)
	GetPeerStat(id string) PeerStat
	UpdatePeer(id string, uploaded int, downloaded int)
	RemovePeer(id string)
	Tick(now time.Time)
}

const (
	// seconds over which a rate sample decays
	PONDERATION_TIME = 10
)

type stats struct {
	sync.Mutex

	name         string
	trackerStats *TrackerStats
	clientStats  *ClientStats
	peerStats    map[string]*PeerStat
	lastTick     time.Time
}

type TrackerStats struct {
	TotalUpload   int64
	TotalDownload int64
}

type ClientStats struct {
	UploadRate      float64
	DownloadRate    float64
	currentUpload   int64
	currentDownload int64
}

type PeerStat struct {
	UploadRate      float64
	DownloadRate    float64
	Uploaded        int64
	Downloaded      int64
	currentUpload   int64
	currentDownload int64
}

func NewStats(name string, uploaded int64, downloaded int64, now time.Time) Stats {
	return &stats{
		name: name,
		trackerStats: &TrackerStats{
			TotalUpload:   uploaded,
			TotalDownload: downloaded,
		},
		clientStats: &ClientStats{},
		peerStats:   make(map[string]*PeerStat),
		lastTick:    now,
	}
}

func (s *stats) GetTrackerStats() (int64, int64) {
	s.Lock()
	defer s.Unlock()

	return s.trackerStats.TotalUpload, s.trackerStats.TotalDownload
}

func (s *stats) GetClientStats() ClientStats {
	s.Lock()
	defer s.Unlock()

	return *s.clientStats
}

func (s *stats) UpdatePeer(id string, uploaded int, downloaded int) {
	s.Lock()
	defer s.Unlock()

	peerStat, ok := s.peerStats[id]
	if !ok {
		peerStat = &PeerStat{}
		s.peerStats[id] = peerStat
	}
	peerStat.currentUpload += int64(uploaded)
	peerStat.currentDownload += int64(downloaded)
	peerStat.Uploaded += int64(uploaded)
	peerStat.Downloaded += int64(downloaded)
	s.clientStats.currentUpload += int64(uploaded)
	s.clientStats.currentDownload += int64(downloaded)
	s.trackerStats.TotalUpload += int64(uploaded)
	s.trackerStats.TotalDownload += int64(downloaded)
}

func (s *stats) RemovePeer(id string) {
	s.Lock()
	defer s.Unlock()

	delete(s.peerStats, id)
}

func (s *stats) GetPeerStat(id string) PeerStat {
	s.Lock()
	defer s.Unlock()

	if peerStat, ok := s.peerStats[id]; ok {
		return *peerStat
	}
	return PeerStat{}
}

func (s *stats) GetPeerStats() map[string]PeerStat {
	s.Lock()
	defer s.Unlock()

	peerStats := make(map[string]PeerStat, len(s.peerStats))
	for id, peerStat := range s.peerStats {
		peerStats[id] = *peerStat
	}
	return peerStats
}

// Tick folds the bytes transferred since the previous tick into the rates.
func (s *stats) Tick(now time.Time) {
	s.Lock()
	defer s.Unlock()

	elapsed := now.Sub(s.lastTick).Seconds()
	if elapsed <= 0 {
		return
	}
	s.lastTick = now
	weight := elapsed / PONDERATION_TIME
	if weight > 1 {
		weight = 1
	}
	ewma := func(rate float64, current int64) float64 {
		return weight*(float64(current)/elapsed) + (1-weight)*rate
	}

	for _, peerStat := range s.peerStats {
		peerStat.UploadRate = ewma(peerStat.UploadRate, peerStat.currentUpload)
		peerStat.DownloadRate = ewma(peerStat.DownloadRate, peerStat.currentDownload)
		peerStat.currentUpload = 0
		peerStat.currentDownload = 0
	}
	s.clientStats.UploadRate = ewma(s.clientStats.UploadRate, s.clientStats.currentUpload)
	s.clientStats.DownloadRate = ewma(s.clientStats.DownloadRate, s.clientStats.currentDownload)
	s.clientStats.currentUpload = 0
	s.clientStats.currentDownload = 0

	log.WithField("torrent", s.name).Debugf("Download: %s/s, Upload: %s/s",
		humanize.Bytes(uint64(s.clientStats.DownloadRate)),
		humanize.Bytes(uint64(s.clientStats.UploadRate)))
}
