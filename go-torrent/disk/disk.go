package disk

import (
	"crypto/sha1"
	"hash/fnv"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Charana123/torrentd/go-torrent/storage"
	"github.com/Charana123/torrentd/go-torrent/torrent"
)

type JobKind int

const (
	ReadJob JobKind = iota
	WriteJob
	VerifyJob
)

func (k JobKind) String() string {
	switch k {
	case ReadJob:
		return "read"
	case WriteJob:
		return "write"
	}
	return "verify"
}

// HaveMarker persists the fact that a piece has been verified.
type HaveMarker interface {
	MarkHave(pieceIndex int) error
}

// Job is a unit of disk work for one torrent. Torrent and Generation
// identify the owner when the completion comes back.
type Job struct {
	Kind       JobKind
	Torrent    string
	Generation uint64
	Storage    storage.Storage
	Index      int
	Begin      int
	Length     int
	Data       []byte
	Expected   [20]byte
	Peer       string
	Marker     HaveMarker
}

type Completion struct {
	Job
	// Block read for a ReadJob.
	Block []byte
	// Digest and OK are set for a VerifyJob.
	Digest   [20]byte
	OK       bool
	Err      error
	Attempts int
}

// Manager runs disk jobs on a fixed pool of workers. Jobs for the same
// piece of the same torrent always run on the same worker, in the order they
// were queued.
type Manager struct {
	workers []*jobQueue
	sink    func(Completion)
	retries int
	backoff time.Duration
	quit    chan struct{}
	wg      sync.WaitGroup
}

type jobQueue struct {
	sync.Mutex
	jobs   []Job
	signal chan struct{}

	// pieces with a failed block write, touched only by the queue's worker
	failedWrites map[pieceKey]bool
}

type pieceKey struct {
	torrent    string
	generation uint64
	index      int
}

var errWriteFailed = errors.New("a block write of the piece failed")

var sleep = time.Sleep

// NewManager returns a manager with the given number of workers that
// retries transient failures up to retries times and reports every
// completion to sink.
func NewManager(workers, retries int, sink func(Completion)) *Manager {
	if workers < 1 {
		workers = 1
	}
	d := &Manager{
		sink:    sink,
		retries: retries,
		backoff: 50 * time.Millisecond,
		quit:    make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		d.workers = append(d.workers, &jobQueue{
			signal:       make(chan struct{}, 1),
			failedWrites: make(map[pieceKey]bool),
		})
	}
	return d
}

func (d *Manager) Start() {
	for _, q := range d.workers {
		d.wg.Add(1)
		go d.work(q)
	}
}

// Stop discards queued jobs and waits for running ones to finish.
func (d *Manager) Stop() {
	close(d.quit)
	d.wg.Wait()
}

// Queue enqueues a job without blocking.
func (d *Manager) Queue(job Job) {
	h := fnv.New32a()
	h.Write([]byte(job.Torrent))
	h.Write([]byte{byte(job.Index >> 24), byte(job.Index >> 16), byte(job.Index >> 8), byte(job.Index)})
	q := d.workers[h.Sum32()%uint32(len(d.workers))]

	q.Lock()
	q.jobs = append(q.jobs, job)
	q.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (d *Manager) work(q *jobQueue) {
	defer d.wg.Done()
	for {
		q.Lock()
		if len(q.jobs) == 0 {
			q.Unlock()
			select {
			case <-q.signal:
				continue
			case <-d.quit:
				return
			}
		}
		job := q.jobs[0]
		q.jobs[0] = Job{}
		q.jobs = q.jobs[1:]
		q.Unlock()

		select {
		case <-d.quit:
			return
		default:
		}
		d.sink(d.run(q, job))
	}
}

func (d *Manager) run(q *jobQueue, job Job) Completion {
	c := Completion{Job: job}
	key := pieceKey{torrent: job.Torrent, generation: job.Generation, index: job.Index}
	for {
		c.Attempts++
		var err error
		if job.Kind == VerifyJob && q.failedWrites[key] {
			delete(q.failedWrites, key)
			err = errWriteFailed
		} else {
			err = d.execute(&c)
		}
		if err == nil {
			return c
		}
		logger := log.WithFields(log.Fields{"torrent": job.Torrent, "piece": job.Index, "job": job.Kind})
		if err == errWriteFailed || !transient(err) || c.Attempts > d.retries {
			logger.Errorf("Disk job failed after %d attempts: %v", c.Attempts, err)
			if job.Kind == WriteJob {
				q.failedWrites[key] = true
			}
			c.Err = errors.Wrapf(torrent.ErrDisk, "%s piece %d: %v", job.Kind, job.Index, err)
			return c
		}
		logger.Warnf("Retrying disk job: %v", err)
		sleep(d.backoff * time.Duration(c.Attempts))
	}
}

func (d *Manager) execute(c *Completion) error {
	switch c.Kind {
	case ReadJob:
		block, err := c.Storage.BlockReadRequest(c.Index, c.Begin, c.Length)
		c.Block = block
		return err
	case WriteJob:
		return c.Storage.WriteBlockRequest(c.Index, c.Begin, c.Data)
	}

	data := c.Data
	if data == nil {
		// full validation hashes what is on disk
		var err error
		if data, err = c.Storage.ReadPiece(c.Index); err != nil {
			return err
		}
	}
	c.Digest = sha1.Sum(data)
	c.OK = c.Digest == c.Expected
	if !c.OK || c.Data == nil {
		return nil
	}
	if err := c.Storage.SyncPiece(c.Index); err != nil {
		return err
	}
	if c.Marker != nil {
		return c.Marker.MarkHave(c.Index)
	}
	return nil
}

func transient(err error) bool {
	return errors.Is(err, syscall.EINTR) ||
		errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EBUSY) ||
		os.IsTimeout(errors.Cause(err))
}
