package config

import (
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/Charana123/torrentd/go-torrent/disk"
	"github.com/Charana123/torrentd/go-torrent/peer"
	"github.com/Charana123/torrentd/go-torrent/piece"
	"github.com/Charana123/torrentd/go-torrent/reactor"
	"github.com/Charana123/torrentd/go-torrent/wire"
)

type Config struct {
	ListenAddr string
	DataDir    string
	ResumeDB   string
	WatchDir   string
	LogLevel   string

	MaxSockets         int
	MaxPeersPerTorrent int
	PipelineDepth      int
	BlockSize          string
	MaxMessageSize     string
	MaxUploadQueue     int

	UnchokeSlots      int
	OptimisticEvery   int
	ChokeInterval     time.Duration
	KeepAliveInterval time.Duration
	PruneTimeout      time.Duration
	SnubTimeout       time.Duration
	HandshakeTimeout  time.Duration
	DialTimeout       time.Duration

	EndgameFactor     float64
	EndgameMaxHolders int
	TieBreak          string
	Strategy          string
	BanThreshold      int

	DiskWorkers int
	DiskRetries int
	OpenFiles   int

	UploadRate   string
	DownloadRate string

	EventQueue      int
	CompletionQueue int
	SendQueue       int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenAddr", ":6881")
	v.SetDefault("DataDir", "./downloads")
	v.SetDefault("ResumeDB", "./torrentd.db")
	v.SetDefault("WatchDir", "")
	v.SetDefault("LogLevel", "info")

	v.SetDefault("MaxSockets", 200)
	v.SetDefault("MaxPeersPerTorrent", 50)
	v.SetDefault("PipelineDepth", 5)
	v.SetDefault("BlockSize", "16KB")
	v.SetDefault("MaxMessageSize", "1MB")
	v.SetDefault("MaxUploadQueue", 64)

	v.SetDefault("UnchokeSlots", 4)
	v.SetDefault("OptimisticEvery", 3)
	v.SetDefault("ChokeInterval", "10s")
	v.SetDefault("KeepAliveInterval", "2m")
	v.SetDefault("PruneTimeout", "3m")
	v.SetDefault("SnubTimeout", "60s")
	v.SetDefault("HandshakeTimeout", "30s")
	v.SetDefault("DialTimeout", "10s")

	v.SetDefault("EndgameFactor", 1.0)
	v.SetDefault("EndgameMaxHolders", 3)
	v.SetDefault("TieBreak", "index")
	v.SetDefault("Strategy", "rarest")
	v.SetDefault("BanThreshold", 3)

	v.SetDefault("DiskWorkers", 4)
	v.SetDefault("DiskRetries", 3)
	v.SetDefault("OpenFiles", 64)

	v.SetDefault("UploadRate", "unlimited")
	v.SetDefault("DownloadRate", "unlimited")

	v.SetDefault("EventQueue", 1024)
	v.SetDefault("CompletionQueue", 1024)
	v.SetDefault("SendQueue", 256)
}

// Load reads defaults, then the optional config file at path, then
// TORRENTD_ prefixed environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("torrentd")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading config %s", path)
		}
		log.Infof("[config] selected config file: %s", v.ConfigFileUsed())
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Default is the configuration with no file and no environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	c := &Config{}
	v.Unmarshal(c)
	return c
}

func parseSize(s string) (int, error) {
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		return 0, errors.Wrapf(err, "invalid size %q", s)
	}
	if v > 1<<31-1 {
		return 0, errors.Errorf("size %q too large", s)
	}
	return int(v), nil
}

func rateLimiter(rstr string) (*rate.Limiter, error) {
	var rateSize int
	rstr = strings.ToLower(strings.TrimSpace(rstr))
	switch rstr {
	case "low":
		// ~50k/s
		rateSize = 50000
	case "medium":
		// ~500k/s
		rateSize = 500000
	case "high":
		// ~1500k/s
		rateSize = 1500000
	case "unlimited", "0", "":
		return rate.NewLimiter(rate.Inf, 0), nil
	default:
		v, err := parseSize(rstr)
		if err != nil {
			return nil, err
		}
		rateSize = v
	}
	burst := rateSize * 3
	if burst < 64*1024 {
		burst = 64 * 1024
	}
	return rate.NewLimiter(rate.Limit(rateSize), burst), nil
}

func (c *Config) Validate() error {
	var result *multierror.Error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			result = multierror.Append(result, errors.Errorf(format, args...))
		}
	}

	check(c.MaxSockets > 0, "MaxSockets must be positive, got %d", c.MaxSockets)
	check(c.MaxPeersPerTorrent > 0, "MaxPeersPerTorrent must be positive, got %d", c.MaxPeersPerTorrent)
	check(c.PipelineDepth > 0, "PipelineDepth must be positive, got %d", c.PipelineDepth)
	check(c.MaxUploadQueue > 0, "MaxUploadQueue must be positive, got %d", c.MaxUploadQueue)
	blockSize, err := parseSize(c.BlockSize)
	if err != nil {
		result = multierror.Append(result, err)
	} else {
		check(blockSize > 0 && blockSize <= 128*1024, "BlockSize must be in (0, 128KB], got %s", c.BlockSize)
	}
	maxMessage, err := parseSize(c.MaxMessageSize)
	if err != nil {
		result = multierror.Append(result, err)
	} else if blockSize > 0 {
		check(maxMessage >= blockSize+13, "MaxMessageSize %s cannot carry a block of %s", c.MaxMessageSize, c.BlockSize)
	}

	check(c.UnchokeSlots >= 0, "UnchokeSlots must not be negative, got %d", c.UnchokeSlots)
	check(c.OptimisticEvery > 0, "OptimisticEvery must be positive, got %d", c.OptimisticEvery)
	for name, d := range map[string]time.Duration{
		"ChokeInterval":     c.ChokeInterval,
		"KeepAliveInterval": c.KeepAliveInterval,
		"PruneTimeout":      c.PruneTimeout,
		"SnubTimeout":       c.SnubTimeout,
		"HandshakeTimeout":  c.HandshakeTimeout,
		"DialTimeout":       c.DialTimeout,
	} {
		check(d > 0, "%s must be positive, got %s", name, d)
	}

	check(c.EndgameFactor >= 0, "EndgameFactor must not be negative, got %v", c.EndgameFactor)
	check(c.EndgameMaxHolders > 0, "EndgameMaxHolders must be positive, got %d", c.EndgameMaxHolders)
	check(c.TieBreak == "index" || c.TieBreak == "random", "TieBreak must be index or random, got %q", c.TieBreak)
	check(c.Strategy == "rarest" || c.Strategy == "sequential", "Strategy must be rarest or sequential, got %q", c.Strategy)
	check(c.BanThreshold > 0, "BanThreshold must be positive, got %d", c.BanThreshold)
	check(c.DiskWorkers > 0, "DiskWorkers must be positive, got %d", c.DiskWorkers)
	check(c.DiskRetries >= 0, "DiskRetries must not be negative, got %d", c.DiskRetries)
	check(c.OpenFiles > 0, "OpenFiles must be positive, got %d", c.OpenFiles)
	check(c.EventQueue > 0 && c.CompletionQueue > 0 && c.SendQueue > 0, "queue sizes must be positive")

	if _, err := rateLimiter(c.UploadRate); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "UploadRate"))
	}
	if _, err := rateLimiter(c.DownloadRate); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "DownloadRate"))
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		result = multierror.Append(result, err)
	}
	return errors.Wrap(result.ErrorOrNil(), "invalid config")
}

func (c *Config) UploadLimiter() *rate.Limiter {
	l, err := rateLimiter(c.UploadRate)
	if err != nil {
		log.Warnf("RateLimit [%s] unrecognized, set as unlimited", c.UploadRate)
		return rate.NewLimiter(rate.Inf, 0)
	}
	return l
}

func (c *Config) DownloadLimiter() *rate.Limiter {
	l, err := rateLimiter(c.DownloadRate)
	if err != nil {
		log.Warnf("RateLimit [%s] unrecognized, set as unlimited", c.DownloadRate)
		return rate.NewLimiter(rate.Inf, 0)
	}
	return l
}

func (c *Config) blockSize() int {
	n, err := parseSize(c.BlockSize)
	if err != nil || n <= 0 {
		return piece.BLOCK_SIZE
	}
	return n
}

func (c *Config) maxMessageSize() int {
	n, err := parseSize(c.MaxMessageSize)
	if err != nil || n <= 0 {
		return 1 << 20
	}
	return n
}

func (c *Config) PieceConfig() piece.Config {
	tieBreak := piece.LowestIndex
	if c.TieBreak == "random" {
		tieBreak = piece.Random
	}
	return piece.Config{
		BlockSize:         c.blockSize(),
		PipelineDepth:     c.PipelineDepth,
		EndgameFactor:     c.EndgameFactor,
		EndgameMaxHolders: c.EndgameMaxHolders,
		BanThreshold:      c.BanThreshold,
		TieBreak:          tieBreak,
		Seed:              time.Now().UnixNano(),
	}
}

func (c *Config) PeerConfig() peer.Config {
	maxRequest := 128 * 1024
	if c.blockSize() > maxRequest {
		maxRequest = c.blockSize()
	}
	return peer.Config{
		PipelineDepth:     c.PipelineDepth,
		MaxUploadQueue:    c.MaxUploadQueue,
		MaxRequestLength:  maxRequest,
		MaxMessageLength:  c.maxMessageSize(),
		KeepAliveInterval: c.KeepAliveInterval,
		PruneTimeout:      c.PruneTimeout,
		SnubTimeout:       c.SnubTimeout,
		Capabilities:      wire.Supported,
	}
}

func (c *Config) ReactorConfig() reactor.Config {
	cfg := reactor.DefaultConfig()
	cfg.MaxSockets = c.MaxSockets
	cfg.EventQueue = c.EventQueue
	cfg.CompletionQueue = c.CompletionQueue
	cfg.SendQueue = c.SendQueue
	cfg.Upload = c.UploadLimiter()
	cfg.Download = c.DownloadLimiter()
	return cfg
}

// NewDiskManager builds the disk worker pool reporting to sink.
func (c *Config) NewDiskManager(sink func(disk.Completion)) *disk.Manager {
	return disk.NewManager(c.DiskWorkers, c.DiskRetries, sink)
}
