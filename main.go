package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/jpillora/opts"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Charana123/torrentd/go-torrent/client"
	"github.com/Charana123/torrentd/go-torrent/config"
	"github.com/Charana123/torrentd/go-torrent/resume"
)

var VERSION = "0.0.0-src" //set with ldflags

type options struct {
	ConfigPath string   `opts:"name=config,short=c,help=path to a yaml/json/toml config file"`
	Torrents   []string `opts:"mode=arg,help=.torrent files to add"`
}

func main() {
	o := options{}
	opts.New(&o).Name("torrentd").Version(VERSION).Parse()

	if err := run(o); err != nil {
		log.Fatal(err)
	}
}

func run(o options) error {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return err
	}
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	} else {
		log.Warnf("Unknown log level %q", cfg.LogLevel)
	}

	var store *resume.Store
	if cfg.ResumeDB != "" {
		if store, err = resume.Open(cfg.ResumeDB); err != nil {
			return err
		}
		defer store.Close()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c := client.NewClient(cfg, store)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.Run(ctx)
	})
	g.Go(func() error {
		logNotifications(ctx, c.Notifications())
		return nil
	})

	if err := c.Restore(ctx); err != nil {
		log.Warnf("Restoring torrents: %v", err)
	}
	for _, path := range o.Torrents {
		if err := addFile(ctx, c, path); err != nil {
			log.Errorf("Adding %s: %v", path, err)
		}
	}
	if cfg.WatchDir != "" {
		g.Go(func() error {
			return watch(ctx, c, cfg.WatchDir)
		})
	}
	return g.Wait()
}

func addFile(ctx context.Context, c client.Client, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	id, err := c.AddTorrent(ctx, f)
	if err != nil {
		return err
	}
	log.Infof("Added %s as %s", filepath.Base(path), id)
	return nil
}

func logNotifications(ctx context.Context, notifications <-chan client.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-notifications:
			entry := log.WithFields(log.Fields{"torrent": n.Torrent, "event": n.Kind})
			if n.Err != nil {
				entry.Errorf("Torrent event: %v", n.Err)
			} else {
				entry.Info("Torrent event")
			}
		}
	}
}

// watch adds .torrent files written to dir and removes them once added.
func watch(ctx context.Context, c client.Client, dir string) error {
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		return errors.Errorf("watch dir %s is not a directory", dir)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating watcher")
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return errors.Wrapf(err, "watching %s", dir)
	}
	log.Infof("Watching %s for torrent files", dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 || !strings.HasSuffix(event.Name, ".torrent") {
				continue
			}
			if err := addFile(ctx, c, event.Name); err != nil {
				log.Warnf("Watcher: failed to add %s: %v", event.Name, err)
				continue
			}
			os.Remove(event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warnf("Watcher: %v", err)
		}
	}
}
