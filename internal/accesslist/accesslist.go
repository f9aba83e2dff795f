// Package accesslist is the injection point for torrent admission policy.
// A list of hex info-hashes can run in allow mode (only listed torrents are
// tracked) or deny mode (listed torrents are refused). The list file is
// reloaded on change and swapped in atomically, so readers on the hot path
// never block.
package accesslist

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/sazanami-p2p/sazanami/internal/protocol"
)

// Mode selects how the list is interpreted.
type Mode string

const (
	ModeNone  Mode = "none"
	ModeAllow Mode = "allow"
	ModeDeny  Mode = "deny"
)

const reloadDebounce = time.Second

type hashSet map[protocol.InfoHash]struct{}

// List answers admission queries. Safe for concurrent use.
type List struct {
	logger *zap.Logger
	mode   Mode
	path   string
	hashes atomic.Pointer[hashSet]
}

// New builds a list and performs the initial load. Mode "none" needs no
// file and permits everything.
func New(logger *zap.Logger, mode Mode, path string) (*List, error) {
	if mode == "" {
		mode = ModeNone
	}
	l := &List{logger: logger, mode: mode, path: path}
	if mode == ModeNone {
		return l, nil
	}
	if err := l.reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Permitted reports whether announces and scrapes for h may be served.
func (l *List) Permitted(h protocol.InfoHash) bool {
	switch l.mode {
	case ModeAllow:
		_, ok := (*l.hashes.Load())[h]
		return ok
	case ModeDeny:
		_, ok := (*l.hashes.Load())[h]
		return !ok
	default:
		return true
	}
}

// Watch reloads the list when its file changes, until ctx is cancelled.
// Reloads are debounced: editors and atomic-rename writers fire several
// events per save.
func (l *List) Watch(ctx context.Context) error {
	if l.mode == ModeNone {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create access list watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: rename-over-file replaces the inode and would
	// silently detach a file watch.
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		return fmt.Errorf("failed to watch access list directory: %w", err)
	}

	var pending *time.Timer
	reloads := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(l.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(reloadDebounce, func() {
				select {
				case reloads <- struct{}{}:
				default:
				}
			})

		case <-reloads:
			if err := l.reload(); err != nil {
				l.logger.Warn("access list reload failed, keeping previous list",
					zap.String("path", l.path), zap.Error(err))
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("access list watcher error", zap.Error(err))
		}
	}
}

func (l *List) reload() error {
	f, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("failed to open access list: %w", err)
	}
	defer f.Close()

	set := make(hashSet)
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		raw, err := hex.DecodeString(text)
		if err != nil || len(raw) != 20 {
			l.logger.Warn("skipping malformed access list entry",
				zap.String("path", l.path), zap.Int("line", line))
			continue
		}
		set[protocol.InfoHashFromBytes(raw)] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read access list: %w", err)
	}

	l.hashes.Store(&set)
	l.logger.Info("access list loaded",
		zap.String("mode", string(l.mode)),
		zap.String("path", l.path),
		zap.Int("entries", len(set)))
	return nil
}
