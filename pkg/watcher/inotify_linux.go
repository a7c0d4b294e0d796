//go:build linux

package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"
	"unsafe"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const (
	watchMask = unix.IN_CLOSE_WRITE |
		unix.IN_CREATE |
		unix.IN_DELETE |
		unix.IN_MOVED_FROM |
		unix.IN_MOVED_TO |
		unix.IN_DELETE_SELF |
		unix.IN_MOVE_SELF

	eventBufferSize = 64 * 1024
	pollTimeoutMs   = 500
)

var (
	errOverflow = errors.New("inotify event queue overflowed")
	errRootGone = errors.New("watched root disappeared")
)

type inotifySource struct {
	fd      int
	root    string
	exclude func(string) bool

	dirs map[int]string
	wds  map[string]int
	// files seen via IN_CREATE and not closed yet
	fresh map[string]bool
}

func newEventSource(root string, exclude func(string) bool) (eventSource, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("InotifyInit1: %w", err)
	}
	s := &inotifySource{
		fd:      fd,
		root:    root,
		exclude: exclude,
		dirs:    make(map[int]string),
		wds:     make(map[string]int),
		fresh:   make(map[string]bool),
	}
	if err := s.addTree(root, nil); err != nil {
		unix.Close(fd)
		return nil, err
	}
	log.Debug().Str("root", root).Int("watches", len(s.dirs)).Msg("inotify watches installed")
	return s, nil
}

func (s *inotifySource) Close() error {
	return unix.Close(s.fd)
}

func (s *inotifySource) addWatch(path string) error {
	wd, err := unix.InotifyAddWatch(s.fd, path, watchMask)
	if err != nil {
		return fmt.Errorf("InotifyAddWatch %s: %w", path, err)
	}
	s.dirs[wd] = path
	s.wds[path] = wd
	return nil
}

func (s *inotifySource) removeTree(dir string) {
	for path, wd := range s.wds {
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			unix.InotifyRmWatch(s.fd, uint32(wd))
			delete(s.wds, path)
			delete(s.dirs, wd)
		}
	}
}

// addTree watches dir and every directory below it. found receives the
// regular files met on the way.
func (s *inotifySource) addTree(dir string, found func(string)) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			log.Warn().Err(err).Str("path", path).Msg("not watching unreadable path")
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if s.exclude != nil && s.exclude(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || path == s.root {
			return s.addWatch(path)
		}
		if found != nil && d.Type().IsRegular() {
			found(path)
		}
		return nil
	})
}

func (s *inotifySource) Run(ctx context.Context, emit func(ChangeEvent) error) error {
	buffer := make([]byte, eventBufferSize)
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Poll(fds, pollTimeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			continue
		}

		n, err = unix.Read(s.fd, buffer)
		if err == unix.EAGAIN || err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if err := s.handle(buffer[:n], emit); err != nil {
			return err
		}
	}
}

func (s *inotifySource) handle(data []byte, emit func(ChangeEvent) error) error {
	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(data) {
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&data[offset]))
		start := offset + unix.SizeofInotifyEvent
		end := start + int(raw.Len)
		if end > len(data) {
			return fmt.Errorf("truncated inotify event")
		}
		name := strings.TrimRight(string(data[start:end]), "\x00")
		offset = end

		if err := s.translate(int(raw.Wd), raw.Mask, name, emit); err != nil {
			return err
		}
	}
	return nil
}

func (s *inotifySource) translate(wd int, mask uint32, name string, emit func(ChangeEvent) error) error {
	if mask&unix.IN_Q_OVERFLOW != 0 {
		return errOverflow
	}
	dir, ok := s.dirs[wd]
	if !ok {
		return nil
	}
	if mask&unix.IN_IGNORED != 0 {
		delete(s.dirs, wd)
		delete(s.wds, dir)
		if dir == s.root {
			return errRootGone
		}
		return nil
	}

	path := dir
	if name != "" {
		path = filepath.Join(dir, name)
	}
	if s.exclude != nil && s.exclude(path) {
		return nil
	}

	now := time.Now()
	send := func(p string, kind Kind) error {
		return emit(ChangeEvent{Path: p, Kind: kind, Timestamp: now, Source: SourceWatch})
	}

	isDir := mask&unix.IN_ISDIR != 0
	switch {
	case isDir && mask&(unix.IN_CREATE|unix.IN_MOVED_TO) != 0:
		var found []string
		err := s.addTree(path, func(p string) { found = append(found, p) })
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, p := range found {
			if err := send(p, Created); err != nil {
				return err
			}
		}
	case isDir && mask&unix.IN_DELETE != 0:
		s.removeTree(path)
		return send(path, Deleted)
	case isDir && mask&unix.IN_MOVED_FROM != 0:
		s.removeTree(path)
		return send(path, Moved)
	case mask&unix.IN_CREATE != 0:
		// content arrives with IN_CLOSE_WRITE
		s.fresh[path] = true
	case mask&unix.IN_CLOSE_WRITE != 0:
		kind := Modified
		if s.fresh[path] {
			kind = Created
			delete(s.fresh, path)
		}
		return send(path, kind)
	case mask&unix.IN_MOVED_TO != 0:
		return send(path, Created)
	case mask&unix.IN_DELETE != 0:
		delete(s.fresh, path)
		return send(path, Deleted)
	case mask&unix.IN_MOVED_FROM != 0:
		delete(s.fresh, path)
		return send(path, Moved)
	case mask&(unix.IN_DELETE_SELF|unix.IN_MOVE_SELF) != 0 && path == s.root:
		kind := Deleted
		if mask&unix.IN_MOVE_SELF != 0 {
			kind = Moved
		}
		if err := send(path, kind); err != nil {
			return err
		}
		return errRootGone
	}
	return nil
}
