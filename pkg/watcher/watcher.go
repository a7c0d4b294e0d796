package watcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrUnsupported is returned by the event source on platforms without OS
// change notifications.
var ErrUnsupported = errors.New("filesystem notifications not supported on this platform")

// eventSource delivers native change notifications for one root.
type eventSource interface {
	Run(ctx context.Context, emit func(ChangeEvent) error) error
	Close() error
}

type Options struct {
	Roots            []string
	UseInotify       bool
	FallbackInterval time.Duration
	QueueSize        int
	// Exclude filters paths that must never produce events.
	Exclude func(path string) bool
	// FullHash hashes a whole file for fallback scans.
	FullHash func(path string) ([]byte, int64, error)

	SubscribeAttempts int
	RetryBackoff      time.Duration
}

type RootState struct {
	Root   string `json:"root"`
	Mode   Mode   `json:"mode"`
	Reason string `json:"reason,omitempty"`
}

// Watcher runs one worker per root and funnels every change into a single
// bounded queue. Producers block when the queue is full.
type Watcher struct {
	opts   Options
	events chan ChangeEvent

	mu     sync.Mutex
	states map[string]*RootState

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Watcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.FallbackInterval <= 0 {
		opts.FallbackInterval = time.Minute
	}
	if opts.SubscribeAttempts <= 0 {
		opts.SubscribeAttempts = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	w := &Watcher{
		opts:   opts,
		events: make(chan ChangeEvent, opts.QueueSize),
		states: make(map[string]*RootState),
	}
	for _, root := range opts.Roots {
		w.states[root] = &RootState{Root: root, Mode: ModeStarting}
	}
	return w
}

// Events is closed once Stop returns.
func (w *Watcher) Events() <-chan ChangeEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	for _, root := range w.opts.Roots {
		w.wg.Add(1)
		go w.watchRoot(ctx, root)
	}
	log.Info().Strs("roots", w.opts.Roots).Bool("use_inotify", w.opts.UseInotify).Msg("watcher started")
}

func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	close(w.events)
	log.Info().Msg("watcher stopped")
}

func (w *Watcher) Roots() []string {
	return append([]string(nil), w.opts.Roots...)
}

func (w *Watcher) States() []RootState {
	w.mu.Lock()
	defer w.mu.Unlock()
	result := make([]RootState, 0, len(w.opts.Roots))
	for _, root := range w.opts.Roots {
		result = append(result, *w.states[root])
	}
	return result
}

func (w *Watcher) Mode(root string) Mode {
	w.mu.Lock()
	defer w.mu.Unlock()
	if state, ok := w.states[root]; ok {
		return state.Mode
	}
	return ""
}

func (w *Watcher) QueueDepth() int {
	return len(w.events)
}

func (w *Watcher) setMode(root string, mode Mode, reason string) {
	w.mu.Lock()
	w.states[root] = &RootState{Root: root, Mode: mode, Reason: reason}
	w.mu.Unlock()
}

func (w *Watcher) emit(ctx context.Context, event ChangeEvent) error {
	select {
	case w.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Watcher) watchRoot(ctx context.Context, root string) {
	defer w.wg.Done()
	defer w.setMode(root, ModeStopped, "")
	logger := log.With().Str("root", root).Logger()

	emit := func(event ChangeEvent) error { return w.emit(ctx, event) }

	var since time.Time
	reason := "use_inotify disabled"
	if w.opts.UseInotify {
		source, err := w.subscribe(ctx, root)
		if err == nil {
			since = time.Now()
			w.setMode(root, ModeEvent, "")
			logger.Info().Msg("watching for change notifications")
			err = source.Run(ctx, emit)
			source.Close()
		}
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("event source stopped")
		}
		reason = err.Error()
		logger.Warn().Err(err).Msg("falling back to periodic scans")
	}

	w.poll(ctx, root, since, reason, emit)
}

// subscribe retries with exponential backoff before giving up on the root.
func (w *Watcher) subscribe(ctx context.Context, root string) (eventSource, error) {
	backoff := w.opts.RetryBackoff
	var lastErr error
	for attempt := 1; attempt <= w.opts.SubscribeAttempts; attempt++ {
		source, err := newEventSource(root, w.opts.Exclude)
		if err == nil {
			return source, nil
		}
		lastErr = err
		if errors.Is(err, ErrUnsupported) {
			break
		}
		log.Debug().Err(err).Str("root", root).Int("attempt", attempt).Msg("subscription failed")
		if attempt == w.opts.SubscribeAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, &SubscriptionError{Root: root, Err: lastErr}
}

// poll rescans root every fallback interval. The first scan only records the
// snapshot, except for files modified after since which may have been missed
// while the event source was failing.
func (w *Watcher) poll(ctx context.Context, root string, since time.Time, reason string, emit func(ChangeEvent) error) {
	s := newScanner(root, w.opts.Exclude, w.opts.FullHash)
	events, err := s.prime(ctx, since)
	if err != nil {
		return
	}
	w.setMode(root, ModeFallback, reason)
	for _, event := range events {
		if emit(event) != nil {
			return
		}
	}

	ticker := time.NewTicker(w.opts.FallbackInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		events, err := s.scan(ctx)
		if err != nil {
			return
		}
		for _, event := range events {
			if emit(event) != nil {
				return
			}
		}
	}
}
