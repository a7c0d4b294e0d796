package detector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gentoomaniac/fsguard/pkg/config"
	"github.com/gentoomaniac/fsguard/pkg/db"
	"github.com/gentoomaniac/fsguard/pkg/verifier"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	StatusOpen          = "open"
	StatusContained     = "contained"
	StatusResolved      = "resolved"
	StatusFalsePositive = "false_positive"

	OutcomeConfirmed     = "confirmed"
	OutcomeFalsePositive = "false_positive"
)

var (
	ErrIncidentNotFound = errors.New("incident not found")
	ErrIncidentClosed   = errors.New("incident already resolved")
	ErrInvalidOutcome   = errors.New("outcome must be confirmed or false_positive")
)

type Incident struct {
	ID          string    `json:"id"`
	OpenedAt    time.Time `json:"opened_at"`
	WindowStart time.Time `json:"window_start"`
	Status      string    `json:"status"`
	Paths       []string  `json:"paths"`
	Updated     time.Time `json:"updated"`
}

// Active incidents have not been resolved yet.
func (i *Incident) Active() bool {
	return i.Status == StatusOpen || i.Status == StatusContained
}

func (i *Incident) clone() Incident {
	c := *i
	c.Paths = append([]string(nil), i.Paths...)
	return c
}

// Notification announces a new incident or new members of an existing one.
type Notification struct {
	Incident Incident
	NewPaths []string
	Opened   bool
}

// Store persists incidents.
type Store interface {
	SaveIncident(incident *db.Incident) error
	ListIncidents() ([]*db.Incident, error)
}

// Detector aggregates suspicious verdicts over a sliding time window. The
// window is guarded by wmu, the incident table by mu. wmu is always taken
// before mu.
type Detector struct {
	cfg   *config.Holder
	store Store

	input         chan verifier.Verdict
	notifications chan Notification
	done          chan struct{}

	wmu        sync.Mutex
	window     *window
	windowSize atomic.Int64

	mu        sync.RWMutex
	incidents map[string]*Incident
	order     []string
	members   map[string]string
	// active is the incident extended while the window stays above threshold
	active string
}

func New(cfg *config.Holder, store Store) (*Detector, error) {
	d := &Detector{
		cfg:           cfg,
		store:         store,
		input:         make(chan verifier.Verdict, 256),
		notifications: make(chan Notification, 64),
		done:          make(chan struct{}),
		window:        newWindow(),
		incidents:     make(map[string]*Incident),
		members:       make(map[string]string),
	}

	saved, err := store.ListIncidents()
	if err != nil {
		return nil, err
	}
	for _, s := range saved {
		inc := &Incident{ID: s.ID, OpenedAt: s.OpenedAt, WindowStart: s.WindowStart, Status: s.Status, Paths: s.Paths, Updated: s.Updated}
		d.incidents[inc.ID] = inc
		d.order = append(d.order, inc.ID)
		if inc.Active() {
			for _, p := range inc.Paths {
				d.members[p] = inc.ID
			}
		}
	}
	if len(saved) > 0 {
		log.Info().Int("incidents", len(saved)).Int("members", len(d.members)).Msg("incidents loaded")
	}
	return d, nil
}

// Notifications delivers incident openings and extensions in order.
func (d *Detector) Notifications() <-chan Notification {
	return d.notifications
}

// Observe hands a verdict to the detector. It blocks while the input is full
// and returns immediately once Run has stopped.
func (d *Detector) Observe(v verifier.Verdict) {
	select {
	case d.input <- v:
	case <-d.done:
	}
}

func (d *Detector) Run(ctx context.Context) {
	defer close(d.done)
	defer close(d.notifications)
	for {
		select {
		case <-ctx.Done():
			return
		case v := <-d.input:
			if n := d.process(v); n != nil {
				select {
				case d.notifications <- *n:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// WindowSize is the number of distinct suspicious paths currently in the window.
func (d *Detector) WindowSize() int {
	return int(d.windowSize.Load())
}

// process evaluates one verdict against the window at its timestamp.
func (d *Detector) process(v verifier.Verdict) *Notification {
	thresholds := d.cfg.Current().RansomwareThresholds
	span := time.Duration(thresholds.TimeWindow) * time.Second

	ts := v.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	d.wmu.Lock()
	defer d.wmu.Unlock()
	now := d.window.advance(ts)
	defer func() { d.windowSize.Store(int64(d.window.len())) }()

	if !v.Suspicious {
		d.window.remove(v.Path)
		d.window.evict(now.Add(-span))
		d.checkBelow(thresholds.FilesCount)
		return nil
	}

	d.window.add(v.Path, ts)
	d.window.evict(now.Add(-span))
	if d.checkBelow(thresholds.FilesCount) {
		return nil
	}
	return d.raise(d.window.paths(), d.window.start(), now)
}

// checkBelow stops extending the active incident once the window fell below
// the threshold. A later crossing opens a new incident.
func (d *Detector) checkBelow(filesCount int) bool {
	if d.window.len() >= filesCount {
		return false
	}
	d.mu.Lock()
	d.active = ""
	d.mu.Unlock()
	return true
}

func (d *Detector) raise(paths []string, windowStart, now time.Time) *Notification {
	d.mu.Lock()
	defer d.mu.Unlock()

	if inc, ok := d.incidents[d.active]; ok && inc.Active() {
		var added []string
		for _, p := range paths {
			if d.members[p] == inc.ID {
				continue
			}
			inc.Paths = append(inc.Paths, p)
			d.members[p] = inc.ID
			added = append(added, p)
		}
		if len(added) == 0 {
			return nil
		}
		inc.Status = StatusOpen
		inc.Updated = now
		d.persist(inc)
		log.Warn().Str("incident", inc.ID).Strs("paths", added).Int("members", len(inc.Paths)).Msg("incident extended")
		return &Notification{Incident: inc.clone(), NewPaths: added}
	}

	inc := &Incident{
		ID:          uuid.NewString(),
		OpenedAt:    now,
		WindowStart: windowStart,
		Status:      StatusOpen,
		Paths:       append([]string(nil), paths...),
		Updated:     now,
	}
	d.incidents[inc.ID] = inc
	d.order = append(d.order, inc.ID)
	for _, p := range paths {
		d.members[p] = inc.ID
	}
	d.active = inc.ID
	d.persist(inc)
	log.Error().Str("incident", inc.ID).Int("files", len(paths)).Time("window_start", windowStart).Msg("ransomware incident opened")
	return &Notification{Incident: inc.clone(), NewPaths: append([]string(nil), paths...), Opened: true}
}

// persist writes inc to the store. Callers hold mu.
func (d *Detector) persist(inc *Incident) {
	err := d.store.SaveIncident(&db.Incident{
		ID:          inc.ID,
		OpenedAt:    inc.OpenedAt,
		WindowStart: inc.WindowStart,
		Status:      inc.Status,
		Paths:       inc.Paths,
		Updated:     inc.Updated,
	})
	if err != nil {
		log.Error().Err(err).Str("incident", inc.ID).Msg("failed persisting incident")
	}
}

func (d *Detector) IsMember(path string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.members[path]
	return ok
}

// List returns all incidents, newest first.
func (d *Detector) List() []Incident {
	d.mu.RLock()
	defer d.mu.RUnlock()
	result := make([]Incident, 0, len(d.order))
	for _, id := range d.order {
		result = append(result, d.incidents[id].clone())
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].OpenedAt.After(result[j].OpenedAt) })
	return result
}

func (d *Detector) Get(id string) (Incident, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	inc, ok := d.incidents[id]
	if !ok {
		return Incident{}, fmt.Errorf("%w: %s", ErrIncidentNotFound, id)
	}
	return inc.clone(), nil
}

// MarkContained records that every member of an open incident is quarantined.
func (d *Detector) MarkContained(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	inc, ok := d.incidents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrIncidentNotFound, id)
	}
	if inc.Status != StatusOpen {
		return nil
	}
	inc.Status = StatusContained
	inc.Updated = time.Now()
	d.persist(inc)
	log.Info().Str("incident", id).Msg("incident contained")
	return nil
}

// Resolve closes an incident with outcome confirmed or false_positive and
// releases its members. Members leave the sliding window too, so they never
// count towards a later incident unless they turn suspicious again.
func (d *Detector) Resolve(id, outcome string) (Incident, error) {
	var status string
	switch outcome {
	case OutcomeConfirmed:
		status = StatusResolved
	case OutcomeFalsePositive:
		status = StatusFalsePositive
	default:
		return Incident{}, fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
	}

	d.wmu.Lock()
	defer d.wmu.Unlock()
	d.mu.Lock()
	defer d.mu.Unlock()
	inc, ok := d.incidents[id]
	if !ok {
		return Incident{}, fmt.Errorf("%w: %s", ErrIncidentNotFound, id)
	}
	if !inc.Active() {
		return Incident{}, fmt.Errorf("%w: %s is %s", ErrIncidentClosed, id, inc.Status)
	}

	for _, p := range inc.Paths {
		d.window.remove(p)
	}
	d.windowSize.Store(int64(d.window.len()))

	inc.Status = status
	inc.Updated = time.Now()
	for _, p := range inc.Paths {
		if d.members[p] == id {
			delete(d.members, p)
		}
	}
	if d.active == id {
		d.active = ""
	}
	d.persist(inc)
	log.Info().Str("incident", id).Str("outcome", outcome).Msg("incident resolved")
	return inc.clone(), nil
}
