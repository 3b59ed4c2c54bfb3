// Package device tracks the available audio input devices and which one is
// selected for capture.
package device

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownDevice    = errors.New("unknown input device")
	ErrPermissionDenied = errors.New("microphone access was not granted")

	// ErrRequestInProgress is returned to a caller of RequestAccess while an
	// earlier request has not finished yet.
	ErrRequestInProgress = errors.New("microphone access request already in progress")
)

type Descriptor struct {
	ID      string
	Label   string
	Default bool
}

// Platform is the host audio system.
type Platform interface {
	Enumerate(ctx context.Context) ([]Descriptor, error)
	// Watch calls fn with the full device set whenever it changes, including
	// after access is granted.
	Watch(fn func([]Descriptor)) (stop func())
	RequestAccess(ctx context.Context) error
}

type Snapshot struct {
	Devices    []Descriptor
	SelectedID string
	Requesting bool
}

// Selected returns the selected descriptor, if any.
func (s Snapshot) Selected() (Descriptor, bool) {
	for _, d := range s.Devices {
		if d.ID == s.SelectedID {
			return d, true
		}
	}
	return Descriptor{}, false
}

type Registry struct {
	platform Platform

	mu         sync.Mutex
	devices    []Descriptor
	selected   string
	requesting bool
	stopWatch  func()
	subs       map[int]func(Snapshot)
	nextSub    int
}

func NewRegistry(platform Platform) *Registry {
	return &Registry{
		platform: platform,
		subs:     make(map[int]func(Snapshot)),
	}
}

// Start loads the initial device set and follows platform changes.
func (r *Registry) Start(ctx context.Context) error {
	devices, err := r.platform.Enumerate(ctx)
	if err != nil {
		return fmt.Errorf("failed to enumerate input devices: %w", err)
	}
	r.apply(devices)

	stop := r.platform.Watch(r.apply)
	r.mu.Lock()
	r.stopWatch = stop
	r.mu.Unlock()
	return nil
}

// apply replaces the device set and re-resolves the selection: keep it when
// still present, else the platform default, else none.
func (r *Registry) apply(devices []Descriptor) {
	set := make([]Descriptor, 0, len(devices))
	for _, d := range devices {
		if d.ID == "" || slices.ContainsFunc(set, func(e Descriptor) bool { return e.ID == d.ID }) {
			continue
		}
		set = append(set, d)
	}

	r.mu.Lock()
	r.devices = set
	prev := r.selected
	if !r.containsLocked(prev) {
		r.selected = ""
		for _, d := range set {
			if d.Default {
				r.selected = d.ID
				break
			}
		}
	}
	snap := r.snapshotLocked()
	r.mu.Unlock()

	log.Debug().Str("module", "device").Int("count", len(set)).Str("selected", snap.SelectedID).Msg("Input devices refreshed")
	if prev != snap.SelectedID && prev != "" {
		log.Info().Str("module", "device").Str("previous", prev).Str("selected", snap.SelectedID).Msg("Selected input device disappeared")
	}
	r.notify(snap)
}

func (r *Registry) containsLocked(id string) bool {
	if id == "" {
		return false
	}
	return slices.ContainsFunc(r.devices, func(d Descriptor) bool { return d.ID == id })
}

func (r *Registry) snapshotLocked() Snapshot {
	return Snapshot{
		Devices:    slices.Clone(r.devices),
		SelectedID: r.selected,
		Requesting: r.requesting,
	}
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Registry) Devices() []Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.devices)
}

func (r *Registry) Selected() (Descriptor, bool) {
	return r.Snapshot().Selected()
}

// SelectDevice switches the active input. An id outside the current set
// returns ErrUnknownDevice and leaves the selection unchanged.
func (r *Registry) SelectDevice(id string) error {
	r.mu.Lock()
	if !r.containsLocked(id) {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownDevice, id)
	}
	if r.selected == id {
		r.mu.Unlock()
		return nil
	}
	r.selected = id
	snap := r.snapshotLocked()
	r.mu.Unlock()

	log.Info().Str("module", "device").Str("device_id", id).Msg("Input device selected")
	r.notify(snap)
	return nil
}

// RequestAccess asks the platform for microphone access. A grant shows up as
// a Watch notification; a denial is logged and returned. Only one request runs
// at a time; overlapping callers get ErrRequestInProgress.
func (r *Registry) RequestAccess(ctx context.Context) error {
	r.mu.Lock()
	if r.requesting {
		r.mu.Unlock()
		return ErrRequestInProgress
	}
	r.requesting = true
	snap := r.snapshotLocked()
	r.mu.Unlock()
	r.notify(snap)

	err := r.platform.RequestAccess(ctx)

	r.mu.Lock()
	r.requesting = false
	snap = r.snapshotLocked()
	r.mu.Unlock()
	r.notify(snap)

	if err != nil {
		log.Error().Err(err).Str("module", "device").Msg("Failed to get microphone access")
		if !errors.Is(err, ErrPermissionDenied) {
			err = fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
		return err
	}
	return nil
}

func (r *Registry) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

func (r *Registry) notify(snap Snapshot) {
	r.mu.Lock()
	subs := make([]func(Snapshot), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.mu.Unlock()
	for _, fn := range subs {
		fn(snap)
	}
}

// Close stops following platform changes.
func (r *Registry) Close() {
	r.mu.Lock()
	stop := r.stopWatch
	r.stopWatch = nil
	r.mu.Unlock()
	if stop != nil {
		stop()
	}
}
