package device

import (
	"context"
	"fmt"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog/log"
)

// DefaultPollInterval is how often the malgo backend is re-enumerated to
// detect plugged or removed devices.
const DefaultPollInterval = 2 * time.Second

// MalgoPlatform reports capture devices through miniaudio. miniaudio has no
// hot-plug callback, so Watch compares successive enumerations.
type MalgoPlatform struct {
	ctx      *malgo.AllocatedContext
	interval time.Duration

	mu       sync.Mutex
	watchers map[int]func([]Descriptor)
	nextID   int
	last     []Descriptor
	polling  bool
	stop     chan struct{}
	done     chan struct{}
}

func NewMalgoPlatform(interval time.Duration) (*MalgoPlatform, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		log.Debug().Str("module", "device").Str("backend", "malgo").Msg(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init audio context: %w", err)
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &MalgoPlatform{
		ctx:      ctx,
		interval: interval,
		watchers: make(map[int]func([]Descriptor)),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

func (p *MalgoPlatform) Enumerate(ctx context.Context) ([]Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos, err := p.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to list capture devices: %w", err)
	}
	devices := make([]Descriptor, 0, len(infos))
	for i := range infos {
		devices = append(devices, Descriptor{
			ID:      infos[i].ID.String(),
			Label:   infos[i].Name(),
			Default: infos[i].IsDefault != 0,
		})
	}
	return devices, nil
}

func (p *MalgoPlatform) Watch(fn func([]Descriptor)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.watchers[id] = fn
	if !p.polling {
		p.polling = true
		go p.poll()
	}
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.watchers, id)
		p.mu.Unlock()
	}
}

func (p *MalgoPlatform) poll() {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.check()
		}
	}
}

// check re-enumerates and notifies watchers when the set changed.
func (p *MalgoPlatform) check() {
	devices, err := p.Enumerate(context.Background())
	if err != nil {
		log.Warn().Err(err).Str("module", "device").Msg("Device poll failed")
		return
	}

	p.mu.Lock()
	if slices.Equal(p.last, devices) {
		p.mu.Unlock()
		return
	}
	p.last = devices
	p.mu.Unlock()
	p.fire(devices)
}

func (p *MalgoPlatform) fire(devices []Descriptor) {
	p.mu.Lock()
	watchers := make([]func([]Descriptor), 0, len(p.watchers))
	for _, fn := range p.watchers {
		watchers = append(watchers, fn)
	}
	p.mu.Unlock()
	for _, fn := range watchers {
		fn(slices.Clone(devices))
	}
}

// RequestAccess opens the default capture device briefly. Platforms that gate
// the microphone fail here; on success watchers receive a fresh enumeration.
func (p *MalgoPlatform) RequestAccess(ctx context.Context) error {
	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.SampleRate = 48000
	if runtime.GOOS == "linux" {
		cfg.Alsa.NoMMap = 1
	}

	dev, err := malgo.InitDevice(p.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, _ []byte, _ uint32) {},
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}
	defer dev.Uninit()
	if err := dev.Start(); err != nil {
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}
	_ = dev.Stop()

	devices, err := p.Enumerate(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.last = devices
	p.mu.Unlock()
	p.fire(devices)
	return nil
}

// Close stops polling and releases the audio context.
func (p *MalgoPlatform) Close() error {
	p.mu.Lock()
	polling := p.polling
	select {
	case <-p.stop:
		p.mu.Unlock()
		return nil
	default:
		close(p.stop)
	}
	p.mu.Unlock()

	if polling {
		<-p.done
	}
	if err := p.ctx.Uninit(); err != nil {
		return fmt.Errorf("failed to release audio context: %w", err)
	}
	p.ctx.Free()
	return nil
}
