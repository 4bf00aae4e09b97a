package camsdk

import (
	"fmt"
	"sync"
	"time"
)

// Sim is an in-memory adapter used by tests and by deployments without
// camera hardware. Frames carry a deterministic gradient pattern. Fault
// injection covers the failure paths the coordinator must survive: open
// refused N times, grabs that time out, grabs that go fatal.
type Sim struct {
	mu          sync.Mutex
	initialized bool
	devices     []simDevice

	// Fault injection, keyed by device index.
	openFailures map[int]*openFault
	grabFatal    map[int]int // fail fatally after N successful grabs
	unreachable  map[int]bool
}

type simDevice struct {
	handle   DeviceHandle
	sessions int // open sessions, capped at 2 (recorder + preview)
}

type openFault struct {
	err       error
	remaining int
}

// SimWidth and SimHeight are the fixed sensor dimensions of the simulator.
const (
	SimWidth  = 640
	SimHeight = 480
)

// NewSim creates a simulator exposing count devices. Even indexes are
// mono, odd indexes color.
func NewSim(count int) *Sim {
	s := &Sim{
		openFailures: make(map[int]*openFault),
		grabFatal:    make(map[int]int),
		unreachable:  make(map[int]bool),
	}
	for i := 0; i < count; i++ {
		s.devices = append(s.devices, simDevice{
			handle: DeviceHandle{
				Index:        i,
				Name:         fmt.Sprintf("SimCam-%d", i),
				SerialNumber: fmt.Sprintf("SIM%06d", i),
				IsColor:      i%2 == 1,
			},
		})
	}
	return s
}

// FailOpen makes the next n opens of device index fail with err.
func (s *Sim) FailOpen(index, n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openFailures[index] = &openFault{err: err, remaining: n}
}

// FailGrabAfter makes sessions on device index return a fatal grab error
// after n successful grabs.
func (s *Sim) FailGrabAfter(index, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grabFatal[index] = n
}

// SetUnreachable toggles TestConnection failures for device index.
func (s *Sim) SetUnreachable(index int, unreachable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unreachable[index] = unreachable
}

// OpenSessions reports the live session count on device index.
func (s *Sim) OpenSessions(index int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.devices) {
		return 0
	}
	return s.devices[index].sessions
}

// Init implements Adapter.
func (s *Sim) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
	return nil
}

// Enumerate implements Adapter.
func (s *Sim) Enumerate() ([]DeviceHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil, fmt.Errorf("adapter not initialized")
	}
	out := make([]DeviceHandle, len(s.devices))
	for i, d := range s.devices {
		out[i] = d.handle
	}
	return out, nil
}

// Open implements Adapter.
func (s *Sim) Open(dev DeviceHandle) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dev.Index < 0 || dev.Index >= len(s.devices) {
		return nil, fmt.Errorf("open device %d: %w", dev.Index, ErrDeviceNotFound)
	}
	if fault := s.openFailures[dev.Index]; fault != nil && fault.remaining > 0 {
		fault.remaining--
		return nil, fmt.Errorf("open device %d: %w", dev.Index, fault.err)
	}
	d := &s.devices[dev.Index]
	if d.sessions >= 2 {
		return nil, fmt.Errorf("open device %d: %w", dev.Index, ErrDeviceBusy)
	}
	d.sessions++

	return &simSession{sim: s, index: dev.Index, color: dev.IsColor}, nil
}

// TestConnection implements Adapter.
func (s *Sim) TestConnection(dev DeviceHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dev.Index < 0 || dev.Index >= len(s.devices) {
		return ErrDeviceNotFound
	}
	if s.unreachable[dev.Index] {
		return fmt.Errorf("device %d unreachable: %w", dev.Index, ErrDeviceNotFound)
	}
	return nil
}

func (s *Sim) closeSession(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index >= 0 && index < len(s.devices) && s.devices[index].sessions > 0 {
		s.devices[index].sessions--
	}
}

type simSession struct {
	sim   *Sim
	index int
	color bool

	mu       sync.Mutex
	settings Settings
	playing  bool
	closed   bool
	grabs    int
}

func (ss *simSession) Configure(s Settings) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return ErrSessionClosed
	}
	ss.settings = s
	return nil
}

func (ss *simSession) UpdateLive(s Settings) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return ErrSessionClosed
	}
	if ss.playing {
		if s.BitDepth != ss.settings.BitDepth {
			return fmt.Errorf("bit depth change: %w", ErrLiveUpdateUnsupported)
		}
		if s.NoiseFilterEnabled != ss.settings.NoiseFilterEnabled {
			return fmt.Errorf("noise filter engine change: %w", ErrLiveUpdateUnsupported)
		}
	}
	ss.settings = s
	return nil
}

func (ss *simSession) Play() error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return ErrSessionClosed
	}
	ss.playing = true
	return nil
}

func (ss *simSession) Stop() error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.playing = false
	return nil
}

func (ss *simSession) Close() error {
	ss.mu.Lock()
	if ss.closed {
		ss.mu.Unlock()
		return nil
	}
	ss.closed = true
	ss.playing = false
	ss.mu.Unlock()

	ss.sim.closeSession(ss.index)
	return nil
}

func (ss *simSession) Grab(timeout time.Duration) (*RawFrame, FrameHeader, error) {
	ss.mu.Lock()
	if ss.closed {
		ss.mu.Unlock()
		return nil, FrameHeader{}, ErrSessionClosed
	}
	if !ss.playing {
		ss.mu.Unlock()
		return nil, FrameHeader{}, fmt.Errorf("grab on stopped session")
	}
	settings := ss.settings
	ss.grabs++
	grabs := ss.grabs
	index := ss.index
	color := ss.color
	ss.mu.Unlock()

	ss.sim.mu.Lock()
	fatalAfter, hasFatal := ss.sim.grabFatal[index]
	ss.sim.mu.Unlock()
	if hasFatal && grabs > fatalAfter {
		return nil, FrameHeader{}, fmt.Errorf("simulated sensor fault on device %d", index)
	}

	bitDepth := settings.BitDepth
	if bitDepth == 0 {
		bitDepth = 8
	}
	hdr := FrameHeader{
		Width:     SimWidth,
		Height:    SimHeight,
		BitDepth:  bitDepth,
		Color:     color && settings.Color,
		Timestamp: time.Now(),
	}
	hdr.Bytes = SimWidth * SimHeight * BytesPerPixel(bitDepth, hdr.Color)

	raw := &RawFrame{Data: make([]byte, hdr.Bytes), hdr: hdr}
	// Deterministic gradient keyed to the grab counter, so consumers can
	// tell frames apart.
	for i := range raw.Data {
		raw.Data[i] = byte((i + grabs) % 251)
	}
	return raw, hdr, nil
}

func (ss *simSession) Process(raw *RawFrame, out []byte, header FrameHeader) error {
	if raw == nil {
		return fmt.Errorf("process nil frame")
	}
	if len(out) < header.Bytes {
		return fmt.Errorf("output buffer too small: %d < %d", len(out), header.Bytes)
	}
	copy(out, raw.Data)
	return nil
}

func (ss *simSession) Release(raw *RawFrame) {
	if raw != nil {
		raw.Data = nil
	}
}

func (ss *simSession) MaxFrameSize() (int, int) {
	return SimWidth, SimHeight
}

func (ss *simSession) Reconnect() error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return ErrSessionClosed
	}
	return nil
}

func (ss *simSession) RestartGrab() error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return ErrSessionClosed
	}
	ss.grabs = 0
	return nil
}

func (ss *simSession) ResetTimestamp() error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return ErrSessionClosed
	}
	return nil
}

func (ss *simSession) FullReset() error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return ErrSessionClosed
	}
	ss.grabs = 0
	ss.playing = false
	return nil
}
