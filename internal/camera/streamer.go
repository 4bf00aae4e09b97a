package camera

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"sync"
	"time"

	"github.com/visionline/visiond/internal/camsdk"
	"github.com/visionline/visiond/internal/config"
	"github.com/visionline/visiond/internal/events"
	"github.com/visionline/visiond/internal/metrics"
	"github.com/visionline/visiond/internal/state"
)

const (
	streamFPS         = 10
	streamJPEGQuality = 70

	// Per-client buffer depth. A slow consumer loses the oldest frame,
	// never stalls the producer.
	streamClientBuffer = 5
)

// ErrStreamBusy means the device cannot give out a preview session.
var ErrStreamBusy = errors.New("camera busy, streaming unavailable")

// Streamer serves a low-rate JPEG preview from a second device session,
// independent of any recording in progress.
type Streamer struct {
	name    string
	adapter camsdk.Adapter
	dev     camsdk.DeviceHandle
	store   *state.Store
	bus     *events.Bus

	mu      sync.Mutex
	cfg     config.CameraConfig
	running bool
	session camsdk.Session
	clients map[chan []byte]struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}

	logger *slog.Logger
}

// NewStreamer wires a streamer for one configured camera.
func NewStreamer(cfg config.CameraConfig, adapter camsdk.Adapter, dev camsdk.DeviceHandle,
	store *state.Store, bus *events.Bus) *Streamer {
	return &Streamer{
		name:    cfg.Name,
		adapter: adapter,
		dev:     dev,
		store:   store,
		bus:     bus,
		cfg:     cfg,
		clients: make(map[chan []byte]struct{}),
		logger:  slog.Default().With("component", "streamer", "camera", cfg.Name),
	}
}

// Start opens the preview session and begins producing frames. Starting
// a running streamer is a no-op. A device with no free session slot
// reports ErrStreamBusy.
func (s *Streamer) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	cfg := s.cfg
	s.mu.Unlock()

	session, err := s.adapter.Open(s.dev)
	if err != nil {
		if errors.Is(err, camsdk.ErrDeviceBusy) {
			return fmt.Errorf("%w: %s", ErrStreamBusy, s.name)
		}
		return fmt.Errorf("failed to open preview session on %s: %w", s.name, err)
	}
	if err := session.Configure(settingsFromConfig(&cfg, s.dev.IsColor)); err != nil {
		session.Close()
		return fmt.Errorf("failed to configure preview session on %s: %w", s.name, err)
	}
	if err := session.Play(); err != nil {
		session.Close()
		return fmt.Errorf("failed to start preview acquisition on %s: %w", s.name, err)
	}

	s.mu.Lock()
	s.session = session
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	s.logger.Info("Streaming started")
	go s.produceLoop(session, cfg, stopCh, doneCh)
	return nil
}

// Stop ends the preview session and disconnects all clients. Stopping an
// idle streamer is a no-op.
func (s *Streamer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stopCh)
	<-doneCh

	s.closeClients()
	s.logger.Info("Streaming stopped")
}

// closeClients disconnects every subscriber.
func (s *Streamer) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.clients {
		close(ch)
		delete(s.clients, ch)
		metrics.StreamClients.Dec()
	}
}

// Running reports whether the preview session is live.
func (s *Streamer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Subscribe attaches a frame consumer, starting the streamer on demand.
// The returned channel closes when the stream stops; the cancel function
// detaches the consumer.
func (s *Streamer) Subscribe() (<-chan []byte, func(), error) {
	if err := s.Start(); err != nil {
		return nil, nil, err
	}

	ch := make(chan []byte, streamClientBuffer)
	s.mu.Lock()
	s.clients[ch] = struct{}{}
	s.mu.Unlock()
	metrics.StreamClients.Inc()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.clients[ch]; ok {
			delete(s.clients, ch)
			close(ch)
			metrics.StreamClients.Dec()
		}
		s.mu.Unlock()
	}
	return ch, cancel, nil
}

// ApplyConfig updates the streamer's settings, pushing them live when a
// preview session is running.
func (s *Streamer) ApplyConfig(cfg config.CameraConfig) error {
	s.mu.Lock()
	s.cfg = cfg
	session := s.session
	running := s.running
	s.mu.Unlock()

	if !running || session == nil {
		return nil
	}
	return session.UpdateLive(settingsFromConfig(&cfg, s.dev.IsColor))
}

func (s *Streamer) produceLoop(session camsdk.Session, cfg config.CameraConfig,
	stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	defer func() {
		session.Stop()
		session.Close()
		s.mu.Lock()
		s.session = nil
		s.running = false
		s.mu.Unlock()
		// On a fatal grab the loop dies on its own; subscribers must not
		// be left blocking on a channel nobody feeds.
		s.closeClients()
	}()

	maxW, maxH := session.MaxFrameSize()
	processed := make([]byte, maxW*maxH*camsdk.BytesPerPixel(16, true))
	bgr := make([]byte, bgrFrameSize(maxW, maxH))

	ticker := time.NewTicker(time.Second / streamFPS)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
		}

		raw, hdr, err := session.Grab(grabTimeout)
		if err != nil {
			if errors.Is(err, camsdk.ErrGrabTimeout) {
				continue
			}
			s.store.UpdateCamera(s.name, state.CameraError, err.Error(), "")
			s.bus.Publish(events.CameraStatusChanged, "streamer", map[string]any{
				"camera_name": s.name,
				"status":      string(state.CameraError),
				"error":       err.Error(),
			})
			s.logger.Error("Preview grab failed, stopping stream", "error", err)
			return
		}

		err = session.Process(raw, processed, hdr)
		session.Release(raw)
		if err != nil {
			s.logger.Warn("Preview frame processing failed", "error", err)
			continue
		}
		if err := decodeToBGR(processed, hdr, bgr); err != nil {
			s.logger.Warn("Preview frame decode failed", "error", err)
			continue
		}

		frame, err := encodeJPEG(bgr, hdr.Width, hdr.Height)
		if err != nil {
			s.logger.Warn("Preview frame encode failed", "error", err)
			continue
		}
		s.broadcast(frame)
	}
}

// broadcast hands the frame to every client, dropping each client's
// oldest frame when its buffer is full.
func (s *Streamer) broadcast(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.clients {
		select {
		case ch <- frame:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- frame:
			default:
			}
		}
	}
}

// encodeJPEG compresses one BGR24 frame.
func encodeJPEG(bgr []byte, width, height int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < width*height; i++ {
		src := i * 3
		dst := i * 4
		img.Pix[dst] = bgr[src+2]
		img.Pix[dst+1] = bgr[src+1]
		img.Pix[dst+2] = bgr[src]
		img.Pix[dst+3] = 0xff
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: streamJPEGQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
