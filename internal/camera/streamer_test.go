package camera

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/visionline/visiond/internal/camsdk"
	"github.com/visionline/visiond/internal/config"
	"github.com/visionline/visiond/internal/events"
	"github.com/visionline/visiond/internal/state"
)

func newStreamerFixture(t *testing.T) (*Streamer, *camsdk.Sim) {
	t.Helper()
	cfg := config.Default()
	sim := camsdk.NewSim(1)
	sim.Init()
	devs, _ := sim.Enumerate()
	s := NewStreamer(cfg.Cameras[0], sim, devs[0], state.NewStore(), events.NewBus())
	return s, sim
}

func TestStreamer_SubscribeDeliversJPEG(t *testing.T) {
	s, sim := newStreamerFixture(t)

	ch, cancel, err := s.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer cancel()
	defer s.Stop()

	if !s.Running() {
		t.Error("streamer should run after Subscribe()")
	}
	if sim.OpenSessions(0) != 1 {
		t.Errorf("open sessions = %d, want 1", sim.OpenSessions(0))
	}

	select {
	case frame := <-ch:
		if !bytes.HasPrefix(frame, []byte{0xff, 0xd8}) {
			t.Errorf("frame does not start with a JPEG marker: %x", frame[:2])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame delivered")
	}
}

func TestStreamer_SlowClientDropsOldest(t *testing.T) {
	s, _ := newStreamerFixture(t)

	ch, cancel, err := s.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer cancel()
	defer s.Stop()

	// Never read; the producer must keep going and the buffer stay capped.
	time.Sleep(1200 * time.Millisecond)
	if n := len(ch); n > streamClientBuffer {
		t.Errorf("client buffer holds %d frames, cap is %d", n, streamClientBuffer)
	}
	if !s.Running() {
		t.Error("producer stalled behind a slow client")
	}
}

func TestStreamer_StopClosesClients(t *testing.T) {
	s, sim := newStreamerFixture(t)

	ch, _, err := s.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	s.Stop()

	if s.Running() {
		t.Error("streamer still running after Stop()")
	}
	if sim.OpenSessions(0) != 0 {
		t.Errorf("open sessions after Stop() = %d, want 0", sim.OpenSessions(0))
	}

	// Channel must drain and close.
	for {
		if _, ok := <-ch; !ok {
			return
		}
	}
}

func TestStreamer_FatalGrabClosesClients(t *testing.T) {
	s, sim := newStreamerFixture(t)
	sim.FailGrabAfter(0, 0)

	ch, _, err := s.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	// The dead producer must disconnect its subscribers, not leave them
	// blocking on an unfed channel.
	deadline := time.After(2 * time.Second)
	for open := true; open; {
		select {
		case _, open = <-ch:
		case <-deadline:
			t.Fatal("subscriber channel not closed after fatal grab")
		}
	}

	if s.Running() {
		t.Error("streamer still running after fatal grab")
	}
	if sim.OpenSessions(0) != 0 {
		t.Errorf("open sessions after fatal grab = %d, want 0", sim.OpenSessions(0))
	}
}

func TestStreamer_StartIdempotent(t *testing.T) {
	s, sim := newStreamerFixture(t)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if sim.OpenSessions(0) != 1 {
		t.Errorf("open sessions = %d, want 1", sim.OpenSessions(0))
	}
	s.Stop()
	s.Stop() // idempotent
}

func TestStreamer_BusyDevice(t *testing.T) {
	s, sim := newStreamerFixture(t)

	// Exhaust both session slots so the preview open is refused.
	dev := camsdk.DeviceHandle{Index: 0}
	s1, _ := sim.Open(dev)
	s2, _ := sim.Open(dev)
	defer s1.Close()
	defer s2.Close()

	if err := s.Start(); !errors.Is(err, ErrStreamBusy) {
		t.Errorf("Start() error = %v, want ErrStreamBusy", err)
	}
}
