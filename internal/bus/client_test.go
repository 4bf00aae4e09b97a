package bus

import (
	"testing"

	"github.com/visionline/visiond/internal/config"
	"github.com/visionline/visiond/internal/events"
	"github.com/visionline/visiond/internal/state"
)

func newTestClient(t *testing.T) (*Client, *state.Store, *events.Bus) {
	t.Helper()
	cfg := config.Default()
	store := state.NewStore()
	bus := events.NewBus()
	return NewClient(cfg, store, bus), store, bus
}

func TestNewClient_RegistersMachines(t *testing.T) {
	_, store, _ := newTestClient(t)

	machines := store.Machines()
	if len(machines) != 2 {
		t.Fatalf("registered %d machines, want 2", len(machines))
	}
	if _, ok := machines["vibratory_conveyor"]; !ok {
		t.Error("vibratory_conveyor not registered")
	}
	if _, ok := machines["blower_separator"]; !ok {
		t.Error("blower_separator not registered")
	}
}

func TestHandleMessage_PublishesOnTransitionOnly(t *testing.T) {
	c, _, bus := newTestClient(t)

	var transitions []string
	bus.Subscribe(events.MachineStateChanged, func(ev events.Event) {
		transitions = append(transitions, ev.Data["state"].(string))
	})

	topic := "vision/vibratory_conveyor/state"
	c.handleMessage(topic, []byte("on"))
	c.handleMessage(topic, []byte("running")) // normalizes to on, no transition
	c.handleMessage(topic, []byte("off"))

	if len(transitions) != 2 || transitions[0] != "on" || transitions[1] != "off" {
		t.Errorf("transitions = %v, want [on off]", transitions)
	}
}

func TestHandleMessage_RecordsEvents(t *testing.T) {
	c, store, _ := newTestClient(t)

	topic := "vision/blower_separator/state"
	c.handleMessage(topic, []byte("start"))
	c.handleMessage(topic, []byte("stop"))

	evs := store.RecentBusEvents(10)
	if len(evs) != 2 {
		t.Fatalf("recorded %d bus events, want 2", len(evs))
	}
	if evs[0].NormalizedState != "on" || evs[1].NormalizedState != "off" {
		t.Errorf("normalized states = %s, %s", evs[0].NormalizedState, evs[1].NormalizedState)
	}
	if evs[0].MachineName != "blower_separator" {
		t.Errorf("machine = %q, want blower_separator", evs[0].MachineName)
	}

	st := c.Status()
	if st.MessagesReceived != 2 {
		t.Errorf("MessagesReceived = %d, want 2", st.MessagesReceived)
	}
	if st.LastActivity == nil {
		t.Error("LastActivity not stamped")
	}
}

func TestHandleMessage_UnmappedTopic(t *testing.T) {
	c, store, bus := newTestClient(t)

	var published int
	bus.SubscribeAll(func(ev events.Event) { published++ })

	c.handleMessage("vision/unknown/state", []byte("on"))

	if published != 0 {
		t.Error("unmapped topic must not publish events")
	}
	if st := c.Status(); st.MessageErrors != 1 {
		t.Errorf("MessageErrors = %d, want 1", st.MessageErrors)
	}
	if store.BusEventCount() != 0 {
		t.Error("unmapped topic must not be recorded")
	}
}

func TestPublish_RequiresConnection(t *testing.T) {
	c, _, _ := newTestClient(t)
	if err := c.Publish("vision/test", "on"); err == nil {
		t.Error("Publish() without a connection should fail")
	}
}

func TestStatus_Broker(t *testing.T) {
	c, _, _ := newTestClient(t)
	st := c.Status()
	if st.Broker != "tcp://192.168.1.110:1883" {
		t.Errorf("Broker = %q", st.Broker)
	}
	if len(st.SubscribedTopics) != 2 {
		t.Errorf("SubscribedTopics = %v", st.SubscribedTopics)
	}
	if st.Connected {
		t.Error("Connected should be false before Start()")
	}
}
