package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corebridge/ha-integration/internal/model"
)

func TestStore_ApplyFullThenGet(t *testing.T) {
	s := New()
	s.ApplyFull([]model.HASnapshot{
		{EntityID: "light.kitchen", State: "on", Attributes: map[string]interface{}{}},
		{EntityID: "weather.home", State: "sunny"}, // unsupported domain, dropped
	})

	e, ok := s.Get("light.kitchen")
	require.True(t, ok)
	assert.Equal(t, model.DeviceLight, e.DeviceClass)

	_, ok = s.Get("weather.home")
	assert.False(t, ok)

	assert.Len(t, s.All(), 1)
}

func TestStore_DeltaPublishedOnChange(t *testing.T) {
	s := New()
	_, ch := s.Subscribe()

	s.ApplyFull([]model.HASnapshot{{EntityID: "switch.fan", State: "off", Attributes: map[string]interface{}{}}})
	full := <-ch
	assert.True(t, full.Full)

	s.ApplyDelta(model.HASnapshot{EntityID: "switch.fan", State: "on", Attributes: map[string]interface{}{}})
	delta := <-ch
	assert.Equal(t, "switch.fan", delta.EntityID)
	assert.Contains(t, delta.ChangedAttributes, "state")
}

func TestStore_NoSpuriousDeltaOnIdenticalUpdate(t *testing.T) {
	s := New()
	s.ApplyFull([]model.HASnapshot{{EntityID: "switch.fan", State: "off", Attributes: map[string]interface{}{}}})
	_, ch := s.Subscribe()

	s.ApplyDelta(model.HASnapshot{EntityID: "switch.fan", State: "off", Attributes: map[string]interface{}{}})

	select {
	case d := <-ch:
		t.Fatalf("unexpected delta published: %+v", d)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStore_SlowSubscriberDropped(t *testing.T) {
	s := New()
	id, ch := s.Subscribe()

	// Alternate the state so every update decodes differently and is
	// published; the subscriber never reads, so its buffer overflows.
	for i := 0; i < broadcastCap+10; i++ {
		state := "on"
		if i%2 == 1 {
			state = "off"
		}
		s.ApplyDelta(model.HASnapshot{
			EntityID:   "switch.fan",
			State:      state,
			Attributes: map[string]interface{}{},
		})
	}

	_, open := <-ch
	for open {
		_, open = <-ch
	}
	s.Unsubscribe(id)
}
