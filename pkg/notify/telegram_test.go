package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelegramSink_SendsToOwnerChat(t *testing.T) {
	var gotPath string
	var payload map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewTelegramSink("test-token", map[string]string{"alice": "1001"}, time.Second)
	sink.SetAPIBase(srv.URL)

	ev := Event{
		Type:      EventCompleted,
		SlotID:    2,
		Owner:     "alice",
		TestCase:  "Endurance",
		SSDSerial: "S5H9NX0T123",
		Duration:  "2h 5m 13s",
	}
	require.NoError(t, sink.Deliver(context.Background(), ev))

	assert.Equal(t, "/bottest-token/sendMessage", gotPath)
	assert.Equal(t, "1001", payload["chat_id"])
	assert.Contains(t, payload["text"], "Test Completed")
	assert.Contains(t, payload["text"], "Slot: 2")
	assert.Contains(t, payload["text"], "Endurance")
	assert.Contains(t, payload["text"], "S5H9NX0T123")
	assert.Contains(t, payload["text"], "2h 5m 13s")
}

func TestTelegramSink_UnregisteredOwnerIsSkipped(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewTelegramSink("test-token", map[string]string{"alice": "1001"}, time.Second)
	sink.SetAPIBase(srv.URL)

	err := sink.Deliver(context.Background(), Event{Type: EventFailed, SlotID: 1, Owner: "stranger"})
	require.NoError(t, err)
	assert.False(t, called)
}

func TestTelegramSink_APIErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"ok":false}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	sink := NewTelegramSink("test-token", map[string]string{"alice": "1001"}, time.Second)
	sink.SetAPIBase(srv.URL)

	err := sink.Deliver(context.Background(), Event{Type: EventStarted, SlotID: 0, Owner: "alice"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestRenderTelegramMessage(t *testing.T) {
	msg := renderTelegramMessage(Event{
		Type:       EventFailed,
		SlotID:     4,
		Owner:      "bob",
		TestCase:   "Phase1 Smoke",
		ErrorMsg:   "process exited with code 2",
		DetailsURL: "http://localhost:3000",
	})

	assert.Contains(t, msg, "Test Failed")
	assert.Contains(t, msg, "Slot: 4")
	assert.Contains(t, msg, "Owner: bob")
	assert.Contains(t, msg, "Error: process exited with code 2")
	assert.Contains(t, msg, "View Details: http://localhost:3000")

	minimal := renderTelegramMessage(Event{Type: EventStarted, SlotID: 0})
	assert.Contains(t, minimal, "Test Started")
	assert.NotContains(t, minimal, "Owner:")
	assert.NotContains(t, minimal, "Error:")
}
