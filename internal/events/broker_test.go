package events_test

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/bootfleet/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_PublishReachesTopicSubscribersOnly(t *testing.T) {
	b := events.NewBroker(4)
	jobs := b.Subscribe(events.TopicJobs)
	defer jobs.Close()
	logs := b.Subscribe(events.LogTopic(uuid.New()))
	defer logs.Close()

	sent := b.Publish(events.TopicJobs, events.Event{Name: "created", Data: "x"})
	assert.Equal(t, 1, sent)

	select {
	case ev := <-jobs.Events():
		assert.Equal(t, "created", ev.Name)
	case <-time.After(time.Second):
		t.Fatal("expected event on jobs topic")
	}
	select {
	case ev := <-logs.Events():
		t.Fatalf("unexpected event on log topic: %v", ev)
	default:
	}
}

func TestBroker_FullSubscriberIsSkipped(t *testing.T) {
	b := events.NewBroker(1)
	slow := b.Subscribe(events.TopicJobs)
	defer slow.Close()
	fast := b.Subscribe(events.TopicJobs)
	defer fast.Close()

	assert.Equal(t, 2, b.Publish(events.TopicJobs, events.Event{Name: "a"}))
	<-fast.Events()

	// slow still holds "a", so only fast accepts "b".
	assert.Equal(t, 1, b.Publish(events.TopicJobs, events.Event{Name: "b"}))
}

func TestBroker_CloseUnsubscribes(t *testing.T) {
	b := events.NewBroker(1)
	sub := b.Subscribe(events.TopicJobs)
	assert.Equal(t, 1, b.Subscribers(events.TopicJobs))

	sub.Close()
	sub.Close()

	assert.Equal(t, 0, b.Subscribers(events.TopicJobs))
	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.Equal(t, 0, b.Publish(events.TopicJobs, events.Event{Name: "late"}))
}

func TestWriteEvent_Framing(t *testing.T) {
	var sb strings.Builder
	require.NoError(t, events.WriteEvent(&sb, "created", map[string]string{"id": "42"}))
	assert.Equal(t, "event: created\ndata: {\"id\":\"42\"}\n\n", sb.String())
}

func TestStream_RelaysEventsAndPings(t *testing.T) {
	b := events.NewBroker(8)
	subscribed := make(chan struct{})
	done := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(done)
		sub := b.Subscribe(events.TopicJobs)
		close(subscribed)
		_ = events.Stream(w, r, sub, 50*time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	<-subscribed
	b.Publish(events.TopicJobs, events.Event{Name: "completed", Data: map[string]string{"status": "completed"}})

	reader := bufio.NewReader(resp.Body)
	seen := map[string]bool{}
	deadline := time.Now().Add(5 * time.Second)
	for !(seen["completed"] && seen["ping"]) && time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if name, ok := strings.CutPrefix(strings.TrimSpace(line), "event: "); ok {
			seen[name] = true
		}
	}
	assert.True(t, seen["completed"])
	assert.True(t, seen["ping"])

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop after client disconnect")
	}
	assert.Equal(t, 0, b.Subscribers(events.TopicJobs))
}
