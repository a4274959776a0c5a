package notify

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/waveledger/pkg/models"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestHubFanOut(t *testing.T) {
	hub := NewHub(4)
	a, cancelA := hub.Subscribe()
	b, cancelB := hub.Subscribe()
	defer cancelB()

	hub.Publish(Event{TaskID: 1, Kind: KindCreated})
	assert.Equal(t, int64(1), receive(t, a).TaskID)
	assert.Equal(t, int64(1), receive(t, b).TaskID)

	cancelA()
	cancelA()
	_, ok := <-a
	assert.False(t, ok)

	hub.Publish(Event{TaskID: 2})
	assert.Equal(t, int64(2), receive(t, b).TaskID)
}

func TestHubDropsForSlowSubscribers(t *testing.T) {
	hub := NewHub(1)
	ch, cancel := hub.Subscribe()
	defer cancel()

	hub.Publish(Event{TaskID: 1})
	hub.Publish(Event{TaskID: 2})
	assert.Equal(t, int64(1), receive(t, ch).TaskID)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestPublishersFanOut(t *testing.T) {
	h1, h2 := NewHub(1), NewHub(1)
	c1, cancel1 := h1.Subscribe()
	defer cancel1()
	c2, cancel2 := h2.Subscribe()
	defer cancel2()

	Publishers{h1, nil, Nop{}, h2}.Publish(Event{TaskID: 3, Status: models.TaskStatusDone})
	assert.Equal(t, models.TaskStatusDone, receive(t, c1).Status)
	assert.Equal(t, models.TaskStatusDone, receive(t, c2).Status)
}

func TestMerge(t *testing.T) {
	h1, h2 := NewHub(4), NewHub(4)
	out, cancel := Merge(h1, nil, h2)

	h1.Publish(Event{TaskID: 1})
	h2.Publish(Event{TaskID: 2})
	got := []int64{receive(t, out).TaskID, receive(t, out).TaskID}
	assert.ElementsMatch(t, []int64{1, 2}, got)

	cancel()
	cancel()
	for range out {
	}
}

func TestFileWatcherSeesWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.db")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	fw, err := NewFileWatcher(path, 10*time.Millisecond)
	require.NoError(t, err)
	defer fw.Close()
	ch, cancel := fw.Subscribe()
	defer cancel()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(path+"-wal", []byte("y"), 0o644))

	ev := receive(t, ch)
	assert.Equal(t, KindExternal, ev.Kind)
	assert.Zero(t, ev.TaskID)
	assert.NoError(t, fw.Close())
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "waveledger.tasks.7.blocked",
		Subject(DefaultSubject, Event{TaskID: 7, Kind: KindReleased, Status: models.TaskStatusBlocked}))
	assert.Equal(t, "p.0.external", Subject("p", Event{Kind: KindExternal}))
}

func TestEventWireFormat(t *testing.T) {
	at := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	data, err := encodeEvent(Event{TaskID: 9, Kind: KindClaimed, Status: models.TaskStatusInProgress, Owner: "w1", At: at}, "me")
	require.NoError(t, err)

	ev, origin, err := decodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, "me", origin)
	assert.Equal(t, int64(9), ev.TaskID)
	assert.Equal(t, KindClaimed, ev.Kind)
	assert.Equal(t, "w1", ev.Owner)
	assert.True(t, at.Equal(ev.At))

	_, _, err = decodeEvent([]byte("{"))
	assert.Error(t, err)
}
