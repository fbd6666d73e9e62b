package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSaveAndGetEvent(t *testing.T) {
	db := openTestDB(t)

	captured := time.Date(2025, time.March, 14, 9, 26, 53, 0, time.Local)
	ev := NewEventRecord("/tmp/motion_20250314_092653.mp4", 4096, captured)
	require.NoError(t, db.SaveEvent(ev))
	assert.NotZero(t, ev.ID)

	got, err := db.GetEvent(ev.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, captured.Unix(), got.Epoch)
	assert.Equal(t, 3, got.Month)
	assert.Equal(t, 14, got.Day)
	assert.Equal(t, 2025, got.Year)
	assert.Equal(t, int64(4096), got.Size)
	assert.Equal(t, ev.Path, got.Path)

	missing, err := db.GetEvent(ev.ID + 100)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSaveEventRejectsInvalid(t *testing.T) {
	db := openTestDB(t)

	assert.ErrorIs(t, db.SaveEvent(nil), ErrInvalidEvent)
	assert.ErrorIs(t, db.SaveEvent(&EventRecord{Size: 10}), ErrInvalidEvent)
	assert.ErrorIs(t, db.SaveEvent(&EventRecord{Path: "x.mp4", Size: -1}), ErrInvalidEvent)

	total, err := db.CountEvents()
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestCountEventsToday(t *testing.T) {
	db := openTestDB(t)

	now := time.Now()
	yesterday := now.Add(-26 * time.Hour)

	require.NoError(t, db.SaveEvent(NewEventRecord("a.mp4", 1, yesterday)))
	require.NoError(t, db.SaveEvent(NewEventRecord("b.mp4", 2, now)))
	require.NoError(t, db.SaveEvent(NewEventRecord("c.mp4", 3, now)))

	today, err := db.CountEventsToday(now)
	require.NoError(t, err)
	assert.Equal(t, 2, today)

	total, err := db.CountEvents()
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}

func TestListEventsNewestFirst(t *testing.T) {
	db := openTestDB(t)

	now := time.Now()
	for _, p := range []string{"1.mp4", "2.mp4", "3.mp4"} {
		require.NoError(t, db.SaveEvent(NewEventRecord(p, 10, now)))
	}

	events, err := db.ListEvents(2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "3.mp4", events[0].Path)
	assert.Equal(t, "2.mp4", events[1].Path)

	all, err := db.ListEvents(0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
