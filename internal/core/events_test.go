package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLogEvictsOldest(t *testing.T) {
	l := NewEventLog(2)
	base := time.Now()
	l.Emit(Event{Kind: EventNotice, Time: base, Message: "one"})
	l.Emit(Event{Kind: EventNotice, Time: base.Add(time.Second), Message: "two"})
	l.Emit(Event{Kind: EventNotice, Time: base.Add(2 * time.Second), Message: "three"})

	all := l.All()
	require.Len(t, all, 2)
	assert.Equal(t, "two", all[0].Message)
	assert.Equal(t, "three", all[1].Message)
}

func TestEventLogSinceExcludesAtOrBefore(t *testing.T) {
	l := NewEventLog(10)
	base := time.Now()
	l.Emit(Event{Kind: EventNotice, Time: base, Message: "at"})
	l.Emit(Event{Kind: EventNotice, Time: base.Add(time.Second), Message: "after"})

	since := l.Since(base)
	require.Len(t, since, 1)
	assert.Equal(t, "after", since[0].Message)
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "NOTICE", EventNotice.String())
	assert.Equal(t, "STATE_CHANGED", EventStateChanged.String())
	assert.Equal(t, "SCHEDULE_CHANGED", EventScheduleChanged.String())
	assert.Equal(t, "NEW_VERSION_AVAILABLE", EventNewVersionAvailable.String())
	assert.Equal(t, "UNKNOWN", EventKind(99).String())
}
