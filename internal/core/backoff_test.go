package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnterBackoffStartsAtMinimum(t *testing.T) {
	st := &ResourceProjectState{}
	now := time.Now()

	EnterBackoff(st, now)

	assert.Equal(t, MinWorkFetchBackoff, st.BackoffInterval)
	assert.Equal(t, now.Add(MinWorkFetchBackoff), st.BackoffTime)
}

func TestEnterBackoffDoublesAndCaps(t *testing.T) {
	st := &ResourceProjectState{BackoffInterval: MaxWorkFetchBackoff}
	now := time.Now()

	EnterBackoff(st, now)

	assert.Equal(t, MaxWorkFetchBackoff, st.BackoffInterval)
}

func TestEnterBackoffDoublesFromPriorInterval(t *testing.T) {
	st := &ResourceProjectState{BackoffInterval: 2 * time.Minute}
	now := time.Now()

	EnterBackoff(st, now)

	assert.Equal(t, 4*time.Minute, st.BackoffInterval)
}

func TestClearBackoffResetsInterval(t *testing.T) {
	st := &ResourceProjectState{BackoffInterval: time.Hour, BackoffTime: time.Now()}

	ClearBackoff(st)

	assert.Equal(t, time.Duration(0), st.BackoffInterval)
	assert.True(t, st.BackoffTime.IsZero())
}

func TestClearBackoffTemporaryPreservesInterval(t *testing.T) {
	st := &ResourceProjectState{BackoffInterval: time.Hour, BackoffTime: time.Now()}

	ClearBackoffTemporary(st)

	assert.Equal(t, time.Hour, st.BackoffInterval)
	assert.True(t, st.BackoffTime.IsZero())
}

func TestStateForbiddenWhenSuspended(t *testing.T) {
	st := &ResourceProjectState{}
	p := &Project{Suspended: true}

	assert.Equal(t, BackoffForbidden, State(st, p, time.Now()))
}

func TestStateBackedOffBeforeResume(t *testing.T) {
	now := time.Now()
	st := &ResourceProjectState{BackoffTime: now.Add(time.Minute)}
	p := &Project{}

	assert.Equal(t, BackoffBackedOff, State(st, p, now))
}

func TestStateDeferredWhenNoBackoffButDeferredJob(t *testing.T) {
	st := &ResourceProjectState{HasDeferredJob: true}
	p := &Project{}

	assert.Equal(t, BackoffDeferred, State(st, p, time.Now()))
}

func TestStateOK(t *testing.T) {
	st := &ResourceProjectState{}
	p := &Project{}

	assert.Equal(t, BackoffOK, State(st, p, time.Now()))
}
