package api

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

type fakeRepairer struct {
	calls atomic.Int64
	err   error
}

func (f *fakeRepairer) RepairSchema(ctx context.Context) error {
	f.calls.Add(1)
	return f.err
}

func TestSchemaScheduler_ChecksImmediatelyAndOnTick(t *testing.T) {
	// GIVEN: A scheduler with a short interval
	// WHEN: Started and left running
	// THEN: It checks at start and again on each tick, and stops cleanly

	repo := &fakeRepairer{}
	s := NewSchemaScheduler(repo, 10*time.Millisecond, nil)
	s.Start()
	s.Start()

	assert.Eventually(t, func() bool { return s.Runs() >= 3 }, time.Second, 5*time.Millisecond)
	s.Stop()

	runs := s.Runs()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, runs, s.Runs(), "no checks after Stop")
	assert.Equal(t, int64(runs), repo.calls.Load())
}

func TestSchemaScheduler_FailuresKeepRunning(t *testing.T) {
	repo := &fakeRepairer{err: errors.New("status 503")}
	s := NewSchemaScheduler(repo, 10*time.Millisecond, nil)
	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool { return s.Runs() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestSchemaScheduler_DisabledByZeroInterval(t *testing.T) {
	repo := &fakeRepairer{}
	s := NewSchemaScheduler(repo, 0, nil)
	s.Start()
	s.Stop()

	assert.Zero(t, s.Runs())
	assert.Zero(t, repo.calls.Load())
}
