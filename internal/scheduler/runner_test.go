package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpec(t *testing.T) {
	assert.Equal(t, "@every 5m0s", Spec("", 5*time.Minute))
	assert.Equal(t, "*/10 * * * *", Spec("*/10 * * * *", time.Minute))
}

func TestAdd_InvalidSpec(t *testing.T) {
	r := New(context.Background())
	defer r.Stop()
	assert.Error(t, r.Add("bad", "not a schedule", -1, func(context.Context) error { return nil }))
	assert.NoError(t, r.Add("seconds", "*/30 * * * * *", -1, func(context.Context) error { return nil }))
}

func TestAdd_InitialRun(t *testing.T) {
	r := New(context.Background())
	ran := make(chan struct{}, 1)
	require.NoError(t, r.Add("collect", "@every 1h", 0, func(context.Context) error {
		ran <- struct{}{}
		return errors.New("failures are only logged")
	}))
	r.Start()
	defer r.Stop()

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("initial run did not happen")
	}
}

func TestAdd_SkipsWhileRunning(t *testing.T) {
	r := New(context.Background())
	defer r.Stop()

	var runs atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, r.Add("slow", "@every 1h", -1, func(context.Context) error {
		if runs.Add(1) == 1 {
			close(started)
		}
		<-release
		return nil
	}))
	entries := r.cron.Entries()
	require.Len(t, entries, 1)
	job := entries[0].Job

	done := make(chan struct{})
	go func() {
		job.Run()
		close(done)
	}()
	<-started

	job.Run()
	close(release)
	<-done

	assert.Equal(t, int32(1), runs.Load(), "overlapping tick is skipped")
}

func TestStop_CancelsPendingInitialRun(t *testing.T) {
	r := New(context.Background())
	var runs atomic.Int32
	require.NoError(t, r.Add("later", "@every 1h", time.Hour, func(context.Context) error {
		runs.Add(1)
		return nil
	}))
	r.Start()

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("stop blocked on the pending initial run")
	}
	assert.Zero(t, runs.Load())
}
