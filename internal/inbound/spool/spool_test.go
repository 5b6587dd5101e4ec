package spool_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/codeclaw/internal/inbound/spool"
	"github.com/slok/codeclaw/internal/model"
	utilsfile "github.com/slok/codeclaw/internal/utils/file"
)

type fakeSubmitter struct {
	mu     sync.Mutex
	events []model.Event
	result func(ev model.Event) (model.Decision, error)
}

func (f *fakeSubmitter) SubmitEvent(_ context.Context, ev model.Event) (model.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	if f.result == nil {
		return model.Decision{Kind: model.DecisionAccepted, ThreadID: ev.ThreadRef}, nil
	}
	return f.result(ev)
}

func (f *fakeSubmitter) Events() []model.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Event{}, f.events...)
}

func writeEvent(t *testing.T, dir, name string, ev any) {
	t.Helper()
	data, ok := ev.([]byte)
	if !ok {
		var err error
		data, err = json.Marshal(ev)
		require.NoError(t, err)
	}
	require.NoError(t, utilsfile.WriteAtomic(filepath.Join(dir, name), data, 0o644))
}

func listNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := []string{}
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names
}

func TestSpoolProcessOnce(t *testing.T) {
	ev := func(delivery string) model.Event {
		return model.Event{Kind: "comment", ThreadRef: "acme/widgets#1", Actor: "alice", DeliveryID: delivery, Payload: "hi"}
	}

	tests := map[string]struct {
		files         map[string]any
		result        func(ev model.Event) (model.Decision, error)
		expConsumed   int
		expSubmitted  []string
		expLeft       []string
		expErrorFiles []string
	}{
		"Accepted events should be submitted in name order and removed.": {
			files: map[string]any{
				"0002.json": ev("d2"),
				"0001.json": ev("d1"),
			},
			expConsumed:   2,
			expSubmitted:  []string{"d1", "d2"},
			expLeft:       []string{},
			expErrorFiles: []string{},
		},

		"Rejected and duplicated events should be removed too.": {
			files: map[string]any{
				"0001.json": ev("d1"),
				"0002.json": ev("d2"),
			},
			result: func(ev model.Event) (model.Decision, error) {
				if ev.DeliveryID == "d1" {
					return model.Decision{Kind: model.DecisionDuplicate}, nil
				}
				return model.Decision{Kind: model.DecisionRejected, Reason: "not a collaborator"}, nil
			},
			expConsumed:   2,
			expSubmitted:  []string{"d1", "d2"},
			expLeft:       []string{},
			expErrorFiles: []string{},
		},

		"Malformed files should be moved to the errors directory.": {
			files: map[string]any{
				"0001.json": []byte(`{"deliveryId":`),
				"0002.json": ev("d2"),
			},
			expConsumed:   2,
			expSubmitted:  []string{"d2"},
			expLeft:       []string{},
			expErrorFiles: []string{"0001.json"},
		},

		"Store errors should leave the file for a retry.": {
			files: map[string]any{
				"0001.json": ev("d1"),
			},
			result: func(ev model.Event) (model.Decision, error) {
				return model.Decision{}, fmt.Errorf("db locked: %w", model.ErrStore)
			},
			expConsumed:   0,
			expSubmitted:  []string{"d1"},
			expLeft:       []string{"0001.json"},
			expErrorFiles: []string{},
		},

		"Other submit errors should move the file aside.": {
			files: map[string]any{
				"0001.json": ev("d1"),
			},
			result: func(ev model.Event) (model.Decision, error) {
				return model.Decision{}, fmt.Errorf("boom")
			},
			expConsumed:   1,
			expSubmitted:  []string{"d1"},
			expLeft:       []string{},
			expErrorFiles: []string{"0001.json"},
		},

		"Non JSON and temp files should be ignored.": {
			files: map[string]any{
				"notes.txt":      []byte("hello"),
				".0001.json.tmp": ev("d1"),
			},
			expConsumed:   0,
			expSubmitted:  []string{},
			expLeft:       []string{".0001.json.tmp", "notes.txt"},
			expErrorFiles: []string{},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			dir := t.TempDir()
			for name, data := range test.files {
				writeEvent(t, dir, name, data)
			}

			sub := &fakeSubmitter{result: test.result}
			s, err := spool.NewSpool(spool.SpoolConfig{Dir: dir, Submitter: sub})
			require.NoError(err)
			defer s.Close()

			consumed, err := s.ProcessOnce(context.TODO())
			require.NoError(err)
			assert.Equal(test.expConsumed, consumed)

			gotSubmitted := []string{}
			for _, ev := range sub.Events() {
				gotSubmitted = append(gotSubmitted, ev.DeliveryID)
				assert.False(ev.ReceivedAt.IsZero())
			}
			assert.Equal(test.expSubmitted, gotSubmitted)
			assert.ElementsMatch(test.expLeft, listNames(t, dir))
			assert.ElementsMatch(test.expErrorFiles, listNames(t, filepath.Join(dir, "errors")))
		})
	}
}

func TestSpoolRunPicksNewFiles(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	sub := &fakeSubmitter{}
	s, err := spool.NewSpool(spool.SpoolConfig{Dir: dir, Submitter: sub, PollInterval: 10 * time.Millisecond})
	require.NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	writeEvent(t, dir, "0001.json", model.Event{ThreadRef: "acme/widgets#1", Actor: "alice", DeliveryID: "d1"})

	require.Eventually(func() bool { return len(sub.Events()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(func() bool { return len(listNames(t, dir)) == 0 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(err)
	case <-time.After(2 * time.Second):
		t.Fatal("spool did not stop")
	}
	require.NoError(s.Close())
}
