// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package fsm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type state string
type event string

const (
	stIdle    state = "IDLE"
	stRunning state = "RUNNING"
	stDone    state = "DONE"

	evStart  event = "start"
	evFinish event = "finish"
)

func TestMachine_Fire_HappyPath(t *testing.T) {
	m, err := New(stIdle, []Transition[state, event]{
		{From: stIdle, Event: evStart, To: stRunning},
		{From: stRunning, Event: evFinish, To: stDone},
	})
	require.NoError(t, err)

	got, err := m.Fire(context.Background(), evStart)
	require.NoError(t, err)
	assert.Equal(t, stRunning, got)
	assert.Equal(t, stRunning, m.State())

	got, err = m.Fire(context.Background(), evFinish)
	require.NoError(t, err)
	assert.Equal(t, stDone, got)
}

func TestMachine_Fire_InvalidTransition(t *testing.T) {
	m, err := New(stIdle, []Transition[state, event]{
		{From: stIdle, Event: evStart, To: stRunning},
	})
	require.NoError(t, err)

	_, err = m.Fire(context.Background(), evFinish)
	assert.Error(t, err)
	assert.Equal(t, stIdle, m.State(), "a rejected event must not change state")
}

func TestMachine_New_DuplicateTransition(t *testing.T) {
	_, err := New(stIdle, []Transition[state, event]{
		{From: stIdle, Event: evStart, To: stRunning},
		{From: stIdle, Event: evStart, To: stDone},
	})
	assert.Error(t, err)
}

func TestMachine_Fire_GuardRejects(t *testing.T) {
	sentinel := errors.New("guard rejected")
	m, err := New(stIdle, []Transition[state, event]{
		{
			From: stIdle, Event: evStart, To: stRunning,
			Guard: func(ctx context.Context, from state, ev event) error { return sentinel },
		},
	})
	require.NoError(t, err)

	_, err = m.Fire(context.Background(), evStart)
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, stIdle, m.State())
}

func TestMachine_Fire_ActionRuns(t *testing.T) {
	var ran bool
	m, err := New(stIdle, []Transition[state, event]{
		{
			From: stIdle, Event: evStart, To: stRunning,
			Action: func(ctx context.Context, from, to state, ev event) error {
				ran = true
				return nil
			},
		},
	})
	require.NoError(t, err)

	_, err = m.Fire(context.Background(), evStart)
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestMachine_Set(t *testing.T) {
	m, err := New(stIdle, []Transition[state, event]{
		{From: stIdle, Event: evStart, To: stRunning},
	})
	require.NoError(t, err)

	m.Set(stDone)
	assert.Equal(t, stDone, m.State())
}
