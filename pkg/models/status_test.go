package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFulfillmentChainWalk(t *testing.T) {
	s := StatusPending
	steps := 0
	for {
		next, ok := s.Next()
		if !ok {
			break
		}
		assert.True(t, CanTransition(s, next))
		s = next
		steps++
	}
	assert.Equal(t, 6, steps)
	assert.Equal(t, StatusDelivered, s)
	assert.True(t, s.IsTerminal())
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusConfirmed, true},
		{StatusPending, StatusPacked, false},
		{StatusConfirmed, StatusPending, false},
		{StatusPending, StatusRejected, true},
		{StatusConfirmed, StatusRejected, false},
		{StatusPending, StatusCancelled, true},
		{StatusOutForDelivery, StatusCancelled, true},
		{StatusDelivered, StatusCancelled, false},
		{StatusCancelled, StatusPending, false},
		{StatusRejected, StatusConfirmed, false},
		{Status("unknown"), StatusConfirmed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []Status{StatusDelivered, StatusCancelled, StatusRejected} {
		assert.True(t, s.IsTerminal(), s)
		_, ok := s.Next()
		assert.False(t, ok, s)
	}
	for _, s := range FulfillmentChain()[:6] {
		assert.False(t, s.IsTerminal(), s)
	}
	assert.False(t, Status("bogus").IsTerminal())
}

func TestEdgeBranchFlags(t *testing.T) {
	e, ok := StatusPending.EdgeTo(StatusRejected)
	require.True(t, ok)
	assert.True(t, e.Branch)
	assert.True(t, e.FulfillerOnly)

	e, ok = StatusPending.EdgeTo(StatusCancelled)
	require.True(t, ok)
	assert.True(t, e.Branch)
	assert.False(t, e.FulfillerOnly, "customers may withdraw a pending order")

	e, ok = StatusShipped.EdgeTo(StatusCancelled)
	require.True(t, ok)
	assert.True(t, e.Branch)
	assert.True(t, e.FulfillerOnly)

	e, ok = StatusShipped.EdgeTo(StatusOutForDelivery)
	require.True(t, ok)
	assert.False(t, e.Branch)
	assert.True(t, e.FulfillerOnly)
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("out_for_delivery")
	require.NoError(t, err)
	assert.Equal(t, StatusOutForDelivery, s)
	assert.Equal(t, "Out for delivery", s.Label())

	_, err = ParseStatus("lost")
	assert.Error(t, err)
}

func TestFulfillmentChainIsCopy(t *testing.T) {
	c := FulfillmentChain()
	c[0] = StatusRejected
	assert.Equal(t, StatusPending, FulfillmentChain()[0])
}
