package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to Phase }{
		{PhaseUninitialized, PhaseRestoring},
		{PhaseRestoring, PhaseActiveConnected},
		{PhaseRestoring, PhaseActiveStandalone},
		{PhaseActiveConnected, PhaseTerminating},
		{PhaseActiveConnected, PhaseHalted},
		{PhaseActiveStandalone, PhaseTerminated},
		{PhaseTerminating, PhaseTerminated},
		{PhaseTerminating, PhaseHalted},
	}
	for _, tc := range legal {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	illegal := []struct{ from, to Phase }{
		{PhaseUninitialized, PhaseActiveConnected},
		{PhaseActiveStandalone, PhaseActiveConnected},
		{PhaseTerminated, PhaseActiveConnected},
		{PhaseHalted, PhaseActiveConnected},
		{PhaseHalted, PhaseTerminating},
		{PhaseTerminated, PhaseRestoring},
	}
	for _, tc := range illegal {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestPhasePredicates(t *testing.T) {
	assert.True(t, PhaseActiveConnected.Connected())
	assert.True(t, PhaseTerminating.Connected())
	assert.False(t, PhaseActiveStandalone.Connected())
	assert.False(t, PhaseHalted.Connected())

	assert.True(t, PhaseActiveConnected.Accepting())
	assert.True(t, PhaseActiveStandalone.Accepting())
	assert.False(t, PhaseHalted.Accepting())
	assert.False(t, PhaseTerminated.Accepting())
}

func TestRecordMatches(t *testing.T) {
	rec := &Record{
		RegistrationID: "reg-1",
		SessionID:      "sess-1",
	}

	assert.True(t, rec.Matches("reg-1", "sess-1"))
	assert.True(t, rec.Matches("reg-1", ""), "no session in launch params: registration alone decides")
	assert.False(t, rec.Matches("reg-2", "sess-1"), "different registration")
	assert.False(t, rec.Matches("reg-1", "sess-2"), "same registration, new session: administrative reset")
}

func TestRecordHasCredential(t *testing.T) {
	assert.False(t, (&Record{}).HasCredential())
	assert.True(t, (&Record{AuthHeader: "Basic abc"}).HasCredential())
}
