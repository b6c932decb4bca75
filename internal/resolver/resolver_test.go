package resolver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveImmediateAcceptsLiteralIP(t *testing.T) {
	d := NewDefault()
	addr, err := d.ResolveImmediate("127.0.0.1", 3000)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:3000", addr)
}

func TestResolveImmediateRejectsHostname(t *testing.T) {
	d := NewDefault()
	_, err := d.ResolveImmediate("localhost", 3000)
	assert.ErrorIs(t, err, ErrNotImmediate)
}

func TestResolveAsyncResolvesLoopback(t *testing.T) {
	d := NewDefault()
	done := make(chan struct{})
	var gotAddrs []string
	var gotErr error
	d.ResolveAsync("localhost", 3000, func(addrs []string, err error) {
		gotAddrs, gotErr = addrs, err
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ResolveAsync callback never fired")
	}
	require.NoError(t, gotErr)
	assert.NotEmpty(t, gotAddrs)
}
