package nodekv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultClientPolicyValidates(t *testing.T) {
	assert.NoError(t, DefaultClientPolicy().Validate())
}

func TestClientPolicyRejectsZeroTendInterval(t *testing.T) {
	p := DefaultClientPolicy()
	p.TendInterval = 0
	assert.Error(t, p.Validate())
}

func TestClientPolicyRejectsZeroDunThreshold(t *testing.T) {
	p := DefaultClientPolicy()
	p.DunThreshold = 0
	assert.Error(t, p.Validate())
}

func TestClampDestroyDelay(t *testing.T) {
	assert.Equal(t, time.Duration(0), clampDestroyDelay(-5*time.Second))
	assert.Equal(t, 60*time.Second, clampDestroyDelay(90*time.Second))
	assert.Equal(t, 10*time.Second, clampDestroyDelay(10*time.Second))
}
