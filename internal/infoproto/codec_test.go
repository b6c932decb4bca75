package infoproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeRequestJoinsNamesWithNewlines(t *testing.T) {
	got := EncodeRequest("node", "services")
	assert.Equal(t, "node\nservices\n", string(got))
}

func TestParseResponseBasic(t *testing.T) {
	got := ParseResponse([]byte("node\tBB9\nservices\t10.0.0.1:3000\n"))
	assert.Equal(t, map[string]string{"node": "BB9", "services": "10.0.0.1:3000"}, got)
}

func TestParseResponseToleratesMissingFinalNewline(t *testing.T) {
	got := ParseResponse([]byte("node\tBB9"))
	assert.Equal(t, "BB9", got["node"])
}

func TestParseResponseDropsRecordWithNoTab(t *testing.T) {
	got := ParseResponse([]byte("garbage\nnode\tBB9\n"))
	assert.Len(t, got, 1)
	assert.Equal(t, "BB9", got["node"])
}

func TestParseResponseStripsTrailingCR(t *testing.T) {
	got := ParseResponse([]byte("node\tBB9\r\n"))
	assert.Equal(t, "BB9", got["node"])
}

func TestParseReplicasBasic(t *testing.T) {
	got := ParseReplicas("test:0;test:1;test:2;other:5")
	assert.ElementsMatch(t, []int{0, 1, 2}, got["test"])
	assert.ElementsMatch(t, []int{5}, got["other"])
}

func TestParseReplicasEmptyValue(t *testing.T) {
	got := ParseReplicas("")
	assert.Empty(t, got)
}

func TestParseReplicasDropsMalformedEntry(t *testing.T) {
	got := ParseReplicas("test:0x2")
	assert.Empty(t, got["test"])
}

func TestParseServicesBasic(t *testing.T) {
	got := ParseServices("10.0.0.1:3000;10.0.0.2:3000")
	assert.Equal(t, []string{"10.0.0.1:3000", "10.0.0.2:3000"}, got)
}

func TestParseServicesDropsEntryWithoutPort(t *testing.T) {
	got := ParseServices("some-hostname-no-port;10.0.0.1:3000")
	assert.Equal(t, []string{"10.0.0.1:3000"}, got)
}

func TestParseServicesEmptyValue(t *testing.T) {
	assert.Nil(t, ParseServices(""))
}
