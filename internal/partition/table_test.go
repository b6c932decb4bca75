package partition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nodekv/internal/refcount"
)

type fakeOwner struct {
	name   string
	dunned bool
	ref    *refcount.Handle
}

func newFakeOwner(name string) *fakeOwner {
	return &fakeOwner{name: name, ref: refcount.New(name, nil)}
}

func (f *fakeOwner) Ref() *refcount.Handle { return f.ref }
func (f *fakeOwner) Dunned() bool          { return f.dunned }
func (f *fakeOwner) Name() string          { return f.name }

func TestSetRejectsBeforePartitionCountKnown(t *testing.T) {
	tbl := New()
	a := newFakeOwner("a")
	tbl.Set("ns", 5, a, false)
	assert.Nil(t, tbl.Get("ns", 5, false))
}

func TestSetPartitionCountOnceOnly(t *testing.T) {
	tbl := New()
	assert.True(t, tbl.SetPartitionCount(4096))
	assert.True(t, tbl.SetPartitionCount(4096), "same value again is accepted")
	assert.False(t, tbl.SetPartitionCount(1024), "a different value is rejected")
	assert.Equal(t, 4096, tbl.PartitionCount())
}

func TestGetReservesCallerReference(t *testing.T) {
	tbl := New()
	tbl.SetPartitionCount(16)
	a := newFakeOwner("a")

	tbl.Set("ns", 3, a, false)
	require.EqualValues(t, 1, a.Ref().Count())

	owner := tbl.Get("ns", 3, false)
	require.NotNil(t, owner)
	assert.EqualValues(t, 2, a.Ref().Count(), "Get must reserve a T reference on the caller's behalf")
	owner.Ref().Release("T")
	assert.EqualValues(t, 1, a.Ref().Count())
}

func TestSetReplacesPriorOwnerReleasingItsReference(t *testing.T) {
	tbl := New()
	tbl.SetPartitionCount(16)
	a := newFakeOwner("a")
	b := newFakeOwner("b")

	tbl.Set("ns", 3, a, true)
	require.EqualValues(t, 1, a.Ref().Count())

	tbl.Set("ns", 3, b, true)
	assert.EqualValues(t, 0, a.Ref().Count(), "prior write owner's reference is released")
	assert.EqualValues(t, 1, b.Ref().Count())
}

func TestReadAndWriteSlotsAreIndependent(t *testing.T) {
	tbl := New()
	tbl.SetPartitionCount(16)
	reader := newFakeOwner("r")
	writer := newFakeOwner("w")

	tbl.Set("ns", 0, reader, false)
	tbl.Set("ns", 0, writer, true)

	gotRead := tbl.Get("ns", 0, false)
	gotWrite := tbl.Get("ns", 0, true)
	assert.Same(t, reader, gotRead)
	assert.Same(t, writer, gotWrite)
	gotRead.Ref().Release("T")
	gotWrite.Ref().Release("T")
}

func TestOversizedNamespaceRejected(t *testing.T) {
	tbl := New()
	tbl.SetPartitionCount(16)
	a := newFakeOwner("a")
	longNS := make([]byte, 32)
	for i := range longNS {
		longNS[i] = 'a'
	}
	tbl.Set(string(longNS), 0, a, false)
	assert.Nil(t, tbl.Get(string(longNS), 0, false))
	assert.EqualValues(t, 0, a.Ref().Count())
}

func TestDropNamespaceOwnedByOnlyAffectsThatNamespace(t *testing.T) {
	tbl := New()
	tbl.SetPartitionCount(4)
	a := newFakeOwner("a")

	tbl.Set("ns1", 0, a, false)
	tbl.Set("ns2", 0, a, false)
	require.EqualValues(t, 2, a.Ref().Count())

	tbl.DropNamespaceOwnedBy("ns1", a)
	assert.Nil(t, tbl.Get("ns1", 0, false))
	assert.EqualValues(t, 1, a.Ref().Count())

	owner := tbl.Get("ns2", 0, false)
	require.NotNil(t, owner)
	owner.Ref().Release("T")
}

func TestRemoveNodeClearsEveryNamespace(t *testing.T) {
	tbl := New()
	tbl.SetPartitionCount(4)
	a := newFakeOwner("a")

	tbl.Set("ns1", 0, a, false)
	tbl.Set("ns2", 1, a, true)
	tbl.RemoveNode(a)

	assert.Nil(t, tbl.Get("ns1", 0, false))
	assert.Nil(t, tbl.Get("ns2", 1, true))
	assert.EqualValues(t, 0, a.Ref().Count())
}

func TestDestroyAllReleasesEverything(t *testing.T) {
	tbl := New()
	tbl.SetPartitionCount(4)
	a := newFakeOwner("a")
	b := newFakeOwner("b")

	tbl.Set("ns", 0, a, false)
	tbl.Set("ns", 1, b, true)
	tbl.DestroyAll()

	assert.EqualValues(t, 0, a.Ref().Count())
	assert.EqualValues(t, 0, b.Ref().Count())
	assert.Equal(t, 4, tbl.PartitionCount(), "DestroyAll clears ownership, not the learned partition count")
}
