package recorder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/frame"
)

func seqFrame(seq uint64) *frame.Frame {
	return &frame.Frame{Seq: seq, Timestamp: time.Unix(int64(seq), 0), Data: []byte{0xFF, 0xD8, byte(seq), 0xFF, 0xD9}}
}

func seqs(frames []BufferedFrame) []uint64 {
	out := make([]uint64, len(frames))
	for i, bf := range frames {
		out[i] = bf.Frame.Seq
	}
	return out
}

func TestPreRollBufferCapacity(t *testing.T) {
	b := NewPreRollBuffer(10, 2)
	assert.Equal(t, 20, b.Cap())
	assert.Equal(t, 1, NewPreRollBuffer(10, 0).Cap())
}

func TestPreRollBufferKeepsMostRecentInOrder(t *testing.T) {
	b := NewPreRollBuffer(2, 2)

	for i := uint64(0); i < 11; i++ {
		b.Add(seqFrame(i))
		snap := b.Snapshot()
		require.LessOrEqual(t, len(snap), 4)

		var want []uint64
		for s := int64(i) - int64(len(snap)) + 1; s <= int64(i); s++ {
			want = append(want, uint64(s))
		}
		assert.Equal(t, want, seqs(snap), "after add %d", i)
	}
	assert.True(t, b.Full())
	assert.Equal(t, []uint64{7, 8, 9, 10}, seqs(b.Snapshot()))
}

func TestPreRollBufferSnapshotIsACopy(t *testing.T) {
	b := NewPreRollBuffer(1, 3)
	b.Add(seqFrame(1))
	b.Add(seqFrame(2))

	snap := b.Snapshot()
	b.Add(seqFrame(3))
	b.Add(seqFrame(4))

	assert.Equal(t, []uint64{1, 2}, seqs(snap))
	assert.Equal(t, []uint64{2, 3, 4}, seqs(b.Snapshot()))
}

func TestPreRollBufferClear(t *testing.T) {
	b := NewPreRollBuffer(5, 1)
	b.Add(seqFrame(1))
	b.Add(nil)
	assert.Equal(t, 1, b.Len())

	b.Clear()
	assert.Zero(t, b.Len())
	assert.Empty(t, b.Snapshot())

	b.Add(seqFrame(9))
	assert.Equal(t, []uint64{9}, seqs(b.Snapshot()))
}
