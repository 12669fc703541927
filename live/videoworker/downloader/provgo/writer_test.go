package provgo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fzxiao233/Vod_Record/live/interfaces"
	"github.com/stretchr/testify/require"
)

func TestSegmentWriterResume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "42.ts")
	w, err := OpenSegmentWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(0, []byte("aaaa"), 2))
	require.NoError(t, w.Append(1, []byte("bbbb"), 2))
	require.NoError(t, w.Append(1, []byte("bbbb"), 2))
	require.EqualValues(t, 8, w.Size())
	require.NoError(t, w.Close())

	// bytes written after the last journal line are not trusted
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte("torn"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w, err = OpenSegmentWriter(path)
	require.NoError(t, err)
	require.True(t, w.Has(0))
	require.True(t, w.Has(1))
	require.False(t, w.Has(2))
	require.EqualValues(t, 8, w.Size())
	require.InDelta(t, 4.0, w.Duration(), 0.001)

	state := interfaces.NewCaptureState(&interfaces.VodHandle{VodID: "42"}, path)
	w.Restore(state)
	require.Len(t, state.WrittenSeqs, 2)
	require.EqualValues(t, 8, state.BytesWritten)

	require.NoError(t, w.Append(2, []byte("cc"), 1))
	require.Equal(t, []int{0, 1, 2}, w.Seqs())
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "aaaabbbbcc", string(data))
}

func TestSegmentWriterTornJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "42.ts")
	require.NoError(t, os.WriteFile(path, []byte("aaaabbbb"), 0644))
	require.NoError(t, os.WriteFile(JournalPath(path), []byte("0 4 2\n1 8"), 0644))

	w, err := OpenSegmentWriter(path)
	require.NoError(t, err)
	defer w.Close()
	require.True(t, w.Has(0))
	require.False(t, w.Has(1))
	require.EqualValues(t, 4, w.Size())

	stat, err := os.Stat(path)
	require.NoError(t, err)
	require.EqualValues(t, 4, stat.Size())
}

func TestSegmentWriterWithoutJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "42.ts")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0644))

	w, err := OpenSegmentWriter(path)
	require.NoError(t, err)
	require.EqualValues(t, 0, w.Size())
	require.NoError(t, w.Close())

	require.NoError(t, Discard(path))
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(JournalPath(path))
	require.True(t, os.IsNotExist(err))
}
