package provgo

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/fzxiao233/Vod_Record/live/interfaces"
	"github.com/pkg/errors"
)

// JournalPath is where the segment journal of a working file lives.
func JournalPath(workingPath string) string {
	return workingPath + ".journal"
}

type journalEntry struct {
	seq      int
	end      int64
	duration float64
}

// SegmentWriter appends whole segments to the working file. Every append
// is followed by a journal line, so a restarted capture trusts exactly the
// bytes the journal vouches for.
type SegmentWriter struct {
	path    string
	file    *os.File
	journal *os.File

	offset   int64
	duration float64
	written  map[int]struct{}
	order    []int
}

func readJournal(path string) ([]journalEntry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var entries []journalEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e journalEntry
		if _, err := fmt.Sscanf(scanner.Text(), "%d %d %g", &e.seq, &e.end, &e.duration); err != nil {
			// torn last line
			break
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// OpenSegmentWriter opens or resumes the working file at path. Bytes past
// the last journaled segment are cut off.
func OpenSegmentWriter(path string) (*SegmentWriter, error) {
	entries, err := readJournal(JournalPath(path))
	if err != nil {
		return nil, errors.Wrap(interfaces.ErrStorageWrite, err.Error())
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(interfaces.ErrStorageWrite, "open working file: %v", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.Wrapf(interfaces.ErrStorageWrite, "stat working file: %v", err)
	}

	w := &SegmentWriter{
		path:    path,
		file:    file,
		written: make(map[int]struct{}),
	}
	var kept []journalEntry
	for _, e := range entries {
		if e.end > stat.Size() || e.end < w.offset {
			break
		}
		kept = append(kept, e)
		w.offset = e.end
		w.duration += e.duration
		w.written[e.seq] = struct{}{}
		w.order = append(w.order, e.seq)
	}
	if err := file.Truncate(w.offset); err != nil {
		file.Close()
		return nil, errors.Wrapf(interfaces.ErrStorageWrite, "truncate working file: %v", err)
	}
	if _, err := file.Seek(w.offset, io.SeekStart); err != nil {
		file.Close()
		return nil, errors.Wrapf(interfaces.ErrStorageWrite, "seek working file: %v", err)
	}

	// rewrite the journal so it never holds entries past the cut
	journal, err := os.OpenFile(JournalPath(path), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		file.Close()
		return nil, errors.Wrapf(interfaces.ErrStorageWrite, "open journal: %v", err)
	}
	w.journal = journal
	for _, e := range kept {
		if err := w.writeJournal(e); err != nil {
			w.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *SegmentWriter) writeJournal(e journalEntry) error {
	if _, err := fmt.Fprintf(w.journal, "%d %d %g\n", e.seq, e.end, e.duration); err != nil {
		return errors.Wrapf(interfaces.ErrStorageWrite, "write journal: %v", err)
	}
	return nil
}

func (w *SegmentWriter) Has(seq int) bool {
	_, ok := w.written[seq]
	return ok
}

// Append writes one segment. A failed write leaves the file as it was
// before the call.
func (w *SegmentWriter) Append(seq int, data []byte, duration float64) error {
	if w.Has(seq) {
		return nil
	}
	n, err := w.file.Write(data)
	if err == nil && n != len(data) {
		err = io.ErrShortWrite
	}
	if err == nil {
		err = w.file.Sync()
	}
	if err != nil {
		_ = w.file.Truncate(w.offset)
		_, _ = w.file.Seek(w.offset, io.SeekStart)
		return errors.Wrapf(interfaces.ErrStorageWrite, "write segment %d: %v", seq, err)
	}
	end := w.offset + int64(n)
	if err := w.writeJournal(journalEntry{seq: seq, end: end, duration: duration}); err != nil {
		_ = w.file.Truncate(w.offset)
		_, _ = w.file.Seek(w.offset, io.SeekStart)
		return err
	}
	w.offset = end
	w.duration += duration
	w.written[seq] = struct{}{}
	w.order = append(w.order, seq)
	return nil
}

// Restore copies what the writer already holds into state.
func (w *SegmentWriter) Restore(state *interfaces.CaptureState) {
	for seq := range w.written {
		state.WrittenSeqs[seq] = struct{}{}
	}
	state.CapturedDuration = w.duration
	state.BytesWritten = w.offset
}

// Seqs returns the written sequence numbers in ascending order.
func (w *SegmentWriter) Seqs() []int {
	ret := append([]int(nil), w.order...)
	sort.Ints(ret)
	return ret
}

func (w *SegmentWriter) Size() int64 {
	return w.offset
}

func (w *SegmentWriter) Duration() float64 {
	return w.duration
}

func (w *SegmentWriter) Close() error {
	var ret error
	if w.journal != nil {
		ret = w.journal.Close()
		w.journal = nil
	}
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			ret = err
		}
		w.file = nil
	}
	return ret
}

// Discard removes the working file and its journal.
func Discard(workingPath string) error {
	err := os.Remove(workingPath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	err = os.Remove(JournalPath(workingPath))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
