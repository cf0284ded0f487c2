package wal

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulniziolek/durable-mapreduce/pkg/mapreduce/task"
)

func openTemp(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "coordinator.wal")
	l, err := Open(path, Options{NoSync: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, path
}

func collect(t *testing.T, l *Log) []Record {
	t.Helper()
	var recs []Record
	for rec, err := range l.Replay() {
		if err != nil {
			t.Fatalf("Replay: %v", err)
		}
		recs = append(recs, rec)
	}
	return recs
}

func TestAppendAssignsIncreasingSequence(t *testing.T) {
	l, _ := openTemp(t)
	now := time.Unix(1000, 0)

	for i := 0; i < 3; i++ {
		seq, err := l.Append(Record{Phase: task.Map, Index: i, Transition: Assigned, WorkerID: "w", Timestamp: now})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if seq != uint64(i+1) {
			t.Fatalf("seq = %d, want %d", seq, i+1)
		}
	}
	if l.LastSeq() != 3 {
		t.Fatalf("LastSeq = %d, want 3", l.LastSeq())
	}

	recs := collect(t, l)
	if len(recs) != 3 {
		t.Fatalf("replayed %d records, want 3", len(recs))
	}
	for i, rec := range recs {
		if rec.Seq != uint64(i+1) || rec.Index != i || rec.TaskID() != task.MapID(i) {
			t.Fatalf("record %d = %+v", i, rec)
		}
		if !rec.Timestamp.Equal(now) {
			t.Fatalf("timestamp = %v, want %v", rec.Timestamp, now)
		}
	}
}

func TestReplayIsRestartable(t *testing.T) {
	l, _ := openTemp(t)
	l.Append(Record{Phase: task.Reduce, Index: 0, Transition: Assigned})
	l.Append(Record{Phase: task.Reduce, Index: 0, Transition: Completed, Outputs: []string{"mr-out-0"}})

	first := collect(t, l)
	second := collect(t, l)
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("got %d then %d records", len(first), len(second))
	}
	if second[1].Outputs[0] != "mr-out-0" {
		t.Fatalf("outputs = %v", second[1].Outputs)
	}

	// stopping early must not break a later replay
	for range l.Replay() {
		break
	}
	if got := len(collect(t, l)); got != 2 {
		t.Fatalf("after early stop got %d records", got)
	}
}

func TestReopenContinuesSequence(t *testing.T) {
	l, path := openTemp(t)
	l.Append(Record{Phase: task.Map, Index: 0, Transition: Assigned})
	l.Append(Record{Phase: task.Map, Index: 0, Transition: Completed})
	l.Close()

	l2, err := Open(path, Options{NoSync: true})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()

	seq, err := l2.Append(Record{Phase: task.Map, Index: 1, Transition: Assigned})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if seq != 3 {
		t.Fatalf("seq after reopen = %d, want 3", seq)
	}
}

func TestOpenTruncatesTornTail(t *testing.T) {
	l, path := openTemp(t)
	l.Append(Record{Phase: task.Map, Index: 0, Transition: Assigned})
	l.Close()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"seq":2,"phase":"MA`)
	f.Close()

	l2, err := Open(path, Options{NoSync: true})
	if err != nil {
		t.Fatalf("Open with torn tail: %v", err)
	}
	defer l2.Close()

	if seq, _ := l2.Append(Record{Phase: task.Map, Index: 1, Transition: Assigned}); seq != 2 {
		t.Fatalf("seq = %d, want 2", seq)
	}
	recs := collect(t, l2)
	if len(recs) != 2 || recs[1].Index != 1 {
		t.Fatalf("records after truncation = %+v", recs)
	}
}

func TestOpenRejectsCorruptRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.wal")
	data := "{\"seq\":1,\"phase\":\"MAP\",\"index\":0,\"transition\":\"ASSIGNED\"}\nnot json\n" +
		"{\"seq\":3,\"phase\":\"MAP\",\"index\":0,\"transition\":\"COMPLETED\"}\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Open(path, Options{})
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Open error = %v, want ErrCorrupt", err)
	}
}

func TestOpenRejectsSequenceGap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gap.wal")
	data := "{\"seq\":1,\"phase\":\"MAP\",\"index\":0,\"transition\":\"ASSIGNED\"}\n" +
		"{\"seq\":3,\"phase\":\"MAP\",\"index\":0,\"transition\":\"COMPLETED\"}\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(path, Options{}); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Open error = %v, want ErrCorrupt", err)
	}
}

func TestAppendAfterCloseIsStorageFailure(t *testing.T) {
	l, _ := openTemp(t)
	l.Close()

	_, err := l.Append(Record{Phase: task.Map, Index: 0, Transition: Assigned})
	if !errors.Is(err, ErrStorage) || !errors.Is(err, ErrClosed) {
		t.Fatalf("Append after Close = %v", err)
	}
}
