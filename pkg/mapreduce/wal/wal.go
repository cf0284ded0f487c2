// Package wal is an append-only, fsynced log of task state transitions.
// Records are stored one JSON object per line and read back front to back.
package wal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"sync"
)

var (
	// ErrStorage wraps every I/O failure. The coordinator treats it as fatal.
	ErrStorage = errors.New("wal: storage failure")
	ErrCorrupt = errors.New("wal: corrupt record")
	ErrClosed  = errors.New("wal: log closed")
)

type Options struct {
	// NoSync skips the fsync after every append. Only tests should set it.
	NoSync bool
}

type Log struct {
	mu      sync.Mutex
	path    string
	f       *os.File
	nextSeq uint64
	noSync  bool

	// sticky write error; a failed write may leave a partial line behind
	err error
}

// Open opens the log at path, creating it if needed. A trailing line cut
// short by a crash mid-append is truncated away; any other undecodable line
// is reported as ErrCorrupt.
func Open(path string, opts Options) (*Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrStorage, path, err)
	}

	lastSeq, good, err := scan(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Truncate(good); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: truncate %s: %w", ErrStorage, path, err)
	}
	if _, err := f.Seek(good, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: seek %s: %w", ErrStorage, path, err)
	}

	return &Log{
		path:    path,
		f:       f,
		nextSeq: lastSeq + 1,
		noSync:  opts.NoSync,
	}, nil
}

// scan validates the file and returns the last sequence number together with
// the offset just past the last complete line.
func scan(f *os.File) (uint64, int64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, 0, fmt.Errorf("%w: seek: %w", ErrStorage, err)
	}

	var (
		r       = bufio.NewReader(f)
		lastSeq uint64
		offset  int64
	)
	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			return lastSeq, offset, nil
		}
		if err != nil {
			return 0, 0, fmt.Errorf("%w: read: %w", ErrStorage, err)
		}

		rec, err := decode(line)
		if err != nil {
			return 0, 0, fmt.Errorf("%w at offset %d", err, offset)
		}
		if rec.Seq != lastSeq+1 {
			return 0, 0, fmt.Errorf("%w: sequence %d after %d", ErrCorrupt, rec.Seq, lastSeq)
		}
		lastSeq = rec.Seq
		offset += int64(len(line))
	}
}

func decode(line []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return rec, nil
}

// Append durably writes rec and returns its sequence number.
func (l *Log) Append(rec Record) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return 0, fmt.Errorf("%w: %w", ErrStorage, ErrClosed)
	}
	if l.err != nil {
		return 0, l.err
	}

	rec.Seq = l.nextSeq
	b, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("%w: encode: %w", ErrStorage, err)
	}
	b = append(b, '\n')

	if _, err := l.f.Write(b); err != nil {
		l.err = fmt.Errorf("%w: write: %w", ErrStorage, err)
		return 0, l.err
	}
	if !l.noSync {
		if err := l.f.Sync(); err != nil {
			l.err = fmt.Errorf("%w: sync: %w", ErrStorage, err)
			return 0, l.err
		}
	}

	l.nextSeq++
	return rec.Seq, nil
}

// LastSeq returns the sequence number of the newest record, 0 if empty.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq - 1
}

// Replay yields every complete record in sequence order. Each range over the
// returned sequence reads the file again from the start.
func (l *Log) Replay() iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		f, err := os.Open(l.path)
		if err != nil {
			yield(Record{}, fmt.Errorf("%w: open %s: %w", ErrStorage, l.path, err))
			return
		}
		defer f.Close()

		r := bufio.NewReader(f)
		for {
			line, err := r.ReadBytes('\n')
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(Record{}, fmt.Errorf("%w: read: %w", ErrStorage, err))
				return
			}
			rec, err := decode(line)
			if !yield(rec, err) || err != nil {
				return
			}
		}
	}
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	if err != nil {
		return fmt.Errorf("%w: close: %w", ErrStorage, err)
	}
	return nil
}
