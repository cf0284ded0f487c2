package mapreduce

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

var (
	intermediateFileFormat = "mr-%d-%d"
	finalFileFormat        = "mr-out-%d"
)

// Storage holds the data exchanged between map and reduce tasks. Blobs are
// keyed by (map index, reduce bucket); the coordinator never looks inside.
type Storage interface {
	WriteIntermediate(mapIndex, bucket int, kvs []KeyValue) (string, error)
	ReadIntermediate(mapIndex, bucket int) ([]KeyValue, error)
	WriteOutput(bucket int, kvs []KeyValue) (string, error)
}

// FileStorage keeps blobs as files in Dir. Writes go to a temporary file that
// is renamed into place, so a crashed attempt never leaves a partial file
// under the final name and a re-run simply replaces it.
type FileStorage struct {
	Dir string
}

func NewFileStorage(dir string) *FileStorage {
	return &FileStorage{Dir: dir}
}

func (s *FileStorage) path(format string, a ...any) string {
	return filepath.Join(s.Dir, fmt.Sprintf(format, a...))
}

func (s *FileStorage) WriteIntermediate(mapIndex, bucket int, kvs []KeyValue) (string, error) {
	name := s.path(intermediateFileFormat, mapIndex, bucket)
	err := s.writeAtomic(name, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		for _, kv := range kvs {
			if err := enc.Encode(&kv); err != nil {
				return err
			}
		}
		return nil
	})
	return name, err
}

func (s *FileStorage) ReadIntermediate(mapIndex, bucket int) ([]KeyValue, error) {
	name := s.path(intermediateFileFormat, mapIndex, bucket)
	file, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("cannot open %v: %w", name, err)
	}
	defer file.Close()

	var kva []KeyValue
	dec := json.NewDecoder(bufio.NewReader(file))
	for {
		var kv KeyValue
		if err := dec.Decode(&kv); err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("cannot decode %v: %w", name, err)
		}
		kva = append(kva, kv)
	}
	return kva, nil
}

func (s *FileStorage) WriteOutput(bucket int, kvs []KeyValue) (string, error) {
	name := s.path(finalFileFormat, bucket)
	err := s.writeAtomic(name, func(w io.Writer) error {
		for _, kv := range kvs {
			if _, err := fmt.Fprintf(w, "%v %v\n", kv.Key, kv.Value); err != nil {
				return err
			}
		}
		return nil
	})
	return name, err
}

func (s *FileStorage) writeAtomic(name string, write func(w io.Writer) error) error {
	tmp, err := os.CreateTemp(s.Dir, "mr-tmp-*")
	if err != nil {
		return fmt.Errorf("cannot create temp file for %v: %w", name, err)
	}
	defer os.Remove(tmp.Name())

	bw := bufio.NewWriter(tmp)
	if err := write(bw); err != nil {
		tmp.Close()
		return fmt.Errorf("cannot write %v: %w", name, err)
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("cannot write %v: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cannot write %v: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), name); err != nil {
		return fmt.Errorf("cannot rename %v: %w", name, err)
	}
	return nil
}
