package chain

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// maxJournalRecord rejects corrupt length prefixes before allocating.
const maxJournalRecord = 1 << 20

// Journal is a write-ahead log of chain entries. Each record is a
// little-endian uint32 length followed by the entry as JSON.
type Journal struct {
	file *os.File
	path string
	mu   sync.Mutex
}

// OpenJournal opens or creates the journal file at path.
func OpenJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{file: f, path: path}, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// Append writes e and syncs it to disk before returning.
func (j *Journal) Append(e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	buf := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.file.Write(buf); err != nil {
		return err
	}
	return j.file.Sync()
}

// Replay calls fn for every record in order. A record cut short by a crash
// mid-write is dropped and the file truncated to the last whole record.
func (j *Journal) Replay(fn func(*Entry) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	var offset int64
	lenBuf := make([]byte, 4)
	for {
		_, err := io.ReadFull(j.file, lenBuf)
		if err == io.EOF {
			return nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return j.truncate(offset)
		}
		if err != nil {
			return fmt.Errorf("journal replay (len): %w", err)
		}

		length := binary.LittleEndian.Uint32(lenBuf)
		if length > maxJournalRecord {
			return fmt.Errorf("journal replay: record at offset %d claims %d bytes", offset, length)
		}
		data := make([]byte, length)
		if _, err := io.ReadFull(j.file, data); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || err == io.EOF {
				return j.truncate(offset)
			}
			return fmt.Errorf("journal replay (data): %w", err)
		}

		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("journal replay (unmarshal) at offset %d: %w", offset, err)
		}
		if err := fn(&e); err != nil {
			return err
		}
		offset += int64(4 + length)
	}
}

func (j *Journal) truncate(offset int64) error {
	if err := j.file.Truncate(offset); err != nil {
		return fmt.Errorf("truncate torn journal record: %w", err)
	}
	_, err := j.file.Seek(0, io.SeekEnd)
	return err
}

// Close closes the journal file.
func (j *Journal) Close() error {
	return j.file.Close()
}
