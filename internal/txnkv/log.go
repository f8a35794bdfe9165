// Package txnkv implements the transactional string-keyed store: an
// in-memory index backed by an append-only log, strict two-phase
// locking per key, and wait-for-graph deadlock detection. See
// SPEC_FULL.md §4.4.
package txnkv

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

type opType byte

const (
	opPut opType = 'P'
	opDel opType = 'D'
)

// logRecord is one append-only log entry: a committed write. Value is
// nil for deletes.
type logRecord struct {
	Op    opType
	Key   string
	Value []byte
}

// writeLogRecord appends a length-prefixed record: 1 type byte, 4-byte
// big-endian key length, 4-byte big-endian value length (0 for
// deletes), key bytes, value bytes.
func writeLogRecord(w io.Writer, rec logRecord) error {
	var hdr [9]byte
	hdr[0] = byte(rec.Op)
	binary.BigEndian.PutUint32(hdr[1:5], uint32(len(rec.Key)))
	binary.BigEndian.PutUint32(hdr[5:9], uint32(len(rec.Value)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := io.WriteString(w, rec.Key); err != nil {
		return err
	}
	if len(rec.Value) > 0 {
		if _, err := w.Write(rec.Value); err != nil {
			return err
		}
	}
	return nil
}

func readLogRecord(r io.Reader) (logRecord, error) {
	var hdr [9]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return logRecord{}, err
	}
	keyLen := binary.BigEndian.Uint32(hdr[1:5])
	valLen := binary.BigEndian.Uint32(hdr[5:9])

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return logRecord{}, err
	}
	var val []byte
	if valLen > 0 {
		val = make([]byte, valLen)
		if _, err := io.ReadFull(r, val); err != nil {
			return logRecord{}, err
		}
	}
	return logRecord{Op: opType(hdr[0]), Key: string(key), Value: val}, nil
}

// commitLog is the append-only durability log: every committed write
// lands here, in order, before the in-memory index is updated. There is
// no segment rotation or compaction in the base design (spec §4.4,
// "Persistence").
type commitLog struct {
	file *os.File
}

func openCommitLog(path string) (*commitLog, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("txnkv: open log %s: %w", path, err)
	}
	return &commitLog{file: f}, nil
}

func (l *commitLog) close() error { return l.file.Close() }

func (l *commitLog) append(rec logRecord) error {
	if err := writeLogRecord(l.file, rec); err != nil {
		return fmt.Errorf("txnkv: append log record for %q: %w", rec.Key, err)
	}
	return l.file.Sync()
}

// replay reads every record in the log from the start and calls apply
// for each, in order, used to rebuild the in-memory index on Open.
func (l *commitLog) replay(apply func(logRecord)) error {
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReader(l.file)
	for {
		rec, err := readLogRecord(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("txnkv: replay log: %w", err)
		}
		apply(rec)
	}
	_, err := l.file.Seek(0, io.SeekEnd)
	return err
}
