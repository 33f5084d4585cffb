package logstore

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"dlog/pkg/types"
)

// wal is the durability layer of the store: every record is framed,
// flushed and synced before an append reports success. Replay rebuilds
// the in-memory index after a restart.
type wal struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	filePath string
}

func newWAL(dir string) (*wal, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty log dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	filePath := filepath.Join(dir, "records.log")
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &wal{
		file:     file,
		writer:   bufio.NewWriter(file),
		filePath: filePath,
	}, nil
}

// append frames the record and forces it to disk before returning.
func (w *wal) append(rec types.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return fmt.Errorf("log writer is closed")
	}

	if err := w.writeRecord(rec); err != nil {
		return fmt.Errorf("failed to write log record: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush log: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log: %w", err)
	}
	return nil
}

// replay feeds every stored record to the callback in write order.
func (w *wal) replay(callback func(types.Record) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush log before replay: %w", err)
		}
	}

	file, err := os.Open(w.filePath)
	if err != nil {
		return fmt.Errorf("failed to open log for reading: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close log read file", "error", cerr)
		}
	}()

	reader := bufio.NewReader(file)
	for {
		rec, err := readRecord(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("failed to read log record: %w", err)
		}
		if err := callback(rec); err != nil {
			return fmt.Errorf("log replay callback failed: %w", err)
		}
	}
	return nil
}

func (w *wal) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush log on close: %w", err)
		}
		w.writer = nil
	}
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close log file: %w", err)
		}
		w.file = nil
	}
	return nil
}

// writeRecord frames one record:
// partition(4) epoch(8) offset(8) id(8) ts(8) keyLen(4) key payloadLen(4) payload.
func (w *wal) writeRecord(rec types.Record) error {
	if err := binary.Write(w.writer, binary.BigEndian, uint32(rec.Partition)); err != nil {
		return err
	}
	if err := binary.Write(w.writer, binary.BigEndian, uint64(rec.Epoch)); err != nil {
		return err
	}
	if err := binary.Write(w.writer, binary.BigEndian, uint64(rec.Offset)); err != nil {
		return err
	}
	if err := binary.Write(w.writer, binary.BigEndian, rec.ID); err != nil {
		return err
	}
	if err := binary.Write(w.writer, binary.BigEndian, rec.Timestamp.UnixNano()); err != nil {
		return err
	}

	if len(rec.Key) > math.MaxUint32 {
		return fmt.Errorf("key too large: %d", len(rec.Key))
	}
	if err := binary.Write(w.writer, binary.BigEndian, uint32(len(rec.Key))); err != nil {
		return err
	}
	if _, err := w.writer.Write(rec.Key); err != nil {
		return err
	}

	if len(rec.Payload) > math.MaxUint32 {
		return fmt.Errorf("payload too large: %d", len(rec.Payload))
	}
	if err := binary.Write(w.writer, binary.BigEndian, uint32(len(rec.Payload))); err != nil {
		return err
	}
	if _, err := w.writer.Write(rec.Payload); err != nil {
		return err
	}
	return nil
}

func readRecord(reader *bufio.Reader) (types.Record, error) {
	var rec types.Record

	var partition uint32
	if err := binary.Read(reader, binary.BigEndian, &partition); err != nil {
		return rec, err
	}
	rec.Partition = types.PartitionID(partition)

	var epoch, offset uint64
	if err := binary.Read(reader, binary.BigEndian, &epoch); err != nil {
		return rec, err
	}
	if err := binary.Read(reader, binary.BigEndian, &offset); err != nil {
		return rec, err
	}
	rec.Epoch = types.Epoch(epoch)
	rec.Offset = types.Offset(offset)

	if err := binary.Read(reader, binary.BigEndian, &rec.ID); err != nil {
		return rec, err
	}

	var ts int64
	if err := binary.Read(reader, binary.BigEndian, &ts); err != nil {
		return rec, err
	}
	rec.Timestamp = time.Unix(0, ts)

	var keyLen uint32
	if err := binary.Read(reader, binary.BigEndian, &keyLen); err != nil {
		return rec, err
	}
	if keyLen > 0 {
		rec.Key = make([]byte, keyLen)
		if _, err := io.ReadFull(reader, rec.Key); err != nil {
			return rec, err
		}
	}

	var payloadLen uint32
	if err := binary.Read(reader, binary.BigEndian, &payloadLen); err != nil {
		return rec, err
	}
	rec.Payload = make([]byte, payloadLen)
	if _, err := io.ReadFull(reader, rec.Payload); err != nil {
		return rec, err
	}
	return rec, nil
}
