// Package wal implements the write-ahead log (C2): a directory of append-only
// segment files, each record magic-framed and checksummed, replayed on
// startup with skip-on-corruption semantics. Independent of the memtable —
// the storage engine owns both and wires them together (spec.md §4.2, §4.9).
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/loradb/loradb/internal/errs"
	"github.com/loradb/loradb/internal/frame"
	"github.com/loradb/loradb/internal/logging"
)

const (
	magic          uint32 = 0x4C4F5241
	recordVersion  uint16 = 2
	headerSize            = 4 + 2 + 4 // magic + version + length
	checksumSize          = 4
	segmentPattern        = "wal-%08d.log"
)

var log = logging.For("wal")

// ReplayStats summarizes a Replay pass.
type ReplayStats struct {
	Recovered int
	Skipped   int
}

// WAL is a directory of append-only segments. Appends serialize on a mutex
// (spec.md §5: "append and sync serialize on this lock").
type WAL struct {
	mu          sync.Mutex
	dir         string
	segmentCap  int64
	segmentID   int
	file        *os.File
	writer      *bufio.Writer
	writtenSize int64
}

// Open reuses the highest-numbered existing segment, or creates segment 0 if
// none exists (spec.md §4.2).
func Open(dir string, segmentBytes int64) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errs.Wrap(errs.Wal, "wal: create dir", err)
	}

	ids, err := listSegmentIDs(dir)
	if err != nil {
		return nil, errs.Wrap(errs.Wal, "wal: list segments", err)
	}

	id := 0
	if len(ids) > 0 {
		id = ids[len(ids)-1]
	}

	w := &WAL{dir: dir, segmentCap: segmentBytes, segmentID: id}
	if err := w.openSegment(id, true); err != nil {
		return nil, err
	}
	return w, nil
}

func listSegmentIDs(dir string) ([]int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "wal-*.log"))
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(matches))
	for _, m := range matches {
		var id int
		if _, err := fmt.Sscanf(filepath.Base(m), "wal-%08d.log", &id); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids, nil
}

func (w *WAL) segmentPath(id int) string {
	return filepath.Join(w.dir, fmt.Sprintf(segmentPattern, id))
}

// openSegment opens (or creates) segment id as the active segment. If
// appendExisting is true and the file already has content, writtenSize is
// set from its current size so rollover accounting is correct across opens.
func (w *WAL) openSegment(id int, appendExisting bool) error {
	path := w.segmentPath(id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return errs.Wrap(errs.Wal, "wal: open segment", err)
	}
	size := int64(0)
	if appendExisting {
		if st, err := f.Stat(); err == nil {
			size = st.Size()
		}
	}
	w.file = f
	w.writer = bufio.NewWriter(f)
	w.segmentID = id
	w.writtenSize = size
	return nil
}

// Append writes one record for f and flushes the buffered writer to the OS
// (not fsynced — spec.md §4.2: "acknowledged... but not necessarily fsynced").
func (w *WAL) Append(f frame.Frame) error {
	payload := frame.Encode(f)
	if len(payload) > 1<<28 {
		return errs.New(errs.Wal, "wal: record too large")
	}

	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header[0:4], magic)
	binary.LittleEndian.PutUint16(header[4:6], recordVersion)
	binary.LittleEndian.PutUint32(header[6:10], uint32(len(payload)))

	sum := crc32.ChecksumIEEE(header[4:10])
	sum = crc32.Update(sum, crc32.IEEETable, payload)
	var sumBuf [checksumSize]byte
	binary.LittleEndian.PutUint32(sumBuf[:], sum)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return errs.New(errs.Wal, "wal: closed")
	}

	for _, chunk := range [][]byte{header, payload, sumBuf[:]} {
		if _, err := w.writer.Write(chunk); err != nil {
			return errs.Wrap(errs.Wal, "wal: append", err)
		}
	}
	if err := w.writer.Flush(); err != nil {
		return errs.Wrap(errs.Wal, "wal: flush", err)
	}

	recordSize := int64(headerSize + len(payload) + checksumSize)
	w.writtenSize += recordSize

	if w.segmentCap > 0 && w.writtenSize >= w.segmentCap {
		if err := w.rollover(); err != nil {
			return err
		}
	}
	return nil
}

// rollover closes the current segment and opens segmentID+1 as active. Must
// be called with mu held. The 64MiB threshold is declared but, per spec.md
// §9, either honoring or dropping it leaves replay semantics unchanged; this
// implementation honors it.
func (w *WAL) rollover() error {
	if err := w.writer.Flush(); err != nil {
		return errs.Wrap(errs.Wal, "wal: flush before rollover", err)
	}
	if err := w.file.Sync(); err != nil {
		return errs.Wrap(errs.Wal, "wal: sync before rollover", err)
	}
	if err := w.file.Close(); err != nil {
		return errs.Wrap(errs.Wal, "wal: close before rollover", err)
	}
	return w.openSegment(w.segmentID+1, false)
}

// Sync issues a durable sync on the active segment.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writer == nil {
		return errs.New(errs.Wal, "wal: closed")
	}
	if err := w.writer.Flush(); err != nil {
		return errs.Wrap(errs.Wal, "wal: flush", err)
	}
	if err := w.file.Sync(); err != nil {
		return errs.Wrap(errs.Wal, "wal: sync", err)
	}
	return nil
}

// Replay walks every record in every segment from 0..=latest, in order,
// invoking apply for each successfully decoded frame. Records with bad
// magic, bad checksum, or unrecognized version are skipped with a warning; a
// torn tail record ends replay of that segment (spec.md §4.2).
func (w *WAL) Replay(apply func(frame.Frame)) (*ReplayStats, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ids, err := listSegmentIDs(w.dir)
	if err != nil {
		return nil, errs.Wrap(errs.Wal, "wal: list segments", err)
	}

	stats := &ReplayStats{}
	for _, id := range ids {
		if err := w.replaySegment(id, apply, stats); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func (w *WAL) replaySegment(id int, apply func(frame.Frame), stats *ReplayStats) error {
	path := w.segmentPath(id)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Wrap(errs.Wal, "wal: open segment for replay", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	header := make([]byte, headerSize)

	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil // torn tail or clean end-of-segment
			}
			return errs.Wrap(errs.Wal, "wal: read header", err)
		}

		gotMagic := binary.LittleEndian.Uint32(header[0:4])
		version := binary.LittleEndian.Uint16(header[4:6])
		length := binary.LittleEndian.Uint32(header[6:10])

		if gotMagic != magic {
			log.Warn().Int("segment", id).Msg("wal: bad magic, record skipped")
			stats.Skipped++
			if length > 1<<28 || !skipN(r, int64(length)+checksumSize) {
				return nil
			}
			continue
		}
		if version != recordVersion {
			log.Warn().Int("segment", id).Uint16("version", version).Msg("wal: incompatible record version, skipped")
			stats.Skipped++
			if !skipN(r, int64(length)+checksumSize) {
				return nil
			}
			continue
		}
		if length > 1<<28 {
			log.Warn().Int("segment", id).Msg("wal: implausible record length, treating as end of segment")
			return nil
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil // torn tail
		}
		var sumBuf [checksumSize]byte
		if _, err := io.ReadFull(r, sumBuf[:]); err != nil {
			return nil // torn tail
		}

		want := crc32.ChecksumIEEE(header[4:10])
		want = crc32.Update(want, crc32.IEEETable, payload)
		got := binary.LittleEndian.Uint32(sumBuf[:])
		if got != want {
			log.Warn().Int("segment", id).Msg("wal: checksum mismatch, record skipped")
			stats.Skipped++
			continue
		}

		f, err := frame.Decode(payload)
		if err != nil {
			log.Warn().Int("segment", id).Err(err).Msg("wal: frame decode failed, record skipped")
			stats.Skipped++
			continue
		}

		apply(f)
		stats.Recovered++
	}
}

func skipN(r *bufio.Reader, n int64) bool {
	_, err := io.CopyN(io.Discard, r, n)
	return err == nil
}

// Truncate deletes every segment and opens a fresh segment 0. Called after a
// successful flush (spec.md §4.9: "clear memtable; truncate WAL").
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		w.writer.Flush()
		w.file.Close()
	}

	ids, err := listSegmentIDs(w.dir)
	if err != nil {
		return errs.Wrap(errs.Wal, "wal: list segments", err)
	}
	for _, id := range ids {
		if err := os.Remove(w.segmentPath(id)); err != nil && !os.IsNotExist(err) {
			return errs.Wrap(errs.Wal, "wal: remove segment", err)
		}
	}

	return w.openSegment(0, false)
}

// Close flushes and closes the active segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	w.writer.Flush()
	err := w.file.Close()
	w.file = nil
	w.writer = nil
	return err
}
