package sstable

import (
	"encoding/binary"
	"hash/crc32"
	"os"

	"github.com/loradb/loradb/internal/bloom"
	"github.com/loradb/loradb/internal/errs"
	"github.com/loradb/loradb/internal/frame"
)

type bufferedEntry struct {
	key        []byte
	compressed []byte
}

// Writer accumulates (key, frame) pairs that must arrive in strictly
// ascending key order and, on Finish, writes the full SSTable format
// described in spec.md §4.4.
type Writer struct {
	id            uint64
	bloomFilter   *bloom.Filter
	applicationIDs map[string]struct{}
	entries       []bufferedEntry
	minKey        []byte
	maxKey        []byte
}

// NewWriter creates a writer for a new SSTable with the given id.
// expectedCount and falsePositiveRate parameterize the bloom filter
// (spec.md §4.1).
func NewWriter(id uint64, expectedCount int, falsePositiveRate float64) *Writer {
	return &Writer{
		id:             id,
		bloomFilter:    bloom.New(expectedCount, falsePositiveRate),
		applicationIDs: make(map[string]struct{}),
	}
}

// Add appends one entry. Keys must arrive in strictly ascending order.
func (w *Writer) Add(key frame.MemtableKey, f frame.Frame) error {
	encodedKey := key.Encode()
	if w.maxKey != nil && frame.Compare(encodedKey, w.maxKey) <= 0 {
		return errs.New(errs.Storage, "sstable: keys must arrive in strictly ascending order")
	}

	raw := frame.Encode(f)
	compressed, err := compress(raw)
	if err != nil {
		return errs.Wrap(errs.Storage, "sstable: compress entry", err)
	}

	w.entries = append(w.entries, bufferedEntry{key: encodedKey, compressed: compressed})
	w.bloomFilter.Insert([]byte(key.Device))
	if f.ApplicationID != "" {
		w.applicationIDs[f.ApplicationID] = struct{}{}
	}
	if w.minKey == nil {
		w.minKey = encodedKey
	}
	w.maxKey = encodedKey
	return nil
}

// Len reports how many entries have been added so far.
func (w *Writer) Len() int { return len(w.entries) }

// Finish writes the file at path and returns its metadata. File permissions
// are restricted to owner (spec.md §4.4).
func (w *Writer) Finish(path string) (*Metadata, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "sstable: create file", err)
	}
	defer f.Close()

	var offset int64

	// 1. Header (entry count + id written now; rest is fixed-size so no
	// backpatch is needed).
	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header[0:4], magicNumber)
	binary.LittleEndian.PutUint16(header[4:6], formatVersion)
	binary.LittleEndian.PutUint64(header[6:14], w.id)
	binary.LittleEndian.PutUint64(header[14:22], uint64(len(w.entries)))
	n, err := f.Write(header)
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "sstable: write header", err)
	}
	offset += int64(n)

	// 2. Bloom filter: size-prefixed.
	bloomBytes := w.bloomFilter.Serialize()
	n, err = writeSizePrefixed(f, bloomBytes)
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "sstable: write bloom filter", err)
	}
	offset += int64(n)

	// 3. Data section.
	type indexEntry struct {
		key    []byte
		offset int64
		size   uint32
	}
	index := make([]indexEntry, 0, len(w.entries))

	for _, e := range w.entries {
		entryStart := offset

		var sizeBuf [4]byte
		binary.LittleEndian.PutUint32(sizeBuf[:], uint32(len(e.compressed)))
		if _, err := f.Write(sizeBuf[:]); err != nil {
			return nil, errs.Wrap(errs.Storage, "sstable: write entry size", err)
		}
		if _, err := f.Write(e.compressed); err != nil {
			return nil, errs.Wrap(errs.Storage, "sstable: write entry data", err)
		}
		var crcBuf [4]byte
		binary.LittleEndian.PutUint32(crcBuf[:], crc32.ChecksumIEEE(e.compressed))
		if _, err := f.Write(crcBuf[:]); err != nil {
			return nil, errs.Wrap(errs.Storage, "sstable: write entry crc", err)
		}

		recordSize := int64(4 + len(e.compressed) + 4)
		offset += recordSize
		index = append(index, indexEntry{key: e.key, offset: entryStart, size: uint32(recordSize)})
	}

	// 4. Index section.
	indexOffset := offset
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(index)))
	n, err = f.Write(countBuf[:])
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "sstable: write index count", err)
	}
	offset += int64(n)

	for _, ie := range index {
		var keySizeBuf [4]byte
		binary.LittleEndian.PutUint32(keySizeBuf[:], uint32(len(ie.key)))
		if _, err := f.Write(keySizeBuf[:]); err != nil {
			return nil, errs.Wrap(errs.Storage, "sstable: write index key size", err)
		}
		if _, err := f.Write(ie.key); err != nil {
			return nil, errs.Wrap(errs.Storage, "sstable: write index key", err)
		}
		var offBuf [8]byte
		binary.LittleEndian.PutUint64(offBuf[:], uint64(ie.offset))
		if _, err := f.Write(offBuf[:]); err != nil {
			return nil, errs.Wrap(errs.Storage, "sstable: write index offset", err)
		}
		var sizeBuf [4]byte
		binary.LittleEndian.PutUint32(sizeBuf[:], ie.size)
		if _, err := f.Write(sizeBuf[:]); err != nil {
			return nil, errs.Wrap(errs.Storage, "sstable: write index size", err)
		}
		offset += int64(4 + len(ie.key) + 8 + 4)
	}

	// 5. Variable footer: min/max key.
	minKey, maxKey := w.minKey, w.maxKey
	if minKey == nil {
		minKey = []byte{}
	}
	if maxKey == nil {
		maxKey = []byte{}
	}
	if _, err := writeSizePrefixed(f, minKey); err != nil {
		return nil, errs.Wrap(errs.Storage, "sstable: write min key", err)
	}
	if _, err := writeSizePrefixed(f, maxKey); err != nil {
		return nil, errs.Wrap(errs.Storage, "sstable: write max key", err)
	}

	// 6. Fixed footer: created_at_micros + index_offset.
	createdAt := nowMicros()
	fixed := make([]byte, fixedFooterSize)
	binary.LittleEndian.PutUint64(fixed[0:8], uint64(createdAt))
	binary.LittleEndian.PutUint64(fixed[8:16], uint64(indexOffset))
	if _, err := f.Write(fixed); err != nil {
		return nil, errs.Wrap(errs.Storage, "sstable: write fixed footer", err)
	}

	if err := f.Sync(); err != nil {
		return nil, errs.Wrap(errs.Storage, "sstable: sync", err)
	}

	return &Metadata{
		ID:              w.id,
		EntryCount:      uint64(len(w.entries)),
		CreatedAtMicros: createdAt,
		MinKey:          minKey,
		MaxKey:          maxKey,
		Path:            path,
	}, nil
}

func writeSizePrefixed(f *os.File, data []byte) (int, error) {
	var sizeBuf [4]byte
	binary.LittleEndian.PutUint32(sizeBuf[:], uint32(len(data)))
	if _, err := f.Write(sizeBuf[:]); err != nil {
		return 0, err
	}
	if _, err := f.Write(data); err != nil {
		return 0, err
	}
	return 4 + len(data), nil
}
