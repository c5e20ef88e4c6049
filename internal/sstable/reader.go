package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/loradb/loradb/internal/bloom"
	"github.com/loradb/loradb/internal/errs"
	"github.com/loradb/loradb/internal/frame"
)

type indexEntry struct {
	key    []byte
	offset int64
	size   uint32
}

// Reader opens an immutable SSTable file for reading. Data blocks are not
// preloaded (spec.md §4.5); only the header, bloom filter, index, and
// min/max keys are read at Open time.
type Reader struct {
	path string
	id   uint64

	entryCount      uint64
	createdAtMicros int64
	minKey          []byte
	maxKey          []byte

	bloomFilter *bloom.Filter
	index       []indexEntry

	appIDsOnce sync.Once
	appIDs     map[string]struct{}

	mu     sync.Mutex
	closed bool
}

// IsIncompatibleVersion reports whether err is the IncompatibleVersion error
// Open returns when the file's version byte is not recognized; callers should
// skip the file with a warning, not treat it as fatal (spec.md §4.5, §7).
func IsIncompatibleVersion(err error) bool {
	return errs.Is(err, errs.IncompatibleVersion)
}

// Open verifies magic, rejects (non-fatally) mismatched versions, and reads
// the bloom filter, index, and min/max keys.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "sstable: open", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "sstable: stat", err)
	}
	size := stat.Size()
	if size < int64(headerSize+fixedFooterSize) {
		return nil, errs.New(errs.Storage, "sstable: file too small")
	}

	header := make([]byte, headerSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		return nil, errs.Wrap(errs.Storage, "sstable: read header", err)
	}
	gotMagic := binary.LittleEndian.Uint32(header[0:4])
	if gotMagic != magicNumber {
		return nil, errs.New(errs.Storage, "sstable: bad magic")
	}
	version := binary.LittleEndian.Uint16(header[4:6])
	if version != formatVersion {
		return nil, errs.New(errs.IncompatibleVersion, "sstable: incompatible version")
	}
	id := binary.LittleEndian.Uint64(header[6:14])
	entryCount := binary.LittleEndian.Uint64(header[14:22])

	// Bloom filter follows the header, size-prefixed.
	var bloomLenBuf [4]byte
	if _, err := f.ReadAt(bloomLenBuf[:], int64(headerSize)); err != nil {
		return nil, errs.Wrap(errs.Storage, "sstable: read bloom length", err)
	}
	bloomLen := binary.LittleEndian.Uint32(bloomLenBuf[:])
	if int64(bloomLen) > maxRecordLength {
		return nil, errs.New(errs.Storage, "sstable: implausible bloom length")
	}
	bloomBytes := make([]byte, bloomLen)
	if _, err := f.ReadAt(bloomBytes, int64(headerSize)+4); err != nil {
		return nil, errs.Wrap(errs.Storage, "sstable: read bloom filter", err)
	}
	bf, err := bloom.Deserialize(bloomBytes)
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "sstable: deserialize bloom filter", err)
	}

	// Fixed footer is the last 16 bytes.
	fixed := make([]byte, fixedFooterSize)
	if _, err := f.ReadAt(fixed, size-fixedFooterSize); err != nil {
		return nil, errs.Wrap(errs.Storage, "sstable: read fixed footer", err)
	}
	createdAt := int64(binary.LittleEndian.Uint64(fixed[0:8]))
	indexOffset := int64(binary.LittleEndian.Uint64(fixed[8:16]))
	if indexOffset < 0 || indexOffset > size-fixedFooterSize {
		return nil, errs.New(errs.Storage, "sstable: invalid index offset")
	}

	// The index section and the variable footer are read sequentially,
	// starting at indexOffset, stopping at the fixed footer (spec.md §4.4).
	section := io.NewSectionReader(f, indexOffset, size-fixedFooterSize-indexOffset)
	r := bufio.NewReader(section)

	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, errs.Wrap(errs.Storage, "sstable: read index count", err)
	}
	idxCount := binary.LittleEndian.Uint32(countBuf[:])

	index := make([]indexEntry, 0, idxCount)
	for i := uint32(0); i < idxCount; i++ {
		var keySizeBuf [4]byte
		if _, err := io.ReadFull(r, keySizeBuf[:]); err != nil {
			return nil, errs.Wrap(errs.Storage, "sstable: read index key size", err)
		}
		keySize := binary.LittleEndian.Uint32(keySizeBuf[:])
		key := make([]byte, keySize)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, errs.Wrap(errs.Storage, "sstable: read index key", err)
		}
		var offBuf [8]byte
		if _, err := io.ReadFull(r, offBuf[:]); err != nil {
			return nil, errs.Wrap(errs.Storage, "sstable: read index offset", err)
		}
		var sizeBuf [4]byte
		if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
			return nil, errs.Wrap(errs.Storage, "sstable: read index size", err)
		}
		index = append(index, indexEntry{
			key:    key,
			offset: int64(binary.LittleEndian.Uint64(offBuf[:])),
			size:   binary.LittleEndian.Uint32(sizeBuf[:]),
		})
	}

	minKey, err := readSizePrefixed(r)
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "sstable: read min key", err)
	}
	maxKey, err := readSizePrefixed(r)
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "sstable: read max key", err)
	}

	return &Reader{
		path:            path,
		id:              id,
		entryCount:      entryCount,
		createdAtMicros: createdAt,
		minKey:          minKey,
		maxKey:          maxKey,
		bloomFilter:     bf,
		index:           index,
	}, nil
}

func readSizePrefixed(r io.Reader) ([]byte, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(sizeBuf[:])
	if int64(size) > maxRecordLength {
		return nil, errs.New(errs.Storage, "sstable: implausible length")
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Metadata returns this reader's metadata.
func (r *Reader) Metadata() Metadata {
	return Metadata{
		ID:              r.id,
		EntryCount:      r.entryCount,
		CreatedAtMicros: r.createdAtMicros,
		MinKey:          r.minKey,
		MaxKey:          r.maxKey,
		Path:            r.path,
	}
}

func (r *Reader) Path() string { return r.path }
func (r *Reader) ID() uint64   { return r.id }

// MaxTimestampMicros returns the timestamp component of the max key, used by
// retention to decide whether this whole segment has aged out.
func (r *Reader) MaxTimestampMicros() int64 {
	if len(r.maxKey) != frame.KeySize {
		return 0
	}
	return frame.DecodeKey(r.maxKey).TimestampMicros
}

// MightContain consults the bloom filter.
func (r *Reader) MightContain(device string) bool {
	return r.bloomFilter.Contains([]byte(device))
}

func (r *Reader) readEntryAt(e indexEntry) (frame.Frame, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return frame.Frame{}, errs.Wrap(errs.Storage, "sstable: open for read", err)
	}
	defer f.Close()

	var sizeBuf [4]byte
	if _, err := f.ReadAt(sizeBuf[:], e.offset); err != nil {
		return frame.Frame{}, errs.Wrap(errs.Storage, "sstable: read entry size", err)
	}
	compressedLen := binary.LittleEndian.Uint32(sizeBuf[:])
	if int64(compressedLen) > maxRecordLength {
		return frame.Frame{}, errs.New(errs.Storage, "sstable: implausible entry length")
	}

	compressed := make([]byte, compressedLen)
	if _, err := f.ReadAt(compressed, e.offset+4); err != nil {
		return frame.Frame{}, errs.Wrap(errs.Storage, "sstable: read entry data", err)
	}

	var crcBuf [4]byte
	if _, err := f.ReadAt(crcBuf[:], e.offset+4+int64(compressedLen)); err != nil {
		return frame.Frame{}, errs.Wrap(errs.Storage, "sstable: read entry crc", err)
	}
	want := binary.LittleEndian.Uint32(crcBuf[:])
	got := crc32.ChecksumIEEE(compressed)
	if got != want {
		return frame.Frame{}, errs.New(errs.Storage, "sstable: checksum mismatch")
	}

	raw, err := decompress(compressed)
	if err != nil {
		return frame.Frame{}, errs.Wrap(errs.Storage, "sstable: decompress entry", err)
	}

	fr, err := frame.Decode(raw)
	if err != nil {
		return frame.Frame{}, errs.Wrap(errs.Storage, "sstable: decode entry", err)
	}
	return fr, nil
}

// Get looks up a single encoded key exactly. It is not part of the
// device/time range query path, and neither compaction nor the engine calls it.
func (r *Reader) Get(encodedKey []byte) (frame.Frame, bool, error) {
	i := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].key, encodedKey) >= 0
	})
	if i >= len(r.index) || !bytes.Equal(r.index[i].key, encodedKey) {
		return frame.Frame{}, false, nil
	}
	f, err := r.readEntryAt(r.index[i])
	if err != nil {
		return frame.Frame{}, false, err
	}
	return f, true, nil
}

// Scan returns empty immediately if the bloom filter rejects device;
// otherwise binary-searches to the first key >= (device, start|MIN, 0), and
// walks forward until a key > (device, end|MAX, MAX) (spec.md §4.5).
func (r *Reader) Scan(device string, startMicros, endMicros int64) ([]frame.Frame, error) {
	if !r.MightContain(device) {
		return nil, nil
	}

	start := frame.MinKey(device, startMicros).Encode()
	end := frame.MaxKey(device, endMicros).Encode()

	i := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].key, start) >= 0
	})

	var out []frame.Frame
	for ; i < len(r.index); i++ {
		if bytes.Compare(r.index[i].key, end) > 0 {
			break
		}
		f, err := r.readEntryAt(r.index[i])
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// Entry pairs a decoded key with its frame, used by IterAll.
type Entry struct {
	Key   frame.MemtableKey
	Frame frame.Frame
}

// IterAll returns every frame in this SSTable in key order. Used by
// recovery, compaction input reading, and device deletion.
func (r *Reader) IterAll() ([]Entry, error) {
	out := make([]Entry, 0, len(r.index))
	for _, e := range r.index {
		f, err := r.readEntryAt(e)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Key: frame.DecodeKey(e.key), Frame: f})
	}
	return out, nil
}

// ApplicationIDs returns the set of application identifiers referenced by
// this SSTable. The format does not persist this set on disk (see
// DESIGN.md), so it is always rebuilt by scanning IterAll once and cached
// thereafter, matching spec.md §4.5's fallback path.
func (r *Reader) ApplicationIDs() (map[string]struct{}, error) {
	var rebuildErr error
	r.appIDsOnce.Do(func() {
		entries, err := r.IterAll()
		if err != nil {
			rebuildErr = err
			return
		}
		ids := make(map[string]struct{})
		for _, e := range entries {
			if e.Frame.ApplicationID != "" {
				ids[e.Frame.ApplicationID] = struct{}{}
			}
		}
		r.appIDs = ids
	})
	if rebuildErr != nil {
		return nil, rebuildErr
	}
	return r.appIDs, nil
}

// Close releases resources held by the reader. Data is re-opened per read,
// so this is a no-op beyond bookkeeping, but kept for symmetry with the
// writer and for callers that track lifetimes explicitly.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
