// Package sstable implements the immutable, sorted on-disk segment (C4):
// writer and reader, bloom-gated, block-compressed, checksummed (spec.md
// §4.4, §4.5).
package sstable

import "fmt"

const (
	magicNumber uint32 = 0x5353544C
	formatVersion uint16 = 2

	headerSize      = 4 + 2 + 8 + 8 // magic + version + id + entry count
	fixedFooterSize = 8 + 8         // created_at_micros + index_offset

	// maxRecordLength guards against implausible on-disk lengths corrupting
	// reads into huge allocations.
	maxRecordLength = 64 << 20
)

// FileName renders the canonical SSTable file name for id, matching
// spec.md §4.6's "sstable-%08u.sst".
func FileName(id uint64) string {
	return fmt.Sprintf("sstable-%08d.sst", id)
}
