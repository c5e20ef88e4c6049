package sstable

import "time"

// Metadata describes an SSTable's identity and key range without requiring
// the data section to be read.
type Metadata struct {
	ID              uint64
	EntryCount      uint64
	CreatedAtMicros int64
	MinKey          []byte
	MaxKey          []byte
	Path            string
}

func nowMicros() int64 {
	return time.Now().UnixMicro()
}
