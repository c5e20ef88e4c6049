package sstable

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4/v4"
)

func compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(compressed []byte) ([]byte, error) {
	zr := lz4.NewReader(bytes.NewReader(compressed))
	return io.ReadAll(zr)
}
