package cache

import (
	"bytes"
	"compress/gzip"
	"io"
	"sync"
)

// compressThreshold is the payload size below which gzip rarely pays off.
const compressThreshold = 1024

var gzipWriters = sync.Pool{New: func() interface{} { return gzip.NewWriter(nil) }}

// compress gzips data, returning it unchanged when that does not shrink it.
func compress(data []byte) []byte {
	var buf bytes.Buffer
	gz := gzipWriters.Get().(*gzip.Writer)
	defer gzipWriters.Put(gz)
	gz.Reset(&buf)
	if _, err := gz.Write(data); err != nil {
		return data
	}
	if err := gz.Close(); err != nil {
		return data
	}
	if buf.Len() >= len(data) {
		return data
	}
	return buf.Bytes()
}

// decompress reverses compress. Payloads without the gzip magic are plain.
func decompress(data []byte) []byte {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return data
	}
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return data
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return data
	}
	return out
}
