// Package compressors provides the gRPC wire compressors selectable through
// server.compression.
package compressors

import (
	"fmt"
	"sort"

	"google.golang.org/grpc/encoding"
)

// None disables wire compression.
const None = "none"

var all = map[string]func() encoding.Compressor{
	SnappyName: func() encoding.Compressor { return NewSnappyCompressor() },
	LZ4Name:    func() encoding.Compressor { return NewLz4Compressor() },
	ZstdName:   func() encoding.Compressor { return NewZstdCompressor() },
}

// Names returns every accepted compression name, including "none".
func Names() []string {
	names := []string{None}
	for n := range all {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Valid reports whether name is an accepted compression name.
func Valid(name string) bool {
	if name == None || name == "" {
		return true
	}
	_, ok := all[name]
	return ok
}

// Register makes every compressor available to gRPC on both sides of a
// connection. It must run before servers and clients are created.
func Register() {
	for _, newCompressor := range all {
		encoding.RegisterCompressor(newCompressor())
	}
}

// ForName returns the compressor registered under name. "none" and "" return nil.
func ForName(name string) (encoding.Compressor, error) {
	if name == None || name == "" {
		return nil, nil
	}
	newCompressor, ok := all[name]
	if !ok {
		return nil, fmt.Errorf("unknown compression %q, want one of %v", name, Names())
	}
	return newCompressor(), nil
}
