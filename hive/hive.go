// Package hive reads Windows registry hives and extracts the shimcache
// (Application Compatibility Cache) and Amcache artifacts used for
// timeline reconstruction.
package hive

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf16"

	"www.velocidex.com/golang/regparser"
)

// ErrBadHive indicates a file that is missing, unreadable or not a
// valid registry hive.
var ErrBadHive = errors.New("bad registry hive")

// Parser wraps an open registry hive file.
type Parser struct {
	path     string
	file     *os.File
	registry *regparser.Registry
}

// Load opens a registry hive from disk.
func Load(path string) (*Parser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHive, err)
	}

	registry, err := regparser.NewRegistry(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrBadHive, path, err)
	}

	return &Parser{
		path:     path,
		file:     f,
		registry: registry,
	}, nil
}

// Path returns the path the hive was loaded from.
func (p *Parser) Path() string {
	return p.path
}

// Close releases the underlying file handle.
func (p *Parser) Close() error {
	return p.file.Close()
}

// openKey resolves a slash-separated key path, returning nil if the key
// does not exist.
func (p *Parser) openKey(path string) *regparser.CM_KEY_NODE {
	return p.registry.OpenKey(path)
}

// keyTime returns the last-write time of a registry key in UTC.
func keyTime(key *regparser.CM_KEY_NODE) time.Time {
	return key.LastWriteTime().Time.UTC()
}

// keyValue finds a named value on a key, case-insensitively.
func keyValue(key *regparser.CM_KEY_NODE, name string) *regparser.CM_KEY_VALUE {
	for _, value := range key.Values() {
		if strings.EqualFold(value.ValueName(), name) {
			return value
		}
	}
	return nil
}

// valueString returns the string data of a value, or "".
func valueString(value *regparser.CM_KEY_VALUE) string {
	data := value.ValueData()
	if data == nil {
		return ""
	}
	return data.String
}

// valueBytes returns the raw data of a value, or nil.
func valueBytes(value *regparser.CM_KEY_VALUE) []byte {
	data := value.ValueData()
	if data == nil {
		return nil
	}
	return data.Data
}

// valueUint returns the numeric data of a value, or 0.
func valueUint(value *regparser.CM_KEY_VALUE) uint64 {
	data := value.ValueData()
	if data == nil {
		return 0
	}
	return data.Uint64
}

// filetimeEpochDelta is the number of 100ns intervals between the
// FILETIME epoch (1601-01-01) and the Unix epoch (1970-01-01).
const filetimeEpochDelta = 116444736000000000

// filetimeToTime converts a Windows FILETIME (100ns intervals since
// 1601) to a UTC time.Time. Zero and pre-Unix-epoch values map to the
// zero time, which the timeline layer treats as "no timestamp".
func filetimeToTime(ft uint64) time.Time {
	if ft == 0 || ft < filetimeEpochDelta {
		return time.Time{}
	}
	rel := ft - filetimeEpochDelta
	return time.Unix(int64(rel/10_000_000), int64(rel%10_000_000)*100).UTC()
}

// decodeUTF16 decodes little-endian UTF-16 bytes, dropping trailing NULs.
func decodeUTF16(b []byte) string {
	units := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		units = append(units, binary.LittleEndian.Uint16(b[i:]))
	}
	for len(units) > 0 && units[len(units)-1] == 0 {
		units = units[:len(units)-1]
	}
	return string(utf16.Decode(units))
}
