package hive

import (
	"encoding/binary"
	"fmt"
	"regexp"
	"strings"
	"time"

	"www.velocidex.com/golang/regparser"
)

// CacheVersion identifies the on-disk AppCompatCache format family.
type CacheVersion int

const (
	VersionUnknown CacheVersion = iota
	VersionWindows7x86
	VersionWindows7x64
	VersionWindows8
	VersionWindows81
	VersionWindows10
	VersionWindows10Creators
)

func (v CacheVersion) String() string {
	switch v {
	case VersionWindows7x86:
		return "Windows 7 (x86)"
	case VersionWindows7x64:
		return "Windows 7/2008 R2 (x64)"
	case VersionWindows8:
		return "Windows 8.0"
	case VersionWindows81:
		return "Windows 8.1"
	case VersionWindows10:
		return "Windows 10"
	case VersionWindows10Creators:
		return "Windows 10 Creators Update"
	default:
		return "unknown"
	}
}

// EntryKind distinguishes filesystem executables from packaged
// (store app) program entries.
type EntryKind int

const (
	KindFile EntryKind = iota
	KindProgram
)

func (k EntryKind) String() string {
	if k == KindProgram {
		return "program"
	}
	return "file"
}

// ShimcacheEntry is one record from the Application Compatibility Cache.
type ShimcacheEntry struct {
	Kind EntryKind

	// Path is set for file entries: the absolute executable path.
	Path string

	// ProgramName and the fields below are set for program entries.
	ProgramName    string
	ProgramVersion string
	Publisher      string

	// LastModified is the file's on-disk modification time captured
	// when the entry was inserted. Zero when the cache held none.
	// This is not an execution time.
	LastModified time.Time

	// Index is the position in the cache, 0 being the most recently
	// inserted entry.
	Index int
}

// DisplayName returns the path for file entries and the program name
// for program entries.
func (e *ShimcacheEntry) DisplayName() string {
	if e.Kind == KindProgram {
		return e.ProgramName
	}
	return e.Path
}

// ShimcacheArtifact is the parsed Application Compatibility Cache.
// Entries are ordered most recently inserted first.
type ShimcacheArtifact struct {
	Version    CacheVersion
	LastUpdate time.Time // last-write time of the AppCompatCache key
	Entries    []ShimcacheEntry
}

// ParseShimcache locates the AppCompatCache value in a SYSTEM hive and
// decodes its entries. The current control set is resolved through the
// Select key, falling back to ControlSet001 and ControlSet002.
func (p *Parser) ParseShimcache() (*ShimcacheArtifact, error) {
	key, data := p.appCompatCacheValue()
	if key == nil {
		return nil, fmt.Errorf("%w: %s: AppCompatCache key not found", ErrBadHive, p.path)
	}

	version := detectCacheVersion(data)
	if version == VersionUnknown {
		return nil, fmt.Errorf("%w: %s: unrecognized AppCompatCache format", ErrBadHive, p.path)
	}

	entries, err := decodeCacheEntries(version, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadHive, p.path, err)
	}

	return &ShimcacheArtifact{
		Version:    version,
		LastUpdate: keyTime(key),
		Entries:    entries,
	}, nil
}

// currentControlSet reads Select\Current, defaulting to 1.
func (p *Parser) currentControlSet() int {
	key := p.openKey("Select")
	if key == nil {
		return 1
	}
	value := keyValue(key, "Current")
	if value == nil {
		return 1
	}
	if current := int(valueUint(value)); current > 0 {
		return current
	}
	return 1
}

// appCompatCacheValue returns the AppCompatCache key and its value data
// from the first control set that has them.
func (p *Parser) appCompatCacheValue() (key *regparser.CM_KEY_NODE, data []byte) {
	tried := map[int]bool{}
	for _, set := range []int{p.currentControlSet(), 1, 2} {
		if tried[set] {
			continue
		}
		tried[set] = true

		path := fmt.Sprintf("ControlSet%03d/Control/Session Manager/AppCompatCache", set)
		k := p.openKey(path)
		if k == nil {
			continue
		}
		value := keyValue(k, "AppCompatCache")
		if value == nil {
			continue
		}
		if b := valueBytes(value); len(b) > 0 {
			return k, b
		}
	}
	return nil, nil
}

// detectCacheVersion identifies the cache format from the value header.
func detectCacheVersion(data []byte) CacheVersion {
	if len(data) < 8 {
		return VersionUnknown
	}
	header := binary.LittleEndian.Uint32(data[0:4])
	switch header {
	case 0x30, 0x34:
		// Windows 10 stores the header size in the first dword;
		// records start right after it.
		offset := int(header)
		if len(data) >= offset+4 && string(data[offset:offset+4]) == "10ts" {
			if header == 0x34 {
				return VersionWindows10Creators
			}
			return VersionWindows10
		}
	case 0x80:
		if len(data) >= 0x84 {
			switch string(data[0x80:0x84]) {
			case "00ts":
				return VersionWindows8
			case "10ts":
				return VersionWindows81
			}
		}
	case 0xbadc0fee:
		// Windows 7 family. The x64 entry layout carries four bytes
		// of alignment padding after the two length words.
		if len(data) >= 0x80+8 && binary.LittleEndian.Uint32(data[0x80+4:]) == 0 {
			return VersionWindows7x64
		}
		return VersionWindows7x86
	}
	return VersionUnknown
}

func decodeCacheEntries(version CacheVersion, data []byte) ([]ShimcacheEntry, error) {
	switch version {
	case VersionWindows10:
		return decodeSignedEntries(data, 0x30, false)
	case VersionWindows10Creators:
		return decodeSignedEntries(data, 0x34, false)
	case VersionWindows8, VersionWindows81:
		return decodeSignedEntries(data, 0x80, true)
	case VersionWindows7x64:
		return decodeWindows7(data, true)
	case VersionWindows7x86:
		return decodeWindows7(data, false)
	}
	return nil, fmt.Errorf("no decoder for cache version %d", version)
}

// decodeSignedEntries walks the "10ts"/"00ts" record stream used by
// Windows 8 and later. Windows 8 records carry insertion and shim flag
// dwords between the path and the timestamp; Windows 10 records do not.
func decodeSignedEntries(data []byte, start int, win8Flags bool) ([]ShimcacheEntry, error) {
	var entries []ShimcacheEntry
	pos := start
	for pos+12 <= len(data) {
		signature := string(data[pos : pos+4])
		if signature != "10ts" && signature != "00ts" {
			break
		}
		entrySize := int(binary.LittleEndian.Uint32(data[pos+8:]))
		body := pos + 12
		if entrySize < 2 || body+entrySize > len(data) {
			return nil, fmt.Errorf("entry %d: truncated record at offset %d", len(entries), pos)
		}
		record := data[body : body+entrySize]

		pathSize := int(binary.LittleEndian.Uint16(record[0:2]))
		if 2+pathSize > len(record) {
			return nil, fmt.Errorf("entry %d: path overruns record", len(entries))
		}
		raw := decodeUTF16(record[2 : 2+pathSize])
		cursor := 2 + pathSize
		if win8Flags {
			cursor += 8 // insertion flags, shim flags
		}
		if cursor+8 > len(record) {
			return nil, fmt.Errorf("entry %d: missing timestamp", len(entries))
		}
		lastModified := filetimeToTime(binary.LittleEndian.Uint64(record[cursor:]))

		entry := classifyEntry(raw)
		entry.LastModified = lastModified
		entry.Index = len(entries)
		entries = append(entries, entry)

		pos = body + entrySize
	}
	return entries, nil
}

// win7Header is the fixed header size of the Windows 7 cache value.
const win7Header = 0x80

// decodeWindows7 walks the fixed-size entry table used by Windows 7 and
// 2008 R2. Paths live elsewhere in the value data and are referenced by
// offset.
func decodeWindows7(data []byte, x64 bool) ([]ShimcacheEntry, error) {
	count := int(binary.LittleEndian.Uint32(data[4:8]))
	entrySize := 32
	if x64 {
		entrySize = 48
	}

	var entries []ShimcacheEntry
	for i := 0; i < count; i++ {
		offset := win7Header + i*entrySize
		if offset+entrySize > len(data) {
			return nil, fmt.Errorf("entry %d: truncated entry table", i)
		}
		record := data[offset : offset+entrySize]

		pathSize := int(binary.LittleEndian.Uint16(record[0:2]))
		var pathOffset int
		var lastModified time.Time
		if x64 {
			pathOffset = int(binary.LittleEndian.Uint64(record[8:16]))
			lastModified = filetimeToTime(binary.LittleEndian.Uint64(record[16:24]))
		} else {
			pathOffset = int(binary.LittleEndian.Uint32(record[4:8]))
			lastModified = filetimeToTime(binary.LittleEndian.Uint64(record[8:16]))
		}
		if pathOffset+pathSize > len(data) {
			return nil, fmt.Errorf("entry %d: path offset out of range", i)
		}
		path := decodeUTF16(data[pathOffset : pathOffset+pathSize])
		path = strings.TrimPrefix(path, `\??\`)

		entries = append(entries, ShimcacheEntry{
			Kind:         KindFile,
			Path:         path,
			LastModified: lastModified,
			Index:        i,
		})
	}
	return entries, nil
}

// packageRx matches Windows Store package full names:
// Name_Version_Architecture__PublisherId.
var packageRx = regexp.MustCompile(`^(.+)_([0-9.]+)_(?:x64|x86|neutral|arm|arm64)_?_([0-9a-z]+)$`)

// classifyEntry decides whether a decoded cache string names a file on
// disk or a packaged program. Windows 8 and later mix both in one cache.
func classifyEntry(raw string) ShimcacheEntry {
	if isFilePath(raw) {
		return ShimcacheEntry{
			Kind: KindFile,
			Path: strings.TrimPrefix(raw, `\??\`),
		}
	}
	if m := packageRx.FindStringSubmatch(raw); m != nil {
		return ShimcacheEntry{
			Kind:           KindProgram,
			ProgramName:    m[1],
			ProgramVersion: m[2],
			Publisher:      m[3],
		}
	}
	return ShimcacheEntry{
		Kind:        KindProgram,
		ProgramName: raw,
	}
}

func isFilePath(s string) bool {
	if strings.HasPrefix(s, `\??\`) || strings.HasPrefix(s, `\\`) {
		return true
	}
	return len(s) >= 3 && s[1] == ':' && s[2] == '\\'
}
