package hive

import (
	"fmt"
	"strings"
	"time"
)

// FileEntry is one file record from the Amcache hive.
type FileEntry struct {
	Path      string
	ProgramID string
	SHA1      string

	// KeyLastModified is the last-write time of the registry key
	// holding the record: when Amcache observed the file.
	KeyLastModified time.Time
}

// ProgramEntry is one installed-program record from the Amcache hive.
type ProgramEntry struct {
	ProgramName string
	Version     string
	Publisher   string

	KeyLastModified time.Time
}

// AmcacheArtifact holds the parsed Amcache file and program entries.
type AmcacheArtifact struct {
	FileEntries    []FileEntry
	ProgramEntries []ProgramEntry
}

// ParseAmcache decodes an Amcache.hve hive. Both the InventoryApplication*
// layout used since Windows 10 and the older File/Programs layout are
// supported; whichever is present wins.
func (p *Parser) ParseAmcache() (*AmcacheArtifact, error) {
	artifact := &AmcacheArtifact{}

	foundNew := p.parseInventoryFormat(artifact)
	if !foundNew {
		if !p.parseLegacyFormat(artifact) {
			return nil, fmt.Errorf("%w: %s: no amcache structure found", ErrBadHive, p.path)
		}
	}

	return artifact, nil
}

// parseInventoryFormat reads Root\InventoryApplicationFile and
// Root\InventoryApplication. Returns false when neither key exists.
func (p *Parser) parseInventoryFormat(artifact *AmcacheArtifact) bool {
	found := false

	if key := p.openKey("Root/InventoryApplicationFile"); key != nil {
		found = true
		for _, sub := range key.Subkeys() {
			entry := FileEntry{KeyLastModified: keyTime(sub)}
			for _, value := range sub.Values() {
				switch value.ValueName() {
				case "LowerCaseLongPath":
					entry.Path = valueString(value)
				case "ProgramId":
					entry.ProgramID = valueString(value)
				case "FileId":
					// FileId is the SHA-1 hex string with "0000" prepended.
					entry.SHA1 = strings.TrimPrefix(valueString(value), "0000")
				}
			}
			if entry.Path != "" {
				artifact.FileEntries = append(artifact.FileEntries, entry)
			}
		}
	}

	if key := p.openKey("Root/InventoryApplication"); key != nil {
		found = true
		for _, sub := range key.Subkeys() {
			entry := ProgramEntry{KeyLastModified: keyTime(sub)}
			for _, value := range sub.Values() {
				switch value.ValueName() {
				case "Name":
					entry.ProgramName = valueString(value)
				case "Version":
					entry.Version = valueString(value)
				case "Publisher":
					entry.Publisher = valueString(value)
				}
			}
			if entry.ProgramName != "" {
				artifact.ProgramEntries = append(artifact.ProgramEntries, entry)
			}
		}
	}

	return found
}

// parseLegacyFormat reads the pre-Windows-10 Root\File\{volume}\{ref}
// and Root\Programs layout with numbered value names.
func (p *Parser) parseLegacyFormat(artifact *AmcacheArtifact) bool {
	found := false

	if key := p.openKey("Root/File"); key != nil {
		found = true
		for _, volume := range key.Subkeys() {
			for _, sub := range volume.Subkeys() {
				entry := FileEntry{KeyLastModified: keyTime(sub)}
				for _, value := range sub.Values() {
					switch value.ValueName() {
					case "15":
						entry.Path = valueString(value)
					case "100":
						entry.ProgramID = valueString(value)
					case "101":
						entry.SHA1 = strings.TrimPrefix(valueString(value), "0000")
					}
				}
				if entry.Path != "" {
					artifact.FileEntries = append(artifact.FileEntries, entry)
				}
			}
		}
	}

	if key := p.openKey("Root/Programs"); key != nil {
		found = true
		for _, sub := range key.Subkeys() {
			entry := ProgramEntry{KeyLastModified: keyTime(sub)}
			for _, value := range sub.Values() {
				switch value.ValueName() {
				case "0":
					entry.ProgramName = valueString(value)
				case "1":
					entry.Version = valueString(value)
				case "2":
					entry.Publisher = valueString(value)
				}
			}
			if entry.ProgramName != "" {
				artifact.ProgramEntries = append(artifact.ProgramEntries, entry)
			}
		}
	}

	return found
}
