// Package layout describes the version-dependent binary layout of the IL2CPP
// root structures and metadata records.
//
// The metadata header stores an integer version, but the runtime changes
// record layouts within a line (24.1, 24.2, 27.1 ...). A Version carries
// that revision. Metadata-side revisions are detected when the file is
// parsed; registration-side revisions are chosen against the binary.
package layout

import "strconv"

// Version is an IL2CPP runtime revision.
type Version float64

const (
	MinVersion Version = 16
	MaxVersion Version = 31
)

// Valid reports whether v is within the supported range.
func (v Version) Valid() bool { return v >= MinVersion && v <= MaxVersion }

func (v Version) String() string { return "v" + strconv.FormatFloat(float64(v), 'f', -1, 64) }

// Revisions lists the revisions that share v's metadata format but lay
// out the code registration differently, starting with v itself.
func Revisions(v Version) []Version {
	switch v {
	case 24.2:
		return []Version{24.2, 24.3, 24.5}
	case 27:
		return []Version{27, 27.1}
	case 29:
		return []Version{29, 29.1}
	}
	return []Version{v}
}

// Descriptor is the version descriptor every layout-sensitive operation is
// parameterized by.
type Descriptor struct {
	Version Version `json:"version"`
	// MetadataUsagesCount is derived from the metadata usage pairs for
	// 19 <= v < 27 and zero otherwise.
	MetadataUsagesCount uint64 `json:"metadata_usages_count"`
}

// HasMetadataUsages reports whether the registration carries the
// metadataUsages array.
func (d Descriptor) HasMetadataUsages() bool {
	return d.Version >= 19 && d.Version < 27
}

// UsesCodeGenModules reports whether method pointers live in per-image
// code gen modules instead of one flat array.
func (d Descriptor) UsesCodeGenModules() bool { return d.Version >= 24.2 }

// HandlesAreAbsolute reports whether type handles point into the metadata
// image (and so need rebasing on dumps).
func (d Descriptor) HandlesAreAbsolute() bool { return d.Version >= 27 }
