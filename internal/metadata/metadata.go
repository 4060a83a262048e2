// Package metadata reads global-metadata.dat: the header, the type, method
// and image definition tables, the metadata usage pairs and the string pool.
package metadata

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/apex/log"
	"github.com/elastic/go-freelru"
	"github.com/pkg/errors"

	"unil2cpp/internal/layout"
	"unil2cpp/internal/stream"
)

// Sanity is the magic at the start of every metadata file.
const Sanity = 0xfab11baf

var (
	ErrSanity      = errors.New("metadata: bad sanity value")
	ErrVersion     = errors.New("metadata: unsupported version")
	ErrSection     = errors.New("metadata: section out of range")
	ErrStringIndex = errors.New("metadata: string index out of range")
)

const stringCacheSize = 4096

// Metadata is a parsed metadata file. Apart from ImageBase it is read-only
// after New returns.
type Metadata struct {
	Version layout.Version
	// ImageBase is where the file was mapped at runtime. It is only known
	// after recovery on dumped v27+ images and is zero otherwise.
	ImageBase uint64

	TypeDefs   []layout.Record
	MethodDefs []layout.Record
	ImageDefs  []layout.Record
	UsagePairs []layout.Record

	// MetadataUsagesCount is max(destinationIndex)+1 over the usage pairs.
	MetadataUsagesCount uint64

	raw     []byte
	order   binary.ByteOrder
	header  layout.Record
	strings *freelru.LRU[uint32, string]
}

// Options control parsing.
type Options struct {
	// ForceVersion overrides the header version when non-zero.
	ForceVersion layout.Version
}

// New parses raw. The header version selects every record layout unless
// opts.ForceVersion is set.
func New(raw []byte, opts Options) (*Metadata, error) {
	s := stream.New(raw)
	sanity, err := s.ReadUint32()
	if err != nil {
		return nil, errors.Wrap(err, "metadata header")
	}
	if sanity != Sanity {
		return nil, errors.Wrapf(ErrSanity, "got 0x%08x", sanity)
	}
	ver, err := s.ReadInt32()
	if err != nil {
		return nil, errors.Wrap(err, "metadata header")
	}
	v := layout.Version(ver)
	if opts.ForceVersion != 0 {
		log.Infof("metadata: version %d forced to %s", ver, opts.ForceVersion)
		v = opts.ForceVersion
	}
	if !v.Valid() {
		return nil, errors.Wrapf(ErrVersion, "%s", v)
	}

	m := &Metadata{Version: v, raw: raw, order: binary.LittleEndian}
	m.strings, err = freelru.New[uint32, string](stringCacheSize, hashIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	m.header, err = layout.MetadataHeader.Decode(raw, v, 4, m.order)
	if err != nil {
		return nil, errors.Wrap(err, "metadata header")
	}
	if opts.ForceVersion == 0 && v == 24 {
		if err := m.revise24(); err != nil {
			return nil, err
		}
		v = m.Version
	}

	if m.TypeDefs, err = m.table("typeDefinitions", layout.TypeDefinition); err != nil {
		return nil, err
	}
	if m.MethodDefs, err = m.table("methods", layout.MethodDefinition); err != nil {
		return nil, err
	}
	if m.ImageDefs, err = m.table("images", layout.ImageDefinition); err != nil {
		return nil, err
	}
	if v >= 19 && v < 27 {
		if m.UsagePairs, err = m.table("metadataUsagePairs", layout.MetadataUsagePair); err != nil {
			return nil, err
		}
		for _, p := range m.UsagePairs {
			if d := p.Get("destinationIndex") + 1; d > m.MetadataUsagesCount {
				m.MetadataUsagesCount = d
			}
		}
	}
	log.Debugf("metadata: %s typeDefs=%d methods=%d images=%d usages=%d",
		v, len(m.TypeDefs), len(m.MethodDefs), len(m.ImageDefs), m.MetadataUsagesCount)
	return m, nil
}

// revise24 tells the 24.x revisions apart. The 24.2 header drops
// rgctxEntries, so the first section starts right after it; 24.1 images
// carry two more fields, which misaligns their tokens when read as 24.0.
func (m *Metadata) revise24() error {
	if _, size := layout.MetadataHeader.Place(24.2, 4); m.header.Get("stringLiteralOffset") == uint64(size) {
		return m.setVersion(24.2)
	}
	images, err := m.table("images", layout.ImageDefinition)
	if err != nil {
		return err
	}
	for _, img := range images {
		if img.Get("token") != 1 {
			return m.setVersion(24.1)
		}
	}
	return nil
}

func (m *Metadata) setVersion(v layout.Version) error {
	log.Infof("metadata: header v24 is %s", v)
	h, err := layout.MetadataHeader.Decode(m.raw, v, 4, m.order)
	if err != nil {
		return errors.Wrap(err, "metadata header")
	}
	m.Version, m.header = v, h
	return nil
}

func hashIndex(i uint32) uint32 {
	h := fnv.New32a()
	h.Write([]byte{byte(i), byte(i >> 8), byte(i >> 16), byte(i >> 24)})
	return h.Sum32()
}

// Header returns a raw header field, zero if absent at this version.
func (m *Metadata) Header(name string) uint64 { return m.header.Get(name) }

func (m *Metadata) section(name string) ([]byte, error) {
	off, size := m.header.Get(name+"Offset"), m.header.Get(name+"Size")
	if off+size > uint64(len(m.raw)) || off+size < off {
		return nil, errors.Wrapf(ErrSection, "%s: 0x%x+0x%x, file 0x%x", name, off, size, len(m.raw))
	}
	return m.raw[off : off+size], nil
}

func (m *Metadata) table(name string, l *layout.Layout) ([]layout.Record, error) {
	b, err := m.section(name)
	if err != nil {
		return nil, err
	}
	_, size := l.Place(m.Version, 4)
	n := len(b) / size
	out := make([]layout.Record, 0, n)
	for i := 0; i < n; i++ {
		r, err := l.Decode(b[i*size:], m.Version, 4, m.order)
		if err != nil {
			return nil, errors.Wrapf(err, "%s[%d]", name, i)
		}
		out = append(out, r)
	}
	return out, nil
}

// Descriptor returns the version descriptor derived from this file.
func (m *Metadata) Descriptor() layout.Descriptor {
	return layout.Descriptor{Version: m.Version, MetadataUsagesCount: m.MetadataUsagesCount}
}

// MethodCount counts method definitions that own a compiled body. From v27
// the methodIndex field is gone and every definition counts.
func (m *Metadata) MethodCount() int {
	n := 0
	for _, md := range m.MethodDefs {
		if !md.Has("methodIndex") || md.Int("methodIndex") >= 0 {
			n++
		}
	}
	return n
}

func (m *Metadata) TypeDefCount() int  { return len(m.TypeDefs) }
func (m *Metadata) ImageDefCount() int { return len(m.ImageDefs) }

// TypeDefinitionsOffset is the file offset of the type definition table.
func (m *Metadata) TypeDefinitionsOffset() uint64 { return m.Header("typeDefinitionsOffset") }

// String returns the NUL-terminated string at index in the string pool.
func (m *Metadata) String(index uint32) (string, error) {
	if s, ok := m.strings.Get(index); ok {
		return s, nil
	}
	pool, err := m.section("string")
	if err != nil {
		return "", err
	}
	if int(index) >= len(pool) {
		return "", errors.Wrapf(ErrStringIndex, "%d", index)
	}
	s, err := stream.NewAt(pool, int(index)).ReadCString()
	if err != nil {
		return "", errors.Wrapf(ErrStringIndex, "%d unterminated", index)
	}
	m.strings.Add(index, s)
	return s, nil
}

// ImageName returns the name of image definition i.
func (m *Metadata) ImageName(i int) (string, error) {
	if i < 0 || i >= len(m.ImageDefs) {
		return "", errors.Errorf("metadata: image %d out of range", i)
	}
	return m.String(uint32(m.ImageDefs[i].Get("nameIndex")))
}

// TypeName returns the namespace-qualified name of type definition i.
func (m *Metadata) TypeName(i int) (string, error) {
	if i < 0 || i >= len(m.TypeDefs) {
		return "", errors.Errorf("metadata: type %d out of range", i)
	}
	td := m.TypeDefs[i]
	name, err := m.String(uint32(td.Get("nameIndex")))
	if err != nil {
		return "", err
	}
	ns, err := m.String(uint32(td.Get("namespaceIndex")))
	if err != nil || ns == "" {
		return name, nil
	}
	return ns + "." + name, nil
}
