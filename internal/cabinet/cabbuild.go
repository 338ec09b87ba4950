package cabinet

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/klauspost/compress/flate"
)

// Builder assembles a minimal single-folder, MSZIP-compressed CAB archive.
// It exists so the engine's own tests (and the Sign operation's round-trip
// tests) can produce well-formed input without depending on an external
// cabextract-style tool; it is the mechanical inverse of parseStructure.
type Builder struct {
	files map[string][]byte
	order []string
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{files: make(map[string][]byte)}
}

// AddFile stages name -> content for inclusion; re-adding a name overwrites
// its content and preserves the original position, mirroring the "replacing
// an existing entry by basename is permitted" rule used for firmware.jcat.
func (b *Builder) AddFile(name string, content []byte) *Builder {
	if _, exists := b.files[name]; !exists {
		b.order = append(b.order, name)
	}
	b.files[name] = content
	return b
}

// Build serializes the staged files into one CAB archive with a single
// MSZIP-compressed folder.
func (b *Builder) Build() []byte {
	names := append([]string(nil), b.order...)
	sort.Strings(names) // deterministic output for golden-style tests

	var folderPayload bytes.Buffer
	offsets := make(map[string]uint32, len(names))
	sizes := make(map[string]uint32, len(names))
	for _, n := range names {
		offsets[n] = uint32(folderPayload.Len())
		sizes[n] = uint32(len(b.files[n]))
		folderPayload.Write(b.files[n])
	}

	dataBlock := mszipCompress(folderPayload.Bytes())

	const headerSize = 36
	const folderRecSize = 8
	folderStart := headerSize + folderRecSize
	coffCabStart := folderStart // file table follows data in our single-folder layout; data block sits right after folder table

	var fileTable bytes.Buffer
	for _, n := range names {
		writeU32(&fileTable, sizes[n])
		writeU32(&fileTable, offsets[n])
		writeU16(&fileTable, 0) // iFolder
		writeU16(&fileTable, 0) // date
		writeU16(&fileTable, 0) // time
		writeU16(&fileTable, 0) // attribs
		fileTable.WriteString(n)
		fileTable.WriteByte(0)
	}

	coffFiles := uint32(coffCabStart + len(dataBlock))
	cbCabinet := uint32(int(coffFiles) + fileTable.Len())

	var out bytes.Buffer
	out.WriteString(cabSignature)
	writeU32(&out, 0)         // reserved1
	writeU32(&out, cbCabinet) // cbCabinet
	writeU32(&out, 0)         // reserved2
	writeU32(&out, coffFiles) // coffFiles
	writeU32(&out, 0)         // reserved3
	out.WriteByte(3)          // versionMinor
	out.WriteByte(1)          // versionMajor
	writeU16(&out, 1)         // cFolders
	writeU16(&out, uint16(len(names)))
	writeU16(&out, 0) // flags
	writeU16(&out, 0) // setID
	writeU16(&out, 0) // iCabinet

	// CFFOLDER
	writeU32(&out, uint32(coffCabStart))
	writeU16(&out, 1) // cCFData: one block
	writeU16(&out, compressTypeMSZIP)

	out.Write(dataBlock)
	out.Write(fileTable.Bytes())
	return out.Bytes()
}

// mszipCompress wraps a raw DEFLATE stream of data in the 2-byte "CK" MSZIP
// block signature and a single CFDATA header (csum=0, which fwupd itself
// does not validate on read).
func mszipCompress(data []byte) []byte {
	var deflated bytes.Buffer
	fw, _ := flate.NewWriter(&deflated, flate.BestCompression)
	_, _ = fw.Write(data)
	_ = fw.Close()

	var block bytes.Buffer
	writeU16(&block, mszipBlockSignature)
	block.Write(deflated.Bytes())

	var out bytes.Buffer
	writeU32(&out, 0)                          // csum
	writeU16(&out, uint16(block.Len()))         // cbData
	writeU16(&out, uint16(len(data)))           // cbUncomp
	out.Write(block.Bytes())
	return out.Bytes()
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}
