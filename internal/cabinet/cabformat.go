package cabinet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/fluxfirm/fluxfirm/internal/fwerr"
)

const (
	cabSignature        = "MSCF"
	compressTypeNone    = 0
	compressTypeMSZIP   = 1
	mszipBlockSignature = 0x4b43 // "CK" little-endian
	maxReasonableFiles  = 1 << 16
)

// header mirrors the fixed CFHEADER structure of a Microsoft CAB archive.
type header struct {
	cbCabinet uint32
	coffFiles uint32
	cFolders  uint16
	cFiles    uint16
}

type rawFolder struct {
	coffCabStart uint32
	cCFData      uint16
	typeCompress uint16
}

type rawFile struct {
	cbFile          uint32
	uoffFolderStart uint32
	iFolder         uint16
	name            string
}

// parseStructure decodes the CFHEADER/CFFOLDER/CFFILE/CFDATA layout of a CAB
// archive and returns every extracted entry keyed by its basename (path
// separators discarded). maxSize bounds the total archive length accepted;
// zero means unbounded.
func parseStructure(r io.ReaderAt, size int64, maxSize int64) (map[string][]byte, error) {
	if maxSize > 0 && size > maxSize {
		return nil, fwerr.New(fwerr.KindInvalidFile, "archive size %d exceeds maximum %d", size, maxSize)
	}

	buf := make([]byte, size)
	if _, err := r.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, fwerr.Wrap(fwerr.KindInvalidFile, err)
	}

	if len(buf) < 36 || string(buf[0:4]) != cabSignature {
		return nil, fwerr.New(fwerr.KindInvalidFile, "missing MSCF signature")
	}

	h := header{
		cbCabinet: binary.LittleEndian.Uint32(buf[8:12]),
		coffFiles: binary.LittleEndian.Uint32(buf[16:20]),
		cFolders:  binary.LittleEndian.Uint16(buf[26:28]),
		cFiles:    binary.LittleEndian.Uint16(buf[28:30]),
	}
	if h.cFiles > maxReasonableFiles || h.cFolders == 0 {
		return nil, fwerr.New(fwerr.KindInvalidFile, "implausible folder/file counts (folders=%d files=%d)", h.cFolders, h.cFiles)
	}
	if int64(h.cbCabinet) != 0 && int64(h.cbCabinet) != size {
		// fwupd tolerates a mismatched cbCabinet (some tools misreport it);
		// only the file table offsets are load-bearing.
	}

	off := 36
	folders := make([]rawFolder, 0, h.cFolders)
	for i := 0; i < int(h.cFolders); i++ {
		if off+8 > len(buf) {
			return nil, fwerr.New(fwerr.KindInvalidFile, "truncated folder table")
		}
		f := rawFolder{
			coffCabStart: binary.LittleEndian.Uint32(buf[off : off+4]),
			cCFData:      binary.LittleEndian.Uint16(buf[off+4 : off+6]),
			typeCompress: binary.LittleEndian.Uint16(buf[off+6 : off+8]),
		}
		folders = append(folders, f)
		off += 8
	}

	off = int(h.coffFiles)
	files := make([]rawFile, 0, h.cFiles)
	for i := 0; i < int(h.cFiles); i++ {
		if off+16 > len(buf) {
			return nil, fwerr.New(fwerr.KindInvalidFile, "truncated file table")
		}
		cbFile := binary.LittleEndian.Uint32(buf[off : off+4])
		uoff := binary.LittleEndian.Uint32(buf[off+4 : off+8])
		iFolder := binary.LittleEndian.Uint16(buf[off+8 : off+10])
		nameStart := off + 16
		nameEnd := bytes.IndexByte(buf[nameStart:], 0)
		if nameEnd < 0 {
			return nil, fwerr.New(fwerr.KindInvalidFile, "unterminated file name in file table")
		}
		name := string(buf[nameStart : nameStart+nameEnd])
		files = append(files, rawFile{cbFile: cbFile, uoffFolderStart: uoff, iFolder: iFolder, name: name})
		off = nameStart + nameEnd + 1
	}

	// Decompress each folder's data blocks once, then slice per-file.
	decompressed := make([][]byte, len(folders))
	for i, f := range folders {
		data, err := decompressFolder(buf, f)
		if err != nil {
			return nil, err
		}
		decompressed[i] = data
	}

	out := make(map[string][]byte, len(files))
	for _, f := range files {
		if int(f.iFolder) >= len(decompressed) {
			return nil, fwerr.New(fwerr.KindInvalidFile, "file %q references unknown folder %d", f.name, f.iFolder)
		}
		folderData := decompressed[f.iFolder]
		start := int(f.uoffFolderStart)
		end := start + int(f.cbFile)
		if start < 0 || end > len(folderData) || start > end {
			return nil, fwerr.New(fwerr.KindInvalidFile, "file %q out of bounds in folder %d", f.name, f.iFolder)
		}
		out[basename(f.name)] = folderData[start:end]
	}
	return out, nil
}

// decompressFolder walks a folder's CFDATA blocks starting at coffCabStart,
// concatenating their decompressed payloads.
func decompressFolder(buf []byte, f rawFolder) ([]byte, error) {
	var out bytes.Buffer
	off := int(f.coffCabStart)
	for i := 0; i < int(f.cCFData); i++ {
		if off+8 > len(buf) {
			return nil, fwerr.New(fwerr.KindInvalidFile, "truncated data block")
		}
		cbData := binary.LittleEndian.Uint16(buf[off+4 : off+6])
		cbUncomp := binary.LittleEndian.Uint16(buf[off+6 : off+8])
		dataStart := off + 8
		dataEnd := dataStart + int(cbData)
		if dataEnd > len(buf) {
			return nil, fwerr.New(fwerr.KindInvalidFile, "data block exceeds archive length")
		}
		block := buf[dataStart:dataEnd]

		var decoded []byte
		switch f.typeCompress {
		case compressTypeNone:
			decoded = block
		case compressTypeMSZIP:
			d, err := inflateMSZIP(block)
			if err != nil {
				return nil, err
			}
			decoded = d
		default:
			return nil, fwerr.New(fwerr.KindNotSupported, "unsupported folder compression type %d", f.typeCompress)
		}
		if len(decoded) != int(cbUncomp) {
			return nil, fwerr.New(fwerr.KindInvalidData, "decompressed size mismatch: got %d want %d", len(decoded), cbUncomp)
		}
		out.Write(decoded)
		off = dataEnd
	}
	return out.Bytes(), nil
}

// inflateMSZIP decompresses one MSZIP block: a 2-byte "CK" signature
// followed by a raw DEFLATE stream (RFC 1951, no zlib/gzip wrapper).
func inflateMSZIP(block []byte) ([]byte, error) {
	if len(block) < 2 || binary.LittleEndian.Uint16(block[0:2]) != mszipBlockSignature {
		return nil, fwerr.New(fwerr.KindInvalidData, "missing MSZIP block signature")
	}
	fr := flate.NewReader(bytes.NewReader(block[2:]))
	defer fr.Close()
	data, err := io.ReadAll(fr)
	if err != nil {
		return nil, fwerr.Wrap(fwerr.KindInvalidData, fmt.Errorf("mszip inflate: %w", err))
	}
	return data, nil
}
