// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package peimage

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// Synthetic image assembly for tests. Round-trip laws, relocation
// arithmetic, export decoding and registry behavior are all expressible
// without real binaries, so the tests build tiny but well-formed PE
// buffers instead of shipping testdata executables.

const (
	testNtHeaderOffset = 0x80
	testSizeOfHeaders  = 0x400
	testFileAlign      = 0x200
	testSectionAlign   = 0x1000
)

type testSection struct {
	Name    string
	RVA     uint32
	VSize   uint32
	Raw     uint32
	RawSize uint32
	Chars   uint32
	Data    []byte
}

type testPE struct {
	Is64       bool
	ImageBase  uint64
	EntryPoint uint32
	Dirs       map[ImageDirectoryEntry]DataDirectory
	Sections   []testSection

	// COFFTail is appended after the last section's raw data and becomes
	// the COFF symbol table (PointerToSymbolTable points at it);
	// COFFSymbols is the record count it declares.
	COFFTail    []byte
	COFFSymbols uint32
}

func writeStructAt(t *testing.T, buf []byte, offset int, v interface{}) int {
	t.Helper()
	var w bytes.Buffer
	if err := binary.Write(&w, binary.LittleEndian, v); err != nil {
		t.Fatalf("failed to serialize %T: %v", v, err)
	}
	copy(buf[offset:], w.Bytes())
	return offset + w.Len()
}

// buildPE assembles a parseable PE image: DOS stub, NT headers, section
// table, then each section's raw data at its declared file offset.
func buildPE(t *testing.T, spec testPE) []byte {
	t.Helper()

	fileSize := uint32(testSizeOfHeaders)
	var sizeOfImage uint32
	for _, sec := range spec.Sections {
		if end := sec.Raw + sec.RawSize; end > fileSize {
			fileSize = end
		}
		if end := sec.RVA + sec.VSize; end > sizeOfImage {
			sizeOfImage = end
		}
	}
	sizeOfImage = (sizeOfImage + testSectionAlign - 1) &^ (testSectionAlign - 1)

	symTablePtr := uint32(0)
	if len(spec.COFFTail) > 0 {
		symTablePtr = fileSize
		fileSize += uint32(len(spec.COFFTail))
	}

	buf := make([]byte, fileSize)
	copy(buf[symTablePtr:], spec.COFFTail)

	dos := ImageDOSHeader{
		Magic:                 ImageDOSSignature,
		AddressOfNewEXEHeader: testNtHeaderOffset,
	}
	writeStructAt(t, buf, 0, dos)

	machine := ImageFileHeaderMachineType(ImageFileMachineI386)
	optSize := binary.Size(ImageOptionalHeader32{})
	if spec.Is64 {
		machine = ImageFileHeaderMachineType(ImageFileMachineAMD64)
		optSize = binary.Size(ImageOptionalHeader64{})
	}

	binary.LittleEndian.PutUint32(buf[testNtHeaderOffset:], ImageNTSignature)
	fh := ImageFileHeader{
		Machine:              machine,
		NumberOfSections:     uint16(len(spec.Sections)),
		PointerToSymbolTable: symTablePtr,
		NumberOfSymbols:      spec.COFFSymbols,
		SizeOfOptionalHeader: uint16(optSize),
		Characteristics:      ImageFileExecutableImage | ImageFileDLL,
	}
	offset := writeStructAt(t, buf, testNtHeaderOffset+4, fh)

	var dirs [16]DataDirectory
	for idx, d := range spec.Dirs {
		dirs[idx] = d
	}

	if spec.Is64 {
		oh := ImageOptionalHeader64{
			Magic:               ImageNtOptionalHeader64Magic,
			AddressOfEntryPoint: spec.EntryPoint,
			ImageBase:           spec.ImageBase,
			SectionAlignment:    testSectionAlign,
			FileAlignment:       testFileAlign,
			SizeOfImage:         sizeOfImage,
			SizeOfHeaders:       testSizeOfHeaders,
			Subsystem:           ImageSubsystemWindowsCUI,
			NumberOfRvaAndSizes: 16,
			DataDirectory:       dirs,
		}
		offset = writeStructAt(t, buf, offset, oh)
	} else {
		oh := ImageOptionalHeader32{
			Magic:               ImageNtOptionalHeader32Magic,
			AddressOfEntryPoint: spec.EntryPoint,
			ImageBase:           uint32(spec.ImageBase),
			SectionAlignment:    testSectionAlign,
			FileAlignment:       testFileAlign,
			SizeOfImage:         sizeOfImage,
			SizeOfHeaders:       testSizeOfHeaders,
			Subsystem:           ImageSubsystemWindowsCUI,
			NumberOfRvaAndSizes: 16,
			DataDirectory:       dirs,
		}
		offset = writeStructAt(t, buf, offset, oh)
	}

	for _, sec := range spec.Sections {
		hdr := ImageSectionHeader{
			VirtualSize:      sec.VSize,
			VirtualAddress:   sec.RVA,
			SizeOfRawData:    sec.RawSize,
			PointerToRawData: sec.Raw,
			Characteristics:  sec.Chars,
		}
		copy(hdr.Name[:], sec.Name)
		offset = writeStructAt(t, buf, offset, hdr)

		copy(buf[sec.Raw:], sec.Data)
	}

	return buf
}

// parseTestPE builds and parses an image, failing the test on any
// header-level error.
func parseTestPE(t *testing.T, spec testPE, base uint64, opts *Options) *ParsedImage {
	t.Helper()
	data := buildPE(t, spec)
	pe, err := NewBytes(data, base, opts)
	if err != nil {
		t.Fatalf("NewBytes failed: %v", err)
	}
	if err := pe.Parse(); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return pe
}

// putASCIIZ writes a NUL-terminated string into sec at off and returns
// the next free offset.
func putASCIIZ(data []byte, off uint32, s string) uint32 {
	copy(data[off:], s)
	data[int(off)+len(s)] = 0
	return off + uint32(len(s)) + 1
}
