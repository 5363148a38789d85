// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package peimage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"slices"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

const (
	// TinyPESize On Windows XP (x32) the smallest PE executable is 97 bytes.
	TinyPESize = 97

	// FileAlignmentHardcodedValue is the smallest meaningful FileAlignment;
	// a PointerToRawData below it is rounded down to zero by the loader.
	FileAlignmentHardcodedValue = 0x200
)

// Errors
var (
	// ErrInvalidPESize is returned when the file size is less that the smallest
	// PE file size possible.
	ErrInvalidPESize = errors.New("not a PE file, smaller than tiny PE")

	// ErrDOSMagicNotFound is returned when the file starts with neither the
	// "MZ" nor the "ZM" DOS signature.
	ErrDOSMagicNotFound = errors.New("DOS Header magic not found")

	// ErrInvalidElfanewValue is returned when e_lfanew is larger than file size.
	ErrInvalidElfanewValue = errors.New("invalid e_lfanew value. Probably not a PE file")

	// ErrInvalidNtHeaderOffset is returned when the NT Header offset is beyond
	// the image file.
	ErrInvalidNtHeaderOffset = errors.New(
		"invalid NT Header Offset. NT Header Signature not found")

	// ErrImageOS2SignatureFound is returned when signature is for a NE file.
	ErrImageOS2SignatureFound = errors.New(
		"not a valid PE signature. Probably a NE file")

	// ErrImageOS2LESignatureFound is returned when signature is for a LE file.
	ErrImageOS2LESignatureFound = errors.New(
		"not a valid PE signature. Probably an LE file")

	// ErrImageVXDSignatureFound is returned when signature is for a LX file.
	ErrImageVXDSignatureFound = errors.New(
		"not a valid PE signature. Probably an LX file")

	// ErrImageTESignatureFound is returned when signature is for a TE file.
	ErrImageTESignatureFound = errors.New(
		"not a valid PE signature. Probably a TE file")

	// ErrImageNtSignatureNotFound is returned when PE magic signature is not found.
	ErrImageNtSignatureNotFound = errors.New(
		"not a valid PE signature. Magic not found")

	// ErrImageNtOptionalHeaderMagicNotFound is returned when optional header
	// magic is different from PE32/PE32+.
	ErrImageNtOptionalHeaderMagicNotFound = errors.New(
		"not a valid PE signature. Optional Header magic not found")

	// ErrImageBaseNotAligned is reported when the image base is not aligned to 64K.
	ErrImageBaseNotAligned = errors.New(
		"corrupt PE file. Image base not aligned to 64 K")

	// AnoImageBaseOverflow is reported when the image base + SizeOfImage is
	// larger than 80000000h/FFFF080000000000h in PE32/P32+.
	AnoImageBaseOverflow = "Image base beyond allowed address"

	// AnoInvalidSizeOfImage is reported when SizeOfImage is not multiple of
	// SectionAlignment.
	AnoInvalidSizeOfImage = "Invalid SizeOfImage value, should be multiple " +
		"of SectionAlignment"

	// ErrOutsideBoundary is reported when attempting to read an address beyond
	// file image limits.
	ErrOutsideBoundary = errors.New("reading data outside boundary")
)

// allIn reports whether every rune of s belongs to allowed.
func allIn(s, allowed string) bool {
	for _, r := range s {
		if !strings.ContainsRune(allowed, r) {
			return false
		}
	}
	return true
}

const alphaNum = "abcdefghijklmnopqrstuvwxyz" +
	"ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// IsValidDosFilename reports whether name sticks to the 8.3 short-filename
// character set (length aside, since DLL names routinely exceed 8.3).
func IsValidDosFilename(name string) bool {
	return name != "" && allIn(name, alphaNum+"!#$%&'()-@^_`{}~+,.;=[]\\/")
}

// IsValidFunctionName reports whether an imported symbol name stays inside
// the charset mangled and plain export names use; anything else is taken
// as a bogus thunk target.
func IsValidFunctionName(name string) bool {
	return name != "" && allIn(name, alphaNum+"_?@$()<>")
}

// IsPrintable reports whether s consists only of printable ASCII and
// ordinary whitespace.
func IsPrintable(s string) bool {
	return allIn(s, alphaNum+" \t\n\r\v\f"+"!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~")
}

// getSectionByRva returns the section containing rva, first declared
// section winning when malformed images overlap.
func (pe *ParsedImage) getSectionByRva(rva uint32) *Section {
	for i := range pe.Sections {
		if pe.Sections[i].Contains(rva, pe) {
			return &pe.Sections[i]
		}
	}
	return nil
}

// getSectionByOffset returns the section whose raw span contains the file
// offset.
func (pe *ParsedImage) getSectionByOffset(offset uint32) *Section {
	for i := range pe.Sections {
		sec := &pe.Sections[i]
		if sec.Header.PointerToRawData == 0 {
			continue
		}
		start := pe.adjustFileAlignment(sec.Header.PointerToRawData)
		if offset >= start && offset < start+sec.Header.SizeOfRawData {
			return sec
		}
	}
	return nil
}

// GetOffsetFromRva maps an RVA to its file offset: section-relative
// arithmetic inside a section, identity for an RVA outside every section
// that is still below the file size, ^uint32(0) otherwise.
func (pe *ParsedImage) GetOffsetFromRva(rva uint32) uint32 {
	sec := pe.getSectionByRva(rva)
	if sec == nil {
		if rva < pe.size {
			return rva
		}
		return ^uint32(0)
	}
	return rva -
		pe.adjustSectionAlignment(sec.Header.VirtualAddress) +
		pe.adjustFileAlignment(sec.Header.PointerToRawData)
}

// GetRVAFromOffset is the inverse mapping: offsets below the first
// section's raw data belong to the headers and map one-to-one.
func (pe *ParsedImage) GetRVAFromOffset(offset uint32) uint32 {
	sec := pe.getSectionByOffset(offset)
	if sec != nil {
		return offset -
			pe.adjustFileAlignment(sec.Header.PointerToRawData) +
			pe.adjustSectionAlignment(sec.Header.VirtualAddress)
	}

	if len(pe.Sections) == 0 {
		return offset
	}

	lowestRVA := ^uint32(0)
	for i := range pe.Sections {
		if va := pe.adjustSectionAlignment(pe.Sections[i].Header.VirtualAddress); va < lowestRVA {
			lowestRVA = va
		}
	}
	if offset < lowestRVA {
		return offset
	}

	pe.logger.Warn("data at Offset can't be fetched. Corrupt header?")
	return ^uint32(0)
}

// getStringAtRVA reads the NUL-terminated ASCII string at rva, clipped to
// maxLen bytes and to the file end.
func (pe *ParsedImage) getStringAtRVA(rva, maxLen uint32) string {
	if rva == 0 {
		return ""
	}
	off := pe.GetOffsetFromRva(rva)
	if off == ^uint32(0) || off >= pe.size {
		return ""
	}
	end := min(off+maxLen, pe.size)
	chunk := pe.data[off:end]
	if i := bytes.IndexByte(chunk, 0); i >= 0 {
		chunk = chunk[:i]
	}
	return string(chunk)
}

// readASCIIStringAtOffset reads a NUL-terminated string at a raw offset,
// returning the byte count consumed before the terminator.
func (pe *ParsedImage) readASCIIStringAtOffset(offset, maxLength uint32) (uint32, string) {
	if offset >= pe.size {
		return 0, ""
	}
	end := min(offset+maxLength, pe.size)
	chunk := pe.data[offset:end]
	if i := bytes.IndexByte(chunk, 0); i >= 0 {
		chunk = chunk[:i]
	}
	return uint32(len(chunk)), string(chunk)
}

// fileAlignments returns the optional header's FileAlignment and
// SectionAlignment for either bitness.
func (pe *ParsedImage) fileAlignments() (fileAlign, sectionAlign uint32) {
	if pe.Is64 {
		oh := pe.NtHeader.OptionalHeader.(ImageOptionalHeader64)
		return oh.FileAlignment, oh.SectionAlignment
	}
	oh := pe.NtHeader.OptionalHeader.(ImageOptionalHeader32)
	return oh.FileAlignment, oh.SectionAlignment
}

// adjustFileAlignment rounds a raw pointer down to the 0x200 granularity
// the loader actually uses; file alignments below the hardcoded floor
// leave the pointer untouched.
func (pe *ParsedImage) adjustFileAlignment(ptr uint32) uint32 {
	fileAlign, _ := pe.fileAlignments()
	if fileAlign < FileAlignmentHardcodedValue {
		return ptr
	}
	return ptr &^ (FileAlignmentHardcodedValue - 1)
}

// adjustSectionAlignment rounds an RVA down to the effective section
// alignment. Below a page the section alignment degenerates to the file
// alignment, which is flagged as an anomaly when the two disagree.
func (pe *ParsedImage) adjustSectionAlignment(rva uint32) uint32 {
	fileAlign, sectionAlign := pe.fileAlignments()

	if fileAlign < FileAlignmentHardcodedValue && fileAlign != sectionAlign {
		pe.addAnomaly(ErrInvalidSectionAlignment)
	}
	if sectionAlign < 0x1000 {
		sectionAlign = fileAlign
	}
	if sectionAlign == 0 {
		return rva
	}
	return rva - rva%sectionAlign
}

// IsDriver guesses whether the image is a kernel-mode driver: an import
// from a kernel component, or a native-subsystem image with a classic
// driver section name. An image with no imports is never classified as a
// driver. ImageBase placement and NOT_PAGED section flags
// are deliberately not consulted; both misfire on relocated user images.
func (pe *ParsedImage) IsDriver() bool {
	if len(pe.ImportList) == 0 {
		return false
	}

	kernelProviders := []string{
		"ntoskrnl.exe", "hal.dll", "ndis.sys", "bootvid.dll", "kdcom.dll",
	}
	for _, imp := range pe.ImportList {
		if slices.Contains(kernelProviders, strings.ToLower(imp.LibraryName)) {
			return true
		}
	}

	var subsystem ImageOptionalHeaderSubsystemType
	if pe.Is64 {
		subsystem = pe.NtHeader.OptionalHeader.(ImageOptionalHeader64).Subsystem
	} else {
		subsystem = pe.NtHeader.OptionalHeader.(ImageOptionalHeader32).Subsystem
	}
	if subsystem != ImageSubsystemNative && subsystem != ImageSubsystemNativeWindows {
		return false
	}

	driverSections := []string{"page", "paged", "nonpage", "init"}
	for i := range pe.Sections {
		if slices.Contains(driverSections, strings.ToLower(pe.Sections[i].String())) {
			return true
		}
	}
	return false
}

// IsDLL reports whether the file header carries the DLL flag.
func (pe *ParsedImage) IsDLL() bool {
	return pe.NtHeader.FileHeader.Characteristics&ImageFileDLL != 0
}

// IsEXE reports whether the image is a plain executable: executable flag
// set, and neither a DLL nor (apparently) a driver.
func (pe *ParsedImage) IsEXE() bool {
	return pe.NtHeader.FileHeader.Characteristics&ImageFileExecutableImage != 0 &&
		!pe.IsDLL() && !pe.IsDriver()
}

// Checksum computes the optional-header checksum the way
// CheckSumMappedFile does: 16-bit one's-complement sum over the file as
// little-endian dwords, the stored CheckSum field excluded, plus the file
// length. Trailing bytes short of a dword are zero-extended locally
// rather than by padding the buffer.
func (pe *ParsedImage) Checksum() uint32 {
	// CheckSum sits 64 bytes into the optional header for both shapes.
	checksumOffset := pe.DOSHeader.AddressOfNewEXEHeader + 4 +
		uint32(binary.Size(pe.NtHeader.FileHeader)) + 64

	var sum uint64
	fold := func() {
		sum = (sum & 0xffffffff) + (sum >> 32)
	}

	i := uint32(0)
	for ; i+4 <= pe.size; i += 4 {
		if i == checksumOffset {
			continue
		}
		sum += uint64(binary.LittleEndian.Uint32(pe.data[i:]))
		fold()
	}
	if i < pe.size {
		var tail [4]byte
		copy(tail[:], pe.data[i:])
		sum += uint64(binary.LittleEndian.Uint32(tail[:]))
		fold()
	}

	sum = (sum & 0xffff) + (sum >> 16)
	sum += sum >> 16
	sum &= 0xffff
	return uint32(sum + uint64(pe.size))
}

// canRead reports whether n bytes starting at offset fit inside the file.
func (pe *ParsedImage) canRead(offset, n uint32) bool {
	return offset < pe.size && n <= pe.size-offset
}

// ReadUint64 reads a little-endian uint64 at a raw offset.
func (pe *ParsedImage) ReadUint64(offset uint32) (uint64, error) {
	if !pe.canRead(offset, 8) {
		return 0, ErrOutsideBoundary
	}
	return binary.LittleEndian.Uint64(pe.data[offset:]), nil
}

// ReadUint32 reads a little-endian uint32 at a raw offset.
func (pe *ParsedImage) ReadUint32(offset uint32) (uint32, error) {
	if !pe.canRead(offset, 4) {
		return 0, ErrOutsideBoundary
	}
	return binary.LittleEndian.Uint32(pe.data[offset:]), nil
}

// ReadUint16 reads a little-endian uint16 at a raw offset.
func (pe *ParsedImage) ReadUint16(offset uint32) (uint16, error) {
	if !pe.canRead(offset, 2) {
		return 0, ErrOutsideBoundary
	}
	return binary.LittleEndian.Uint16(pe.data[offset:]), nil
}

// structUnpack decodes the little-endian fixed-layout struct at offset.
func (pe *ParsedImage) structUnpack(v interface{}, offset, size uint32) error {
	if size == 0 || !pe.canRead(offset, size) {
		return ErrOutsideBoundary
	}
	return binary.Read(bytes.NewReader(pe.data[offset:offset+size]),
		binary.LittleEndian, v)
}

// DecodeUTF16String decodes a NUL-terminated UTF-16LE byte sequence.
func DecodeUTF16String(b []byte) (string, error) {
	n := bytes.Index(b, []byte{0, 0})
	if n == 0 {
		return "", nil
	}
	decoder := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
	s, err := decoder.Bytes(b[0 : n+1])
	if err != nil {
		return "", err
	}
	return string(s), nil
}

// splitLastDot splits a forward string such as "KERNEL.APPCORE.IsDeveloperModeEnabled"
// on its last '.', since forward strings may themselves contain dots in the
// library portion.
func splitLastDot(forward string) (library, function string, ok bool) {
	i := strings.LastIndex(forward, ".")
	if i < 0 {
		return "", "", false
	}
	return forward[:i], forward[i+1:], true
}

// stripExt removes a trailing ".dll"/".exe"/etc extension from a library
// name, case-insensitively, for API-set schema lookups. Dots that are not
// part of a known extension stay: forward libraries like KERNEL.APPCORE
// are full names, not stems.
func stripExt(name string) string {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return name
	}
	switch strings.ToLower(name[i:]) {
	case ".dll", ".exe", ".sys", ".ocx", ".drv":
		return name[:i]
	}
	return name
}
