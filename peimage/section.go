// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package peimage

import (
	"encoding/binary"
	"slices"
	"strconv"
	"strings"
)

// Section characteristic flags the analyzer consults. The format defines
// more (object-only alignment and link flags); image files do not carry
// them, so they are not reproduced here.
const (
	// ImageScnCntCode marks a section containing executable code.
	ImageScnCntCode = 0x00000020

	// ImageScnCntInitializedData marks initialized data.
	ImageScnCntInitializedData = 0x00000040

	// ImageScnCntUninitializedData marks BSS-style data.
	ImageScnCntUninitializedData = 0x00000080

	// ImageScnMemDiscardable marks a section the loader may discard.
	ImageScnMemDiscardable = 0x02000000

	// ImageScnMemNotCached marks a section that cannot be cached.
	ImageScnMemNotCached = 0x04000000

	// ImageScnMemNotPaged marks a non-pageable section.
	ImageScnMemNotPaged = 0x08000000

	// ImageScnMemShared marks a section shareable between processes.
	ImageScnMemShared = 0x10000000

	// ImageScnMemExecute marks an executable mapping.
	ImageScnMemExecute = 0x20000000

	// ImageScnMemRead marks a readable mapping.
	ImageScnMemRead = 0x40000000

	// ImageScnMemWrite marks a writable mapping.
	ImageScnMemWrite = 0x80000000
)

// ImageSectionHeader is one 40-byte row of the section table. Name holds
// 8 NUL-padded bytes, or "/NNN" pointing into the COFF string table for
// longer names. The relocation and line-number fields are object-file
// leftovers, zero in images.
type ImageSectionHeader struct {
	Name                 [8]uint8
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLineNumbers uint32
	NumberOfRelocations  uint16
	NumberOfLineNumbers  uint16
	Characteristics      uint32
}

// Section pairs a section header with its resolved display name: the raw
// 8-byte field, or the COFF long name its "/NNN" field indirects to.
type Section struct {
	Header      ImageSectionHeader
	DisplayName string `json:",omitempty"`
}

// String returns the raw section name (possibly a "/NNN" indirection).
// Use DisplayName for the resolved long name.
func (section *Section) String() string {
	return strings.TrimRight(string(section.Header.Name[:]), "\x00")
}

// sectionAnomalies flags header values a well-formed linker never emits.
// None of them stop the parse; malformed images still map.
func (pe *ParsedImage) sectionAnomalies(hdr *ImageSectionHeader, name string) int {
	suspect := 0
	note := func(what string) {
		pe.addAnomaly("Section `" + name + "` " + what)
		suspect++
	}

	if *hdr == (ImageSectionHeader{}) {
		note("Contents are null-bytes")
	}
	if hdr.PointerToRawData+hdr.SizeOfRawData > pe.size {
		note("SizeOfRawData is larger than file")
	}
	if pe.adjustFileAlignment(hdr.PointerToRawData) > pe.size {
		note("PointerToRawData points beyond the end of the file")
	}
	if hdr.VirtualSize > 0x10000000 {
		note("VirtualSize is extremely large > 256MiB")
	}
	if pe.adjustSectionAlignment(hdr.VirtualAddress) > 0x10000000 {
		note("VirtualAddress is beyond 0x10000000")
	}
	fileAlign, _ := pe.fileAlignments()
	if fileAlign != 0 && hdr.PointerToRawData%fileAlign != 0 {
		note("PointerToRawData is not multiple of FileAlignment")
	}
	return suspect
}

// ParseSectionHeader reads the section table that immediately follows the
// optional header, resolving COFF long names as it goes. Sections stay in
// declaration order; RVA-overlap ties in malformed images resolve to the
// first declared section. A row failing several sanity checks at once
// ends the walk, on the assumption the table has run into garbage.
func (pe *ParsedImage) ParseSectionHeader() error {
	const maxSuspectValues = 3

	offset := pe.DOSHeader.AddressOfNewEXEHeader + 4 +
		uint32(binary.Size(pe.NtHeader.FileHeader)) +
		uint32(pe.NtHeader.FileHeader.SizeOfOptionalHeader)

	hdrSize := uint32(binary.Size(ImageSectionHeader{}))
	count := pe.NtHeader.FileHeader.NumberOfSections

	for i := uint16(0); i < count; i++ {
		hdr := ImageSectionHeader{}
		if err := pe.structUnpack(&hdr, offset, hdrSize); err != nil {
			return err
		}
		offset += hdrSize

		if rawEnd := int64(hdr.PointerToRawData) + int64(hdr.SizeOfRawData); rawEnd > pe.OverlayOffset {
			pe.OverlayOffset = rawEnd
		}

		sec := Section{Header: hdr}
		if pe.sectionAnomalies(&hdr, sec.String()) >= maxSuspectValues {
			break
		}
		sec.DisplayName = pe.resolveSectionName(sec.String())
		pe.Sections = append(pe.Sections, sec)
	}

	pe.Header = pe.data[:pe.headerSpan(offset)]
	pe.HasSections = true
	return nil
}

// headerSpan is how many leading file bytes belong to the headers: up to
// the lowest section raw pointer, or the end of the section table when no
// section owns raw data (then the whole file reads as header).
func (pe *ParsedImage) headerSpan(tableEnd uint32) uint32 {
	var rawStarts []uint32
	for i := range pe.Sections {
		if ptr := pe.Sections[i].Header.PointerToRawData; ptr > 0 {
			rawStarts = append(rawStarts, pe.adjustFileAlignment(ptr))
		}
	}

	span := tableEnd
	if len(rawStarts) > 0 {
		if lowest := slices.Min(rawStarts); lowest > tableEnd {
			span = lowest
		}
	}
	if span > pe.size {
		span = pe.size
	}
	return span
}

// nextSectionStart returns the declared VirtualAddress of the section
// following index i, or 0 for the last one.
func (pe *ParsedImage) nextSectionStart(i int) uint32 {
	if i < 0 || i+1 >= len(pe.Sections) {
		return 0
	}
	return pe.Sections[i+1].Header.VirtualAddress
}

// Contains reports whether rva falls inside the section's effective
// span: start RVA down-aligned to the section alignment, size the larger
// of raw and virtual size (virtual size alone when the raw data is visibly
// truncated), clipped where the next declared section starts early.
func (section *Section) Contains(rva uint32, pe *ParsedImage) bool {
	hdr := &section.Header

	var size uint32
	rawStart := pe.adjustFileAlignment(hdr.PointerToRawData)
	if pe.size-rawStart < hdr.SizeOfRawData {
		size = hdr.VirtualSize
	} else {
		size = max(hdr.SizeOfRawData, hdr.VirtualSize)
	}

	start := pe.adjustSectionAlignment(hdr.VirtualAddress)
	end := start + size

	for i := range pe.Sections {
		if &pe.Sections[i] != section {
			continue
		}
		if next := pe.nextSectionStart(i); next > hdr.VirtualAddress && next < end {
			end = next
		}
		break
	}

	return rva >= start && rva < end
}

// resolveSectionName returns name unchanged unless it is a COFF long-name
// indirection ("/NNN"), in which case it resolves NNN through the COFF
// string table. Resolution failure just returns name as-is.
func (pe *ParsedImage) resolveSectionName(name string) string {
	if len(name) < 2 || name[0] != '/' {
		return name
	}
	n, err := strconv.ParseUint(name[1:], 10, 32)
	if err != nil {
		return name
	}
	if long, ok := pe.COFF.StringTableM[pe.COFF.StringTableOffset+uint32(n)]; ok {
		return long
	}
	return name
}

// SectionByIndex returns the section at index i, or nil when out of range.
func (pe *ParsedImage) SectionByIndex(i int) *Section {
	if i < 0 || i >= len(pe.Sections) {
		return nil
	}
	return &pe.Sections[i]
}

// SectionByName returns the first section whose resolved display name or
// raw 8-byte name equals name, or nil.
func (pe *ParsedImage) SectionByName(name string) *Section {
	for i := range pe.Sections {
		sec := &pe.Sections[i]
		if sec.DisplayName == name || sec.String() == name {
			return sec
		}
	}
	return nil
}

// SectionByVA returns the section containing va, or nil.
func (pe *ParsedImage) SectionByVA(va uint64) *Section {
	return pe.getSectionByRva(pe.VaToRva(va))
}
