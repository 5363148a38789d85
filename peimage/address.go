// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package peimage

// The address mapper: the only component allowed to cross between the
// three coordinate systems (RAW file offset, RVA, VA). Built on top of the
// section table helpers in section.go/helper.go.

// sizeOfHeaders returns the optional header's SizeOfHeaders field, common
// to both PE32 and PE32+ shapes.
func (pe *ParsedImage) sizeOfHeaders() uint32 {
	if pe.Is64 {
		return pe.NtHeader.OptionalHeader.(ImageOptionalHeader64).SizeOfHeaders
	}
	return pe.NtHeader.OptionalHeader.(ImageOptionalHeader32).SizeOfHeaders
}

// RvaToRaw converts rva to a RAW file offset. RVAs below SizeOfHeaders map
// one-to-one to RAW. Otherwise the RVA must lie in a non-empty mapped
// section (non-zero PointerToRawData and SizeOfRawData); 0 is returned
// ("invalid") when no such section contains it.
func (pe *ParsedImage) RvaToRaw(rva uint32) uint32 {
	if rva < pe.sizeOfHeaders() {
		return rva
	}

	section := pe.getSectionByRva(rva)
	if section == nil {
		return 0
	}
	if section.Header.PointerToRawData == 0 || section.Header.SizeOfRawData == 0 {
		return 0
	}

	sectionAlignment := pe.adjustSectionAlignment(section.Header.VirtualAddress)
	fileAlignment := pe.adjustFileAlignment(section.Header.PointerToRawData)
	return rva - sectionAlignment + fileAlignment
}

// RvaToVA returns image_base + rva.
func (pe *ParsedImage) RvaToVA(rva uint32) uint64 {
	return pe.ImageBase + uint64(rva)
}

// VaToRva returns va - image_base.
func (pe *ParsedImage) VaToRva(va uint64) uint32 {
	return uint32(va - pe.ImageBase)
}

// VaToRaw returns RvaToRaw(VaToRva(va)).
func (pe *ParsedImage) VaToRaw(va uint64) uint32 {
	return pe.RvaToRaw(pe.VaToRva(va))
}

// RawToVA returns RvaToVA(GetRVAFromOffset(raw)).
func (pe *ParsedImage) RawToVA(raw uint32) uint64 {
	return pe.RvaToVA(pe.GetRVAFromOffset(raw))
}

// FixAddrSize clips *size so that va + *size stops at the boundary of the
// section containing va. No-op if va's RVA is not inside any section.
func (pe *ParsedImage) FixAddrSize(va uint64, size *uint32) {
	rva := pe.VaToRva(va)
	section := pe.getSectionByRva(rva)
	if section == nil {
		return
	}

	var secSize uint32
	adjustedPointer := pe.adjustFileAlignment(section.Header.PointerToRawData)
	if uint32(len(pe.data))-adjustedPointer < section.Header.SizeOfRawData {
		secSize = section.Header.VirtualSize
	} else {
		secSize = max(section.Header.SizeOfRawData, section.Header.VirtualSize)
	}
	sectionStart := pe.adjustSectionAlignment(section.Header.VirtualAddress)
	sectionEnd := sectionStart + secSize

	if rva+*size > sectionEnd {
		*size = sectionEnd - rva
	}
}

// DirectoryIndexFromRva scans the 16 data directory anchors from highest
// index to lowest, returning the first whose [VA, VA+Size) range contains
// rva's VA. Scanning high-to-low resolves pathological overlaps (e.g. a
// Security directory whose size spans into BaseRelocations) to the more
// specific, later-defined directory. Returns -1 if none match.
func (pe *ParsedImage) DirectoryIndexFromRva(rva uint32) ImageDirectoryEntry {
	va := pe.RvaToVA(rva)
	for idx := len(pe.Directories) - 1; idx >= 0; idx-- {
		anchor := pe.Directories[idx]
		if anchor.VA == 0 {
			continue
		}
		if va >= anchor.VA && va < anchor.VA+uint64(anchor.Size) {
			return ImageDirectoryEntry(idx)
		}
	}
	return ImageDirectoryEntry(-1)
}

// GetImageAtAddr returns pe itself, or whichever of its relocated
// alternates has a [image_base, image_base+virtual_size) range containing
// va; nil if neither does.
func (pe *ParsedImage) GetImageAtAddr(va uint64) *ParsedImage {
	if va >= pe.ImageBase && va < pe.ImageBase+uint64(pe.VirtualSize) {
		return pe
	}
	for _, alt := range pe.RelocatedAlternates {
		if va >= alt.ImageBase && va < alt.ImageBase+uint64(alt.VirtualSize) {
			return alt
		}
	}
	return nil
}
