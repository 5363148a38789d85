// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package peimage

import (
	"encoding/binary"
)

// ImageDOSHeader is the 64-byte IMAGE_DOS_HEADER every PE file starts
// with. Only Magic and AddressOfNewEXEHeader matter to the analyzer; the
// rest describes the real-mode stub program and is carried for
// completeness.
type ImageDOSHeader struct {
	Magic                    uint16 `json:"magic"`
	BytesOnLastPageOfFile    uint16 `json:"bytes_on_last_page_of_file"`
	PagesInFile              uint16 `json:"pages_in_file"`
	Relocations              uint16 `json:"relocations"`
	SizeOfHeader             uint16 `json:"size_of_header"`
	MinExtraParagraphsNeeded uint16 `json:"min_extra_paragraphs_needed"`
	MaxExtraParagraphsNeeded uint16 `json:"max_extra_paragraphs_needed"`
	InitialSS                uint16 `json:"initial_ss"`
	InitialSP                uint16 `json:"initial_sp"`
	Checksum                 uint16 `json:"checksum"`
	InitialIP                uint16 `json:"initial_ip"`
	InitialCS                uint16 `json:"initial_cs"`
	AddressOfRelocationTable uint16 `json:"address_of_relocation_table"`
	OverlayNumber            uint16 `json:"overlay_number"`
	ReservedWords1           [4]uint16 `json:"reserved_words_1"`
	OEMIdentifier            uint16 `json:"oem_identifier"`
	OEMInformation           uint16 `json:"oem_information"`
	ReservedWords2           [10]uint16 `json:"reserved_words_2"`

	// e_lfanew: file offset of the NT headers.
	AddressOfNewEXEHeader uint32 `json:"address_of_new_exe_header"`
}

// ParseDOSHeader reads and validates the DOS stub. 'MZ' (or the archaic
// byte-swapped 'ZM') plus a plausible e_lfanew is all the loader itself
// insists on; everything else in the stub is free-form.
func (pe *ParsedImage) ParseDOSHeader() error {
	size := uint32(binary.Size(pe.DOSHeader))
	if err := pe.structUnpack(&pe.DOSHeader, 0, size); err != nil {
		return err
	}

	switch pe.DOSHeader.Magic {
	case ImageDOSSignature, ImageDOSZMSignature:
	default:
		return ErrDOSMagicNotFound
	}

	// e_lfanew below 4 would overlap the signature itself; beyond the file
	// there is nothing to parse. Tiny PEs legitimately pull the NT headers
	// up into the DOS header, which is worth flagging but loads fine.
	elfanew := pe.DOSHeader.AddressOfNewEXEHeader
	switch {
	case elfanew < 4 || elfanew > pe.size:
		return ErrInvalidElfanewValue
	case elfanew <= 0x3c:
		pe.addAnomaly(AnoPEHeaderOverlapDOSHeader)
	}

	pe.HasDOSHdr = true
	return nil
}
