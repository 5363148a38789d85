// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package peimage

import (
	"encoding/binary"
)

// ImageFileHeaderMachineType is the target machine identifier.
type ImageFileHeaderMachineType uint16

// ImageFileHeaderCharacteristicsType holds the file header attribute flags.
type ImageFileHeaderCharacteristicsType uint16

// ImageOptionalHeaderSubsystemType identifies the required subsystem.
type ImageOptionalHeaderSubsystemType uint16

// ImageOptionalHeaderDllCharacteristicsType holds the optional header's
// DLL characteristic flags.
type ImageOptionalHeaderDllCharacteristicsType uint16

// ImageNtHeader is the "PE\0\0" signature plus the COFF file header and
// whichever optional-header shape the image carries.
type ImageNtHeader struct {
	Signature uint32 `json:"signature"`

	FileHeader ImageFileHeader `json:"file_header"`

	// OptionalHeader is an ImageOptionalHeader32 or ImageOptionalHeader64.
	OptionalHeader interface{} `json:"optional_header"`
}

// ImageFileHeader is the 20-byte COFF header: machine, section count,
// symbol table location, optional-header size, and attribute flags.
type ImageFileHeader struct {
	Machine              ImageFileHeaderMachineType         `json:"machine"`
	NumberOfSections     uint16                             `json:"number_of_sections"`
	TimeDateStamp        uint32                             `json:"time_date_stamp"`
	PointerToSymbolTable uint32                             `json:"pointer_to_symbol_table"`
	NumberOfSymbols      uint32                             `json:"number_of_symbols"`
	SizeOfOptionalHeader uint16                             `json:"size_of_optional_header"`
	Characteristics      ImageFileHeaderCharacteristicsType `json:"characteristics"`
}

// ImageOptionalHeader32 is the PE32 optional header. Field meanings follow
// the PE/COFF specification; only the handful the analyzer consults
// (ImageBase, alignments, sizes, entry point, data directories) are load
// bearing, the rest is carried so callers can inspect the full header.
type ImageOptionalHeader32 struct {
	// 0x10B for PE32; the field deciding which shape follows.
	Magic uint16 `json:"magic"`

	MajorLinkerVersion      uint8  `json:"major_linker_version"`
	MinorLinkerVersion      uint8  `json:"minor_linker_version"`
	SizeOfCode              uint32 `json:"size_of_code"`
	SizeOfInitializedData   uint32 `json:"size_of_initialized_data"`
	SizeOfUninitializedData uint32 `json:"size_of_uninitialized_data"`

	// Entry point RVA; zero is legal for DLLs (DllMain simply not called).
	AddressOfEntryPoint uint32 `json:"address_of_entrypoint"`

	BaseOfCode uint32 `json:"base_of_code"`

	// PE32 only; absent from the 64-bit shape.
	BaseOfData uint32 `json:"base_of_data"`

	// Preferred load address, a 64K multiple.
	ImageBase uint32 `json:"image_base"`

	// In-memory section granularity; at least FileAlignment, default the
	// architecture page size.
	SectionAlignment uint32 `json:"section_alignment"`

	// On-disk raw data granularity, a power of 2 in [512, 64K].
	FileAlignment uint32 `json:"file_alignment"`

	MajorOperatingSystemVersion uint16 `json:"major_os_version"`
	MinorOperatingSystemVersion uint16 `json:"minor_os_version"`
	MajorImageVersion           uint16 `json:"major_image_version"`
	MinorImageVersion           uint16 `json:"minor_image_version"`
	MajorSubsystemVersion       uint16 `json:"major_subsystem_version"`
	MinorSubsystemVersion       uint16 `json:"minor_subsystem_version"`

	// Reserved, must be zero.
	Win32VersionValue uint32 `json:"win32_version_value"`

	// Mapped image extent, a SectionAlignment multiple.
	SizeOfImage uint32 `json:"size_of_image"`

	// Stub + headers + section table, rounded up to FileAlignment.
	SizeOfHeaders uint32 `json:"size_of_headers"`

	CheckSum uint32 `json:"checksum"`

	Subsystem          ImageOptionalHeaderSubsystemType          `json:"subsystem"`
	DllCharacteristics ImageOptionalHeaderDllCharacteristicsType `json:"dll_characteristics"`

	SizeOfStackReserve uint32 `json:"size_of_stack_reserve"`
	SizeOfStackCommit  uint32 `json:"size_of_stack_commit"`
	SizeOfHeapReserve  uint32 `json:"size_of_heap_reserve"`
	SizeOfHeapCommit   uint32 `json:"size_of_heap_commit"`

	// Reserved, must be zero.
	LoaderFlags uint32 `json:"loader_flags"`

	// 16 since the earliest NT releases.
	NumberOfRvaAndSizes uint32 `json:"number_of_rva_and_sizes"`

	DataDirectory [16]DataDirectory `json:"data_directories"`
}

// ImageOptionalHeader64 is the PE32+ optional header: ImageBase and the
// stack/heap quotas widen to 64 bits and BaseOfData disappears; everything
// else matches the PE32 shape field for field.
type ImageOptionalHeader64 struct {
	// 0x20B for PE32+.
	Magic uint16 `json:"magic"`

	MajorLinkerVersion      uint8  `json:"major_linker_version"`
	MinorLinkerVersion      uint8  `json:"minor_linker_version"`
	SizeOfCode              uint32 `json:"size_of_code"`
	SizeOfInitializedData   uint32 `json:"size_of_initialized_data"`
	SizeOfUninitializedData uint32 `json:"size_of_uninitialized_data"`
	AddressOfEntryPoint     uint32 `json:"address_of_entrypoint"`
	BaseOfCode              uint32 `json:"base_of_code"`

	// Preferred load address, a 64K multiple.
	ImageBase uint64 `json:"image_base"`

	SectionAlignment uint32 `json:"section_alignment"`
	FileAlignment    uint32 `json:"file_alignment"`

	MajorOperatingSystemVersion uint16 `json:"major_os_version"`
	MinorOperatingSystemVersion uint16 `json:"minor_os_version"`
	MajorImageVersion           uint16 `json:"major_image_version"`
	MinorImageVersion           uint16 `json:"minor_image_version"`
	MajorSubsystemVersion       uint16 `json:"major_subsystem_version"`
	MinorSubsystemVersion       uint16 `json:"minor_subsystem_version"`

	// Reserved, must be zero.
	Win32VersionValue uint32 `json:"win32_version_value"`

	SizeOfImage   uint32 `json:"size_of_image"`
	SizeOfHeaders uint32 `json:"size_of_headers"`
	CheckSum      uint32 `json:"checksum"`

	Subsystem          ImageOptionalHeaderSubsystemType          `json:"subsystem"`
	DllCharacteristics ImageOptionalHeaderDllCharacteristicsType `json:"dll_characteristics"`

	SizeOfStackReserve uint64 `json:"size_of_stack_reserve"`
	SizeOfStackCommit  uint64 `json:"size_of_stack_commit"`
	SizeOfHeapReserve  uint64 `json:"size_of_heap_reserve"`
	SizeOfHeapCommit   uint64 `json:"size_of_heap_commit"`

	// Reserved, must be zero.
	LoaderFlags uint32 `json:"loader_flags"`

	NumberOfRvaAndSizes uint32 `json:"number_of_rva_and_sizes"`

	DataDirectory [16]DataDirectory `json:"data_directories"`
}

// DataDirectory is one {RVA, size} slot of the optional header's
// 16-entry directory table.
type DataDirectory struct {
	VirtualAddress uint32 `json:"virtual_address"`
	Size           uint32 `json:"size"`
}

// ParseNTHeader locates the NT headers via e_lfanew, verifies the
// "PE\0\0" signature, reads the file header, and decodes the optional
// header in whichever width the machine type calls for: I386 reads the
// PE32 layout, AMD64 the PE32+ one, with the optional-header magic as the
// tie breaker for machines outside the analyzer's x86/x86-64 focus.
func (pe *ParsedImage) ParseNTHeader() error {
	ntOffset := pe.DOSHeader.AddressOfNewEXEHeader
	signature, err := pe.ReadUint32(ntOffset)
	if err != nil {
		return ErrInvalidNtHeaderOffset
	}

	if signature != ImageNTSignature {
		// Identify the other EXE families for a sharper diagnostic.
		switch uint16(signature) {
		case ImageOS2Signature:
			return ErrImageOS2SignatureFound
		case ImageOS2LESignature:
			return ErrImageOS2LESignatureFound
		case ImageVXDSignature:
			return ErrImageVXDSignatureFound
		case ImageTESignature:
			return ErrImageTESignatureFound
		}
		return ErrImageNtSignatureNotFound
	}
	pe.NtHeader.Signature = signature

	fhSize := uint32(binary.Size(pe.NtHeader.FileHeader))
	if err := pe.structUnpack(&pe.NtHeader.FileHeader, ntOffset+4, fhSize); err != nil {
		return err
	}

	optOffset := ntOffset + 4 + fhSize
	magic, err := pe.ReadUint16(optOffset)
	if err != nil {
		return err
	}
	if magic != ImageNtOptionalHeader32Magic && magic != ImageNtOptionalHeader64Magic {
		return ErrImageNtOptionalHeaderMagicNotFound
	}

	var wide bool
	switch pe.NtHeader.FileHeader.Machine {
	case ImageFileMachineAMD64:
		wide = true
	case ImageFileMachineI386:
		wide = false
	default:
		wide = magic == ImageNtOptionalHeader64Magic
	}

	var preferredBase uint64
	var sizeOfImage uint32
	if wide {
		oh := ImageOptionalHeader64{}
		if err := pe.structUnpack(&oh, optOffset, uint32(binary.Size(oh))); err != nil {
			return err
		}
		pe.Is64 = true
		pe.NtHeader.OptionalHeader = oh
		preferredBase = oh.ImageBase
		sizeOfImage = oh.SizeOfImage
	} else {
		oh := ImageOptionalHeader32{}
		if err := pe.structUnpack(&oh, optOffset, uint32(binary.Size(oh))); err != nil {
			return err
		}
		pe.Is32 = true
		pe.NtHeader.OptionalHeader = oh
		preferredBase = uint64(oh.ImageBase)
		sizeOfImage = oh.SizeOfImage
	}

	// The loader insists on a 64K-aligned base. The end-of-image cap (2GB
	// for PE32, the canonical upper VA bound for PE32+) only rates an
	// anomaly since such files still parse.
	if preferredBase%0x10000 != 0 {
		return ErrImageBaseNotAligned
	}
	if (pe.Is32 && preferredBase+uint64(sizeOfImage) >= 0x80000000) ||
		(pe.Is64 && preferredBase+uint64(sizeOfImage) >= 0xffff080000000000) {
		pe.addAnomaly(AnoImageBaseOverflow)
	}

	pe.HasNTHdr = true
	return nil
}
