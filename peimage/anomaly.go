// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package peimage

import (
	"encoding/binary"
	"slices"
	"time"
)

// Anomalies found in a PE
var (
	// AnoPEHeaderOverlapDOSHeader is reported when the PE headers overlaps with the DOS header.
	AnoPEHeaderOverlapDOSHeader = "PE Header overlaps with DOS header"

	// AnoPETimeStampNull is reported when the file header timestamp is 0.
	AnoPETimeStampNull = "PE header timestamp set to 0"

	// AnoPETimeStampFuture is reported when the file header timestamp is more
	// than one day ahead of the current date timestamp.
	AnoPETimeStampFuture = "PE header timestamp set in the future"

	// AnoNumberOfSections10Plus is reported when the section count reaches 10.
	AnoNumberOfSections10Plus = "Number of sections is 10+"

	// AnoNumberOfSectionsNull is reported when sections count's is 0.
	AnoNumberOfSectionsNull = "Number of sections is 0"

	// AnoSizeOfOptionalHeaderNull is reported when size of optional header is 0.
	AnoSizeOfOptionalHeaderNull = "Size of optional header is 0"

	// AnoUncommonSizeOfOptionalHeader32 is reported when size of optional
	// header for PE32 is larger than 0xE0.
	AnoUncommonSizeOfOptionalHeader32 = "Size of optional header is larger than 0xE0 (PE32)"

	// AnoUncommonSizeOfOptionalHeader64 is reported when size of optional
	// header for PE32+ is larger than 0xF0.
	AnoUncommonSizeOfOptionalHeader64 = "Size of optional header is larger than 0xF0 (PE32+)"

	// AnoAddressOfEntryPointNull is reported when address of entry point is 0.
	AnoAddressOfEntryPointNull = "Address of entry point is 0"

	// AnoAddressOfEPLessSizeOfHeaders is reported when address of entry point
	// is smaller than size of headers, the file cannot run under Windows.
	AnoAddressOfEPLessSizeOfHeaders = "Address of entry point is smaller than size of headers, " +
		"the file cannot run under Windows 8"

	// AnoImageBaseNull is reported when the image base is null.
	AnoImageBaseNull = "Image base is 0"

	// ErrInvalidSectionAlignment is reported when file alignment is lesser
	// than 0x200 and different from section alignment.
	ErrInvalidSectionAlignment = "FileAlignment lesser than 0x200 and different from section alignment"

	// AnoMajorSubsystemVersion is reported when MajorSubsystemVersion has a
	// value different than the standard 3 --> 6.
	AnoMajorSubsystemVersion = "MajorSubsystemVersion is outside 3<-->6 boundary"

	// AnonWin32VersionValue is reported when Win32VersionValue is different than 0
	AnonWin32VersionValue = "Win32VersionValue is a reserved field, must be set to zero"

	// AnoInvalidPEChecksum is reported when the optional header checksum field
	// is different from what it should normally be.
	AnoInvalidPEChecksum = "Optional header checksum is invalid"

	// AnoNumberOfRvaAndSizes is reported when NumberOfRvaAndSizes is different than 16.
	AnoNumberOfRvaAndSizes = "Optional header NumberOfRvaAndSizes != 16"

	// AnoReservedDataDirectoryEntry is reported when the last data directory entry is not zero.
	AnoReservedDataDirectoryEntry = "Last data directory entry is a reserved field, must be set to zero"

	// AnoCOFFSymbolsCount is reported when number of COFF symbols is absurdly high.
	AnoCOFFSymbolsCount = "COFF symbols count is absurdly high"

	// AnoExportNameOrdinalOutOfRange is reported when the name ordinal table
	// points at an index outside the export address table.
	AnoExportNameOrdinalOutOfRange = "Export name ordinal index out of range"

	// AnoDuplicateExportOrdinal is reported when two export entries share
	// the same ordinal.
	AnoDuplicateExportOrdinal = "Duplicate export ordinal"

	// AnoDuplicateExportName is reported when two export entries share the
	// same name; the first writer keeps the name index slot.
	AnoDuplicateExportName = "Duplicate export name"
)

// optionalHeaderCommon is the subset of optional-header fields the anomaly
// checks consult, identical across PE32 and PE32+.
type optionalHeaderCommon struct {
	AddressOfEntryPoint   uint32
	ImageBase             uint64
	SectionAlignment      uint32
	SizeOfImage           uint32
	SizeOfHeaders         uint32
	CheckSum              uint32
	MajorSubsystemVersion uint16
	Win32VersionValue     uint32
	NumberOfRvaAndSizes   uint32
}

func (pe *ParsedImage) optionalHeaderCommon() optionalHeaderCommon {
	if pe.Is64 {
		oh := pe.NtHeader.OptionalHeader.(ImageOptionalHeader64)
		return optionalHeaderCommon{
			AddressOfEntryPoint:   oh.AddressOfEntryPoint,
			ImageBase:             oh.ImageBase,
			SectionAlignment:      oh.SectionAlignment,
			SizeOfImage:           oh.SizeOfImage,
			SizeOfHeaders:         oh.SizeOfHeaders,
			CheckSum:              oh.CheckSum,
			MajorSubsystemVersion: oh.MajorSubsystemVersion,
			Win32VersionValue:     oh.Win32VersionValue,
			NumberOfRvaAndSizes:   oh.NumberOfRvaAndSizes,
		}
	}
	oh := pe.NtHeader.OptionalHeader.(ImageOptionalHeader32)
	return optionalHeaderCommon{
		AddressOfEntryPoint:   oh.AddressOfEntryPoint,
		ImageBase:             uint64(oh.ImageBase),
		SectionAlignment:      oh.SectionAlignment,
		SizeOfImage:           oh.SizeOfImage,
		SizeOfHeaders:         oh.SizeOfHeaders,
		CheckSum:              oh.CheckSum,
		MajorSubsystemVersion: oh.MajorSubsystemVersion,
		Win32VersionValue:     oh.Win32VersionValue,
		NumberOfRvaAndSizes:   oh.NumberOfRvaAndSizes,
	}
}

// GetAnomalies records header-level oddities that do not prevent the
// Windows loader from loading the file but are worth surfacing to callers.
func (pe *ParsedImage) GetAnomalies() error {
	fh := &pe.NtHeader.FileHeader

	// Ten or more sections is legal (up to 96 on XP, 65535 since Vista)
	// but uncommon for ordinary applications.
	if fh.NumberOfSections >= 10 {
		pe.addAnomaly(AnoNumberOfSections10Plus)
	}
	// Zero sections is legal only for low-alignment images.
	if fh.NumberOfSections == 0 {
		pe.addAnomaly(AnoNumberOfSectionsNull)
	}

	if fh.TimeDateStamp == 0 {
		pe.addAnomaly(AnoPETimeStampNull)
	}
	if int64(fh.TimeDateStamp) > time.Now().Add(24*time.Hour).Unix() {
		pe.addAnomaly(AnoPETimeStampFuture)
	}

	// SizeOfOptionalHeader is really the delta from the optional header's
	// top to the section table, so zero and oversized values both load.
	switch {
	case fh.SizeOfOptionalHeader == 0:
		pe.addAnomaly(AnoSizeOfOptionalHeaderNull)
	case pe.Is64 && fh.SizeOfOptionalHeader > uint16(binary.Size(ImageOptionalHeader64{})):
		pe.addAnomaly(AnoUncommonSizeOfOptionalHeader64)
	case pe.Is32 && fh.SizeOfOptionalHeader > uint16(binary.Size(ImageOptionalHeader32{})):
		pe.addAnomaly(AnoUncommonSizeOfOptionalHeader32)
	}

	oh := pe.optionalHeaderCommon()

	// A null entry point is fine for a DLL (DllMain is simply skipped);
	// one below SizeOfHeaders will not run on Windows 8+.
	if oh.AddressOfEntryPoint == 0 {
		pe.addAnomaly(AnoAddressOfEntryPointNull)
	} else if oh.AddressOfEntryPoint < oh.SizeOfHeaders {
		pe.addAnomaly(AnoAddressOfEPLessSizeOfHeaders)
	}

	// XP relocates a null-based image to 0x10000.
	if oh.ImageBase == 0 {
		pe.addAnomaly(AnoImageBaseNull)
	}

	if oh.SectionAlignment != 0 && oh.SizeOfImage%oh.SectionAlignment != 0 {
		pe.addAnomaly(AnoInvalidSizeOfImage)
	}

	// Ignored for DLLs before Windows 8; 3..6 is the standard range since.
	if oh.MajorSubsystemVersion < 3 || oh.MajorSubsystemVersion > 6 {
		pe.addAnomaly(AnoMajorSubsystemVersion)
	}

	// Reserved; a non-zero value overrides the OS version the PEB reports.
	if oh.Win32VersionValue != 0 {
		pe.addAnomaly(AnonWin32VersionValue)
	}

	// The checksum may be zero; only a wrong non-zero value is anomalous.
	if oh.CheckSum != 0 && pe.Checksum() != oh.CheckSum {
		pe.addAnomaly(AnoInvalidPEChecksum)
	}

	// Fixed at 16 since the earliest NT releases.
	if oh.NumberOfRvaAndSizes != 16 {
		pe.addAnomaly(AnoNumberOfRvaAndSizes)
	}

	return nil
}

// addAnomaly appends the given anomaly to the list of anomalies.
func (pe *ParsedImage) addAnomaly(anomaly string) {
	if !slices.Contains(pe.Anomalies, anomaly) {
		pe.Anomalies = append(pe.Anomalies, anomaly)
	}
}
