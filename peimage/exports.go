// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package peimage

import (
	"encoding/binary"
	"strings"

	"github.com/winpe/modscan/symstore"
)

const maxExportNameLength = 0x200

// ImageExportDirectory represents the IMAGE_EXPORT_DIRECTORY structure,
// found via the export data directory, that describes every symbol a
// module makes available to its importers.
type ImageExportDirectory struct {
	Characteristics       uint32 `json:"characteristics"`
	TimeDateStamp         uint32 `json:"time_date_stamp"`
	MajorVersion          uint16 `json:"major_version"`
	MinorVersion          uint16 `json:"minor_version"`
	Name                  uint32 `json:"name"`
	Base                  uint32 `json:"base"`
	NumberOfFunctions     uint32 `json:"number_of_functions"`
	NumberOfNames         uint32 `json:"number_of_names"`
	AddressOfFunctions    uint32 `json:"address_of_functions"`
	AddressOfNames        uint32 `json:"address_of_names"`
	AddressOfNameOrdinals uint32 `json:"address_of_name_ordinals"`
}

// ExportFunction is one entry in the Export Address Table, named or
// ordinal-only, and forwarded when FunctionRVA lies inside the export
// directory itself.
type ExportFunction struct {
	Ordinal      uint32 `json:"ordinal"`
	FunctionRVA  uint32 `json:"function_rva"`
	NameRVA      uint32 `json:"name_rva"`
	Name         string `json:"name"`
	Forwarder    string `json:"forwarder,omitempty"`
	ForwarderRVA uint32 `json:"forwarder_rva,omitempty"`

	// Slots in the name pointer / name ordinal tables this function was
	// matched through, for symbol publication.
	nameSlotRVA uint32
	ordSlotRVA  uint32
}

// Export bundles the export directory with its resolved function table.
type Export struct {
	Struct    ImageExportDirectory `json:"struct"`
	Functions []ExportFunction     `json:"functions"`
}

// parseExportDirectory parses the export directory: the EAT
// (ordinal-indexed function RVAs), the name pointer table, and the name
// ordinal table, matching names to functions by the ordinal table and
// detecting forwarded exports (a function RVA pointing back inside
// [rva, rva+size)).
func (pe *ParsedImage) parseExportDirectory(rva, size uint32) error {
	exportDir := ImageExportDirectory{}
	exportDirSize := uint32(binary.Size(exportDir))
	fileOffset := pe.GetOffsetFromRva(rva)
	if err := pe.structUnpack(&exportDir, fileOffset, exportDirSize); err != nil {
		return err
	}

	pe.exportNameIndex = make(map[string]int)
	pe.exportOrdinalIndex = make(map[uint32]int)

	// functions is indexed by EAT slot (ordinal-relative index), including
	// empty slots (FunctionRVA == 0), so the name ordinal table below - which
	// refers to EAT indices - lines up without a compacting pass.
	functions := make([]ExportFunction, exportDir.NumberOfFunctions)
	for i := uint32(0); i < exportDir.NumberOfFunctions; i++ {
		entryOffset := pe.GetOffsetFromRva(exportDir.AddressOfFunctions + i*4)
		funcRVA, err := pe.ReadUint32(entryOffset)
		if err != nil {
			break
		}

		fn := ExportFunction{
			Ordinal:     exportDir.Base + i,
			FunctionRVA: funcRVA,
		}

		// A function RVA pointing inside the export directory's own byte
		// range is a forwarder: "OtherDll.OtherFunction" ASCII at that RVA.
		if funcRVA != 0 && funcRVA >= rva && funcRVA < rva+size {
			forward := pe.getStringAtRVA(funcRVA, maxExportNameLength)
			fn.Forwarder = string(forward)
			fn.ForwarderRVA = funcRVA
		}

		functions[i] = fn
	}

	// Name pointer table / name ordinal table: for i in [0, NumberOfNames),
	// AddressOfNameOrdinals[i] gives the index into the EAT that
	// AddressOfNames[i]'s name refers to.
	for i := uint32(0); i < exportDir.NumberOfNames; i++ {
		nameRVAOff := pe.GetOffsetFromRva(exportDir.AddressOfNames + i*4)
		nameRVA, err := pe.ReadUint32(nameRVAOff)
		if err != nil {
			break
		}

		ordIdxOff := pe.GetOffsetFromRva(exportDir.AddressOfNameOrdinals + i*2)
		ordIdx, err := pe.ReadUint16(ordIdxOff)
		if err != nil {
			break
		}

		if uint32(ordIdx) >= uint32(len(functions)) {
			pe.addAnomaly(AnoExportNameOrdinalOutOfRange)
			continue
		}

		name := string(pe.getStringAtRVA(nameRVA, maxExportNameLength))
		functions[ordIdx].Name = name
		functions[ordIdx].NameRVA = nameRVA
		functions[ordIdx].nameSlotRVA = exportDir.AddressOfNames + i*4
		functions[ordIdx].ordSlotRVA = exportDir.AddressOfNameOrdinals + i*2
	}

	pe.Export = Export{Struct: exportDir, Functions: functions}

	// The directory's own name string is the original module name; it need
	// not match the on-disk filename and is the consumer side of API-set
	// lookups.
	moduleName := string(pe.getStringAtRVA(exportDir.Name, maxExportNameLength))
	pe.OriginalName = moduleName
	if pe.ImageName == "" {
		pe.ImageName = moduleName
	}

	pe.publish(pe.ImageBase+uint64(rva), symstore.DataExportDirectory, 0, moduleName)

	for i, fn := range functions {
		if fn.FunctionRVA == 0 {
			continue
		}

		// Per-entry EAT slot VA: image_base + AddressOfFunctions + i*4,
		// not the constant directory VA shared by every entry.
		eatSlotVA := pe.ImageBase + uint64(exportDir.AddressOfFunctions) + uint64(i)*4

		entry := ExportEntry{
			FunctionName:   fn.Name,
			Ordinal:        fn.Ordinal,
			ExportTableVA:  eatSlotVA,
			ExportTableRaw: pe.GetOffsetFromRva(exportDir.AddressOfFunctions + uint32(i)*4),
			FuncAddrRVA:    fn.FunctionRVA,
			FuncAddrVA:     pe.ImageBase + uint64(fn.FunctionRVA),
			FuncAddrRaw:    pe.GetOffsetFromRva(fn.FunctionRVA),
		}
		if fn.Forwarder != "" {
			entry.OriginalForwardedTo = fn.Forwarder
			entry.ForwardedTo = pe.resolveForward(moduleName, fn.Forwarder)
		} else if sec := pe.getSectionByRva(fn.FunctionRVA); sec != nil {
			chars := sec.Header.Characteristics
			entry.Executable = chars&ImageScnCntCode != 0 && chars&ImageScnMemExecute != 0
		}

		listIndex := len(pe.ExportList)
		pe.ExportList = append(pe.ExportList, entry)

		if entry.FunctionName != "" {
			if _, exists := pe.exportNameIndex[entry.FunctionName]; !exists {
				pe.exportNameIndex[entry.FunctionName] = listIndex
			} else {
				pe.addAnomaly(AnoDuplicateExportName)
			}
			pe.publish(pe.ImageBase+uint64(fn.nameSlotRVA), symstore.DataEATName,
				listIndex, entry.FunctionName)
			pe.publish(pe.ImageBase+uint64(fn.ordSlotRVA), symstore.DataEATOrdinal,
				listIndex, "")
		}
		if _, exists := pe.exportOrdinalIndex[entry.Ordinal]; exists {
			pe.addAnomaly(AnoDuplicateExportOrdinal)
		} else {
			pe.exportOrdinalIndex[entry.Ordinal] = listIndex
		}

		pe.publish(eatSlotVA, symstore.DataEATAddr, listIndex, "")

		if fn.Forwarder == "" {
			pe.publish(entry.FuncAddrVA, symstore.DataExport, listIndex, entry.FunctionName)
		}
	}

	pe.HasExport = true
	return nil
}

// GetExportByName returns the export entry matching name, if any.
func (pe *ParsedImage) GetExportByName(name string) (ExportEntry, bool) {
	i, ok := pe.exportNameIndex[name]
	if !ok {
		return ExportEntry{}, false
	}
	return pe.ExportList[i], true
}

// GetExportByOrdinal returns the export entry matching ordinal, if any.
func (pe *ParsedImage) GetExportByOrdinal(ordinal uint32) (ExportEntry, bool) {
	i, ok := pe.exportOrdinalIndex[ordinal]
	if !ok {
		return ExportEntry{}, false
	}
	return pe.ExportList[i], true
}

// trimNullPad removes a trailing run of NUL bytes a fixed-width ASCII
// field may carry.
func trimNullPad(s string) string {
	return strings.TrimRight(s, "\x00")
}
