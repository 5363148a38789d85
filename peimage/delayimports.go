// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package peimage

import (
	"encoding/binary"

	"github.com/winpe/modscan/symstore"
)

// ImageDelayImportDescriptor represents the IMAGE_DELAYLOAD_DESCRIPTOR,
// used for a DLL a module loads on first call into it rather than at
// process start.
type ImageDelayImportDescriptor struct {
	// Attributes must be zero for the old version, or non-zero for the new
	// version where the fields below are RVAs rather than VAs.
	Attributes uint32 `json:"attributes"`

	// Name is the RVA of the delay-loaded DLL's ASCII name.
	Name uint32 `json:"name"`

	// ModuleHandleRVA is the RVA of the module handle, in the data section,
	// which is set by the delay loader once the DLL is loaded.
	ModuleHandleRVA uint32 `json:"module_handle_rva"`

	// ImportAddressTableRVA is the RVA of the delay-load import address
	// table, which is overwritten in place after the first call resolves.
	ImportAddressTableRVA uint32 `json:"import_address_table_rva"`

	// ImportNameTableRVA is the RVA of the delay-load import name table,
	// laid out identically to a regular import lookup table.
	ImportNameTableRVA uint32 `json:"import_name_table_rva"`

	// BoundImportAddressTableRVA is the RVA of the optional bound IAT.
	BoundImportAddressTableRVA uint32 `json:"bound_import_address_table_rva"`

	// UnloadInformationTableRVA is the RVA of the optional unload IAT.
	UnloadInformationTableRVA uint32 `json:"unload_information_table_rva"`

	// TimeDateStamp records when the descriptor was bound, zero otherwise.
	TimeDateStamp uint32 `json:"time_date_stamp"`
}

// DelayImport represents one delay-loaded library and its functions.
type DelayImport struct {
	Offset     uint32                      `json:"offset"`
	Name       string                      `json:"name"`
	Functions  []ImportFunction            `json:"functions"`
	Descriptor ImageDelayImportDescriptor  `json:"descriptor"`
}

// normalizeDelayDescriptor rewrites an old-format descriptor in place. In
// its original Visual C++ 6.0 incarnation every ImgDelayDescr address
// field held a VA rather than an RVA; descriptors with the attribute bit
// clear still use that layout, so each non-zero field gets the preferred
// image base subtracted before any RVA-based reader touches it.
func (pe *ParsedImage) normalizeDelayDescriptor(d *ImageDelayImportDescriptor) {
	base := uint32(pe.PreferredImageBase)
	for _, field := range []*uint32{
		&d.Name, &d.ModuleHandleRVA, &d.ImportAddressTableRVA,
		&d.ImportNameTableRVA, &d.BoundImportAddressTableRVA,
		&d.UnloadInformationTableRVA,
	} {
		if *field != 0 {
			*field -= base
		}
	}
}

// parseDelayImportDirectory parses the delay import directory,
// reusing the same thunk-table walk the regular import directory uses
// since both ILT/IAT layouts are identical once OriginalFirstThunk/
// FirstThunk are substituted for their delay-descriptor equivalents.
// It must run after the relocation rewrite pass: on a rebased 64-bit
// image the pre-initialization IAT values are pointer-sized and only
// read correctly from the patched buffer.
func (pe *ParsedImage) parseDelayImportDirectory(rva, size uint32) error {
	for {
		descRVA := rva
		descSize := uint32(binary.Size(ImageDelayImportDescriptor{}))
		fileOffset := pe.GetOffsetFromRva(rva)

		delayDesc := ImageDelayImportDescriptor{}
		if err := pe.structUnpack(&delayDesc, fileOffset, descSize); err != nil {
			return err
		}

		if delayDesc.ImportAddressTableRVA == 0 {
			break
		}

		if delayDesc.Attributes&1 == 0 {
			pe.normalizeDelayDescriptor(&delayDesc)
		}

		rva += descSize

		importedFunctions, err := pe.parseImportedFunctions(
			delayDesc.ImportNameTableRVA, delayDesc.ImportAddressTableRVA,
			delayDesc.Attributes&1 == 0)
		if err != nil {
			return err
		}

		dllName := pe.getStringAtRVA(delayDesc.Name, maxDllLength)
		if !IsValidDosFilename(dllName) {
			continue
		}

		pe.DelayImports = append(pe.DelayImports, DelayImport{
			Offset:     fileOffset,
			Name:       string(dllName),
			Functions:  importedFunctions,
			Descriptor: delayDesc,
		})

		pe.publish(pe.ImageBase+uint64(descRVA),
			symstore.DataImportDescriptor, len(pe.DelayImports)-1, string(dllName))
	}

	if len(pe.DelayImports) > 0 {
		pe.HasDelayImp = true
	}

	return nil
}
