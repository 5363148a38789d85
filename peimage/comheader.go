// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package peimage

import (
	"encoding/binary"
)

// COMImageFlagsType represents a COM+ header entry point flag type.
type COMImageFlagsType uint32

// COM+ Header entry point flags.
const (
	// The image file contains IL code only, with no embedded native unmanaged
	// code except the start-up stub.
	COMImageFlagsILOnly = 0x00000001

	// The image file can be loaded only into a 32-bit process.
	COMImageFlags32BitRequired = 0x00000002

	// The image file is protected with a strong name signature.
	COMImageFlagsStrongNameSigned = 0x00000008

	// The executable's entry point is an unmanaged method; the
	// EntryPointToken/EntryPointRVA field holds its RVA.
	COMImageFlagsNativeEntrypoint = 0x00000010
)

// ImageCOR20Header is the CLR 2.0 descriptor a managed module carries in
// its COM+ data directory.
type ImageCOR20Header struct {
	Cb                  uint32             `json:"cb"`
	MajorRuntimeVersion uint16             `json:"major_runtime_version"`
	MinorRuntimeVersion uint16             `json:"minor_runtime_version"`
	MetaData            DataDirectory `json:"meta_data"`
	Flags               COMImageFlagsType  `json:"flags"`
	EntryPointRVAorToken uint32            `json:"entry_point_rva_or_token"`
	Resources           DataDirectory `json:"resources"`
	StrongNameSignature DataDirectory `json:"strong_name_signature"`
	CodeManagerTable    DataDirectory `json:"code_manager_table"`
	VTableFixups        DataDirectory `json:"v_table_fixups"`
	ExportAddressTableJumps DataDirectory `json:"export_address_table_jumps"`
	ManagedNativeHeader DataDirectory `json:"managed_native_header"`
}

// parseCLRHeaderDirectory reads the 0x48-byte COM+ descriptor and records
// whether the module is effectively IL-only: the ILONLY flag, or the
// 32-bit-required flag that forces the loader down the managed 32-bit
// path even when native stubs are present.
func (pe *ParsedImage) parseCLRHeaderDirectory(rva, size uint32) error {
	clrHeader := ImageCOR20Header{}
	offset := pe.GetOffsetFromRva(rva)
	if offset == ^uint32(0) {
		return ErrOutsideBoundary
	}

	err := pe.structUnpack(&clrHeader, offset, uint32(binary.Size(clrHeader)))
	if err != nil {
		return err
	}

	pe.CLRHeader = clrHeader
	pe.COMPlusILOnly = clrHeader.Flags&(COMImageFlagsILOnly|COMImageFlags32BitRequired) != 0
	pe.HasCLR = true
	return nil
}
