// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package peimage

import (
	"encoding/binary"
	"fmt"

	"github.com/winpe/modscan/symstore"
)

// TLSDirectoryCharacteristicsType holds the TLS directory's alignment
// bits ([23:20]); the rest of the field is reserved.
type TLSDirectoryCharacteristicsType uint32

// TLSDirectory is the parsed TLS directory plus its resolved callback
// chain. Callback VAs are runtime addresses regardless of bitness.
type TLSDirectory struct {
	// Struct is an ImageTLSDirectory32 or ImageTLSDirectory64.
	Struct interface{} `json:"struct"`

	Callbacks []uint64 `json:"callbacks,omitempty"`
}

// ImageTLSDirectory32 is the PE32 TLS directory. The template span
// (start/end), index slot, and callback array pointer are all VAs, not
// RVAs.
type ImageTLSDirectory32 struct {
	StartAddressOfRawData uint32                          `json:"start_address_of_raw_data"`
	EndAddressOfRawData   uint32                          `json:"end_address_of_raw_data"`
	AddressOfIndex        uint32                          `json:"address_of_index"`
	AddressOfCallBacks    uint32                          `json:"address_of_callbacks"`
	SizeOfZeroFill        uint32                          `json:"size_of_zero_fill"`
	Characteristics       TLSDirectoryCharacteristicsType `json:"characteristics"`
}

// ImageTLSDirectory64 is the PE32+ TLS directory; same layout with the
// four address fields widened.
type ImageTLSDirectory64 struct {
	StartAddressOfRawData uint64                          `json:"start_address_of_raw_data"`
	EndAddressOfRawData   uint64                          `json:"end_address_of_raw_data"`
	AddressOfIndex        uint64                          `json:"address_of_index"`
	AddressOfCallBacks    uint64                          `json:"address_of_callbacks"`
	SizeOfZeroFill        uint32                          `json:"size_of_zero_fill"`
	Characteristics       TLSDirectoryCharacteristicsType `json:"characteristics"`
}

// parseTLSDirectory decodes the TLS directory and walks its callback
// chain. The first three pointer-sized fields (template span and index
// slot) precede AddressOfCallBacks; all of them hold VAs, read here from
// the post-relocation buffer, so a rebased image yields runtime
// addresses directly.
func (pe *ParsedImage) parseTLSDirectory(rva, size uint32) error {
	offset := pe.GetOffsetFromRva(rva)

	var callbacksVA uint64
	if pe.Is64 {
		dir := ImageTLSDirectory64{}
		if err := pe.structUnpack(&dir, offset, uint32(binary.Size(dir))); err != nil {
			return err
		}
		pe.TLS.Struct = dir
		callbacksVA = dir.AddressOfCallBacks
	} else {
		dir := ImageTLSDirectory32{}
		if err := pe.structUnpack(&dir, offset, uint32(binary.Size(dir))); err != nil {
			return err
		}
		pe.TLS.Struct = dir
		callbacksVA = uint64(dir.AddressOfCallBacks)
	}

	// The callback chain is optional; a present pointer may still lead
	// straight to the NUL terminator.
	if callbacksVA != 0 {
		pe.TLS.Callbacks = pe.readTLSCallbacks(callbacksVA)
	}

	pe.HasTLS = true
	return nil
}

// readTLSCallbacks walks the NUL-terminated pointer chain at va, one
// pointer-sized slot per callback, widened to 64 bits.
func (pe *ParsedImage) readTLSCallbacks(va uint64) []uint64 {
	offset := pe.GetOffsetFromRva(pe.VaToRva(va))
	stride := pe.ptrSize()

	var callbacks []uint64
	for {
		var cb uint64
		if stride == 8 {
			v, err := pe.ReadUint64(offset)
			if err != nil {
				break
			}
			cb = v
		} else {
			v, err := pe.ReadUint32(offset)
			if err != nil {
				break
			}
			cb = uint64(v)
		}
		if cb == 0 {
			break
		}
		callbacks = append(callbacks, cb)
		offset += stride
	}
	return callbacks
}

// buildEntryPoints assembles EntryPointList: one entry for the
// image entry point (if any), named "EntryPoint", followed by one per TLS
// callback, named "Tls Callback N". Called once all directories (notably
// TLS) have been parsed.
func (pe *ParsedImage) buildEntryPoints() {
	var epRVA uint32
	if pe.Is64 {
		epRVA = pe.NtHeader.OptionalHeader.(ImageOptionalHeader64).AddressOfEntryPoint
	} else {
		epRVA = pe.NtHeader.OptionalHeader.(ImageOptionalHeader32).AddressOfEntryPoint
	}
	if epRVA != 0 {
		ep := EntryPoint{
			Name:      "EntryPoint",
			RawOffset: pe.GetOffsetFromRva(epRVA),
			VA:        pe.RvaToVA(epRVA),
		}
		pe.EntryPointList = append(pe.EntryPointList, ep)
		pe.publish(ep.VA, symstore.DataEntryPoint, len(pe.EntryPointList)-1, ep.Name)
	}

	for i, va := range pe.TLS.Callbacks {
		pe.appendTLSCallback(i, va)
	}
}

// appendTLSCallback records one TLS callback (a runtime VA, per the header)
// as both a TlsCallback symbol and an EntryPoint symbol/list entry.
func (pe *ParsedImage) appendTLSCallback(index int, callbackVA uint64) {
	name := fmt.Sprintf("Tls Callback %d", index)
	rva := pe.VaToRva(callbackVA)
	ep := EntryPoint{
		Name:      name,
		RawOffset: pe.GetOffsetFromRva(rva),
		VA:        callbackVA,
	}
	pe.EntryPointList = append(pe.EntryPointList, ep)
	listIndex := len(pe.EntryPointList) - 1
	pe.publish(callbackVA, symstore.DataTLSCallback, listIndex, name)
	pe.publish(callbackVA, symstore.DataEntryPoint, listIndex, name)
}
