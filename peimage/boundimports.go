// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package peimage

import (
	"encoding/binary"

	"github.com/winpe/modscan/symstore"
)

// maxBoundNameLength caps DLL-name reads out of the bound import table.
// Bound names are short module names; anything longer marks a corrupt
// entry.
const maxBoundNameLength = 0x100

// ImageBoundImportDescriptor heads one bound-DLL record: the timestamp the
// binding was taken against, the table-relative offset of the DLL name,
// and how many forwarder-ref records follow inline.
type ImageBoundImportDescriptor struct {
	TimeDateStamp               uint32 `json:"time_date_stamp"`
	OffsetModuleName            uint16 `json:"offset_module_name"`
	NumberOfModuleForwarderRefs uint16 `json:"number_of_module_forwarder_refs"`
}

// ImageBoundForwardedRef is one forwarder record trailing its descriptor.
type ImageBoundForwardedRef struct {
	TimeDateStamp    uint32 `json:"time_date_stamp"`
	OffsetModuleName uint16 `json:"offset_module_name"`
	Reserved         uint16 `json:"reserved"`
}

// BoundImportDescriptorData is a descriptor resolved with its DLL name and
// forwarder refs.
type BoundImportDescriptorData struct {
	Struct        ImageBoundImportDescriptor `json:"struct"`
	Name          string                     `json:"name"`
	ForwardedRefs []BoundForwardedRefData    `json:"forwarded_refs"`
}

// BoundForwardedRefData is a forwarder ref resolved with its DLL name.
type BoundForwardedRefData struct {
	Struct ImageBoundForwardedRef `json:"struct"`
	Name   string                 `json:"name"`
}

// boundName reads and validates the DLL name a bound-import record points
// at, as a 16-bit offset from the start of the table.
func (pe *ParsedImage) boundName(tableStart uint32, nameOff uint16) (string, bool) {
	_, name := pe.readASCIIStringAtOffset(tableStart+uint32(nameOff), maxBoundNameLength)
	if name == "" || !IsPrintable(name) {
		return "", false
	}
	return name, true
}

// parseBoundImportDirectory walks the bound-import table: descriptors each
// followed inline by their forwarder-ref records, terminated by a zeroed
// descriptor. Bindings let the loader skip import resolution when the
// bound DLL still loads at the address the stamp was taken against. The
// table lives in the header region, so the directory address is used as a
// RAW offset directly; name offsets count from the table start. The first
// descriptor and its refs are tagged for the symbol registry. An invalid
// name ends the walk; everything parsed so far is kept.
func (pe *ParsedImage) parseBoundImportDirectory(offset, size uint32) error {
	tableStart := offset
	descSize := uint32(binary.Size(ImageBoundImportDescriptor{}))
	refSize := uint32(binary.Size(ImageBoundForwardedRef{}))

	end := pe.size
	if size != 0 && tableStart+size < end {
		end = tableStart + size
	}

	for offset+descSize <= end {
		desc := ImageBoundImportDescriptor{}
		if err := pe.structUnpack(&desc, offset, descSize); err != nil {
			return err
		}
		if desc == (ImageBoundImportDescriptor{}) {
			break
		}
		descOffset := offset
		offset += descSize

		name, ok := pe.boundName(tableStart, desc.OffsetModuleName)
		if !ok {
			pe.logger.Warnf("bound import descriptor at 0x%x has an invalid module name", descOffset)
			break
		}

		first := len(pe.BoundImports) == 0
		if first {
			pe.publish(pe.ImageBase+uint64(descOffset),
				symstore.DataBoundImportDescriptor, 0, name)
		}

		refCount := uint32(desc.NumberOfModuleForwarderRefs)
		if avail := (end - offset) / refSize; refCount > avail {
			refCount = avail
		}

		refs := make([]BoundForwardedRefData, 0, refCount)
		for i := uint32(0); i < refCount; i++ {
			ref := ImageBoundForwardedRef{}
			if err := pe.structUnpack(&ref, offset, refSize); err != nil {
				return err
			}
			refOffset := offset
			offset += refSize

			refName, ok := pe.boundName(tableStart, ref.OffsetModuleName)
			if !ok {
				break
			}
			refs = append(refs, BoundForwardedRefData{Struct: ref, Name: refName})

			if first {
				pe.publish(pe.ImageBase+uint64(refOffset),
					symstore.DataBoundImportForwardRef, int(i), refName)
			}
		}

		pe.BoundImports = append(pe.BoundImports, BoundImportDescriptorData{
			Struct:        desc,
			Name:          name,
			ForwardedRefs: refs,
		})
	}

	if len(pe.BoundImports) > 0 {
		pe.HasBoundImp = true
	}
	return nil
}
