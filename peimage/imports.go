// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package peimage

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"

	"github.com/winpe/modscan/symstore"
)

const (
	imageOrdinalFlag32  = uint32(0x80000000)
	imageOrdinalFlag64  = uint64(0x8000000000000000)
	maxDllLength        = 0x200
	maxImportNameLength = 0x200

	// maxImportEntries caps a single thunk-table walk. The tables are
	// zero-terminated, so the cap only matters when a corrupt table runs
	// off into non-zero garbage.
	maxImportEntries = 0x1000
)

var (
	// AnoImportNoNameNoOrdinal is reported when an import entry carries
	// neither a resolvable name nor an ordinal.
	AnoImportNoNameNoOrdinal = "Must have either an ordinal or a name in an import"

	// ErrDamagedImportTable is reported when both the ILT and the IAT of a
	// descriptor are empty or unreadable.
	ErrDamagedImportTable = errors.New(
		"damaged Import Table information. ILT and/or IAT appear to be broken")
)

// ImageImportDescriptor is one entry of the import directory table, one
// per referenced DLL. A zeroed record terminates the table.
type ImageImportDescriptor struct {
	// RVA of the import lookup table (INT): an array of thunks holding a
	// name reference or ordinal per import.
	OriginalFirstThunk uint32 `json:"original_first_thunk"`

	// Zero until the image is bound, then the bound DLL's timestamp.
	TimeDateStamp uint32 `json:"time_date_stamp"`

	// Index of the first forwarder reference (-1 if none).
	ForwarderChain uint32 `json:"forwarder_chain"`

	// RVA of the DLL's ASCII name.
	Name uint32 `json:"name"`

	// RVA of the import address table (IAT): identical to the INT on disk
	// unless the image is bound, then patched to live addresses.
	FirstThunk uint32 `json:"first_thunk"`
}

// thunkEntry is one slot of an import lookup or address table, widened to
// 64 bits regardless of bitness.
type thunkEntry struct {
	RVA   uint32
	Value uint64
}

// ImportFunction is one imported function as recorded in the thunk tables.
type ImportFunction struct {
	// The case-sensitive import name, or "#N" for a by-ordinal import.
	Name string `json:"name"`

	// Hint into the exporting DLL's name pointer table.
	Hint uint16 `json:"hint"`

	// True when the thunk's ordinal bit was set.
	ByOrdinal bool `json:"by_ordinal"`

	// The 16-bit ordinal, meaningful only when ByOrdinal is set.
	Ordinal uint32 `json:"ordinal"`

	// Raw slot values and locations in the INT and IAT.
	OriginalThunkValue uint64 `json:"original_thunk_value"`
	ThunkValue         uint64 `json:"thunk_value"`
	ThunkRVA           uint32 `json:"thunk_rva"`
	OriginalThunkRVA   uint32 `json:"original_thunk_rva"`
}

// Import is one parsed import descriptor with its function list.
type Import struct {
	Offset     uint32                `json:"offset"`
	RVA        uint32                `json:"rva"`
	Name       string                `json:"name"`
	Functions  []ImportFunction      `json:"functions"`
	Descriptor ImageImportDescriptor `json:"descriptor"`
}

// ptrSize is the thunk element width for this image's bitness.
func (pe *ParsedImage) ptrSize() uint32 {
	if pe.Is64 {
		return 8
	}
	return 4
}

// readThunkTable reads the zero-terminated thunk array at rva, one entry
// per pointer-sized slot, stopping at the terminator, the end of mapped
// data, or the entry cap.
func (pe *ParsedImage) readThunkTable(rva uint32) []thunkEntry {
	if rva == 0 {
		return nil
	}

	stride := pe.ptrSize()
	var table []thunkEntry
	for len(table) < maxImportEntries {
		off := pe.GetOffsetFromRva(rva)
		if off == ^uint32(0) || off+stride > pe.size {
			break
		}

		var value uint64
		if stride == 8 {
			value = binary.LittleEndian.Uint64(pe.data[off:])
		} else {
			value = uint64(binary.LittleEndian.Uint32(pe.data[off:]))
		}
		if value == 0 {
			break
		}

		table = append(table, thunkEntry{RVA: rva, Value: value})
		rva += stride
	}
	return table
}

// parseImportedFunctions decodes the parallel INT/IAT thunk tables of one
// (standard or delay) import descriptor. Name reads go through the INT
// when it exists: a bound image carries live addresses in the on-disk
// IAT, which must not be dereferenced as hint/name RVAs. oldDelay marks
// the attribute-less delay descriptor layout whose thunk contents are VAs
// against the preferred base rather than RVAs.
func (pe *ParsedImage) parseImportedFunctions(oft, iat uint32, oldDelay bool) ([]ImportFunction, error) {
	ilt := pe.readThunkTable(oft)
	addrs := pe.readThunkTable(iat)
	if len(ilt) == 0 && len(addrs) == 0 {
		return nil, ErrDamagedImportTable
	}

	names := ilt
	if len(names) == 0 {
		names = addrs
	}

	ordinalFlag := uint64(imageOrdinalFlag32)
	if pe.Is64 {
		ordinalFlag = imageOrdinalFlag64
	}

	var funcs []ImportFunction
	for i, th := range names {
		imp := ImportFunction{}

		if th.Value&ordinalFlag != 0 {
			imp.ByOrdinal = true
			imp.Ordinal = uint32(th.Value & 0xffff)
			imp.Name = "#" + strconv.Itoa(int(imp.Ordinal))
		} else {
			hintRVA := uint32(th.Value)
			if oldDelay {
				hintRVA -= uint32(pe.PreferredImageBase)
			}
			off := pe.GetOffsetFromRva(hintRVA)
			if off == ^uint32(0) || off+2 > pe.size {
				pe.addAnomaly(AnoImportNoNameNoOrdinal)
				continue
			}
			imp.Hint = binary.LittleEndian.Uint16(pe.data[off:])
			imp.Name = pe.getStringAtRVA(hintRVA+2, maxImportNameLength)
			if !IsValidFunctionName(imp.Name) {
				pe.addAnomaly(AnoImportNoNameNoOrdinal)
				continue
			}
		}

		if i < len(ilt) {
			imp.OriginalThunkValue = ilt[i].Value
			imp.OriginalThunkRVA = ilt[i].RVA
		}
		if i < len(addrs) {
			imp.ThunkValue = addrs[i].Value
			imp.ThunkRVA = addrs[i].RVA
		}

		funcs = append(funcs, imp)
	}
	return funcs, nil
}

// parseImportDirectory walks the import descriptor table. A descriptor
// whose thunk tables cannot be read, or whose name is not a plausible DOS
// filename, is skipped; the walk itself only aborts when a descriptor
// record cannot be read at all.
func (pe *ParsedImage) parseImportDirectory(rva, size uint32) error {
	descSize := uint32(binary.Size(ImageImportDescriptor{}))

	for {
		offset := pe.GetOffsetFromRva(rva)
		desc := ImageImportDescriptor{}
		if err := pe.structUnpack(&desc, offset, descSize); err != nil {
			pe.logger.Warnf("unreadable import descriptor at RVA 0x%x: %v", rva, err)
			break
		}
		if desc.OriginalFirstThunk == 0 && desc.FirstThunk == 0 {
			break
		}

		funcs, err := pe.parseImportedFunctions(desc.OriginalFirstThunk, desc.FirstThunk, false)
		if err != nil {
			pe.logger.Warnf("import descriptor at RVA 0x%x: %v", rva, err)
			rva += descSize
			continue
		}

		name := pe.getStringAtRVA(desc.Name, maxDllLength)
		if IsValidDosFilename(name) {
			pe.Imports = append(pe.Imports, Import{
				Offset:     offset,
				RVA:        rva,
				Name:       name,
				Functions:  funcs,
				Descriptor: desc,
			})
		}

		rva += descSize
	}

	if len(pe.Imports) > 0 {
		pe.HasImport = true
	}
	return nil
}

// buildImportList flattens the as-parsed Imports/DelayImports into the
// public ImportList, resolving each library name through the configured
// API-set schema and publishing descriptor/table/name VAs.
func (pe *ParsedImage) buildImportList() {
	for i, imp := range pe.Imports {
		pe.publish(pe.ImageBase+uint64(imp.RVA), symstore.DataImportDescriptor, i, imp.Name)
		libName := pe.resolveLibraryName(imp.Name)
		for _, fn := range imp.Functions {
			listIndex := len(pe.ImportList)
			pe.ImportList = append(pe.ImportList, ImportEntry{
				OriginalLibraryName: imp.Name,
				LibraryName:         libName,
				FunctionName:        calleeName(fn),
				Ordinal:             uint16(fn.Ordinal),
				ImportTableVA:       pe.ImageBase + uint64(fn.ThunkRVA),
			})
			pe.publish(pe.ImageBase+uint64(fn.ThunkRVA), symstore.DataImportTable, listIndex, fn.Name)
			if fn.OriginalThunkRVA != 0 {
				pe.publish(pe.ImageBase+uint64(fn.OriginalThunkRVA), symstore.DataImportNameTable, listIndex, fn.Name)
			}
		}
	}

	for _, imp := range pe.DelayImports {
		libName := pe.resolveLibraryName(imp.Name)

		// The module handle slot stays zero until the delay loader fills
		// it on first use; absent slots publish as zero, not base+0.
		var instVA uint64
		if imp.Descriptor.ModuleHandleRVA != 0 {
			instVA = pe.ImageBase + uint64(imp.Descriptor.ModuleHandleRVA)
		}

		for _, fn := range imp.Functions {
			listIndex := len(pe.ImportList)
			pe.ImportList = append(pe.ImportList, ImportEntry{
				Delayed:             true,
				OriginalLibraryName: imp.Name,
				LibraryName:         libName,
				FunctionName:        calleeName(fn),
				Ordinal:             uint16(fn.Ordinal),
				ImportTableVA:       pe.ImageBase + uint64(fn.ThunkRVA),
				DelayedModuleInstVA: instVA,
				// The pre-initialization IAT value: an unload-thunk address
				// or a jump-stub RVA, read from the post-relocation buffer.
				DelayedIATData: fn.ThunkValue,
			})
			pe.publish(pe.ImageBase+uint64(fn.ThunkRVA),
				symstore.DataDelayedImportTable, listIndex, fn.Name)
			if fn.OriginalThunkRVA != 0 {
				pe.publish(pe.ImageBase+uint64(fn.OriginalThunkRVA),
					symstore.DataDelayedImportNameTable, listIndex, fn.Name)
			}
		}
	}
}

// calleeName is the name half of the "exactly one of name or ordinal"
// pair: empty for by-ordinal imports (whose display name is the synthetic
// "#N" form), the hint/name string otherwise.
func calleeName(fn ImportFunction) string {
	if fn.ByOrdinal {
		return ""
	}
	return fn.Name
}

// resolveLibraryName applies API-set redirection to a plain library
// name (no forward function part), consulting the schema with this image
// as the consumer.
func (pe *ParsedImage) resolveLibraryName(name string) string {
	if pe.opts == nil || pe.opts.Schema == nil {
		return name
	}
	libNoExt := stripExt(name)
	if target, ok := pe.opts.Schema.Resolve(pe.consumerName(), libNoExt); ok {
		return target
	}
	return name
}

// GetImportEntryInfoByRVA returns the import library and function index
// whose IAT slot sits at rva.
func (pe *ParsedImage) GetImportEntryInfoByRVA(rva uint32) (Import, int) {
	for _, imp := range pe.Imports {
		for i, fn := range imp.Functions {
			if fn.ThunkRVA == rva {
				return imp, i
			}
		}
	}
	return Import{}, 0
}

// imphashStem lowercases a library name and strips the dll/sys/ocx
// extensions the import-hash convention ignores.
func imphashStem(library string) string {
	library = strings.ToLower(library)
	for _, ext := range []string{".dll", ".sys", ".ocx"} {
		if strings.HasSuffix(library, ext) {
			return strings.TrimSuffix(library, ext)
		}
	}
	return library
}

// ImpHash computes the import hash over the unified import list, delay
// imports included: ordinals resolved to names where a table knows them,
// library stems and function names lowercased, the "library.function"
// pairs joined in list order and MD5'd.
func (pe *ParsedImage) ImpHash() (string, error) {
	if len(pe.ImportList) == 0 {
		return "", errors.New("no imports found")
	}

	var pairs []string
	for _, imp := range pe.ImportList {
		name := imp.FunctionName
		if name == "" {
			name = OrdLookup(imp.OriginalLibraryName, uint64(imp.Ordinal), true)
		}
		if name == "" {
			continue
		}
		pairs = append(pairs, imphashStem(imp.OriginalLibraryName)+"."+strings.ToLower(name))
	}

	sum := md5.Sum([]byte(strings.Join(pairs, ",")))
	return hex.EncodeToString(sum[:]), nil
}
