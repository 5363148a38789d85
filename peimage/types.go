// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package peimage

import (
	"os"

	mmap "github.com/edsrzf/mmap-go"

	"github.com/winpe/modscan/apiset"
	"github.com/winpe/modscan/debuginfo"
	"github.com/winpe/modscan/internal/log"
	"github.com/winpe/modscan/symstore"
)

// DirectoryAnchor is a {VA, size} pair locating a data directory. VA is
// zero iff the directory is absent.
type DirectoryAnchor struct {
	VA   uint64 `json:"va"`
	Size uint32 `json:"size"`
}

// ImportEntry is a unified record for standard and delay-loaded imports.
// Exactly one of FunctionName or Ordinal identifies the callee; FunctionName
// takes precedence when present. LibraryName is the post-API-set-resolution
// target; OriginalLibraryName is the name as read from the image.
type ImportEntry struct {
	Delayed              bool   `json:"delayed"`
	OriginalLibraryName  string `json:"original_library_name"`
	LibraryName          string `json:"library_name"`
	FunctionName         string `json:"function_name,omitempty"`
	Ordinal              uint16 `json:"ordinal,omitempty"`
	ImportTableVA        uint64 `json:"import_table_va"`
	DelayedModuleInstVA  uint64 `json:"delayed_module_instance_va,omitempty"`
	DelayedIATData       uint64 `json:"delayed_iat_data,omitempty"`
}

// ExportEntry is one entry in a ParsedImage's export table, named or
// ordinal-only.
type ExportEntry struct {
	FunctionName        string `json:"function_name,omitempty"`
	Ordinal              uint32 `json:"ordinal"`
	ExportTableVA        uint64 `json:"export_table_va"`
	ExportTableRaw       uint32 `json:"export_table_raw"`
	FuncAddrRVA          uint32 `json:"func_addr_rva"`
	FuncAddrVA           uint64 `json:"func_addr_va"`
	FuncAddrRaw          uint32 `json:"func_addr_raw"`
	Executable           bool   `json:"executable"`
	OriginalForwardedTo  string `json:"original_forwarded_to,omitempty"`
	ForwardedTo          string `json:"forwarded_to,omitempty"`
}

// RelocationBlock indexes a run of entries in ParsedImage.Relocations
// (flat RAW-offset list). A zero entry in that list is a preserved
// ABSOLUTE-type hole: it must be skipped during patching but does not
// terminate the block.
type RelocationBlock struct {
	PageVA          uint64 `json:"page_va"`
	FirstRawOffsetIx int    `json:"first_raw_offset_index"`
	Count           int    `json:"count"`
}

// EntryPoint names one code entry point: the image entry or a TLS callback.
type EntryPoint struct {
	Name      string `json:"name"`
	RawOffset uint32 `json:"raw_offset"`
	VA        uint64 `json:"va"`
}

// StringData is one string literal discovered by the optional full-image
// string scan.
type StringData struct {
	Offset uint32 `json:"offset"`
	Length int    `json:"length"`
	Wide   bool   `json:"wide"`
	Value  string `json:"value"`
}

// DefaultLoadStringLength is the minimum printable-run length the string
// scanner emits when Options.LoadStringLength is left zero.
const DefaultLoadStringLength = 4

// Options controls parsing behavior, mirroring the knobs the analyzer's
// embedding application may supply.
type Options struct {
	// LoadSectionsOnly stops parsing after section headers; used for
	// .gnu_debuglink companions.
	LoadSectionsOnly bool

	// Fast is an alias of LoadSectionsOnly kept for call sites that parse
	// only the PE header and skip data directories.
	Fast bool

	// DisableLoadStrings disables the optional full-image string scan.
	DisableLoadStrings bool

	// LoadStringLength is the minimum run length a string scan emits.
	// Defaults to 4 when zero.
	LoadStringLength int

	// MaxCOFFSymbolsCount bounds COFF symbol table parsing.
	MaxCOFFSymbolsCount uint32

	// MaxRelocEntriesCount bounds relocation block parsing.
	MaxRelocEntriesCount uint32

	// Schema resolves API-set redirections. A nil Schema means no
	// redirection is ever applied.
	Schema apiset.Schema

	// Symbols receives VA-tagged symbol publications. A nil Symbols
	// means publication is a no-op.
	Symbols symstore.Publisher

	// Logger receives diagnostics. A nil Logger defaults to an
	// error-level-only stderr logger.
	Logger log.Logger
}

// ModuleData is the alternative construction input: an already-known
// image path plus load context, as supplied by a module-enumeration
// collaborator outside this package.
type ModuleData struct {
	ImagePath   string
	ImageBase   uint64
	IsBaseValid bool
	IsRedirected bool
}

// ParsedImage is the principal entity: a single PE module reconstructed
// from on-disk bytes plus a runtime load base.
type ParsedImage struct {
	ImagePath    string
	ImageName    string
	OriginalName string

	FileInfo

	PreferredImageBase uint64
	ImageBase          uint64
	Rebased            bool
	Redirected         bool

	VirtualSize     uint32
	SizeOfFileImage uint32

	DOSHeader ImageDOSHeader
	NtHeader  ImageNtHeader
	COFF      COFF

	Sections   []Section
	Directories [ImageNumberOfDirectoryEntries]DirectoryAnchor

	Export      Export
	ExportList  []ExportEntry
	exportNameIndex    map[string]int
	exportOrdinalIndex map[uint32]int

	// Imports/DelayImports hold the as-parsed per-library view;
	// ImportList is the flattened, API-set-resolved public view built by
	// buildImportList once both have been parsed.
	Imports      []Import
	DelayImports []DelayImport
	ImportList   []ImportEntry

	BoundImports []BoundImportDescriptorData

	TLS TLSDirectory

	EntryPointList []EntryPoint

	// RelocBlocks is the as-parsed per-page view; RelocationData/
	// Relocations are the flattened public view built by flattenRelocations.
	RelocBlocks     []Relocation
	RelocationData  []RelocationBlock
	Relocations     []uint32 // flat list of RAW offsets, one per recorded entry; 0 = hole
	RelocationDelta int64

	Certificates Certificate

	Strings []StringData

	CLRHeader     ImageCOR20Header
	COMPlusILOnly bool

	DebugData     map[string]bool
	DebugLinkPath string

	// companion is the owned .gnu_debuglink image, when one was found and
	// parsed in sections-only mode.
	companion *ParsedImage
	gate      *debuginfo.Gate

	ModuleIndex         int
	RelocatedAlternates []*ParsedImage

	Anomalies []string

	Header        []byte
	OverlayOffset int64

	data mmap.MMap
	// mapped is true while data still backs an OS RDONLY mmap rather than a
	// heap copy. Relocation patching mutates bytes in place, which an
	// RDONLY mapping forbids; mutableBuffer lazily copies to the heap the
	// first time a patch is actually needed.
	mapped bool
	// mm retains the original mapping after mutableBuffer switches data
	// to a heap copy, so earlier-handed-out slices stay valid until Close.
	mm   mmap.MMap
	size uint32
	f    *os.File

	opts   *Options
	logger *log.Helper
}

// anchor returns the directory anchor at index idx, or a zero anchor if
// idx is out of range.
func (pe *ParsedImage) anchor(idx ImageDirectoryEntry) DirectoryAnchor {
	if int(idx) < 0 || int(idx) >= len(pe.Directories) {
		return DirectoryAnchor{}
	}
	return pe.Directories[idx]
}

// publish forwards a symbol tag to the configured Symbol Publisher. It is
// a no-op when no publisher was configured. This is the single call site
// every component routes through, per the "write-only channel" design note.
func (pe *ParsedImage) publish(va uint64, dataType symstore.DataType, listIndex int, param string) {
	if pe.opts == nil || pe.opts.Symbols == nil {
		return
	}
	pe.opts.Symbols.Add(symstore.Symbol{
		VA:          va,
		DataType:    dataType,
		ModuleIndex: pe.ModuleIndex,
		ListIndex:   listIndex,
		Param:       param,
	})
}

// resolveForward applies API-set redirection to a "library.function"
// forward string: parse into (library, function), strip the
// library's extension, and consult the schema for (consumerLibrary,
// libraryWithoutExt). consumerLibrary is the name of the image doing the
// forwarding/importing.
func (pe *ParsedImage) resolveForward(consumerLibrary, forward string) string {
	if pe.opts == nil || pe.opts.Schema == nil || forward == "" {
		return forward
	}
	lib, fn, ok := splitLastDot(forward)
	if !ok {
		return forward
	}
	libNoExt := stripExt(lib)
	if target, ok := pe.opts.Schema.Resolve(consumerLibrary, libNoExt); ok {
		return target + "." + fn
	}
	return forward
}
