// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package peimage

import (
	"os"
	"path/filepath"

	mmap "github.com/edsrzf/mmap-go"

	"github.com/winpe/modscan/internal/log"
)

// New maps the file at name and prepares a ParsedImage for it. imageBase is
// the runtime VA at which the OS loader mapped the image; pass 0 to adopt
// the preferred base from the optional header. Call Parse to populate the
// image and Close to release it.
func New(name string, imageBase uint64, opts *Options) (*ParsedImage, error) {

	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}

	// Memory map the file instead of using read/write.
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, err
	}

	pe := newParsedImage(data, imageBase, opts)
	pe.ImagePath = name
	pe.ImageName = filepath.Base(name)
	pe.f = f
	pe.mapped = true
	return pe, nil
}

// NewBytes prepares a ParsedImage over an in-memory buffer. The buffer is
// owned by the caller but will be patched in place if a relocation delta
// applies; hand in a copy if the original bytes must survive.
func NewBytes(data []byte, imageBase uint64, opts *Options) (*ParsedImage, error) {
	return newParsedImage(data, imageBase, opts), nil
}

// NewModule is the construction path used when a module-enumeration
// collaborator hands over load context it observed in a live process:
// rebased is derived from the validity of the observed base, redirected is
// carried through as-is, and moduleIndex records the image's position in
// the registry for symbol publication.
func NewModule(md ModuleData, moduleIndex int, opts *Options) (*ParsedImage, error) {
	pe, err := New(md.ImagePath, md.ImageBase, opts)
	if err != nil {
		return nil, err
	}
	pe.Rebased = !md.IsBaseValid
	pe.Redirected = md.IsRedirected
	pe.ModuleIndex = moduleIndex
	return pe, nil
}

func newParsedImage(data []byte, imageBase uint64, opts *Options) *ParsedImage {
	pe := &ParsedImage{
		ImageBase: imageBase,
		data:      mmap.MMap(data),
		size:      uint32(len(data)),
		DebugData: make(map[string]bool),
	}

	if opts != nil {
		pe.opts = opts
	} else {
		pe.opts = &Options{}
	}
	if pe.opts.Fast {
		pe.opts.LoadSectionsOnly = true
	}
	if pe.opts.MaxCOFFSymbolsCount == 0 {
		pe.opts.MaxCOFFSymbolsCount = MaxDefaultCOFFSymbolsCount
	}
	if pe.opts.MaxRelocEntriesCount == 0 {
		pe.opts.MaxRelocEntriesCount = MaxDefaultRelocEntriesCount
	}
	if pe.opts.LoadStringLength == 0 {
		pe.opts.LoadStringLength = DefaultLoadStringLength
	}

	if pe.opts.Logger == nil {
		pe.logger = log.NewHelper(log.NewFilter(log.NewStdLogger(),
			log.FilterLevel(log.LevelError)))
	} else {
		pe.logger = log.NewHelper(pe.opts.Logger)
	}

	return pe
}

// Close releases the mapping, the underlying file, and any owned
// .gnu_debuglink companion image.
func (pe *ParsedImage) Close() error {
	if pe.companion != nil {
		_ = pe.companion.Close()
		pe.companion = nil
	}

	if pe.data != nil && pe.mapped {
		_ = pe.data.Unmap()
	}
	if pe.mm != nil {
		_ = pe.mm.Unmap()
		pe.mm = nil
	}
	pe.data = nil

	if pe.f != nil {
		return pe.f.Close()
	}
	return nil
}

// mutableBuffer returns the image bytes as a writable slice. An OS RDONLY
// mapping cannot be patched in place, so the first call on a mapped image
// switches to a heap copy. The original mapping stays alive until Close:
// slices handed out before the switch (the certificate payload) keep
// pointing into it, while Header is re-sliced onto the copy.
func (pe *ParsedImage) mutableBuffer() ([]byte, bool) {
	if pe.data == nil {
		return nil, false
	}
	if !pe.mapped {
		return pe.data, true
	}

	heap := make([]byte, len(pe.data))
	copy(heap, pe.data)
	pe.mm = pe.data
	pe.data = mmap.MMap(heap)
	pe.mapped = false
	if pe.Header != nil {
		pe.Header = pe.data[:len(pe.Header)]
	}
	return pe.data, true
}

// Parse populates the ParsedImage from the mapped bytes: DOS header, NT
// headers (kept in the PE32 or PE32+ optional-header shape the file
// carries; PE32 is not widened to the 64-bit shape), COFF symbol table,
// section headers, then - unless LoadSectionsOnly - the data directories
// in the fixed order the delay-import/relocation interplay requires,
// followed by the optional string scan and the .gnu_debuglink hand-off.
// Only header-level failures abort; a corrupt directory is logged and
// skipped so partial images stay queryable.
func (pe *ParsedImage) Parse() error {

	// check for the smallest PE size.
	if len(pe.data) < TinyPESize {
		return ErrInvalidPESize
	}

	err := pe.ParseDOSHeader()
	if err != nil {
		return err
	}

	err = pe.ParseNTHeader()
	if err != nil {
		return err
	}
	pe.adoptImageBase()

	err = pe.ParseCOFFSymbolTable()
	if err != nil {
		pe.logger.Debugf("coff symbols parsing failed: %v", err)
	}

	err = pe.ParseSectionHeader()
	if err != nil {
		return err
	}
	pe.computeImageSpan()

	// Companion debug files are parsed for their section table only.
	if pe.opts.LoadSectionsOnly {
		return nil
	}

	if err := pe.ParseDataDirectories(); err != nil {
		pe.logger.Warnf("data directory parsing was partial: %v", err)
	}

	if !pe.opts.DisableLoadStrings {
		pe.scanStrings()
	}

	pe.loadDebugLink()

	return nil
}

// adoptImageBase reconciles the supplied runtime base with the header's
// preferred base, per the Header Loader contract: a zero supplied base
// adopts the preferred one; a differing non-zero base marks the image
// rebased so the relocation engine knows a delta is pending.
func (pe *ParsedImage) adoptImageBase() {
	if pe.Is64 {
		pe.PreferredImageBase = pe.NtHeader.OptionalHeader.(ImageOptionalHeader64).ImageBase
	} else {
		pe.PreferredImageBase = uint64(pe.NtHeader.OptionalHeader.(ImageOptionalHeader32).ImageBase)
	}

	if pe.ImageBase == 0 {
		pe.ImageBase = pe.PreferredImageBase
	} else if pe.ImageBase != pe.PreferredImageBase {
		pe.Rebased = true
	}
}

// computeImageSpan derives VirtualSize as the highest section end RVA, or
// SizeOfImage when the section table is empty (then the image is one flat
// span). SizeOfFileImage is the on-disk byte count.
func (pe *ParsedImage) computeImageSpan() {
	var high uint32
	for _, sec := range pe.Sections {
		if end := sec.Header.VirtualAddress + sec.Header.VirtualSize; end > high {
			high = end
		}
	}
	if high == 0 {
		if pe.Is64 {
			high = pe.NtHeader.OptionalHeader.(ImageOptionalHeader64).SizeOfImage
		} else {
			high = pe.NtHeader.OptionalHeader.(ImageOptionalHeader32).SizeOfImage
		}
	}
	pe.VirtualSize = high
	pe.SizeOfFileImage = pe.size
}

// consumerName is the name used as the consumer side of API-set schema
// lookups: the export directory's own name string when present, else the
// on-disk file name.
func (pe *ParsedImage) consumerName() string {
	if pe.OriginalName != "" {
		return pe.OriginalName
	}
	return pe.ImageName
}
