// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package peimage

import (
	"encoding/binary"
	"errors"

	"github.com/winpe/modscan/symstore"
)

var (
	// ErrInvalidBaseRelocVA is reposed when base reloc lies outside of the image.
	ErrInvalidBaseRelocVA = errors.New("invalid relocation information." +
		" Base Relocation VirtualAddress is outside of PE Image")

	// ErrInvalidBasicRelocSizeOfBloc is reposed when base reloc is too large.
	ErrInvalidBasicRelocSizeOfBloc = errors.New("invalid relocation " +
		"information. Base Relocation SizeOfBlock too large")

	// AnoRelocEntriesTooMany is reported when a relocation block declares
	// more entries than the configured cap; the walk is clipped to the cap.
	AnoRelocEntriesTooMany = "Relocation block entry count beyond limits"
)

// ImageBaseRelocationEntryType represents the type of an in image base relocation entry.
type ImageBaseRelocationEntryType uint8

// Relocation entry types the analyzer handles. The format defines more,
// machine-specific types (HIGHADJ, MIPS/ARM/RISC-V jump fixups); on the
// x86/x86-64 images in scope only these three occur, and any other type
// aborts its block during flattening.
const (
	// Padding; skipped during patching but does not terminate a block.
	ImageRelBasedAbsolute = 0

	// All 32 bits of the delta are added to the 32-bit field at offset.
	ImageRelBasedHighLow = 3

	// The delta is added to the 64-bit field at offset.
	ImageRelBasedDir64 = 10
)

const (
	// MaxDefaultRelocEntriesCount bounds a single relocation block's entry
	// walk against images that declare absurd block sizes.
	MaxDefaultRelocEntriesCount = 0x1000
)

// ImageBaseRelocation heads one relocation block: the page RVA its
// entries are relative to, and the block's total byte count, header
// included.
type ImageBaseRelocation struct {
	VirtualAddress uint32 `json:"virtual_address"`
	SizeOfBlock    uint32 `json:"size_of_block"`
}

// ImageBaseRelocationEntry is one decoded 2-byte relocation record: the
// raw word, plus its type (top 4 bits) and page offset (bottom 12).
type ImageBaseRelocationEntry struct {
	Data   uint16                       `json:"data"`
	Offset uint16                       `json:"offset"`
	Type   ImageBaseRelocationEntryType `json:"type"`
}

// Relocation is one parsed block: its header plus decoded entries.
type Relocation struct {
	Data    ImageBaseRelocation        `json:"data"`
	Entries []ImageBaseRelocationEntry `json:"entries"`
}

// readRelocEntries decodes count 2-byte records at rva, stopping early at
// the end of mapped data or the configured entry cap.
func (pe *ParsedImage) readRelocEntries(rva, count uint32) []ImageBaseRelocationEntry {
	if count > pe.opts.MaxRelocEntriesCount {
		pe.addAnomaly(AnoRelocEntriesTooMany)
		count = pe.opts.MaxRelocEntriesCount
	}

	offset := pe.GetOffsetFromRva(rva)
	entries := make([]ImageBaseRelocationEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		word, err := pe.ReadUint16(offset + i*2)
		if err != nil {
			break
		}
		entries = append(entries, ImageBaseRelocationEntry{
			Data:   word,
			Type:   ImageBaseRelocationEntryType(word >> 12),
			Offset: word & 0x0fff,
		})
	}
	return entries
}

// parseRelocDirectory walks the relocation blocks laid head to tail in
// the directory span. A zero SizeOfBlock would never advance and ends the
// walk; page RVAs or block sizes past the image extent are treated as a
// corrupt directory.
func (pe *ParsedImage) parseRelocDirectory(rva, size uint32) error {
	sizeOfImage := pe.optionalHeaderCommon().SizeOfImage
	hdrSize := uint32(binary.Size(ImageBaseRelocation{}))
	end := rva + size

	for rva+hdrSize <= end {
		hdr := ImageBaseRelocation{}
		if err := pe.structUnpack(&hdr, pe.GetOffsetFromRva(rva), hdrSize); err != nil {
			return err
		}
		if hdr.SizeOfBlock == 0 {
			break
		}
		if hdr.VirtualAddress > sizeOfImage {
			return ErrInvalidBaseRelocVA
		}
		if hdr.SizeOfBlock > sizeOfImage {
			return ErrInvalidBasicRelocSizeOfBloc
		}

		var entries []ImageBaseRelocationEntry
		if hdr.SizeOfBlock > hdrSize {
			entries = pe.readRelocEntries(rva+hdrSize, (hdr.SizeOfBlock-hdrSize)/2)
		}
		pe.RelocBlocks = append(pe.RelocBlocks, Relocation{Data: hdr, Entries: entries})

		rva += hdr.SizeOfBlock
	}

	if len(pe.RelocBlocks) > 0 {
		pe.HasReloc = true
		pe.flattenRelocations()
	}
	return nil
}

// flattenRelocations builds the public, flat relocation views from
// RelocBlocks: RelocationData indexes runs of RAW offsets in Relocations.
// An ABSOLUTE-type entry is a padding hole and is preserved as a 0 in
// Relocations so block boundaries stay stable, but it is skipped by Apply.
func (pe *ParsedImage) flattenRelocations() {
	for bi := range pe.RelocBlocks {
		block := &pe.RelocBlocks[bi]
		rb := RelocationBlock{
			PageVA:           pe.ImageBase + uint64(block.Data.VirtualAddress),
			FirstRawOffsetIx: len(pe.Relocations),
		}
		for ei, entry := range block.Entries {
			switch entry.Type {
			case ImageRelBasedAbsolute:
				pe.Relocations = append(pe.Relocations, 0)
				rb.Count++
			case ImageRelBasedHighLow, ImageRelBasedDir64:
				rva := block.Data.VirtualAddress + uint32(entry.Offset)
				off := pe.GetOffsetFromRva(rva)
				pe.Relocations = append(pe.Relocations, off)
				rb.Count++
			default:
				// An unrecognized type abandons the rest of this block;
				// blocks already flattened stay valid.
				pe.logger.Warnf("unknown relocation type %d in block at RVA %#x",
					entry.Type, block.Data.VirtualAddress)
				block.Entries = block.Entries[:ei]
			}
			if len(block.Entries) <= ei {
				break
			}
		}
		pe.RelocationData = append(pe.RelocationData, rb)
		pe.publish(rb.PageVA, symstore.DataRelocationBlock, len(pe.RelocationData)-1, "")
	}
}

// ApplyRelocations adds delta to every recorded relocation slot in buf,
// skipping ABSOLUTE holes. Each application accumulates: patching twice
// with the same delta doubles it, so callers apply exactly once per
// load-base change. A zero delta is a no-op.
func (pe *ParsedImage) ApplyRelocations(buf []byte, delta int64) error {
	if delta == 0 {
		return nil
	}

	ix := 0
	for _, block := range pe.RelocBlocks {
		for _, entry := range block.Entries {
			if entry.Type == ImageRelBasedAbsolute {
				ix++
				continue
			}
			off := pe.Relocations[ix]
			ix++
			if err := patchRelocEntry(buf, off, entry.Type, delta); err != nil {
				return err
			}
		}
	}
	return nil
}

func patchRelocEntry(buf []byte, off uint32, typ ImageBaseRelocationEntryType, delta int64) error {
	switch typ {
	case ImageRelBasedHighLow:
		if uint64(off)+4 > uint64(len(buf)) {
			return ErrInvalidBaseRelocVA
		}
		v := binary.LittleEndian.Uint32(buf[off:])
		binary.LittleEndian.PutUint32(buf[off:], uint32(int64(v)+delta))
	case ImageRelBasedDir64:
		if uint64(off)+8 > uint64(len(buf)) {
			return ErrInvalidBaseRelocVA
		}
		v := binary.LittleEndian.Uint64(buf[off:])
		binary.LittleEndian.PutUint64(buf[off:], uint64(int64(v)+delta))
	}
	return nil
}
