// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package peimage

import (
	"encoding/binary"
	"errors"
)

const (
	// MaxDefaultCOFFSymbolsCount bounds COFF symbol parsing; a fake huge
	// NumberOfSymbols would otherwise drive a matching allocation.
	MaxDefaultCOFFSymbolsCount = 0x10000

	// MaxCOFFSymStrLength caps a single COFF string table entry.
	MaxCOFFSymStrLength = 0x50
)

var (
	errCOFFTableNotPresent = errors.New(
		"PE image does not contains a COFF symbol table")
	errNoCOFFStringInTable = errors.New(
		"PE image got a PointerToSymbolTable but no string in the COFF string table")
	errCOFFSymbolsTooHigh = errors.New(
		"COFF symbols count is absurdly high")
)

// COFFSymbol is one 18-byte record of the traditional COFF symbol table
// (standard and auxiliary records share the size). Name is the 8-byte
// union form: a short name inline, or a zero dword followed by a string
// table offset.
type COFFSymbol struct {
	Name               [8]byte `json:"name"`
	Value              uint32  `json:"value"`
	SectionNumber      int16   `json:"section_number"`
	Type               uint16  `json:"type"`
	StorageClass       uint8   `json:"storage_class"`
	NumberOfAuxSymbols uint8   `json:"number_of_aux_symbols"`
}

// COFF bundles the symbol table with its trailing string table. The
// analyzer keeps the string table mainly so section long names ("/NNN")
// can be resolved; debug-info parsers reach the raw table through the
// image gate instead.
type COFF struct {
	SymbolTable       []COFFSymbol `json:"symbol_table"`
	StringTable       []string     `json:"string_table"`
	StringTableOffset uint32       `json:"string_table_offset"`
	// Map the symbol offset => symbol name.
	StringTableM map[uint32]string `json:"-"`
}

// ParseCOFFSymbolTable reads the COFF symbol table named by the file
// header and the string table that immediately follows it, in one pass.
// Images usually strip COFF symbols; GNU toolchains keep them, and the
// section table needs the string table for its long-name indirections.
func (pe *ParsedImage) ParseCOFFSymbolTable() error {
	tablePtr := pe.NtHeader.FileHeader.PointerToSymbolTable
	symCount := pe.NtHeader.FileHeader.NumberOfSymbols
	if tablePtr == 0 {
		return errCOFFTableNotPresent
	}
	if symCount == 0 {
		return nil
	}
	if symCount > pe.opts.MaxCOFFSymbolsCount {
		pe.addAnomaly(AnoCOFFSymbolsCount)
		return errCOFFSymbolsTooHigh
	}

	recSize := uint32(binary.Size(COFFSymbol{}))
	symbols := make([]COFFSymbol, 0, symCount)
	offset := tablePtr
	for i := uint32(0); i < symCount; i++ {
		var sym COFFSymbol
		if err := pe.structUnpack(&sym, offset, recSize); err != nil {
			return err
		}
		symbols = append(symbols, sym)
		offset += recSize
	}
	pe.COFF.SymbolTable = symbols
	pe.HasCOFF = true

	return pe.parseCOFFStringTable(offset)
}

// parseCOFFStringTable reads the string table sitting at offset, right
// after the last symbol record: a u32 total size (which counts itself, so
// 4 means empty) followed by NUL-terminated strings. Entries are keyed by
// absolute file offset: the table start plus the offset that symbol
// records and "/NNN" section names carry.
func (pe *ParsedImage) parseCOFFStringTable(offset uint32) error {
	pe.COFF.StringTableOffset = offset

	tableSize, err := pe.ReadUint32(offset)
	if err != nil {
		return err
	}
	if tableSize <= 4 {
		return errNoCOFFStringInTable
	}

	byOffset := make(map[uint32]string)
	cursor := offset + 4
	end := offset + tableSize
	for cursor < end {
		n, str := pe.readASCIIStringAtOffset(cursor, MaxCOFFSymStrLength)
		if n == 0 {
			break
		}
		byOffset[cursor] = str
		pe.COFF.StringTable = append(pe.COFF.StringTable, str)
		cursor += n + 1
	}

	pe.COFF.StringTableM = byOffset
	return nil
}
