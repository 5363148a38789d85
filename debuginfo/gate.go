// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package debuginfo defines the narrow capability surface the COFF and
// DWARF debug-info subparsers see an image through. The parsers
// themselves live outside this module; they receive a Gate plus the raw
// byte stream and report which debug flavors they recognized.
package debuginfo

import "io"

// SectionInfo is the slice of a section header a debug parser needs:
// where the section sits in the file, where it maps, and what it is
// called after COFF long-name resolution.
type SectionInfo struct {
	Name             string
	VirtualAddress   uint32
	VirtualSize      uint32
	PointerToRawData uint32
	SizeOfRawData    uint32
}

// Image is the capability set a debug parser may exercise. It is
// deliberately not the full analyzer image type: parsers get sections,
// bitness, the COFF symbol table location, and address rebasing, nothing
// else.
type Image interface {
	Is64() bool
	NumberOfSymbols() uint32
	PointerToSymbolTable() uint32
	NumberOfSections() int
	SectionByIndex(i int) (SectionInfo, bool)
	SectionByName(name string) (SectionInfo, bool)

	// Rebase translates a header-relative VA to its runtime-relative
	// equivalent when the image was loaded away from its preferred base.
	Rebase(va uint64) uint64
}

// Gate is the indirection handle the analyzer hands to debug parsers. It
// starts out pointing at the primary image by borrow. Replace retargets
// it at another image, either borrowed or handed over as owned; only an
// owned image is closed when the gate is closed. The peimage package hands
// a .gnu_debuglink companion over as borrowed, so the image that loaded
// the companion closes it, not the gate.
type Gate struct {
	img   Image
	owned io.Closer
}

// NewGate returns a gate borrowing img. The gate does not own img and
// never closes it.
func NewGate(img Image) *Gate {
	return &Gate{img: img}
}

// Replace retargets the gate at img. When owned is non-nil the gate takes
// ownership and closes it when the gate itself is closed; a previously
// owned image is closed immediately.
func (g *Gate) Replace(img Image, owned io.Closer) {
	if g.owned != nil {
		_ = g.owned.Close()
	}
	g.img = img
	g.owned = owned
}

// Close releases whatever companion image the gate owns. Borrowed images
// are untouched.
func (g *Gate) Close() error {
	if g.owned == nil {
		return nil
	}
	err := g.owned.Close()
	g.owned = nil
	return err
}

// Image returns the currently targeted image.
func (g *Gate) Image() Image { return g.img }

func (g *Gate) Is64() bool                   { return g.img.Is64() }
func (g *Gate) NumberOfSymbols() uint32      { return g.img.NumberOfSymbols() }
func (g *Gate) PointerToSymbolTable() uint32 { return g.img.PointerToSymbolTable() }
func (g *Gate) NumberOfSections() int        { return g.img.NumberOfSections() }
func (g *Gate) Rebase(va uint64) uint64      { return g.img.Rebase(va) }

// SectionByIndex delegates to the targeted image.
func (g *Gate) SectionByIndex(i int) (SectionInfo, bool) {
	return g.img.SectionByIndex(i)
}

// SectionByName delegates to the targeted image.
func (g *Gate) SectionByName(name string) (SectionInfo, bool) {
	return g.img.SectionByName(name)
}

// Parser is one external debug-info flavor reader (COFF, DWARF, ...). It
// inspects the image through the gate and the raw bytes of whichever file
// the gate currently targets.
type Parser interface {
	// Flavor names the debug-data kind this parser produces, e.g. "coff"
	// or "dwarf".
	Flavor() string

	// Parse reports whether the flavor was found. An error means the data
	// looked like this flavor but could not be read; both outcomes are
	// recoverable for the caller.
	Parse(gate *Gate, data []byte) (bool, error)
}
