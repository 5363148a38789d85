// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package debuginfo

import "testing"

type fakeImage struct {
	is64     bool
	sections []SectionInfo
	rebase   uint64
	closed   bool
}

func (f *fakeImage) Is64() bool                   { return f.is64 }
func (f *fakeImage) NumberOfSymbols() uint32      { return 7 }
func (f *fakeImage) PointerToSymbolTable() uint32 { return 0x1234 }
func (f *fakeImage) NumberOfSections() int        { return len(f.sections) }

func (f *fakeImage) SectionByIndex(i int) (SectionInfo, bool) {
	if i < 0 || i >= len(f.sections) {
		return SectionInfo{}, false
	}
	return f.sections[i], true
}

func (f *fakeImage) SectionByName(name string) (SectionInfo, bool) {
	for _, s := range f.sections {
		if s.Name == name {
			return s, true
		}
	}
	return SectionInfo{}, false
}

func (f *fakeImage) Rebase(va uint64) uint64 { return va + f.rebase }

func (f *fakeImage) Close() error {
	f.closed = true
	return nil
}

func TestGateDelegation(t *testing.T) {
	img := &fakeImage{
		is64: true,
		sections: []SectionInfo{
			{Name: ".text", VirtualAddress: 0x1000},
			{Name: ".debug_info", VirtualAddress: 0x2000},
		},
		rebase: 0x10000,
	}
	g := NewGate(img)

	if !g.Is64() {
		t.Error("Is64 not delegated")
	}
	if g.NumberOfSymbols() != 7 || g.PointerToSymbolTable() != 0x1234 {
		t.Error("symbol table accessors not delegated")
	}
	if sec, ok := g.SectionByName(".debug_info"); !ok || sec.VirtualAddress != 0x2000 {
		t.Error("SectionByName not delegated")
	}
	if _, ok := g.SectionByIndex(5); ok {
		t.Error("out-of-range section index succeeded")
	}
	if g.Rebase(0x400000) != 0x410000 {
		t.Error("Rebase not delegated")
	}
}

func TestGateReplaceOwnership(t *testing.T) {
	borrowed := &fakeImage{}
	companion := &fakeImage{is64: true}
	second := &fakeImage{}

	g := NewGate(borrowed)
	g.Replace(companion, companion)

	if !g.Is64() {
		t.Error("gate still targets the borrowed image after Replace")
	}

	// Replacing an owned companion closes it immediately.
	g.Replace(second, nil)
	if !companion.closed {
		t.Error("previously owned companion not closed on Replace")
	}

	// Closing the gate never touches borrowed images.
	if err := g.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if borrowed.closed || second.closed {
		t.Error("gate closed an image it does not own")
	}
}
