// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package peimage

import "testing"

func twoSectionSpec() testPE {
	return testPE{
		ImageBase:  0x00400000,
		EntryPoint: 0x1010,
		Sections: []testSection{
			{
				Name: ".text", RVA: 0x1000, VSize: 0x800,
				Raw: 0x400, RawSize: 0x800,
				Chars: ImageScnCntCode | ImageScnMemExecute | ImageScnMemRead,
			},
			{
				Name: ".data", RVA: 0x2000, VSize: 0x200,
				Raw: 0xC00, RawSize: 0x200,
				Chars: ImageScnCntInitializedData | ImageScnMemRead | ImageScnMemWrite,
			},
		},
	}
}

func TestAddressRoundTrips(t *testing.T) {
	pe := parseTestPE(t, twoSectionSpec(), 0, nil)

	tests := []struct {
		rva     uint32
		wantRaw uint32
	}{
		{0x1000, 0x400},
		{0x1234, 0x634},
		{0x17FF, 0xBFF},
		{0x2000, 0xC00},
		{0x21FF, 0xDFF},
	}
	for _, tt := range tests {
		if got := pe.RvaToRaw(tt.rva); got != tt.wantRaw {
			t.Errorf("RvaToRaw(%#x) = %#x, want %#x", tt.rva, got, tt.wantRaw)
		}

		va := pe.RvaToVA(tt.rva)
		if want := pe.ImageBase + uint64(tt.rva); va != want {
			t.Errorf("RvaToVA(%#x) = %#x, want %#x", tt.rva, va, want)
		}
		if got := pe.VaToRva(va); got != tt.rva {
			t.Errorf("VaToRva(RvaToVA(%#x)) = %#x", tt.rva, got)
		}
		if got := pe.VaToRaw(va); got != tt.wantRaw {
			t.Errorf("VaToRaw(%#x) = %#x, want %#x", va, got, tt.wantRaw)
		}
		if got := pe.RawToVA(tt.wantRaw); got != va {
			t.Errorf("RawToVA(%#x) = %#x, want %#x", tt.wantRaw, got, va)
		}
	}
}

func TestRvaToRawHeaderSpecialCase(t *testing.T) {
	pe := parseTestPE(t, twoSectionSpec(), 0, nil)

	// RVAs below SizeOfHeaders map one-to-one to RAW.
	for _, rva := range []uint32{0, 0x80, 0x3FF} {
		if got := pe.RvaToRaw(rva); got != rva {
			t.Errorf("RvaToRaw(%#x) = %#x, want identity below SizeOfHeaders", rva, got)
		}
	}
}

func TestRvaToRawOutsideSections(t *testing.T) {
	pe := parseTestPE(t, twoSectionSpec(), 0, nil)

	// Between .text's end and .data's start, and past the image.
	for _, rva := range []uint32{0x1900, 0x2300, 0x100000} {
		if got := pe.RvaToRaw(rva); got != 0 {
			t.Errorf("RvaToRaw(%#x) = %#x, want 0 (invalid)", rva, got)
		}
	}
}

func TestFixAddrSize(t *testing.T) {
	pe := parseTestPE(t, twoSectionSpec(), 0, nil)

	// .text spans RVA [0x1000, 0x1800); a read of 0x1000 bytes starting at
	// 0x1700 must be clipped to the section end.
	size := uint32(0x1000)
	pe.FixAddrSize(pe.RvaToVA(0x1700), &size)
	if size != 0x100 {
		t.Errorf("FixAddrSize clipped to %#x, want 0x100", size)
	}

	// A read that already fits is untouched.
	size = 0x80
	pe.FixAddrSize(pe.RvaToVA(0x1700), &size)
	if size != 0x80 {
		t.Errorf("FixAddrSize changed an in-bounds size to %#x", size)
	}
}

func TestDirectoryIndexFromRvaPrefersHighestIndex(t *testing.T) {
	spec := twoSectionSpec()
	spec.Dirs = map[ImageDirectoryEntry]DataDirectory{
		// Debug spans a page that GlobalPtr also covers; the scan runs
		// from highest index to lowest so the overlap resolves to the
		// later-defined directory.
		ImageDirectoryEntryDebug:     {VirtualAddress: 0x2000, Size: 0x200},
		ImageDirectoryEntryGlobalPtr: {VirtualAddress: 0x2100, Size: 0x40},
	}
	pe := parseTestPE(t, spec, 0, nil)

	if got := pe.DirectoryIndexFromRva(0x2120); got != ImageDirectoryEntryGlobalPtr {
		t.Errorf("DirectoryIndexFromRva(0x2120) = %d, want GlobalPtr", got)
	}
	if got := pe.DirectoryIndexFromRva(0x2050); got != ImageDirectoryEntryDebug {
		t.Errorf("DirectoryIndexFromRva(0x2050) = %d, want Debug", got)
	}
	if got := pe.DirectoryIndexFromRva(0x5000); got != ImageDirectoryEntry(-1) {
		t.Errorf("DirectoryIndexFromRva(0x5000) = %d, want -1", got)
	}
}

func TestGetImageAtAddr(t *testing.T) {
	pe := parseTestPE(t, twoSectionSpec(), 0, nil)

	if got := pe.GetImageAtAddr(pe.ImageBase + 0x1500); got != pe {
		t.Errorf("GetImageAtAddr inside own span did not return the image itself")
	}
	if got := pe.GetImageAtAddr(pe.ImageBase + uint64(pe.VirtualSize) + 1); got != nil {
		t.Errorf("GetImageAtAddr outside any span = %v, want nil", got)
	}
}
