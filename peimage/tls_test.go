// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package peimage

import (
	"encoding/binary"
	"testing"
)

// TestTLSCallbacksOnRebasedImage is the PE32+ rebase scenario: preferred
// base 0x180000000, loaded at 0x180010000, two TLS callbacks. The TLS
// directory and its callback chain hold header VAs patched by the
// relocation pass, so the entry-point list must come out runtime-based.
func TestTLSCallbacksOnRebasedImage(t *testing.T) {
	const preferred = 0x180000000
	const runtime = 0x180010000

	data := make([]byte, 0x600)
	tlsDir := ImageTLSDirectory64{
		StartAddressOfRawData: preferred + 0x2040,
		EndAddressOfRawData:   preferred + 0x2050,
		AddressOfIndex:        preferred + 0x2060,
		AddressOfCallBacks:    preferred + 0x2100,
	}
	writeStructAt(t, data, 0, tlsDir)
	binary.LittleEndian.PutUint64(data[0x100:], preferred+0x1010)
	binary.LittleEndian.PutUint64(data[0x108:], preferred+0x1020)
	// NUL terminator ends the callback chain.

	reloc := make([]byte, 0x200)
	binary.LittleEndian.PutUint32(reloc[0:], 0x2000)
	binary.LittleEndian.PutUint32(reloc[4:], 8+5*2)
	binary.LittleEndian.PutUint16(reloc[8:], 0xA000)  // DIR64: StartAddressOfRawData
	binary.LittleEndian.PutUint16(reloc[10:], 0xA008) // DIR64: EndAddressOfRawData
	binary.LittleEndian.PutUint16(reloc[12:], 0xA018) // DIR64: AddressOfCallBacks
	binary.LittleEndian.PutUint16(reloc[14:], 0xA100) // DIR64: callback slot 0
	binary.LittleEndian.PutUint16(reloc[16:], 0xA108) // DIR64: callback slot 1

	spec := testPE{
		Is64:       true,
		ImageBase:  preferred,
		EntryPoint: 0x1000,
		Dirs: map[ImageDirectoryEntry]DataDirectory{
			ImageDirectoryEntryTLS:       {VirtualAddress: 0x2000, Size: 0x28},
			ImageDirectoryEntryBaseReloc: {VirtualAddress: 0x3000, Size: 8 + 5*2},
		},
		Sections: []testSection{
			{
				Name: ".text", RVA: 0x1000, VSize: 0x200,
				Raw: 0x400, RawSize: 0x200,
				Chars: ImageScnCntCode | ImageScnMemExecute | ImageScnMemRead,
			},
			{
				Name: ".data", RVA: 0x2000, VSize: 0x600,
				Raw: 0x600, RawSize: 0x600,
				Chars: ImageScnCntInitializedData | ImageScnMemRead | ImageScnMemWrite,
				Data:  data,
			},
			{
				Name: ".reloc", RVA: 0x3000, VSize: 0x200,
				Raw: 0xC00, RawSize: 0x200,
				Chars: ImageScnCntInitializedData | ImageScnMemRead,
				Data:  reloc,
			},
		},
	}

	pe := parseTestPE(t, spec, runtime, nil)

	if !pe.Rebased {
		t.Error("image not flagged rebased")
	}
	if pe.RelocationDelta != 0x10000 {
		t.Errorf("RelocationDelta = %#x, want 0x10000", pe.RelocationDelta)
	}
	if !pe.Is64 {
		t.Error("PE32+ image not flagged 64-bit")
	}

	if len(pe.EntryPointList) != 3 {
		t.Fatalf("EntryPointList has %d entries, want 3", len(pe.EntryPointList))
	}
	wantNames := []string{"EntryPoint", "Tls Callback 0", "Tls Callback 1"}
	lo, hi := pe.ImageBase, pe.ImageBase+uint64(pe.VirtualSize)
	for i, ep := range pe.EntryPointList {
		if ep.Name != wantNames[i] {
			t.Errorf("EntryPointList[%d].Name = %q, want %q", i, ep.Name, wantNames[i])
		}
		if ep.VA < lo || ep.VA >= hi {
			t.Errorf("%s VA %#x outside [%#x, %#x)", ep.Name, ep.VA, lo, hi)
		}
	}

	if pe.EntryPointList[1].VA != runtime+0x1010 {
		t.Errorf("first callback VA = %#x, want %#x", pe.EntryPointList[1].VA, uint64(runtime+0x1010))
	}
}

// TestTLSCallbacksAtPreferredBase keeps the callbacks at their linked
// addresses: no relocation directory, image loaded where it was linked.
func TestTLSCallbacksAtPreferredBase(t *testing.T) {
	const preferred = 0x00400000

	data := make([]byte, 0x400)
	tlsDir := ImageTLSDirectory32{
		StartAddressOfRawData: preferred + 0x2040,
		EndAddressOfRawData:   preferred + 0x2050,
		AddressOfIndex:        preferred + 0x2060,
		AddressOfCallBacks:    preferred + 0x2100,
	}
	writeStructAt(t, data, 0, tlsDir)
	binary.LittleEndian.PutUint32(data[0x100:], preferred+0x1010)

	spec := testPE{
		ImageBase:  preferred,
		EntryPoint: 0x1000,
		Dirs: map[ImageDirectoryEntry]DataDirectory{
			ImageDirectoryEntryTLS: {VirtualAddress: 0x2000, Size: 0x18},
		},
		Sections: []testSection{
			{
				Name: ".text", RVA: 0x1000, VSize: 0x200,
				Raw: 0x400, RawSize: 0x200,
				Chars: ImageScnCntCode | ImageScnMemExecute | ImageScnMemRead,
			},
			{
				Name: ".data", RVA: 0x2000, VSize: 0x400,
				Raw: 0x600, RawSize: 0x400,
				Chars: ImageScnCntInitializedData | ImageScnMemRead | ImageScnMemWrite,
				Data:  data,
			},
		},
	}

	pe := parseTestPE(t, spec, 0, nil)

	if len(pe.EntryPointList) != 2 {
		t.Fatalf("EntryPointList has %d entries, want 2", len(pe.EntryPointList))
	}
	if pe.EntryPointList[1].Name != "Tls Callback 0" {
		t.Errorf("EntryPointList[1].Name = %q", pe.EntryPointList[1].Name)
	}
	if pe.EntryPointList[1].VA != preferred+0x1010 {
		t.Errorf("callback VA = %#x", pe.EntryPointList[1].VA)
	}
}
