// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package peimage

import (
	"encoding/binary"
	"testing"

	"github.com/winpe/modscan/apiset"
	"github.com/winpe/modscan/symstore"
)

// importSpec lays one import descriptor with a two-entry thunk table
// (one by name, one by ordinal) into a .idata section.
func importSpec(library string) testPE {
	idata := make([]byte, 0x600)

	desc := ImageImportDescriptor{
		OriginalFirstThunk: 0x3100,
		Name:               0x3200,
		FirstThunk:         0x3300,
	}
	var buf [20]byte
	binary.LittleEndian.PutUint32(buf[0:], desc.OriginalFirstThunk)
	binary.LittleEndian.PutUint32(buf[12:], desc.Name)
	binary.LittleEndian.PutUint32(buf[16:], desc.FirstThunk)
	copy(idata[0:], buf[:])
	// Zeroed descriptor terminates the walk.

	// INT: a hint/name reference and an ordinal import.
	binary.LittleEndian.PutUint32(idata[0x100:], 0x3400)
	binary.LittleEndian.PutUint32(idata[0x104:], imageOrdinalFlag32|17)
	// IAT mirrors the INT before binding.
	binary.LittleEndian.PutUint32(idata[0x300:], 0x3400)
	binary.LittleEndian.PutUint32(idata[0x304:], imageOrdinalFlag32|17)

	putASCIIZ(idata, 0x200, library)
	binary.LittleEndian.PutUint16(idata[0x400:], 3)
	putASCIIZ(idata, 0x402, "CreateRemoteThread")

	return testPE{
		ImageBase: 0x00400000,
		Dirs: map[ImageDirectoryEntry]DataDirectory{
			ImageDirectoryEntryImport: {VirtualAddress: 0x3000, Size: 0x28},
		},
		Sections: []testSection{
			{
				Name: ".idata", RVA: 0x3000, VSize: 0x600,
				Raw: 0x400, RawSize: 0x600,
				Chars: ImageScnCntInitializedData | ImageScnMemRead | ImageScnMemWrite,
				Data:  idata,
			},
		},
	}
}

func TestStandardImports(t *testing.T) {
	pe := parseTestPE(t, importSpec("kernel32.dll"), 0, nil)

	if len(pe.Imports) != 1 {
		t.Fatalf("Imports has %d libraries, want 1", len(pe.Imports))
	}
	if len(pe.ImportList) != 2 {
		t.Fatalf("ImportList has %d entries, want 2", len(pe.ImportList))
	}

	named := pe.ImportList[0]
	if named.FunctionName != "CreateRemoteThread" {
		t.Errorf("named import FunctionName = %q", named.FunctionName)
	}
	if named.LibraryName != "kernel32.dll" || named.OriginalLibraryName != "kernel32.dll" {
		t.Errorf("library names = %q / %q", named.LibraryName, named.OriginalLibraryName)
	}
	if want := pe.ImageBase + 0x3300; named.ImportTableVA != want {
		t.Errorf("named ImportTableVA = %#x, want %#x", named.ImportTableVA, want)
	}
	if named.Delayed {
		t.Error("standard import flagged delayed")
	}

	byOrd := pe.ImportList[1]
	if byOrd.FunctionName != "" {
		t.Errorf("ordinal import has FunctionName %q, want empty", byOrd.FunctionName)
	}
	if byOrd.Ordinal != 17 {
		t.Errorf("ordinal = %d, want 17", byOrd.Ordinal)
	}
	if want := pe.ImageBase + 0x3304; byOrd.ImportTableVA != want {
		t.Errorf("ordinal ImportTableVA = %#x, want %#x", byOrd.ImportTableVA, want)
	}
}

func TestImportLibraryAPISetRedirection(t *testing.T) {
	schema := apiset.NewStaticSchema()
	schema.Add("", "api-ms-win-core-processthreads-l1-1-0", "kernel32")

	pe := parseTestPE(t, importSpec("api-ms-win-core-processthreads-l1-1-0.dll"),
		0, &Options{Schema: schema})

	if len(pe.ImportList) == 0 {
		t.Fatal("no imports parsed")
	}
	entry := pe.ImportList[0]
	if entry.OriginalLibraryName != "api-ms-win-core-processthreads-l1-1-0.dll" {
		t.Errorf("OriginalLibraryName = %q", entry.OriginalLibraryName)
	}
	if entry.LibraryName != "kernel32" {
		t.Errorf("LibraryName = %q, want schema target kernel32", entry.LibraryName)
	}
}

func TestImportSymbolPublication(t *testing.T) {
	pub := symstore.NewMemoryPublisher()
	pe := parseTestPE(t, importSpec("kernel32.dll"), 0, &Options{Symbols: pub})

	var gotDesc, gotIAT, gotINT bool
	for _, sym := range pub.Symbols {
		switch sym.DataType {
		case symstore.DataImportDescriptor:
			gotDesc = sym.VA == pe.ImageBase+0x3000
		case symstore.DataImportTable:
			if sym.VA == pe.ImageBase+0x3300 {
				gotIAT = true
			}
		case symstore.DataImportNameTable:
			if sym.VA == pe.ImageBase+0x3100 {
				gotINT = true
			}
		}
	}
	if !gotDesc || !gotIAT || !gotINT {
		t.Errorf("missing publications: descriptor=%v iat=%v int=%v", gotDesc, gotIAT, gotINT)
	}
}

func TestImpHash(t *testing.T) {
	pe := parseTestPE(t, importSpec("kernel32.dll"), 0, nil)

	hash, err := pe.ImpHash()
	if err != nil {
		t.Fatalf("ImpHash failed: %v", err)
	}
	if len(hash) != 32 {
		t.Errorf("ImpHash %q is not an MD5 hex digest", hash)
	}
}
