// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package peimage

import (
	"encoding/binary"
	"testing"

	"github.com/winpe/modscan/apiset"
)

// exportSectionSpec lays an export directory into a section at RVA 0x2000.
func exportSectionSpec(secData []byte) testPE {
	return testPE{
		ImageBase: 0x10000000,
		Dirs: map[ImageDirectoryEntry]DataDirectory{
			ImageDirectoryEntryExport: {VirtualAddress: 0x2000, Size: 0x100},
		},
		Sections: []testSection{
			{
				Name: ".text", RVA: 0x1000, VSize: 0x200,
				Raw: 0x400, RawSize: 0x200,
				Chars: ImageScnCntCode | ImageScnMemExecute | ImageScnMemRead,
			},
			{
				Name: ".edata", RVA: 0x2000, VSize: 0x200,
				Raw: 0x600, RawSize: 0x200,
				Chars: ImageScnCntInitializedData | ImageScnMemRead,
				Data:  secData,
			},
		},
	}
}

func TestOrdinalOnlyExports(t *testing.T) {
	sec := make([]byte, 0x200)
	dir := ImageExportDirectory{
		Name:               0x2050,
		Base:               1,
		NumberOfFunctions:  3,
		AddressOfFunctions: 0x2028,
	}
	writeStructAt(t, sec, 0, dir)
	binary.LittleEndian.PutUint32(sec[0x28:], 0x1010)
	binary.LittleEndian.PutUint32(sec[0x2C:], 0x1020)
	binary.LittleEndian.PutUint32(sec[0x30:], 0x1030)
	putASCIIZ(sec, 0x50, "mfperfhelper.dll")

	pe := parseTestPE(t, exportSectionSpec(sec), 0, nil)

	if len(pe.ExportList) != 3 {
		t.Fatalf("ExportList has %d entries, want 3", len(pe.ExportList))
	}
	for i, entry := range pe.ExportList {
		if entry.FunctionName != "" {
			t.Errorf("entry %d has name %q, want empty", i, entry.FunctionName)
		}
		if want := uint32(i + 1); entry.Ordinal != want {
			t.Errorf("entry %d ordinal = %d, want %d", i, entry.Ordinal, want)
		}
		if !entry.Executable {
			t.Errorf("entry %d not marked executable", i)
		}
	}
	if len(pe.exportNameIndex) != 0 {
		t.Errorf("name index has %d entries, want 0", len(pe.exportNameIndex))
	}
	if len(pe.exportOrdinalIndex) != 3 {
		t.Errorf("ordinal index has %d keys, want 3", len(pe.exportOrdinalIndex))
	}
	if pe.OriginalName != "mfperfhelper.dll" {
		t.Errorf("OriginalName = %q", pe.OriginalName)
	}
}

func TestForwardedExport(t *testing.T) {
	sec := make([]byte, 0x200)
	dir := ImageExportDirectory{
		Name:                  0x2040,
		Base:                  1,
		NumberOfFunctions:     1,
		NumberOfNames:         1,
		AddressOfFunctions:    0x2028,
		AddressOfNames:        0x202C,
		AddressOfNameOrdinals: 0x2030,
	}
	writeStructAt(t, sec, 0, dir)
	binary.LittleEndian.PutUint32(sec[0x28:], 0x2060) // inside the export dir: a forward
	binary.LittleEndian.PutUint32(sec[0x2C:], 0x2050)
	binary.LittleEndian.PutUint16(sec[0x30:], 0)
	putASCIIZ(sec, 0x40, "kernel32.dll")
	putASCIIZ(sec, 0x50, "HeapAlloc")
	putASCIIZ(sec, 0x60, "NTDLL.RtlAllocateHeap")

	pe := parseTestPE(t, exportSectionSpec(sec), 0, nil)

	entry, ok := pe.GetExportByName("HeapAlloc")
	if !ok {
		t.Fatal("HeapAlloc not found by name")
	}
	if entry.OriginalForwardedTo != "NTDLL.RtlAllocateHeap" {
		t.Errorf("OriginalForwardedTo = %q", entry.OriginalForwardedTo)
	}
	if entry.ForwardedTo != "NTDLL.RtlAllocateHeap" {
		t.Errorf("ForwardedTo = %q, want unchanged without a schema", entry.ForwardedTo)
	}
	if entry.Executable {
		t.Error("forwarded export marked executable")
	}
	if got := pe.DirectoryIndexFromRva(entry.FuncAddrRVA); got != ImageDirectoryEntryExport {
		t.Errorf("forward string RVA resolves to directory %d, want export", got)
	}
	expAnchor := pe.Directories[ImageDirectoryEntryExport]
	if entry.ExportTableVA < expAnchor.VA ||
		entry.ExportTableVA >= expAnchor.VA+uint64(expAnchor.Size) {
		t.Errorf("ExportTableVA %#x outside export directory anchor", entry.ExportTableVA)
	}
	if entry.FuncAddrVA != pe.RvaToVA(entry.FuncAddrRVA) {
		t.Errorf("FuncAddrVA %#x != RvaToVA(FuncAddrRVA)", entry.FuncAddrVA)
	}
}

func TestForwardedExportAPISetResolution(t *testing.T) {
	sec := make([]byte, 0x200)
	dir := ImageExportDirectory{
		Name:                  0x2040,
		Base:                  1,
		NumberOfFunctions:     1,
		NumberOfNames:         1,
		AddressOfFunctions:    0x2028,
		AddressOfNames:        0x202C,
		AddressOfNameOrdinals: 0x2030,
	}
	writeStructAt(t, sec, 0, dir)
	binary.LittleEndian.PutUint32(sec[0x28:], 0x2070)
	binary.LittleEndian.PutUint32(sec[0x2C:], 0x2050)
	binary.LittleEndian.PutUint16(sec[0x30:], 0)
	putASCIIZ(sec, 0x40, "kernel32.dll")
	putASCIIZ(sec, 0x50, "GetModuleFileNameW")
	putASCIIZ(sec, 0x70, "api-ms-win-core-libraryloader-l1-1-0.GetModuleFileNameW")

	schema := apiset.NewStaticSchema()
	schema.Add("kernel32.dll", "api-ms-win-core-libraryloader-l1-1-0", "kernelbase")

	pe := parseTestPE(t, exportSectionSpec(sec), 0, &Options{Schema: schema})

	entry, ok := pe.GetExportByName("GetModuleFileNameW")
	if !ok {
		t.Fatal("GetModuleFileNameW not found by name")
	}
	if want := "api-ms-win-core-libraryloader-l1-1-0.GetModuleFileNameW"; entry.OriginalForwardedTo != want {
		t.Errorf("OriginalForwardedTo = %q", entry.OriginalForwardedTo)
	}
	if want := "kernelbase.GetModuleFileNameW"; entry.ForwardedTo != want {
		t.Errorf("ForwardedTo = %q, want %q", entry.ForwardedTo, want)
	}
}

func TestExportLookupByOrdinal(t *testing.T) {
	sec := make([]byte, 0x200)
	dir := ImageExportDirectory{
		Name:               0x2050,
		Base:               5,
		NumberOfFunctions:  2,
		AddressOfFunctions: 0x2028,
	}
	writeStructAt(t, sec, 0, dir)
	binary.LittleEndian.PutUint32(sec[0x28:], 0x1010)
	binary.LittleEndian.PutUint32(sec[0x2C:], 0x1020)
	putASCIIZ(sec, 0x50, "ord.dll")

	pe := parseTestPE(t, exportSectionSpec(sec), 0, nil)

	entry, ok := pe.GetExportByOrdinal(6)
	if !ok {
		t.Fatal("ordinal 6 not found")
	}
	if entry.FuncAddrRVA != 0x1020 {
		t.Errorf("ordinal 6 FuncAddrRVA = %#x, want 0x1020", entry.FuncAddrRVA)
	}
	if _, ok := pe.GetExportByOrdinal(7); ok {
		t.Error("ordinal 7 unexpectedly found")
	}
}
