// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package peimage

import "testing"

func findString(strs []StringData, value string) (StringData, bool) {
	for _, s := range strs {
		if s.Value == value {
			return s, true
		}
	}
	return StringData{}, false
}

func TestStringScan(t *testing.T) {
	data := make([]byte, 0x200)
	off := uint32(0x10)
	off = putASCIIZ(data, off, "Hello, World!")
	data[off] = 0xFF // break any run before the wide string
	off++
	for _, r := range "WideString" {
		data[off] = byte(r)
		data[off+1] = 0
		off += 2
	}
	data[off] = 0xFF
	data[off+2] = 0xFF
	copy(data[0x100:], []byte{'a', 'b', 0xFF, 'c'}) // too short to emit

	spec := testPE{
		ImageBase: 0x00400000,
		Sections: []testSection{
			{
				Name: ".data", RVA: 0x1000, VSize: 0x200,
				Raw: 0x400, RawSize: 0x200,
				Chars: ImageScnCntInitializedData | ImageScnMemRead,
				Data:  data,
			},
		},
	}
	pe := parseTestPE(t, spec, 0, nil)

	s, ok := findString(pe.Strings, "Hello, World!")
	if !ok {
		t.Fatal("ASCII literal not found by the scan")
	}
	if s.Wide {
		t.Error("ASCII literal flagged wide")
	}
	if s.Offset != 0x410 {
		t.Errorf("ASCII literal offset = %#x, want 0x410", s.Offset)
	}

	w, ok := findString(pe.Strings, "WideString")
	if !ok {
		t.Fatal("UTF-16 literal not found by the scan")
	}
	if !w.Wide {
		t.Error("UTF-16 literal not flagged wide")
	}

	if _, ok := findString(pe.Strings, "ab"); ok {
		t.Error("scan emitted a run below the minimum length")
	}
}

func TestStringScanDisabled(t *testing.T) {
	spec := twoSectionSpec()
	pe := parseTestPE(t, spec, 0, &Options{DisableLoadStrings: true})
	if len(pe.Strings) != 0 {
		t.Errorf("string scan ran despite DisableLoadStrings, %d entries", len(pe.Strings))
	}
}

func TestStringScanMinLength(t *testing.T) {
	data := make([]byte, 0x100)
	putASCIIZ(data, 0x10, "abcde")

	spec := testPE{
		ImageBase: 0x00400000,
		Sections: []testSection{
			{
				Name: ".data", RVA: 0x1000, VSize: 0x100,
				Raw: 0x400, RawSize: 0x100,
				Chars: ImageScnCntInitializedData | ImageScnMemRead,
				Data:  data,
			},
		},
	}
	pe := parseTestPE(t, spec, 0, &Options{LoadStringLength: 6})

	if _, ok := findString(pe.Strings, "abcde"); ok {
		t.Error("scan emitted a 5-char run with LoadStringLength 6")
	}
}
