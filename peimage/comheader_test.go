// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package peimage

import "testing"

func TestCLRHeaderILOnly(t *testing.T) {
	data := make([]byte, 0x200)
	hdr := ImageCOR20Header{
		Cb:    0x48,
		Flags: COMImageFlagsILOnly,
	}
	writeStructAt(t, data, 0, hdr)

	spec := testPE{
		ImageBase: 0x00400000,
		Dirs: map[ImageDirectoryEntry]DataDirectory{
			ImageDirectoryEntryCLR: {VirtualAddress: 0x1000, Size: 0x48},
		},
		Sections: []testSection{
			{
				Name: ".text", RVA: 0x1000, VSize: 0x200,
				Raw: 0x400, RawSize: 0x200,
				Chars: ImageScnCntCode | ImageScnMemExecute | ImageScnMemRead,
				Data:  data,
			},
		},
	}
	pe := parseTestPE(t, spec, 0, nil)

	if !pe.COMPlusILOnly {
		t.Error("ILONLY flag not reflected in COMPlusILOnly")
	}
	if !pe.HasCLR {
		t.Error("HasCLR not set")
	}
	if pe.CLRHeader.Cb != 0x48 {
		t.Errorf("CLR header Cb = %#x", pe.CLRHeader.Cb)
	}
}

func TestCLRHeader32BitRequired(t *testing.T) {
	data := make([]byte, 0x200)
	hdr := ImageCOR20Header{
		Cb:    0x48,
		Flags: COMImageFlags32BitRequired,
	}
	writeStructAt(t, data, 0, hdr)

	spec := testPE{
		ImageBase: 0x00400000,
		Dirs: map[ImageDirectoryEntry]DataDirectory{
			ImageDirectoryEntryCLR: {VirtualAddress: 0x1000, Size: 0x48},
		},
		Sections: []testSection{
			{
				Name: ".text", RVA: 0x1000, VSize: 0x200,
				Raw: 0x400, RawSize: 0x200,
				Chars: ImageScnCntCode | ImageScnMemExecute | ImageScnMemRead,
				Data:  data,
			},
		},
	}
	pe := parseTestPE(t, spec, 0, nil)

	if !pe.COMPlusILOnly {
		t.Error("REQUIRES_32BIT alone must still count as IL-only")
	}
}
