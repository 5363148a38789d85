// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package peimage

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/winpe/modscan/debuginfo"
)

// imageGate adapts a ParsedImage to the debuginfo.Image capability set by
// borrowed reference; it never outlives its image.
type imageGate struct {
	pe *ParsedImage
}

func (g imageGate) Is64() bool { return g.pe.FileInfo.Is64 }

func (g imageGate) NumberOfSymbols() uint32 {
	return g.pe.NtHeader.FileHeader.NumberOfSymbols
}

func (g imageGate) PointerToSymbolTable() uint32 {
	return g.pe.NtHeader.FileHeader.PointerToSymbolTable
}

func (g imageGate) NumberOfSections() int { return len(g.pe.Sections) }

func (g imageGate) SectionByIndex(i int) (debuginfo.SectionInfo, bool) {
	if i < 0 || i >= len(g.pe.Sections) {
		return debuginfo.SectionInfo{}, false
	}
	return sectionInfo(&g.pe.Sections[i]), true
}

func (g imageGate) SectionByName(name string) (debuginfo.SectionInfo, bool) {
	for i := range g.pe.Sections {
		sec := &g.pe.Sections[i]
		if sec.DisplayName == name || trimNullPad(sec.String()) == name {
			return sectionInfo(sec), true
		}
	}
	return debuginfo.SectionInfo{}, false
}

// Rebase translates a header-relative VA to runtime-relative. A no-op
// unless the image was loaded away from its preferred base.
func (g imageGate) Rebase(va uint64) uint64 {
	if !g.pe.Rebased {
		return va
	}
	return va - g.pe.PreferredImageBase + g.pe.ImageBase
}

func sectionInfo(sec *Section) debuginfo.SectionInfo {
	name := sec.DisplayName
	if name == "" {
		name = trimNullPad(sec.String())
	}
	return debuginfo.SectionInfo{
		Name:             name,
		VirtualAddress:   sec.Header.VirtualAddress,
		VirtualSize:      sec.Header.VirtualSize,
		PointerToRawData: sec.Header.PointerToRawData,
		SizeOfRawData:    sec.Header.SizeOfRawData,
	}
}

// Gate returns the image gate debug-info parsers read this module through.
// It targets the .gnu_debuglink companion when one was loaded, the image
// itself otherwise. Built once; subsequent calls return the same gate.
func (pe *ParsedImage) Gate() *debuginfo.Gate {
	if pe.gate == nil {
		pe.gate = debuginfo.NewGate(imageGate{pe: pe})
		if pe.companion != nil {
			// The gate borrows the companion; the image owns and closes it.
			pe.gate.Replace(imageGate{pe: pe.companion}, nil)
		}
	}
	return pe.gate
}

// RawImage exposes the bytes of the file the gate currently targets: the
// companion debug file when one was loaded, the image's own bytes
// otherwise.
func (pe *ParsedImage) RawImage() []byte {
	if pe.companion != nil {
		return pe.companion.data
	}
	return pe.data
}

// ParseDebugInfo runs each external debug parser over the gate and the
// targeted byte stream, recording which flavors were found. Failures are
// recoverable: they are logged and the flavor is simply absent from
// DebugData.
func (pe *ParsedImage) ParseDebugInfo(parsers ...debuginfo.Parser) {
	gate := pe.Gate()
	data := pe.RawImage()
	for _, p := range parsers {
		found, err := p.Parse(gate, data)
		if err != nil {
			pe.logger.Warnf("%s debug info parsing failed: %v", p.Flavor(), err)
			continue
		}
		if found {
			pe.DebugData[p.Flavor()] = true
		}
	}
}

// loadDebugLink implements the .gnu_debuglink redirection: when a section
// of that name exists, its contents are an ASCII filename resolved
// relative to the image's directory. If that file exists it is parsed as
// a second image in sections-only mode and the gate is retargeted to it
// for subsequent COFF/DWARF reading. The path is a plain directory
// concatenation; the GNU .debug/ subdirectory search rules are
// deliberately not implemented.
func (pe *ParsedImage) loadDebugLink() {
	var linkSec *Section
	for i := range pe.Sections {
		if trimNullPad(pe.Sections[i].String()) == ".gnu_debuglink" ||
			pe.Sections[i].DisplayName == ".gnu_debuglink" {
			linkSec = &pe.Sections[i]
			break
		}
	}
	if linkSec == nil {
		return
	}

	off := linkSec.Header.PointerToRawData
	if off == 0 || off >= pe.size {
		return
	}
	_, name := pe.readASCIIStringAtOffset(off, linkSec.Header.SizeOfRawData)
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}

	path := filepath.Join(filepath.Dir(pe.ImagePath), name)
	if _, err := os.Stat(path); err != nil {
		pe.logger.Debugf("debug link target %s not found: %v", path, err)
		return
	}

	companion, err := New(path, pe.ImageBase, &Options{
		LoadSectionsOnly: true,
		Logger:           pe.opts.Logger,
	})
	if err != nil {
		pe.logger.Warnf("failed to open debug link companion %s: %v", path, err)
		return
	}
	if err := companion.Parse(); err != nil {
		pe.logger.Warnf("failed to parse debug link companion %s: %v", path, err)
		companion.Close()
		return
	}

	pe.DebugLinkPath = path
	pe.companion = companion
	if pe.gate != nil {
		pe.gate.Replace(imageGate{pe: companion}, nil)
	}
}
