// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package peimage

import (
	"errors"

	"github.com/winpe/modscan/symstore"
)

// String stringify the data directory entry.
func (entry ImageDirectoryEntry) String() string {
	dataDirMap := map[ImageDirectoryEntry]string{
		ImageDirectoryEntryExport:       "Export",
		ImageDirectoryEntryImport:       "Import",
		ImageDirectoryEntryResource:     "Resource",
		ImageDirectoryEntryException:    "Exception",
		ImageDirectoryEntryCertificate:  "Security",
		ImageDirectoryEntryBaseReloc:    "Relocation",
		ImageDirectoryEntryDebug:        "Debug",
		ImageDirectoryEntryArchitecture: "Architecture",
		ImageDirectoryEntryGlobalPtr:    "GlobalPtr",
		ImageDirectoryEntryTLS:          "TLS",
		ImageDirectoryEntryLoadConfig:   "LoadConfig",
		ImageDirectoryEntryBoundImport:  "BoundImport",
		ImageDirectoryEntryIAT:          "IAT",
		ImageDirectoryEntryDelayImport:  "DelayImport",
		ImageDirectoryEntryCLR:          "CLR",
		ImageDirectoryEntryReserved:     "Reserved",
	}

	return dataDirMap[entry]
}

// directoryEntries returns the 16 raw DataDirectory entries for whichever
// optional header shape this image has.
func (pe *ParsedImage) directoryEntries() [ImageNumberOfDirectoryEntries]DataDirectory {
	if pe.Is64 {
		return pe.NtHeader.OptionalHeader.(ImageOptionalHeader64).DataDirectory
	}
	return pe.NtHeader.OptionalHeader.(ImageOptionalHeader32).DataDirectory
}

// ParseDataDirectories is the directory locator: it materializes all
// 16 directory entries as VA anchors, publishes the well-known ones to the
// Symbol Publisher, then dispatches each non-empty directory to whichever
// per-directory parser this package implements, in a fixed order with a
// relocation-apply rewrite pass between BaseReloc and DelayImport.
func (pe *ParsedImage) ParseDataDirectories() error {
	entries := pe.directoryEntries()

	for i, d := range entries {
		if d.VirtualAddress == 0 {
			continue
		}
		pe.Directories[i] = DirectoryAnchor{
			VA:   pe.ImageBase + uint64(d.VirtualAddress),
			Size: d.Size,
		}
	}

	pe.publish(pe.ImageBase, symstore.DataInstanceBase, 0, pe.ImageName)
	if exp := pe.anchor(ImageDirectoryEntryExport); exp.VA != 0 {
		pe.publish(exp.VA, symstore.DataExportDirectory, 0, pe.ImageName)
	}
	if tls := pe.anchor(ImageDirectoryEntryTLS); tls.VA != 0 {
		bitness := "32"
		if pe.Is64 {
			bitness = "64"
		}
		pe.publish(tls.VA, symstore.DataTLSDirectory, 0, bitness)
	}
	if lc := pe.anchor(ImageDirectoryEntryLoadConfig); lc.VA != 0 {
		bitness := "32"
		if pe.Is64 {
			bitness = "64"
		}
		pe.publish(lc.VA, symstore.DataLoadConfigDirectory, 0, bitness)
	}

	// Directory-table parse order, with the relocation rewrite pass
	// pinned right after BaseReloc so it lands strictly before
	// DelayImport, whose 64-bit pointer fields need the post-relocation
	// buffer.
	order := []ImageDirectoryEntry{
		ImageDirectoryEntryExport,
		ImageDirectoryEntryImport,
		ImageDirectoryEntryCertificate,
		ImageDirectoryEntryBaseReloc,
		ImageDirectoryEntryTLS,
		ImageDirectoryEntryBoundImport,
		ImageDirectoryEntryDelayImport,
		ImageDirectoryEntryCLR,
	}

	funcMaps := map[ImageDirectoryEntry](func(uint32, uint32) error){
		ImageDirectoryEntryExport:      pe.parseExportDirectory,
		ImageDirectoryEntryImport:      pe.parseImportDirectory,
		ImageDirectoryEntryCertificate: pe.parseSecurityDirectory,
		ImageDirectoryEntryBaseReloc:   pe.parseRelocDirectory,
		ImageDirectoryEntryDelayImport: pe.parseDelayImportDirectory,
		ImageDirectoryEntryBoundImport: pe.parseBoundImportDirectory,
		ImageDirectoryEntryTLS:         pe.parseTLSDirectory,
		ImageDirectoryEntryCLR:         pe.parseCLRHeaderDirectory,
	}

	foundErr := false
	for _, entryIndex := range order {
		d := entries[entryIndex]
		if d.VirtualAddress == 0 {
			continue
		}

		func() {
			defer func() {
				if e := recover(); e != nil {
					pe.logger.Errorf("unhandled exception when parsing data directory %s, reason: %v",
						entryIndex.String(), e)
					foundErr = true
				}
			}()

			err := funcMaps[entryIndex](d.VirtualAddress, d.Size)
			if err != nil {
				pe.logger.Warnf("failed to parse data directory %s, reason: %v",
					entryIndex.String(), err)
			}
		}()

		// The relocation-apply rewrite pass sits between BaseReloc parsing
		// and DelayImport parsing: delay-import descriptors carry runtime
		// VAs/pointer-sized fields that must reflect the patched buffer.
		if entryIndex == ImageDirectoryEntryBaseReloc {
			pe.applyRelocationDelta()
		}
	}

	// The last data directory entry is reserved and must be zero.
	if entries[ImageDirectoryEntryReserved].VirtualAddress != 0 {
		pe.Anomalies = append(pe.Anomalies, AnoReservedDataDirectoryEntry)
	}

	pe.buildImportList()
	pe.buildEntryPoints()

	if foundErr {
		return errors.New("data directory parsing failed")
	}
	return nil
}

// applyRelocationDelta computes RelocationDelta = runtime_base - preferred_base
// (truncated to 32 bits for PE32) and, if non-zero, rewrites the in-memory
// buffer via ApplyRelocations.
func (pe *ParsedImage) applyRelocationDelta() {
	delta := int64(pe.ImageBase) - int64(pe.PreferredImageBase)
	if !pe.Is64 {
		delta = int64(int32(uint32(delta)))
	}
	pe.RelocationDelta = delta

	if delta == 0 || len(pe.Relocations) == 0 {
		return
	}

	buf, ok := pe.mutableBuffer()
	if !ok {
		pe.logger.Warnf("relocation delta 0x%x requested but image buffer is not writable", delta)
		return
	}

	if err := pe.ApplyRelocations(buf, delta); err != nil {
		pe.logger.Warnf("failed to apply relocations: %v", err)
	}
}
