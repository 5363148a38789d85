// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/winpe/modscan/peimage"
	"github.com/winpe/modscan/symstore"
)

var (
	imageBase   uint64
	sectionsOnly bool
	noStrings   bool
	minStrLen   int

	wantAll      bool
	wantExports  bool
	wantImports  bool
	wantEntries  bool
	wantRelocs   bool
	wantStrings  bool
	wantAnchors  bool
	wantSymbols  bool
	wantAnomalies bool
)

var dumpCmd = &cobra.Command{
	Use:   "dump <pe-file>...",
	Short: "Parse PE files and dump the selected tables as JSON",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		for _, arg := range args {
			if isDirectory(arg) {
				entries, err := os.ReadDir(arg)
				if err != nil {
					log.Printf("failed to read directory %s: %v", arg, err)
					continue
				}
				for _, e := range entries {
					if !e.IsDir() {
						dumpFile(filepath.Join(arg, e.Name()))
					}
				}
			} else {
				dumpFile(arg)
			}
		}
	},
}

func init() {
	flags := dumpCmd.Flags()
	flags.Uint64Var(&imageBase, "base", 0, "runtime image base VA (0 adopts the header's preferred base)")
	flags.BoolVar(&sectionsOnly, "sections-only", false, "stop after section headers")
	flags.BoolVar(&noStrings, "no-strings", false, "disable the full-image string scan")
	flags.IntVar(&minStrLen, "min-string-length", 0, "minimum string-scan run length (default 4)")

	flags.BoolVarP(&wantAll, "all", "a", false, "dump everything")
	flags.BoolVar(&wantExports, "exports", false, "dump the export list")
	flags.BoolVar(&wantImports, "imports", false, "dump the unified import list (delay imports flagged)")
	flags.BoolVar(&wantEntries, "entrypoints", false, "dump the entry point list (TLS callbacks included)")
	flags.BoolVar(&wantRelocs, "relocs", false, "dump relocation blocks")
	flags.BoolVar(&wantStrings, "strings", false, "dump scanned string literals")
	flags.BoolVar(&wantAnchors, "anchors", false, "dump the 16 directory anchors")
	flags.BoolVar(&wantSymbols, "symbols", false, "dump published VA symbols")
	flags.BoolVar(&wantAnomalies, "anomalies", false, "dump parse anomalies")
}

func prettyPrint(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		log.Println("JSON marshal error: ", err)
		return ""
	}
	var prettyJSON bytes.Buffer
	if err := json.Indent(&prettyJSON, raw, "", "\t"); err != nil {
		log.Println("JSON parse error: ", err)
		return string(raw)
	}
	return prettyJSON.String()
}

func isDirectory(path string) bool {
	fileInfo, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fileInfo.IsDir()
}

func dumpFile(filename string) {
	log.Printf("Processing filename %s", filename)

	publisher := symstore.NewMemoryPublisher()
	pe, err := peimage.New(filename, imageBase, &peimage.Options{
		LoadSectionsOnly:   sectionsOnly,
		DisableLoadStrings: noStrings,
		LoadStringLength:   minStrLen,
		Symbols:            publisher,
	})
	if err != nil {
		log.Printf("Error while opening file: %s, reason: %s", filename, err)
		return
	}
	defer pe.Close()

	if err := pe.Parse(); err != nil {
		log.Printf("Error while parsing file: %s, reason: %s", filename, err)
		return
	}

	summary := map[string]interface{}{
		"image_name":     pe.ImageName,
		"original_name":  pe.OriginalName,
		"is_64":          pe.Is64,
		"image_base":     fmt.Sprintf("%#x", pe.ImageBase),
		"preferred_base": fmt.Sprintf("%#x", pe.PreferredImageBase),
		"rebased":        pe.Rebased,
		"virtual_size":   pe.VirtualSize,
		"il_only":        pe.COMPlusILOnly,
	}
	fmt.Println(prettyPrint(summary))

	if wantAnchors || wantAll {
		fmt.Println(prettyPrint(pe.Directories))
	}
	if wantExports || wantAll {
		fmt.Println(prettyPrint(pe.ExportList))
	}
	if wantImports || wantAll {
		fmt.Println(prettyPrint(pe.ImportList))
	}
	if wantEntries || wantAll {
		fmt.Println(prettyPrint(pe.EntryPointList))
	}
	if wantRelocs || wantAll {
		fmt.Println(prettyPrint(pe.RelocationData))
	}
	if wantStrings || wantAll {
		fmt.Println(prettyPrint(pe.Strings))
	}
	if wantAnomalies || wantAll {
		fmt.Println(prettyPrint(pe.Anomalies))
	}
	if wantSymbols || wantAll {
		fmt.Println(prettyPrint(publisher.Symbols))
	}
}
