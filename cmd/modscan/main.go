// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "modscan",
	Short: "modscan analyzes raw PE images",
	Long: `A raw PE image analyzer: given PE files on disk (and optionally the
base address the OS loader mapped them at), it reconstructs the module's
static structure - sections, directories, imports, exports, relocations,
TLS callbacks, entry points - queryable by virtual address.`,
}

func main() {
	rootCmd.AddCommand(dumpCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
