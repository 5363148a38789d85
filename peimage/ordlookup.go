// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package peimage

import (
	"fmt"
	"strings"
)

// ordLookupTables maps a handful of well-known system DLLs, lowercased and
// without extension, to their ordinal -> export name tables. Only entries
// commonly imported by-ordinal are listed; ws2_32 and oleaut32 are by far
// the most common offenders in the wild, so those get the fullest coverage.
var ordLookupTables = map[string]map[uint64]string{
	"ws2_32": {
		1:  "accept",
		2:  "bind",
		3:  "closesocket",
		4:  "connect",
		5:  "getpeername",
		6:  "getsockname",
		7:  "getsockopt",
		8:  "htonl",
		9:  "htons",
		10: "ioctlsocket",
		11: "inet_addr",
		12: "inet_ntoa",
		13: "listen",
		14: "ntohl",
		15: "ntohs",
		16: "recv",
		17: "recvfrom",
		18: "select",
		19: "send",
		20: "sendto",
		21: "setsockopt",
		22: "shutdown",
		23: "socket",
		51: "WSAStartup",
		52: "WSACleanup",
		115: "WSASocketW",
		116: "WSAStringToAddressW",
	},
	"oleaut32": {
		2:  "SysAllocString",
		3:  "SysReAllocString",
		4:  "SysAllocStringLen",
		5:  "SysReAllocStringLen",
		6:  "SysFreeString",
		7:  "SysStringLen",
		8:  "VariantInit",
		9:  "VariantClear",
		10: "VariantCopy",
		147: "SafeArrayCreate",
		148: "SafeArrayDestroy",
	},
}

// OrdLookup resolves an import-by-ordinal to the exported function name a
// small, hand-maintained table of well-known system DLLs publishes at that
// ordinal. makePretty controls the fallback shape when the DLL or ordinal
// isn't in the table: "Ordinal_N" when true, an empty string otherwise.
//
// This is a limited reconstruction covering only the DLLs most commonly
// imported by ordinal in the wild; it is not a complete SDK-derived table.
func OrdLookup(libName string, ordinal uint64, makePretty bool) string {
	lib, _, _ := strings.Cut(strings.ToLower(libName), ".")
	if table, ok := ordLookupTables[lib]; ok {
		if name, ok := table[ordinal]; ok {
			return name
		}
	}
	if makePretty {
		return fmt.Sprintf("Ordinal_%d", ordinal)
	}
	return ""
}
