// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package symstore

import "testing"

func TestMemoryPublisherRetainsOrder(t *testing.T) {
	pub := NewMemoryPublisher()
	pub.Add(Symbol{VA: 0x1000, DataType: DataExport, ModuleIndex: 0, ListIndex: 0})
	pub.Add(Symbol{VA: 0x2000, DataType: DataImportTable, ModuleIndex: 0, ListIndex: 1, Param: "CreateFileW"})

	if len(pub.Symbols) != 2 {
		t.Fatalf("retained %d symbols, want 2", len(pub.Symbols))
	}
	if pub.Symbols[0].VA != 0x1000 || pub.Symbols[1].Param != "CreateFileW" {
		t.Errorf("symbols out of order: %+v", pub.Symbols)
	}
}
