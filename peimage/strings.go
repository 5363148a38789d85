// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package peimage

import (
	"github.com/winpe/modscan/symstore"
)

// isPrintableByte reports whether b can appear inside a scanned string
// literal: CR, LF, or the printable ASCII range.
func isPrintableByte(b byte) bool {
	return b == 10 || b == 13 || (b >= 32 && b <= 126)
}

// scanStrings walks the whole file image byte-by-byte looking for runs of
// printable characters, ASCII or UTF-16LE. The encoding of a run is fixed
// at its first byte: when the byte after it is also printable the run is
// ASCII with stride 1, when it is a NUL the run is treated as UTF-16LE
// code units with stride 2, and any other byte there starts no run at
// all. A run ends at the first non-printable byte (or code unit) and
// is emitted when it reached the configured minimum length. No
// backtracking: a rejected run resumes scanning right after its last
// examined byte.
func (pe *ParsedImage) scanStrings() {
	minLen := pe.opts.LoadStringLength
	if minLen <= 0 {
		minLen = DefaultLoadStringLength
	}

	data := pe.data
	size := len(data)

	for i := 0; i < size; {
		if !isPrintableByte(data[i]) {
			i++
			continue
		}

		start := i
		wide := false
		stride := 1
		// Peek the byte after the opener: printable means a plain ASCII
		// run, a NUL means UTF-16LE code units.
		if i+1 < size && !isPrintableByte(data[i+1]) {
			if data[i+1] != 0 {
				i++
				continue
			}
			wide = true
			stride = 2
		}

		var runes []byte
		j := i
		for j < size && isPrintableByte(data[j]) {
			if wide && (j+1 >= size || data[j+1] != 0) {
				// Odd-sized code unit terminates a UTF-16 run.
				break
			}
			runes = append(runes, data[j])
			j += stride
		}

		if len(runes) >= minLen {
			value := string(runes)
			if wide {
				// Decode the code units properly rather than assuming the
				// high bytes stay zero for the whole run.
				if decoded, err := DecodeUTF16String(append(data[start:j:j], 0, 0)); err == nil && decoded != "" {
					value = decoded
				}
			}
			s := StringData{
				Offset: uint32(start),
				Length: len(runes),
				Wide:   wide,
				Value:  value,
			}
			pe.Strings = append(pe.Strings, s)
			pe.publish(pe.RawToVA(uint32(start)), symstore.DataStringLiteral,
				len(pe.Strings)-1, s.Value)
		}

		if wide {
			i = j + 1
		} else {
			i = j
		}
	}
}
