// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package modreg maintains the collection of parsed images for one
// analyzed process: every module the loader mapped, indexed by image name
// and bitness and by load base, with cross-module export and forward
// resolution on top.
package modreg

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/winpe/modscan/internal/log"
	"github.com/winpe/modscan/peimage"
)

// maxForwardHops bounds forward-chain resolution. Forward strings in
// hostile or malformed images can loop; sixteen hops is far beyond any
// chain a real loader produces.
const maxForwardHops = 16

// moduleKey identifies the primary slot for a module: images sharing a
// lowercased base name and bitness are one module loaded at one or more
// bases.
type moduleKey struct {
	name string
	is64 bool
}

// Registry is the ordered collection of ParsedImage. Within one key
// exactly one image is the primary hit; later duplicates become its
// relocated alternates and stay reachable only through it. Not
// goroutine-safe; callers synchronize externally.
type Registry struct {
	images []*peimage.ParsedImage
	byKey  map[moduleKey]int
	byBase map[uint64]int

	opts   *peimage.Options
	logger *log.Helper
}

// New returns an empty registry. opts is handed to every image
// constructed through AddImage; it may be nil.
func New(opts *peimage.Options) *Registry {
	var logger log.Logger
	if opts != nil {
		logger = opts.Logger
	}
	return &Registry{
		byKey:  make(map[moduleKey]int),
		byBase: make(map[uint64]int),
		opts:   opts,
		logger: log.NewHelper(logger),
	}
}

// AddImage constructs, parses, and indexes an image from module-
// enumeration data. The returned image is owned by the registry. A parse
// that fails at the header level still returns the error but leaves the
// registry unchanged.
func (r *Registry) AddImage(md peimage.ModuleData) (*peimage.ParsedImage, error) {
	pi, err := peimage.NewModule(md, len(r.images), r.opts)
	if err != nil {
		return nil, err
	}
	if err := pi.Parse(); err != nil {
		pi.Close()
		return nil, err
	}
	r.Add(pi)
	return pi, nil
}

// Add indexes an already-parsed image. The first image seen for a
// (name, bitness) key becomes the primary; every later duplicate is
// appended to the primary's relocated alternates, never replacing it.
func (r *Registry) Add(pi *peimage.ParsedImage) {
	pi.ModuleIndex = len(r.images)
	r.images = append(r.images, pi)
	r.byBase[pi.ImageBase] = pi.ModuleIndex

	key := keyFor(pi)
	if first, ok := r.byKey[key]; ok {
		primary := r.images[first]
		primary.RelocatedAlternates = append(primary.RelocatedAlternates, pi)
		return
	}
	r.byKey[key] = pi.ModuleIndex
}

func keyFor(pi *peimage.ParsedImage) moduleKey {
	name := pi.ImageName
	if pi.ImagePath != "" {
		name = filepath.Base(pi.ImagePath)
	}
	return moduleKey{name: strings.ToLower(name), is64: pi.Is64}
}

// Len reports how many images the registry holds, alternates included.
func (r *Registry) Len() int { return len(r.images) }

// Images returns the ordered image list. The slice is the registry's own;
// callers must not mutate it.
func (r *Registry) Images() []*peimage.ParsedImage { return r.images }

// At returns the image at moduleIndex, or nil when out of range.
func (r *Registry) At(moduleIndex int) *peimage.ParsedImage {
	if moduleIndex < 0 || moduleIndex >= len(r.images) {
		return nil
	}
	return r.images[moduleIndex]
}

// GetModule finds the image loaded at va. The fast path is an exact
// image-base match; with checkOwnership set a miss falls back to a linear
// ownership scan over every image's [base, base+virtual_size) span.
func (r *Registry) GetModule(va uint64, checkOwnership bool) *peimage.ParsedImage {
	if i, ok := r.byBase[va]; ok {
		return r.images[i]
	}
	if !checkOwnership {
		return nil
	}
	for _, pi := range r.images {
		if va > pi.ImageBase && va < pi.ImageBase+uint64(pi.VirtualSize) {
			return pi
		}
	}
	return nil
}

// GetByName returns the primary image registered under (name, is64).
// name may carry a path and an extension; only the lowercased base name
// participates in the key.
func (r *Registry) GetByName(name string, is64 bool) *peimage.ParsedImage {
	if i, ok := r.byKey[moduleKey{name: strings.ToLower(filepath.Base(name)), is64: is64}]; ok {
		return r.images[i]
	}
	return nil
}

// GetProcData answers an export lookup in library: nameOrOrdinal is a
// function name, or an ordinal written as a decimal number with an
// optional '#' prefix. checkVA selects among the primary and its
// relocated alternates the image whose span contains it; when none does
// the primary answers. A forwarded result is chased through the registry
// (see resolveForward) so the caller receives the entry that actually
// carries code.
func (r *Registry) GetProcData(library, nameOrOrdinal string, is64 bool, checkVA uint64) (*peimage.ParsedImage, peimage.ExportEntry, bool) {
	return r.getProcData(library, nameOrOrdinal, is64, checkVA, 0)
}

func (r *Registry) getProcData(library, nameOrOrdinal string, is64 bool, checkVA uint64, depth int) (*peimage.ParsedImage, peimage.ExportEntry, bool) {
	primary := r.GetByName(withDLLExt(library), is64)
	if primary == nil {
		return nil, peimage.ExportEntry{}, false
	}

	img := primary.GetImageAtAddr(checkVA)
	if img == nil {
		img = primary
	}

	entry, ok := lookupExport(img, nameOrOrdinal)
	if !ok {
		return nil, peimage.ExportEntry{}, false
	}

	if entry.ForwardedTo != "" {
		return r.resolveForward(entry.ForwardedTo, is64, checkVA, depth+1)
	}
	return img, entry, true
}

// resolveForward chases a "library.function" forward string, splitting on
// the last dot since the library half may itself contain dots
// (KERNEL.APPCORE.IsDeveloperModeEnabled). Chains terminate at the first
// non-forwarded entry, at a dead end, or at the hop limit.
func (r *Registry) resolveForward(forward string, is64 bool, checkVA uint64, depth int) (*peimage.ParsedImage, peimage.ExportEntry, bool) {
	if depth > maxForwardHops {
		r.logger.Warnf("forward chain exceeded %d hops at %q", maxForwardHops, forward)
		return nil, peimage.ExportEntry{}, false
	}

	i := strings.LastIndex(forward, ".")
	if i <= 0 || i == len(forward)-1 {
		return nil, peimage.ExportEntry{}, false
	}
	library, function := forward[:i], forward[i+1:]

	return r.getProcData(library, function, is64, checkVA, depth)
}

// lookupExport queries one image by name or by '#'-prefixed / bare
// decimal ordinal.
func lookupExport(img *peimage.ParsedImage, nameOrOrdinal string) (peimage.ExportEntry, bool) {
	s := nameOrOrdinal
	explicit := strings.HasPrefix(s, "#")
	if explicit {
		s = s[1:]
	}
	if n, err := strconv.ParseUint(s, 10, 32); err == nil && (explicit || !hasAlpha(nameOrOrdinal)) {
		return img.GetExportByOrdinal(uint32(n))
	}
	return img.GetExportByName(nameOrOrdinal)
}

func hasAlpha(s string) bool {
	for _, c := range s {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			return true
		}
	}
	return false
}

// withDLLExt restores the extension a forward string omits, so registry
// keys derived from on-disk names still match.
func withDLLExt(library string) string {
	if strings.Contains(library, ".") {
		// Forward libraries may embed dots; only treat the suffix as an
		// extension when it looks like one.
		ext := strings.ToLower(filepath.Ext(library))
		switch ext {
		case ".dll", ".exe", ".sys", ".ocx", ".drv":
			return library
		}
	}
	return library + ".dll"
}

// Close destroys every image in bulk: primaries first, then their
// alternates, companions and gates folding into each image's own Close.
func (r *Registry) Close() error {
	var firstErr error
	for _, pi := range r.images {
		if err := pi.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.images = nil
	r.byKey = make(map[moduleKey]int)
	r.byBase = make(map[uint64]int)
	return firstErr
}
