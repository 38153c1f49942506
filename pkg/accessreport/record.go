package accessreport

import (
	"fmt"
	"hash/fnv"
	"strings"
)

// PathAtom is an indirect reference into an external path table (owned by
// whatever built the manifest the interposition layer was configured
// with). InvalidPathAtom marks "no manifest path"; per spec §3 invariant 2,
// an AccessRecord with an invalid ManifestPath must carry a non-empty
// literal Path.
type PathAtom int32

const InvalidPathAtom PathAtom = -1

func (a PathAtom) Valid() bool { return a >= 0 }

// PathTable resolves a PathAtom to its string form. Ownership lives outside
// this package (spec §1: the path table belongs to the layer above the pip
// executor).
type PathTable interface {
	Resolve(atom PathAtom) (string, bool)
}

// AbsentUSN is the sentinel meaning "no USN was captured for this access".
const AbsentUSN uint64 = 0xFFFF_FFFF_FFFF_FFFF

// Well-known OS error codes the predicates in this file key off of. These
// mirror POSIX errno values remapped the way the (out-of-scope)
// interposition layer would: ENOENT for both "file not found" and
// "path not found" cases, since this target OS does not distinguish them.
const (
	ErrNone         uint32 = 0
	ErrFileNotFound uint32 = 2  // ENOENT
	ErrPathNotFound uint32 = 2  // ENOENT (POSIX collapses this into ENOENT too)
	ErrAccessDenied uint32 = 13 // EACCES
)

// AccessRecord is an immutable description of one observed file-system
// operation made by a specific process. See spec §3 for the full field
// contract and invariants.
type AccessRecord struct {
	Operation           Operation
	Process             Process
	RequestedAccess     RequestedAccess
	Status              FileAccessStatus
	StatusMethod        FileAccessStatusMethod
	ExplicitlyReported  bool
	Error               uint32
	RawError            uint32
	USN                 uint64
	DesiredAccess       uint32
	ShareMode           uint32
	CreationDisposition uint32
	FlagsAndAttributes  uint32
	OpenedAttributes    OpenedAttributes
	ManifestPath        PathAtom
	Path                string
	EnumeratePattern    string
}

// Equal implements the equality contract of spec §3 invariant 1: every
// field participates except RawError, which is excluded because it is
// non-deterministic across OS-level retries. Path comparison uses
// case-sensitive rules, matching this target OS's file-system semantics
// (the original spec's OS-appropriate case rule is a no-op on Linux).
func (a AccessRecord) Equal(b AccessRecord) bool {
	return a.Operation == b.Operation &&
		a.Process.Equal(b.Process) &&
		a.RequestedAccess == b.RequestedAccess &&
		a.Status == b.Status &&
		a.StatusMethod == b.StatusMethod &&
		a.ExplicitlyReported == b.ExplicitlyReported &&
		a.Error == b.Error &&
		a.USN == b.USN &&
		a.DesiredAccess == b.DesiredAccess &&
		a.ShareMode == b.ShareMode &&
		a.CreationDisposition == b.CreationDisposition &&
		a.FlagsAndAttributes == b.FlagsAndAttributes &&
		a.OpenedAttributes == b.OpenedAttributes &&
		a.ManifestPath == b.ManifestPath &&
		a.Path == b.Path &&
		a.EnumeratePattern == b.EnumeratePattern
}

// Hash is consistent with Equal: it never incorporates RawError (P2).
func (a AccessRecord) Hash() uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%d|%d|%d|%d|%t|%d|%d|%d|%d|%d|%d|%d|%d|%s|%s|%d",
		a.Operation, a.Process.Hash(), a.RequestedAccess, a.Status, a.StatusMethod,
		a.ExplicitlyReported, a.Error, a.USN, a.DesiredAccess, a.ShareMode,
		a.CreationDisposition, a.FlagsAndAttributes, a.OpenedAttributes,
		a.ManifestPath, a.Path, a.EnumeratePattern, a.Operation)
	return h.Sum64()
}

// resolvedPath returns the literal path, falling back to the manifest path
// resolved against table. Per invariant 2, at least one must succeed.
func (a AccessRecord) resolvedPath(table PathTable) string {
	if a.Path != "" {
		return a.Path
	}
	if table != nil && a.ManifestPath.Valid() {
		if p, ok := table.Resolve(a.ManifestPath); ok {
			return p
		}
	}
	return "<unknown path>"
}

// Describe renders a human description: operation, process identity,
// decoded flag masks, USN in hex when captured, and the status unless it
// is Denied. Denied accesses can still be effectively allowed by policy
// overrides further up the stack, so printing "Denied" here would be
// misleading to a reader of the log.
func (a AccessRecord) Describe(table PathTable) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s(pid=%d) %s", a.Operation, a.Process.PID, a.resolvedPath(table))
	fmt.Fprintf(&b, " [requested=%s desired=0x%x share=0x%x disposition=0x%x flags=0x%x opened=%s]",
		a.RequestedAccess, a.DesiredAccess, a.ShareMode, a.CreationDisposition,
		a.FlagsAndAttributes, a.OpenedAttributes)
	if a.USN != AbsentUSN {
		fmt.Fprintf(&b, " usn=0x%x", a.USN)
	}
	if a.Status != StatusDenied {
		fmt.Fprintf(&b, " status=%s", a.Status)
	}
	return b.String()
}

// ShortDescribe renders a terse " R  path" / " W  path" line, choosing W
// iff RequestedAccess contains Write.
func (a AccessRecord) ShortDescribe(table PathTable) string {
	tag := " R  "
	if a.RequestedAccess.Has(AccessWrite) {
		tag = " W  "
	}
	return tag + a.resolvedPath(table)
}

// IsWriteViolation reports whether this access requested Write but was
// denied.
func (a AccessRecord) IsWriteViolation() bool {
	return a.RequestedAccess.Has(AccessWrite) && a.Status == StatusDenied
}

// IsNonexistent implements spec invariant 4.
func (a AccessRecord) IsNonexistent() bool {
	return a.Error == ErrFileNotFound || a.Error == ErrPathNotFound
}

// IsDirectoryCreation reports whether the operation tag is CreateDirectory,
// regardless of outcome.
func (a AccessRecord) IsDirectoryCreation() bool { return a.Operation == OpCreateDirectory }

// IsDirectoryRemoval reports whether the operation tag is RemoveDirectory,
// regardless of outcome.
func (a AccessRecord) IsDirectoryRemoval() bool { return a.Operation == OpRemoveDirectory }

// IsDirectoryEffectivelyCreated implements spec invariant 5.
func (a AccessRecord) IsDirectoryEffectivelyCreated() bool {
	return a.Operation == OpCreateDirectory && a.Error == ErrNone
}

// IsDirectoryEffectivelyRemoved mirrors invariant 5 for removal.
func (a AccessRecord) IsDirectoryEffectivelyRemoved() bool {
	return a.Operation == OpRemoveDirectory && a.Error == ErrNone
}

// IsOpenedHandleDirectory reports whether the opened handle is a directory.
// treatReparseAsFile is consulted only when OpenedAttributes carries
// Reparse, since classifying a directory reparse point's ultimate target
// can require a file-system round trip the caller may want to avoid unless
// necessary.
func (a AccessRecord) IsOpenedHandleDirectory(treatReparseAsFile func() bool) bool {
	if !a.OpenedAttributes.Has(AttrDirectory) {
		return false
	}
	if !a.OpenedAttributes.Has(AttrReparse) {
		return true
	}
	if treatReparseAsFile == nil {
		return true
	}
	return !treatReparseAsFile()
}
