package model

// RealizationMode controls how bytes become (or leave) the stored
// physical file: plain copy, hard link, or move.
type RealizationMode string

const (
	// RealizeCopy copies the bytes
	RealizeCopy RealizationMode = "copy"

	// RealizeHardLink hard-links the physical file when the filesystem allows it
	RealizeHardLink RealizationMode = "hardlink"

	// RealizeMove renames the source into place. Only meaningful on ingest.
	RealizeMove RealizationMode = "move"
)

// Valid tells whether the mode is part of the closed set
func (m RealizationMode) Valid() bool {
	switch m {
	case RealizeCopy, RealizeHardLink, RealizeMove:
		return true
	}
	return false
}

// ReplacementMode governs an existing file at a Place destination
type ReplacementMode string

const (
	// FailIfExists makes Place fail when the destination exists
	FailIfExists ReplacementMode = "fail"

	// ReplaceExisting makes Place overwrite the destination
	ReplaceExisting ReplacementMode = "replace"
)

// Valid tells whether the mode is part of the closed set
func (m ReplacementMode) Valid() bool {
	return m == FailIfExists || m == ReplaceExisting
}

// AccessMode is the file mode requested for placed content
type AccessMode string

const (
	// AccessReadOnly places content with read-only permissions
	AccessReadOnly AccessMode = "readonly"

	// AccessReadWrite places content writable by the owner
	AccessReadWrite AccessMode = "readwrite"
)

// Valid tells whether the mode is part of the closed set
func (m AccessMode) Valid() bool {
	return m == AccessReadOnly || m == AccessReadWrite
}

// PinningPolicy states how a session pins the digests it touches
type PinningPolicy string

const (
	// PinNone leaves pinning entirely to explicit Pin calls
	PinNone PinningPolicy = "none"

	// PinImplicit pins every digest touched by Put, Place or Pin until
	// the session shuts down
	PinImplicit PinningPolicy = "implicit"
)

// Valid tells whether the policy is part of the closed set
func (p PinningPolicy) Valid() bool {
	return p == PinNone || p == PinImplicit
}
