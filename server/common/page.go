package common

// Page layout constants shared by the buffer manager and the undo page
// codec. BLCKSZ is the fixed page size the undo log engine works in;
// PageHeaderSize is the stub every page begins with (insertion point,
// first/continue chunk markers, checksum — see undo.PageCodec).
const (
	BLCKSZ         = 16384 // fixed page size, must match PageSize
	PageSize       = BLCKSZ
	FileHeaderSize = 38 // legacy FIL header, kept for on-disk compatibility
	PageHeaderSize = 56
)

// LSNT is a log sequence number, little-endian on disk.
type LSNT uint64

// PageType identifies the payload stored in a page. Only the subset this
// module's buffer manager and undo codec care about is kept; the teacher's
// full InnoDB page-type enumeration covered b-tree/index pages that this
// module never allocates.
type PageType uint16

const (
	FIL_PAGE_TYPE_ALLOCATED PageType = 0x0000
	FIL_PAGE_UNDO_LOG       PageType = 0x0002
	FIL_PAGE_TYPE_SYS       PageType = 0x0006
)

// PageState tracks the lifecycle of a page inside the buffer manager.
type PageState int

const (
	PageStateInit PageState = iota
	PageStateLoaded
	PageStateDirty
	PageStatePinned
)
