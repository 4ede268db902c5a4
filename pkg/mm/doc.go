// Package mm implements user address spaces over simulated physical frames.
//
// Frames come from a FrameAllocator. A PageTable is a three level radix tree
// whose nodes live in frames, in the SV39 entry format: the frame number in
// bits 10 and up, the V, R, W, X and U flags below.
//
// A MemorySet groups a page table with the regions it maps. Regions own
// their frames. MapRegion and UnmapRegion check the whole range before
// changing anything, so a failed call leaves the space as it was.
//
// # Image Layout
//
// FromImage maps each segment of a program image, leaves one guard page,
// maps the user stack and opens an empty heap at the stack top:
//
//	segments | guard | stack | heap ->
//
// # User Access
//
// CopyToUser, CopyFromUser and TranslatedStr walk the page table one page at
// a time, so buffers may straddle page boundaries.
package mm
