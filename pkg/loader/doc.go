// Package loader encodes program images and finds them by name.
//
// An image file is big-endian with the following structure:
//
//   - Magic Bytes: 4 bytes ("KIMG")
//   - Version: 2 bytes
//   - Entry: 8 bytes
//   - Segment Count: 2 bytes
//   - Segments: vaddr (8), memsz (8), perm (1), filesz (4), then filesz bytes
//
// # Usage
//
//	reg := loader.NewRegistry()
//	if _, err := reg.LoadDir("images"); err != nil {
//	    // handle error
//	}
//	img, err := reg.Load("initproc")
//
// See cmd/mkimage for building image files.
package loader
