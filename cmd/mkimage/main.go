// mkimage packs a program image file from segment descriptions.
//
//	mkimage -o initproc.kimg -entry 0x10000 \
//	    -seg 0x10000,0x1000,rx,text.bin -seg 0x11000,0x1000,rw
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"kcore/pkg/loader"
)

type segmentFlags []loader.Segment

func (s *segmentFlags) String() string {
	parts := make([]string, len(*s))
	for i, seg := range *s {
		parts[i] = fmt.Sprintf("%#x,%#x,%v", seg.VAddr, seg.MemSize, seg.Perm)
	}
	return strings.Join(parts, " ")
}

// Set parses vaddr,memsz,perm[,file].
func (s *segmentFlags) Set(v string) error {
	fields := strings.Split(v, ",")
	if len(fields) < 3 || len(fields) > 4 {
		return fmt.Errorf("segment %q: want vaddr,memsz,perm[,file]", v)
	}
	vaddr, err := strconv.ParseUint(fields[0], 0, 64)
	if err != nil {
		return fmt.Errorf("segment vaddr: %w", err)
	}
	memsz, err := strconv.ParseUint(fields[1], 0, 64)
	if err != nil {
		return fmt.Errorf("segment size: %w", err)
	}
	perm, err := loader.ParsePerm(fields[2])
	if err != nil {
		return err
	}
	seg := loader.Segment{VAddr: vaddr, MemSize: memsz, Perm: perm}
	if len(fields) == 4 {
		if seg.Data, err = os.ReadFile(fields[3]); err != nil {
			return err
		}
	}
	*s = append(*s, seg)
	return nil
}

func main() {
	out := flag.String("o", "", "output image file")
	entry := flag.String("entry", "", "entry point (defaults to the first segment)")
	var segs segmentFlags
	flag.Var(&segs, "seg", "segment as vaddr,memsz,perm[,file]; repeatable")
	flag.Parse()

	if *out == "" || len(segs) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	img := &loader.Image{Segments: segs}
	if *entry != "" {
		e, err := strconv.ParseUint(*entry, 0, 64)
		if err != nil {
			log.Fatalf("Invalid entry point: %v", err)
		}
		img.Entry = e
	} else {
		img.Entry = segs[0].VAddr
	}

	raw, err := img.Encode()
	if err != nil {
		log.Fatalf("Failed to encode image: %v", err)
	}
	if err := os.WriteFile(*out, raw, 0o644); err != nil {
		log.Fatalf("Failed to write image: %v", err)
	}
	fmt.Printf("Wrote %s: entry %#x, %d segments, %d bytes\n", *out, img.Entry, len(segs), len(raw))
}
