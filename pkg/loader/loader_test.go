package loader

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func sampleImage() *Image {
	return &Image{
		Entry: 0x10000,
		Segments: []Segment{
			{VAddr: 0x10000, MemSize: 0x1800, Perm: PermRead | PermExec, Data: []byte{0x13, 0, 0, 0}},
			{VAddr: 0x12000, MemSize: 0x1000, Perm: PermRead | PermWrite, Data: []byte("hello\x00")},
		},
	}
}

// TestEncodeDecode tests encoding an image and decoding it back.
func TestEncodeDecode(t *testing.T) {
	raw, err := sampleImage().Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	img, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if img.Entry != 0x10000 {
		t.Errorf("Entry = %#x, want 0x10000", img.Entry)
	}
	if len(img.Segments) != 2 {
		t.Fatalf("len(Segments) = %d, want 2", len(img.Segments))
	}
	if got := string(img.Segments[1].Data); got != "hello\x00" {
		t.Errorf("Segments[1].Data = %q", got)
	}
	if img.Segments[0].Perm.String() != "r-x" {
		t.Errorf("Segments[0].Perm = %v, want r-x", img.Segments[0].Perm)
	}
}

// TestDecodeErrors tests decoding truncated and corrupt images.
func TestDecodeErrors(t *testing.T) {
	raw, _ := sampleImage().Encode()

	badMagic := append([]byte{}, raw...)
	badMagic[0] = 'X'

	badVersion := append([]byte{}, raw...)
	badVersion[5] = 9

	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{"magic", badMagic, ErrInvalidMagic},
		{"version", badVersion, ErrInvalidVersion},
		{"trailing", append(append([]byte{}, raw...), 0), ErrTrailingBytes},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.raw); !errors.Is(err, tt.want) {
				t.Errorf("Decode() error = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := Decode(raw[:len(raw)-3]); err == nil {
		t.Error("Decode() should fail on a truncated image")
	}
}

// TestValidate tests the checks applied to segment descriptors.
func TestValidate(t *testing.T) {
	rx := PermRead | PermExec
	tests := []struct {
		name    string
		segs    []Segment
		wantErr bool
	}{
		{"data past memsz", []Segment{{VAddr: 0x1000, MemSize: 2, Data: []byte{1, 2, 3}}}, true},
		{"dirty perm", []Segment{{VAddr: 0x1000, MemSize: 0x1000, Perm: 0x10}}, true},
		{"empty", []Segment{{VAddr: 0x1000}}, true},
		{"shared page", []Segment{
			{VAddr: 0x10000, MemSize: 0x800, Perm: rx},
			{VAddr: 0x10800, MemSize: 0x800, Perm: PermRead},
		}, true},
		{"shared page unsorted", []Segment{
			{VAddr: 0x12000, MemSize: 0x1000, Perm: PermRead},
			{VAddr: 0x10000, MemSize: 0x2001, Perm: rx},
		}, true},
		{"adjacent pages", []Segment{
			{VAddr: 0x10000, MemSize: 0x1800, Perm: rx},
			{VAddr: 0x12000, MemSize: 0x10, Perm: PermRead},
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := (&Image{Segments: tt.segs}).Validate()
			if tt.wantErr && !errors.Is(err, ErrBadSegment) {
				t.Errorf("Validate() = %v, want ErrBadSegment", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
		})
	}

	err := (&Image{Segments: []Segment{
		{VAddr: 0x10000, MemSize: 0x800, Perm: rx},
		{VAddr: 0x10800, MemSize: 0x800, Perm: PermRead},
	}}).Validate()
	if err == nil || !strings.Contains(err.Error(), "share page 0x10000") {
		t.Errorf("Validate() = %v, want the shared page named", err)
	}
}

// TestRegistry tests registering and loading images by name.
func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterImage("ch5b_forktest", sampleImage()); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Load("missing"); !errors.Is(err, ErrImageNotFound) {
		t.Errorf("Load(missing) error = %v, want ErrImageNotFound", err)
	}
	img, err := r.Load("ch5b_forktest")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if img.Entry != 0x10000 {
		t.Errorf("Entry = %#x", img.Entry)
	}
}

// TestLoadDir tests loading every image file in a directory.
func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	raw, _ := sampleImage().Encode()
	os.WriteFile(filepath.Join(dir, "initproc.kimg"), raw, 0o644)
	os.WriteFile(filepath.Join(dir, "README"), []byte("not an image"), 0o644)

	r := NewRegistry()
	n, err := r.LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	if n != 1 {
		t.Errorf("LoadDir() = %d, want 1", n)
	}
	if names := r.Names(); len(names) != 1 || names[0] != "initproc" {
		t.Errorf("Names() = %v, want [initproc]", names)
	}

	os.WriteFile(filepath.Join(dir, "broken.kimg"), []byte("KIMG"), 0o644)
	if _, err := NewRegistry().LoadDir(dir); err == nil {
		t.Error("LoadDir() should reject a broken image")
	}
}

// TestParsePerm tests parsing segment permission strings.
func TestParsePerm(t *testing.T) {
	tests := []struct {
		in      string
		want    Perm
		wantErr bool
	}{
		{"rx", PermRead | PermExec, false},
		{"rw-", PermRead | PermWrite, false},
		{"---", 0, false},
		{"rwz", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePerm(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePerm(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParsePerm(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
