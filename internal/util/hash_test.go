package util

import "testing"

func TestHashContent(t *testing.T) {
	a := HashContent("package main\n")
	b := HashContent("package main\n")
	if a != b {
		t.Errorf("same content produced different hashes: %s != %s", a, b)
	}

	c := HashContent("package main \n")
	if a == c {
		t.Error("one-character change did not change the hash")
	}

	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
}

func TestChunkID(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		start     int
		end       int
		otherPath string
		otherA    int
		otherB    int
		wantSame  bool
	}{
		{"identical chunks", "a.go", 1, 10, "a.go", 1, 10, true},
		{"different file", "a.go", 1, 10, "b.go", 1, 10, false},
		{"different range", "a.go", 1, 10, "a.go", 2, 10, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			x := ChunkID(test.path, test.start, test.end)
			y := ChunkID(test.otherPath, test.otherA, test.otherB)
			if (x == y) != test.wantSame {
				t.Errorf("ChunkID equality = %v, want %v", x == y, test.wantSame)
			}
		})
	}
}
