package chunker

import (
	"strings"
	"testing"
)

func Test_Split_Offsets(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("x", 2500)
	chunks := Split("d1", "doc.txt", text, 1000, 200)

	if len(chunks) != 4 {
		t.Fatalf("chunk count = %d, want 4", len(chunks))
	}

	wantStarts := []int{0, 800, 1600, 2400}
	for i, c := range chunks {
		if c.StartChar != wantStarts[i] {
			t.Errorf("chunk %d start = %d, want %d", i, c.StartChar, wantStarts[i])
		}
		if c.ChunkID != i {
			t.Errorf("chunk %d has ChunkID %d", i, c.ChunkID)
		}
		if c.EndChar-c.StartChar != len(c.Text) {
			t.Errorf("chunk %d offsets disagree with text length", i)
		}
	}
	if last := chunks[3]; last.EndChar != 2500 || len(last.Text) != 100 {
		t.Errorf("last chunk = [%d,%d) len %d", last.StartChar, last.EndChar, len(last.Text))
	}
}

func Test_Split_Overlap(t *testing.T) {
	t.Parallel()

	// Distinct characters so overlapping regions are comparable.
	var b strings.Builder
	for i := 0; i < 2500; i++ {
		b.WriteRune(rune('a' + i%26))
	}
	chunks := Split("d1", "doc.txt", b.String(), 1000, 200)

	// The final chunk may be shorter than the overlap, so stop before it.
	for i := 1; i < len(chunks)-1; i++ {
		prev, cur := chunks[i-1], chunks[i]
		tail := prev.Text[len(prev.Text)-200:]
		head := cur.Text[:200]
		if tail != head {
			t.Errorf("chunks %d and %d do not overlap by 200 chars", i-1, i)
		}
	}
}

func Test_Split_Small(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"shorter than size", strings.Repeat("x", 500), 1},
		{"exactly size", strings.Repeat("x", 1000), 2},
		{"one past size", strings.Repeat("x", 1001), 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := Split("d", "n", tt.text, 1000, 200)
			if len(chunks) != tt.want {
				t.Errorf("chunk count = %d, want %d", len(chunks), tt.want)
			}
		})
	}
}

func Test_Split_InvalidParamsUseDefaults(t *testing.T) {
	t.Parallel()

	chunks := Split("d", "n", strings.Repeat("x", 2500), 0, -1)
	if len(chunks) != 4 {
		t.Errorf("chunk count with defaults = %d, want 4", len(chunks))
	}
}

func Test_Split_Unicode(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("é", 1200)
	chunks := Split("d", "n", text, 1000, 200)

	if len(chunks) != 2 {
		t.Fatalf("chunk count = %d, want 2", len(chunks))
	}
	if chunks[0].EndChar != 1000 {
		t.Errorf("offsets must count runes, got end %d", chunks[0].EndChar)
	}
	if got := len([]rune(chunks[1].Text)); got != 400 {
		t.Errorf("second chunk rune length = %d, want 400", got)
	}
}
