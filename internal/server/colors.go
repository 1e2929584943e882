package server

import "math/rand"

// displayPalette is the fixed set of sender colors handed out to
// connections. Eight colors cover the expected concurrent user count; once
// exhausted, colors are reused.
var displayPalette = []string{
	"#FF9B9B", "#9BFFA5", "#9BB5FF", "#E89BFF",
	"#FFE59B", "#9BFFF3", "#FF9BD7", "#B39BFF",
}

// colorPool hands out palette colors, preferring ones not currently in use.
// It is not safe for concurrent use; the Registry serializes access.
type colorPool struct {
	inUse map[string]int
}

func newColorPool() *colorPool {
	return &colorPool{inUse: make(map[string]int)}
}

func (p *colorPool) acquire() string {
	available := make([]string, 0, len(displayPalette))
	for _, c := range displayPalette {
		if p.inUse[c] == 0 {
			available = append(available, c)
		}
	}

	var color string
	if len(available) == 0 {
		color = displayPalette[rand.Intn(len(displayPalette))]
	} else {
		color = available[rand.Intn(len(available))]
	}
	p.inUse[color]++
	return color
}

func (p *colorPool) release(color string) {
	if p.inUse[color] == 0 {
		return
	}
	p.inUse[color]--
	if p.inUse[color] == 0 {
		delete(p.inUse, color)
	}
}
