package tgui

import "fmt"

// Page is one window over a list.
type Page struct {
	Index   int
	Size    int
	Total   int
	From    int
	To      int
	HasPrev bool
	HasNext bool
}

// Paginate clamps index into range and returns the window and the items in it.
func Paginate[T any](items []T, index, size int) ([]T, Page) {
	if size <= 0 {
		size = 8
	}
	total := len(items)
	pages := (total + size - 1) / size
	if pages == 0 {
		pages = 1
	}
	if index >= pages {
		index = pages - 1
	}
	if index < 0 {
		index = 0
	}
	from := index * size
	to := min(from+size, total)
	return items[from:to], Page{
		Index: index, Size: size, Total: total, From: from, To: to,
		HasPrev: index > 0, HasNext: to < total,
	}
}

// Label renders "Page 2/3".
func (p Page) Label() string {
	pages := (p.Total + p.Size - 1) / p.Size
	if pages == 0 {
		pages = 1
	}
	return fmt.Sprintf("Page %d/%d", p.Index+1, pages)
}
