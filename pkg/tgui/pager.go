package tgui

import "fmt"

// Page is one page of a listing. Index is 0-based.
type Page[T any] struct {
	Items   []T
	Index   int
	Pages   int
	Total   int
	HasPrev bool
	HasNext bool
}

// Paginate cuts items into pages of size and returns page index (clamped).
func Paginate[T any](items []T, index, size int) Page[T] {
	if size <= 0 {
		size = 10
	}
	total := len(items)
	pages := max(1, (total+size-1)/size)
	index = min(max(index, 0), pages-1)
	start := min(index*size, total)
	end := min(start+size, total)
	return Page[T]{
		Items:   items[start:end],
		Index:   index,
		Pages:   pages,
		Total:   total,
		HasPrev: index > 0,
		HasNext: end < total,
	}
}

func (p Page[T]) Label() string {
	return fmt.Sprintf("Page %d/%d • %d total", p.Index+1, p.Pages, p.Total)
}
