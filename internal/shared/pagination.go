package shared

import "math"

const (
	// DefaultPageSize is used when the caller omits or zeroes the limit.
	DefaultPageSize = 20
	// MaxPageSize caps a single listing page.
	MaxPageSize = 200
)

// Pagination contains metadata for paginated listings.
type Pagination struct {
	Limit      int `json:"limit"`
	Offset     int `json:"offset"`
	Page       int `json:"page"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// ClampPage normalises limit/offset query values.
func ClampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// NewPagination computes pagination metadata.
func NewPagination(limit, offset, total int) Pagination {
	limit, offset = ClampPage(limit, offset)
	totalPages := int(math.Ceil(float64(total) / float64(limit)))
	return Pagination{Limit: limit, Offset: offset, Page: offset/limit + 1, Total: total, TotalPages: totalPages}
}
