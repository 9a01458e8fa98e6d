// Package pagination provides offset-based paging for list endpoints.
package pagination

const (
	DefaultLimit = 20
	MaxLimit     = 200
)

// OffsetRequest represents offset-based pagination request
type OffsetRequest struct {
	Page     int `json:"page,omitempty"`
	PageSize int `json:"page_size,omitempty"`
}

// OffsetResponse represents offset-based pagination response
type OffsetResponse[T any] struct {
	Items      []T   `json:"items"`
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	TotalItems int64 `json:"total_items"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
	HasPrev    bool  `json:"has_prev"`
}

// NewOffsetRequest creates a new offset request with defaults
func NewOffsetRequest(page, pageSize int) *OffsetRequest {
	r := &OffsetRequest{Page: page, PageSize: pageSize}
	return &OffsetRequest{Page: r.GetPage(), PageSize: r.GetPageSize()}
}

// GetOffset returns the offset for SQL query
func (r *OffsetRequest) GetOffset() int {
	return (r.GetPage() - 1) * r.GetPageSize()
}

// GetPage returns validated page
func (r *OffsetRequest) GetPage() int {
	if r.Page <= 0 {
		return 1
	}
	return r.Page
}

// GetPageSize returns validated page size
func (r *OffsetRequest) GetPageSize() int {
	if r.PageSize <= 0 {
		return DefaultLimit
	}
	return min(r.PageSize, MaxLimit)
}

// BuildOffsetResponse builds an offset response from items and total count
func BuildOffsetResponse[T any](items []T, req *OffsetRequest, total int64) *OffsetResponse[T] {
	size := int64(req.GetPageSize())
	totalPages := int((total + size - 1) / size)
	if items == nil {
		items = []T{}
	}
	return &OffsetResponse[T]{
		Items:      items,
		Page:       req.GetPage(),
		PageSize:   req.GetPageSize(),
		TotalItems: total,
		TotalPages: totalPages,
		HasNext:    req.GetPage() < totalPages,
		HasPrev:    req.GetPage() > 1,
	}
}

// Slice pages an in-memory list.
func Slice[T any](all []T, req *OffsetRequest) *OffsetResponse[T] {
	start := min(req.GetOffset(), len(all))
	end := min(start+req.GetPageSize(), len(all))
	return BuildOffsetResponse(all[start:end:end], req, int64(len(all)))
}
