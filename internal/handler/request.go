package handler

import (
	"net/http"
	"strconv"

	"github.com/sakif/trade-accounting/internal/repository"
)

// parseListOptions reads the shared list query parameters. Values are
// passed through as-is; the repository whitelists sort columns and
// clamps page sizes.
func parseListOptions(r *http.Request) repository.ListOptions {
	q := r.URL.Query()
	opts := repository.ListOptions{
		Search:    q.Get("search"),
		Sort:      q.Get("sort"),
		Direction: q.Get("direction"),
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		opts.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil {
		opts.Offset = v
	}
	return opts
}
