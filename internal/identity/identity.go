// Package identity resolves the author of a spreadsheet change.
//
// No single source is authoritative, so resolvers are chained: the first
// one that returns an identity wins.
package identity

import (
	"context"
	"strings"

	"xlwatch/internal/sheet"
)

// Resolver returns the identity behind a change to path. wb is the freshly
// parsed workbook and may be nil.
type Resolver interface {
	Resolve(ctx context.Context, path string, wb *sheet.Workbook) (string, bool)
}

// Func adapts a function to Resolver.
type Func func(ctx context.Context, path string, wb *sheet.Workbook) (string, bool)

func (f Func) Resolve(ctx context.Context, path string, wb *sheet.Workbook) (string, bool) {
	return f(ctx, path, wb)
}

// Chain tries each resolver in order.
type Chain []Resolver

func (c Chain) Resolve(ctx context.Context, path string, wb *sheet.Workbook) (string, bool) {
	for _, r := range c {
		if r == nil {
			continue
		}
		if id, ok := r.Resolve(ctx, path, wb); ok && strings.TrimSpace(id) != "" {
			return strings.TrimSpace(id), true
		}
	}
	return "", false
}

// DocProps reads the workbook's LastModifiedBy property.
type DocProps struct{}

func (DocProps) Resolve(_ context.Context, _ string, wb *sheet.Workbook) (string, bool) {
	if wb == nil || wb.LastModifiedBy == "" {
		return "", false
	}
	return wb.LastModifiedBy, true
}

// Default is document properties first, then the file owner.
func Default() Chain {
	return Chain{DocProps{}, NewOwner()}
}

// Whitelist is a case-insensitive set of identities.
type Whitelist map[string]struct{}

// NewWhitelist builds a whitelist; blank entries are ignored.
func NewWhitelist(ids []string) Whitelist {
	w := make(Whitelist, len(ids))
	for _, id := range ids {
		id = strings.ToLower(strings.TrimSpace(id))
		if id != "" {
			w[id] = struct{}{}
		}
	}
	return w
}

// Enabled reports whether any identity is listed.
func (w Whitelist) Enabled() bool {
	return len(w) > 0
}

// Allows reports whether a change by id should reach user-facing sinks. An
// empty whitelist allows everything; an unknown identity is never a member.
func (w Whitelist) Allows(id string, known bool) bool {
	if !w.Enabled() {
		return true
	}
	if !known {
		return false
	}
	_, ok := w[strings.ToLower(strings.TrimSpace(id))]
	return ok
}
