package identity

import (
	"context"
	"os/user"
	"sync"

	"golang.org/x/sync/singleflight"

	"xlwatch/internal/sheet"
)

// Owner resolves the account that owns the file. Lookups are cached per
// uid; concurrent lookups of one uid share a single call.
type Owner struct {
	group singleflight.Group

	mu    sync.RWMutex
	names map[string]string

	// lookup is swapped in tests.
	lookup func(uid string) (string, error)
}

// NewOwner creates an owner resolver backed by the system user database.
func NewOwner() *Owner {
	return &Owner{
		names: make(map[string]string),
		lookup: func(uid string) (string, error) {
			u, err := user.LookupId(uid)
			if err != nil {
				return "", err
			}
			return u.Username, nil
		},
	}
}

func (o *Owner) Resolve(_ context.Context, path string, _ *sheet.Workbook) (string, bool) {
	uid, ok := fileOwner(path)
	if !ok {
		return "", false
	}
	name := o.name(uid)
	return name, name != ""
}

func (o *Owner) name(uid string) string {
	o.mu.RLock()
	name, ok := o.names[uid]
	o.mu.RUnlock()
	if ok {
		return name
	}

	v, _, _ := o.group.Do(uid, func() (any, error) {
		o.mu.RLock()
		cached, ok := o.names[uid]
		o.mu.RUnlock()
		if ok {
			return cached, nil
		}

		name, err := o.lookup(uid)
		if err != nil {
			// Unknown uids still attribute to something stable.
			name = uid
		}
		o.mu.Lock()
		o.names[uid] = name
		o.mu.Unlock()
		return name, nil
	})
	return v.(string)
}
