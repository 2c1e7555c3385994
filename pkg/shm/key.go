package shm

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/srediag/rtcore/api"
)

const (
	// MaxNameLen is the longest segment name accepted.
	MaxNameLen = 31
	// MaxID is the largest integer key, the range of a SysV key_t.
	MaxID = 1<<31 - 1

	// idPrefix names the store objects of integer keys.
	idPrefix = "id."
)

// Key identifies a segment by short name or small integer id.
type Key struct {
	name    string
	id      int
	numeric bool
}

// Name returns a name key.
func Name(name string) Key { return Key{name: name} }

// ID returns an integer key.
func ID(id int) Key { return Key{id: id, numeric: true} }

// IsName reports whether k is a name key.
func (k Key) IsName() bool { return !k.numeric }

func (k Key) String() string {
	if k.IsName() {
		return k.name
	}
	return fmt.Sprintf("0x%08x", k.id)
}

// Validate rejects empty, overlong and path-like names, names that would
// clash with integer keys or hidden files, and ids outside (0, MaxID].
func (k Key) Validate() error {
	if !k.IsName() {
		if k.id <= 0 || k.id > MaxID {
			return api.Errorf("open", k.String(), api.ErrInvalidKey, "id must be within 1 to %d", MaxID)
		}
		return nil
	}
	switch {
	case k.name == "":
		return api.Errorf("open", "", api.ErrInvalidKey, "empty name")
	case len(k.name) > MaxNameLen:
		return api.Errorf("open", k.name, api.ErrInvalidKey, "name longer than %d bytes", MaxNameLen)
	case strings.ContainsAny(k.name, "/\x00"):
		return api.Errorf("open", k.name, api.ErrInvalidKey, "name contains '/' or NUL")
	case strings.HasPrefix(k.name, idPrefix):
		return api.Errorf("open", k.name, api.ErrInvalidKey, "prefix %q is reserved for integer keys", idPrefix)
	case strings.HasPrefix(k.name, "."):
		return api.Errorf("open", k.name, api.ErrInvalidKey, "name starts with '.'")
	}
	return nil
}

// ObjectKey returns the key behind a store object name as listed by
// Inspect.
func ObjectKey(object string) Key {
	if rest, ok := strings.CutPrefix(object, idPrefix); ok {
		if id, err := strconv.ParseUint(rest, 16, 31); err == nil && id > 0 {
			return ID(int(id))
		}
	}
	return Name(object)
}

// object is the store name of the segment.
func (k Key) object() string {
	if k.IsName() {
		return k.name
	}
	return fmt.Sprintf("%s%08x", idPrefix, k.id)
}

// sysv is the integer key used by SysV stores. Names hash with FNV-1a.
func (k Key) sysv() int {
	if !k.IsName() {
		return k.id
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.name))
	v := int(h.Sum32() & 0x7fffffff)
	if v == 0 {
		v = 1
	}
	return v
}
