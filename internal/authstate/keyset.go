package authstate

import (
	"reflect"
	"sort"

	"github.com/pkg/errors"
)

// Category names a family of Signal keys, e.g. pre-keys or sender keys.
type Category string

const (
	CategoryPreKey              Category = "pre-key"
	CategorySession             Category = "session"
	CategorySenderKey           Category = "sender-key"
	CategorySenderKeyMemory     Category = "sender-key-memory"
	CategoryAppStateSyncKey     Category = "app-state-sync-key"
	CategoryAppStateSyncVersion Category = "app-state-sync-version"
	CategoryLIDMapping          Category = "lid-mapping"
	CategoryDeviceList          Category = "device-list"
	CategoryTCToken             Category = "tctoken"
	CategoryIdentityKey         Category = "identity-key"
)

// KnownCategories lists the categories the protocol layer is known to use.
// Other categories are stored as well.
var KnownCategories = []Category{
	CategoryPreKey,
	CategorySession,
	CategorySenderKey,
	CategorySenderKeyMemory,
	CategoryAppStateSyncKey,
	CategoryAppStateSyncVersion,
	CategoryLIDMapping,
	CategoryDeviceList,
	CategoryTCToken,
	CategoryIdentityKey,
}

// Known reports whether c is one of KnownCategories.
func (c Category) Known() bool {
	for _, k := range KnownCategories {
		if k == c {
			return true
		}
	}
	return false
}

// KeySet maps category -> key id -> key material.
type KeySet map[Category]map[string]any

// KeyUpdates has the KeySet shape; a nil value deletes the id.
type KeyUpdates map[Category]map[string]any

// Get returns the subset of ids present in category.
func (ks KeySet) Get(category Category, ids []string) map[string]any {
	out := make(map[string]any, len(ids))
	byID := ks[category]
	if byID == nil {
		return out
	}
	for _, id := range ids {
		if v, ok := byID[id]; ok && !isAbsent(v) {
			out[id] = v
		}
	}
	return out
}

// Apply merges updates into ks in place.
func (ks KeySet) Apply(updates KeyUpdates) {
	for cat, byID := range updates {
		current := ks[cat]
		for id, v := range byID {
			if isAbsent(v) {
				if current != nil {
					delete(current, id)
				}
				continue
			}
			if current == nil {
				current = make(map[string]any)
				ks[cat] = current
			}
			current[id] = v
		}
		if current != nil && len(current) == 0 {
			delete(ks, cat)
		}
	}
}

// Clone copies the category maps; values are shared.
func (ks KeySet) Clone() KeySet {
	out := make(KeySet, len(ks))
	for cat, byID := range ks {
		m := make(map[string]any, len(byID))
		for id, v := range byID {
			m[id] = v
		}
		out[cat] = m
	}
	return out
}

// Counts returns the number of ids held per category.
func (ks KeySet) Counts() map[Category]int {
	out := make(map[Category]int, len(ks))
	for cat, byID := range ks {
		out[cat] = len(byID)
	}
	return out
}

// Categories returns the categories present, sorted.
func (ks KeySet) Categories() []Category {
	out := make([]Category, 0, len(ks))
	for cat := range ks {
		out = append(out, cat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len counts the ids touched by the updates.
func (u KeyUpdates) Len() int {
	n := 0
	for _, byID := range u {
		n += len(byID)
	}
	return n
}

// Merge returns a new KeyUpdates holding u overlaid with later. Deletions in
// later are kept so they still reach the store.
func (u KeyUpdates) Merge(later KeyUpdates) KeyUpdates {
	out := make(KeyUpdates, len(u)+len(later))
	for _, src := range []KeyUpdates{u, later} {
		for cat, byID := range src {
			m := out[cat]
			if m == nil {
				m = make(map[string]any, len(byID))
				out[cat] = m
			}
			for id, v := range byID {
				m[id] = v
			}
		}
	}
	return out
}

// validate rejects an empty category or id; not every store can address them.
func (u KeyUpdates) validate() error {
	for cat, byID := range u {
		if cat == "" {
			return ErrInvalidKey
		}
		for id := range byID {
			if id == "" {
				return errors.Wrapf(ErrInvalidKey, "category %s", cat)
			}
		}
	}
	return nil
}

// normalized copies u with every value in the shape a store returns it:
// byte buffers as []byte, containers as []any and map[string]any.
func (u KeyUpdates) normalized() KeyUpdates {
	out := make(KeyUpdates, len(u))
	for cat, byID := range u {
		m := make(map[string]any, len(byID))
		for id, v := range byID {
			if isAbsent(v) {
				m[id] = nil
				continue
			}
			m[id] = Decode(Encode(v))
		}
		out[cat] = m
	}
	return out
}

// isAbsent treats nil and typed nil pointers, maps and slices as "no value".
func isAbsent(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func marshalKeySet(ks KeySet) ([]byte, error) {
	if ks == nil {
		ks = KeySet{}
	}
	return json.Marshal(Encode(ks))
}

func unmarshalKeySet(data []byte) (KeySet, error) {
	ks := KeySet{}
	if len(data) == 0 {
		return ks, nil
	}
	var raw map[string]map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	for cat, byID := range raw {
		m := make(map[string]any, len(byID))
		for id, v := range byID {
			if v == nil {
				continue
			}
			m[id] = Decode(v)
		}
		if len(m) > 0 {
			ks[Category(cat)] = m
		}
	}
	return ks, nil
}

func encodeValue(v any) ([]byte, error) {
	return Marshal(v)
}

func decodeValue(data []byte) (any, error) {
	return Unmarshal(data)
}
