package htab

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"

	"github.com/andreyvit/htab/idm"
)

// A list-hash table stores items under 4-byte big-endian integer ids
// allocated by the table's own idm.Allocator. The id 0xFFFFFFFF is reserved:
// its slot holds the persisted high-water mark written by ListFlush.
const ListSentinel uint32 = math.MaxUint32

var listSentinelKey = encodeUint32(ListSentinel)

// ListCreate opens a list-hash table. itemSize is the fixed size of every
// item, or 0 for variable-size items, which are stored up to (and excluding)
// their first NUL byte.
//
// On reopen, ids below the persisted high-water mark that have no stored
// item become free for reuse. The mark is only persisted by ListFlush: a list
// closed without it reopens from its last flushed mark (0 if never flushed),
// and ListNew then hands out ids that may still hold items, overwriting them.
func (r *Registry) ListCreate(itemSize int, loc Locator, mode os.FileMode) (Handle, error) {
	if itemSize < 0 {
		return 0, tableErr(0, loc.String(), "list_create", nil, fmt.Errorf("negative item size %d: %w", itemSize, ErrItemSize))
	}
	h, err := r.Create(loc, mode, 0)
	if err != nil {
		return 0, err
	}
	m := r.tables[h]
	m.itemLen = itemSize

	var last uint32
	raw, found, err := r.Get(h, listSentinelKey)
	if err == nil && found {
		last, err = decodeUint32(raw)
		if err != nil {
			err = r.fail(h, "list_create", listSentinelKey, err)
		}
	}
	if err == nil {
		m.ids, err = idm.Rebuild(last, func(id uint32) (bool, error) {
			return r.Exists(h, encodeUint32(id))
		})
	}
	if err != nil {
		r.Close(h, NoSync)
		return 0, err
	}
	if r.verbose {
		r.logger.LogAttrs(context.Background(), slog.LevelDebug, "htab: LIST_CREATE", slog.Any("handle", h), slog.Int("item_size", itemSize), slog.Any("last", last), slog.Int("free", m.ids.FreeCount()))
	}
	return h, nil
}

func (r *Registry) listLookup(h Handle, op string) (*tableMeta, error) {
	m, err := r.lookup(h)
	if err != nil {
		return nil, tableErr(h, "", op, nil, err)
	}
	return m, nil
}

// listItem applies the table's item length policy.
func (m *tableMeta) listItem(item []byte) ([]byte, error) {
	if m.itemLen != 0 {
		if len(item) != m.itemLen {
			return nil, fmt.Errorf("%d bytes, table item length is %d: %w", len(item), m.itemLen, ErrItemSize)
		}
		return item, nil
	}
	if i := bytes.IndexByte(item, 0); i >= 0 {
		return item[:i], nil
	}
	return item, nil
}

// ListNew stores item under a newly allocated id and returns the id.
func (r *Registry) ListNew(h Handle, item []byte) (uint32, error) {
	m, err := r.listLookup(h, "list_new")
	if err != nil {
		return 0, err
	}
	data, err := m.listItem(item)
	if err != nil {
		return 0, tableErr(h, m.loc.String(), "list_new", nil, err)
	}
	id := m.ids.New()
	if id == ListSentinel {
		m.ids.Del(id)
		return 0, tableErr(h, m.loc.String(), "list_new", nil, fmt.Errorf("id space exhausted: %w", ErrReservedID))
	}
	if _, err := r.Put(h, encodeUint32(id), data); err != nil {
		m.ids.Del(id)
		return 0, err
	}
	return id, nil
}

// ListPut stores item under id, replacing any previous item. Ids skipped
// over by a put beyond the high-water mark become free.
func (r *Registry) ListPut(h Handle, id uint32, item []byte) error {
	m, err := r.listLookup(h, "list_put")
	if err != nil {
		return err
	}
	if id == ListSentinel {
		return tableErr(h, m.loc.String(), "list_put", listSentinelKey, ErrReservedID)
	}
	data, err := m.listItem(item)
	if err != nil {
		return tableErr(h, m.loc.String(), "list_put", encodeUint32(id), err)
	}
	if _, err := r.Put(h, encodeUint32(id), data); err != nil {
		return err
	}
	m.ids.Reserve(id)
	return nil
}

// ListGet returns the item stored under id.
func (r *Registry) ListGet(h Handle, id uint32) ([]byte, bool, error) {
	if id == ListSentinel {
		return nil, false, tableErr(h, "", "list_get", listSentinelKey, ErrReservedID)
	}
	return r.Get(h, encodeUint32(id))
}

// ListDelete removes the item stored under id and frees the id. Deleting an
// id with no item is a no-op, so an id is never freed twice.
func (r *Registry) ListDelete(h Handle, id uint32) error {
	m, err := r.listLookup(h, "list_delete")
	if err != nil {
		return err
	}
	if id == ListSentinel {
		return tableErr(h, m.loc.String(), "list_delete", listSentinelKey, ErrReservedID)
	}
	deleted, err := r.Delete(h, encodeUint32(id))
	if err != nil {
		return err
	}
	if deleted {
		m.ids.Del(id)
	}
	return nil
}

// ListFlush persists the high-water mark so that a later ListCreate can
// rebuild the free ids.
func (r *Registry) ListFlush(h Handle) error {
	m, err := r.listLookup(h, "list_flush")
	if err != nil {
		return err
	}
	_, err = r.Put(h, listSentinelKey, encodeUint32(m.ids.Last()))
	return err
}

// ListLast returns the high-water mark: every id ever handed out is below it.
func (r *Registry) ListLast(h Handle) (uint32, error) {
	m, err := r.listLookup(h, "list_last")
	if err != nil {
		return 0, err
	}
	return m.ids.Last(), nil
}

// ListFree returns the free ids in the order ListNew would reuse them.
func (r *Registry) ListFree(h Handle) ([]uint32, error) {
	m, err := r.listLookup(h, "list_free")
	if err != nil {
		return nil, err
	}
	return m.ids.Free(), nil
}
