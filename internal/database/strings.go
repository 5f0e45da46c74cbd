package database

import (
	"fmt"
	"strings"
)

// String layout. A short string is a single block: [int32 len][bytes]. A
// string too long for one block is chained: the first block holds
// [int32 -len][next][bytes], each continuation [next][bytes].
const (
	maxShortString = MaxMallocSize - 4
	longFirstData  = MaxMallocSize - 8
	longNextData   = MaxMallocSize - 4
)

// NewString stores s and returns its record offset. Every call allocates;
// equal strings are not shared.
func (db *Database) NewString(s string) (Ptr, error) {
	data := []byte(s)
	if len(data) <= maxShortString {
		p, err := db.Malloc(4 + len(data))
		if err != nil {
			return Null, err
		}
		if err := db.PutInt(p, uint32(len(data))); err != nil {
			return Null, err
		}
		return p, db.putBytes(p+4, data)
	}

	head, err := db.Malloc(MaxMallocSize)
	if err != nil {
		return Null, err
	}
	if err := db.PutInt(head, uint32(-int32(len(data)))); err != nil {
		return Null, err
	}
	if err := db.putBytes(head+8, data[:longFirstData]); err != nil {
		return Null, err
	}
	link := head + 4
	rest := data[longFirstData:]
	for len(rest) > 0 {
		n := min(len(rest), longNextData)
		next, err := db.Malloc(4 + n)
		if err != nil {
			return Null, err
		}
		if err := db.PutPtr(link, next); err != nil {
			return Null, err
		}
		if err := db.putBytes(next+4, rest[:n]); err != nil {
			return Null, err
		}
		link = next
		rest = rest[n:]
	}
	return head, nil
}

// GetString reads the string stored at p.
func (db *Database) GetString(p Ptr) (string, error) {
	if err := db.checkStringBlock(p); err != nil {
		return "", err
	}
	raw, err := db.GetInt(p)
	if err != nil {
		return "", err
	}
	n := int32(raw)
	if n >= 0 {
		if int(n) > maxShortString {
			return "", fmt.Errorf("%w: string length %d at %d", ErrStorageFault, n, p)
		}
		b, err := db.getBytes(p+4, int(n))
		return string(b), err
	}

	total := int(-n)
	var sb strings.Builder
	sb.Grow(total)
	b, err := db.getBytes(p+8, min(total, longFirstData))
	if err != nil {
		return "", err
	}
	sb.Write(b)
	next, err := db.GetPtr(p + 4)
	if err != nil {
		return "", err
	}
	for sb.Len() < total {
		if next == Null {
			return "", fmt.Errorf("%w: truncated string chain at %d", ErrStorageFault, p)
		}
		if err := db.checkStringBlock(next); err != nil {
			return "", err
		}
		b, err := db.getBytes(next+4, min(total-sb.Len(), longNextData))
		if err != nil {
			return "", err
		}
		sb.Write(b)
		if next, err = db.GetPtr(next); err != nil {
			return "", err
		}
	}
	return sb.String(), nil
}

// FreeString releases every block of the string at p.
func (db *Database) FreeString(p Ptr) error {
	if err := db.checkStringBlock(p); err != nil {
		return err
	}
	raw, err := db.GetInt(p)
	if err != nil {
		return err
	}
	if int32(raw) < 0 {
		next, err := db.GetPtr(p + 4)
		if err != nil {
			return err
		}
		for next != Null {
			if err := db.checkStringBlock(next); err != nil {
				return err
			}
			after, err := db.GetPtr(next)
			if err != nil {
				return err
			}
			if err := db.Free(next); err != nil {
				return err
			}
			next = after
		}
	}
	return db.Free(p)
}

func (db *Database) checkStringBlock(p Ptr) error {
	if !db.IsAllocated(p) {
		return fmt.Errorf("%w: string block %d is not allocated", ErrStorageFault, p)
	}
	return nil
}

// CompareString compares the stored string at p with s, byte-wise.
func (db *Database) CompareString(p Ptr, s string) (int, error) {
	got, err := db.GetString(p)
	if err != nil {
		return 0, err
	}
	return strings.Compare(got, s), nil
}

// CompareStrings compares two stored strings, byte-wise.
func (db *Database) CompareStrings(a, b Ptr) (int, error) {
	sa, err := db.GetString(a)
	if err != nil {
		return 0, err
	}
	c, err := db.CompareString(b, sa)
	return -c, err
}
