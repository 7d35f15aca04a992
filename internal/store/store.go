// Package store is the keyed object store of the settlement core. Records are
// held in their canonical little-endian encoding; typed accessors decode a
// fresh copy on every load. Commands mutate state through a Tx, which buffers
// writes and applies them to the base store only on Commit, so a failed
// command leaves no partial effects.
package store

import (
	"crypto/sha256"
	"sort"
	"strings"

	"perpcore/internal/oracle"
	"perpcore/internal/perperr"
	"perpcore/internal/state"
)

type Store struct {
	records map[string][]byte
}

func New() *Store {
	return &Store{records: make(map[string][]byte)}
}

// Begin opens a transaction over the store.
func (s *Store) Begin() *Tx {
	return &Tx{base: s, pending: make(map[string][]byte)}
}

// Keys returns the sorted record keys matching a prefix.
func (s *Store) Keys(prefix string) []string {
	var keys []string
	for k := range s.records {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Digest hashes the full record set in sorted key order. Two stores with the
// same records produce the same digest regardless of mutation history.
func (s *Store) Digest() []byte {
	keys := s.Keys("")
	h := sha256.New()
	var lenBuf [8]byte
	for _, k := range keys {
		v := s.records[k]
		putUint32(lenBuf[:4], uint32(len(k)))
		h.Write(lenBuf[:4])
		h.Write([]byte(k))
		putUint32(lenBuf[:4], uint32(len(v)))
		h.Write(lenBuf[:4])
		h.Write(v)
	}
	return h.Sum(nil)
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// Export copies the raw record set for snapshotting.
func (s *Store) Export() map[string][]byte {
	out := make(map[string][]byte, len(s.records))
	for k, v := range s.records {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

// Restore builds a store from an exported record set.
func Restore(records map[string][]byte) *Store {
	s := New()
	s.Reset(records)
	return s
}

// Reset replaces the full record set in place, used when restoring a snapshot
// into a live store.
func (s *Store) Reset(records map[string][]byte) {
	s.records = make(map[string][]byte, len(records))
	for k, v := range records {
		s.records[k] = append([]byte(nil), v...)
	}
}

// Tx is one command's view of the store. Loads read through to the base;
// writes stay in the transaction until Commit. A nil pending value marks a
// deletion.
type Tx struct {
	base    *Store
	pending map[string][]byte
}

func (tx *Tx) raw(key string) ([]byte, bool) {
	if v, ok := tx.pending[key]; ok {
		return v, v != nil
	}
	v, ok := tx.base.records[key]
	return v, ok
}

// Has reports whether a record exists in the transaction's view.
func (tx *Tx) Has(key string) bool {
	_, ok := tx.raw(key)
	return ok
}

// Delete removes a record; committed with the rest of the transaction.
func (tx *Tx) Delete(key string) {
	tx.pending[key] = nil
}

// Commit applies the buffered writes to the base store.
func (tx *Tx) Commit() {
	for k, v := range tx.pending {
		if v == nil {
			delete(tx.base.records, k)
		} else {
			tx.base.records[k] = v
		}
	}
	tx.pending = make(map[string][]byte)
}

// Keys returns the sorted keys matching a prefix in the transaction's view.
func (tx *Tx) Keys(prefix string) []string {
	merged := make(map[string]struct{})
	for k := range tx.base.records {
		if strings.HasPrefix(k, prefix) {
			merged[k] = struct{}{}
		}
	}
	for k, v := range tx.pending {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if v == nil {
			delete(merged, k)
		} else {
			merged[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (tx *Tx) GetPerpetuals() (*state.Perpetuals, error) {
	buf, ok := tx.raw(perpetualsKey)
	if !ok {
		return nil, perperr.ErrInvalidPerpetualsConfig
	}
	return decodePerpetuals(buf)
}

func (tx *Tx) PutPerpetuals(p *state.Perpetuals) {
	tx.pending[perpetualsKey] = encodePerpetuals(p)
}

func (tx *Tx) GetMultisig() (*state.Multisig, error) {
	buf, ok := tx.raw(multisigKey)
	if !ok {
		return nil, perperr.ErrInvalidPerpetualsConfig
	}
	return decodeMultisig(buf)
}

func (tx *Tx) PutMultisig(m *state.Multisig) {
	tx.pending[multisigKey] = encodeMultisig(m)
}

func (tx *Tx) GetPool(name string) (*state.Pool, error) {
	buf, ok := tx.raw(PoolKey(name))
	if !ok {
		return nil, perperr.ErrInvalidPoolState
	}
	return decodePool(buf)
}

func (tx *Tx) PutPool(p *state.Pool) {
	tx.pending[PoolKey(p.Name)] = encodePool(p)
}

// GetCustody loads a custody by its full store key.
func (tx *Tx) GetCustody(key string) (*state.Custody, error) {
	buf, ok := tx.raw(key)
	if !ok {
		return nil, perperr.ErrInvalidCustodyState
	}
	return decodeCustody(buf)
}

func (tx *Tx) PutCustody(c *state.Custody) {
	tx.pending[c.Key()] = encodeCustody(c)
}

func (tx *Tx) GetPosition(key string) (*state.Position, error) {
	buf, ok := tx.raw(key)
	if !ok {
		return nil, perperr.ErrInvalidPositionState
	}
	return decodePosition(buf)
}

func (tx *Tx) PutPosition(p *state.Position) {
	key := PositionKey(p.Owner, p.Pool, p.Custody, p.Side)
	tx.pending[key] = encodePosition(p)
}

func (tx *Tx) GetOracle(key string) (*oracle.CustomOracle, error) {
	buf, ok := tx.raw(key)
	if !ok {
		return nil, perperr.ErrInvalidOracleAccount
	}
	return decodeOracle(buf)
}

func (tx *Tx) PutOracle(key string, o *oracle.CustomOracle) {
	tx.pending[key] = encodeOracle(o)
}
