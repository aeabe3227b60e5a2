// Package crdt implements the shared field map that backs a live collaborative
// document. Each field is a last-writer-wins register tagged with a Lamport
// clock and the id of the replica that wrote it.
package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrInvalidUpdate indicates that an update payload could not be decoded.
	ErrInvalidUpdate = errors.New("crdt: invalid update")
	// ErrInvalidSnapshot indicates that a snapshot payload could not be decoded.
	ErrInvalidSnapshot = errors.New("crdt: invalid snapshot")
	// ErrInvalidValue indicates that a field value is not JSON encodable.
	ErrInvalidValue = errors.New("crdt: invalid value")
	// ErrClockExhausted indicates that the document clock reached MaxClock.
	ErrClockExhausted = errors.New("crdt: clock exhausted")
)

// MaxClock is the highest clock an entry may carry. Updates and snapshots
// above it are rejected.
const MaxClock uint64 = 1<<53 - 1

// UpdateObserver receives every update that changed the document together with
// the origin passed by whoever produced it.
type UpdateObserver func(update []byte, origin string)

// Doc is a replicated field map. It is safe for concurrent use.
type Doc struct {
	mu           sync.RWMutex
	actor        string
	clock        uint64
	entries      map[string]entry
	observers    map[int]UpdateObserver
	nextObserver int
}

// New returns an empty document whose local writes are attributed to actor.
func New(actor string) *Doc {
	return &Doc{
		actor:     actor,
		entries:   make(map[string]entry),
		observers: make(map[int]UpdateObserver),
	}
}

// FromSnapshot restores a document from a payload produced by Snapshot.
func FromSnapshot(actor string, payload []byte) (*Doc, error) {
	var decoded snapshot
	if err := decMode.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	doc := New(actor)
	for field, value := range decoded.Entries {
		if value.Clock > MaxClock {
			return nil, fmt.Errorf("%w: field %q clock %d out of range", ErrInvalidSnapshot, field, value.Clock)
		}
		doc.entries[field] = value
	}
	doc.clock = maxClock(doc.entries)
	return doc, nil
}

// Actor returns the replica id used for local writes.
func (d *Doc) Actor() string {
	return d.actor
}

// Get returns the decoded value of a field.
func (d *Doc) Get(field string) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return decodeEntry(d.entries[field])
}

// Fields returns every live field decoded from JSON.
func (d *Doc) Fields() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fields := make(map[string]any, len(d.entries))
	for name, value := range d.entries {
		if decoded, ok := decodeEntry(value); ok {
			fields[name] = decoded
		}
	}
	return fields
}

// Set writes a single field as its own transaction.
func (d *Doc) Set(field string, value any) error {
	return d.Transact("", func(tx *Txn) error {
		return tx.Set(field, value)
	})
}

// Delete removes a single field as its own transaction.
func (d *Doc) Delete(field string) error {
	return d.Transact("", func(tx *Txn) error {
		tx.Delete(field)
		return nil
	})
}

// Transact runs fn against a staged view of the document. Changes are applied
// atomically when fn returns nil and discarded otherwise. Observers receive one
// update per committed transaction.
func (d *Doc) Transact(origin string, fn func(tx *Txn) error) error {
	d.mu.Lock()
	tx := &Txn{doc: d, changed: make(map[string]entry)}
	if err := fn(tx); err != nil {
		d.mu.Unlock()
		return err
	}
	if len(tx.changed) == 0 {
		d.mu.Unlock()
		return nil
	}
	if d.clock >= MaxClock {
		d.mu.Unlock()
		return ErrClockExhausted
	}

	d.clock++
	for field, value := range tx.changed {
		value.Clock = d.clock
		value.Actor = d.actor
		d.entries[field] = value
		tx.changed[field] = value
	}
	payload, err := encMode.Marshal(update{Entries: tx.changed})
	observers := d.observerList()
	d.mu.Unlock()

	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	notifyObservers(observers, payload, origin)
	return nil
}

// ApplyUpdate merges a remote update and returns the names of fields whose
// value changed. Applying the same update twice is a no-op.
func (d *Doc) ApplyUpdate(payload []byte, origin string) ([]string, error) {
	var decoded update
	if err := decMode.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	for field, value := range decoded.Entries {
		if value.Actor == "" {
			return nil, fmt.Errorf("%w: field %q has no actor", ErrInvalidUpdate, field)
		}
		if value.Clock > MaxClock {
			return nil, fmt.Errorf("%w: field %q clock %d out of range", ErrInvalidUpdate, field, value.Clock)
		}
	}

	d.mu.Lock()
	accepted := make(map[string]entry)
	for field, incoming := range decoded.Entries {
		if incoming.Clock > d.clock {
			d.clock = incoming.Clock
		}
		existing, ok := d.entries[field]
		if ok && !supersedes(incoming, existing) {
			continue
		}
		d.entries[field] = incoming
		accepted[field] = incoming
	}
	if len(accepted) == 0 {
		d.mu.Unlock()
		return nil, nil
	}
	forwarded, err := encMode.Marshal(update{Entries: accepted})
	observers := d.observerList()
	d.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	notifyObservers(observers, forwarded, origin)

	changed := make([]string, 0, len(accepted))
	for field := range accepted {
		changed = append(changed, field)
	}
	sort.Strings(changed)
	return changed, nil
}

// EncodeState returns the full document state as a single update.
func (d *Doc) EncodeState() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	payload, err := encMode.Marshal(update{Entries: d.entries})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	return payload, nil
}

// Snapshot captures the state vector and content of the document.
func (d *Doc) Snapshot() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	payload, err := encMode.Marshal(snapshot{Vector: stateVector(d.entries), Entries: d.entries})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return payload, nil
}

// StateVector returns the highest clock seen per actor.
func (d *Doc) StateVector() map[string]uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return stateVector(d.entries)
}

// Observe registers fn for committed updates and returns its cancel function.
func (d *Doc) Observe(fn UpdateObserver) func() {
	d.mu.Lock()
	d.nextObserver++
	id := d.nextObserver
	d.observers[id] = fn
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.observers, id)
			d.mu.Unlock()
		})
	}
}

func (d *Doc) observerList() []UpdateObserver {
	if len(d.observers) == 0 {
		return nil
	}
	ids := make([]int, 0, len(d.observers))
	for id := range d.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	list := make([]UpdateObserver, 0, len(ids))
	for _, id := range ids {
		list = append(list, d.observers[id])
	}
	return list
}

func notifyObservers(observers []UpdateObserver, payload []byte, origin string) {
	for _, observer := range observers {
		observer(payload, origin)
	}
}

func decodeEntry(value entry) (any, bool) {
	if value.Deleted || len(value.Value) == 0 {
		return nil, false
	}
	var decoded any
	if err := json.Unmarshal(value.Value, &decoded); err != nil {
		return nil, false
	}
	return decoded, true
}

// Txn is a staged set of field writes. It is only valid inside Transact.
type Txn struct {
	doc     *Doc
	changed map[string]entry
}

// Get reads a field, observing writes staged earlier in the same transaction.
func (tx *Txn) Get(field string) (any, bool) {
	if staged, ok := tx.changed[field]; ok {
		return decodeEntry(staged)
	}
	return decodeEntry(tx.doc.entries[field])
}

// Set stages a field write. Values must be JSON encodable.
func (tx *Txn) Set(field string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: field %q: %v", ErrInvalidValue, field, err)
	}
	tx.changed[field] = entry{Value: raw}
	return nil
}

// Delete stages removal of a field. Deleting an absent field is a no-op.
func (tx *Txn) Delete(field string) {
	if _, ok := tx.Get(field); !ok {
		return
	}
	tx.changed[field] = entry{Deleted: true}
}
