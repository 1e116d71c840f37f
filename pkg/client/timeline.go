package client

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TempIDPrefix marks ids minted locally for entries the server has not
// acknowledged yet.
const TempIDPrefix = "tmp-"

// NewTempID returns a fresh provisional id.
func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

// IsTempID reports whether id was minted by NewTempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Pending is the local state of an optimistic action. It is one of
// Sending, Sent or Failed; canonical entries carry a nil Pending.
type Pending interface {
	pending()
}

// Sending means the request is in flight.
type Sending struct{}

// Sent means the server accepted the action and assigned RealID. The entry
// stays marked until the matching created event arrives.
type Sent struct {
	RealID string
}

// Failed means the server rejected the action.
type Failed struct {
	Err error
}

func (Sending) pending() {}
func (Sent) pending() {}
func (Failed) pending() {}

// Entry is one row of the ordered view.
type Entry[T any] struct {
	Item    T
	TempID  string
	Pending Pending
}

// Confirmed reports whether the entry is a server-acknowledged provisional.
func (e Entry[T]) Confirmed() bool {
	_, ok := e.Pending.(Sent)
	return ok
}

// ActionKind enumerates the reducer inputs.
type ActionKind int

const (
	// ActionProvisional splices a locally created item under TempID.
	ActionProvisional ActionKind = iota + 1
	// ActionConfirmed records the server's copy of a provisional item.
	ActionConfirmed
	// ActionFailed drops a provisional item.
	ActionFailed
	// ActionCreated applies a canonical created event.
	ActionCreated
	// ActionDeleted removes the item with ID.
	ActionDeleted
	// ActionPatched replaces an item with a newer full record.
	ActionPatched
	// ActionReplaced merges a refetched list taken since mark Since.
	ActionReplaced
)

// Action is a reducer input. Which fields matter depends on Kind.
type Action[T any] struct {
	Kind   ActionKind
	TempID string
	ID     string
	Item   T
	Items  []T
	Since  Mark
	Err    error
}

// Mark identifies the start of a refetch. Events applied after it take
// precedence over the list that refetch returns.
type Mark uint64

// touched records the ids events created, patched or deleted while a
// refetch was in flight.
type touched struct {
	kept    map[string]struct{}
	dropped map[string]struct{}
}

func (t *touched) keep(id string) {
	t.kept[id] = struct{}{}
	delete(t.dropped, id)
}

func (t *touched) drop(id string) {
	t.dropped[id] = struct{}{}
	delete(t.kept, id)
}

// Accessors tell a Timeline how to read ids and timestamps from T.
type Accessors[T any] struct {
	ID        func(T) string
	CreatedAt func(T) time.Time
	// Visible filters items that arrive from the channel or a refetch.
	// Nil admits everything.
	Visible func(T) bool
}

// Timeline is an ordered, de-duplicated view of one kind of record with
// optimistic entries spliced in. It is not safe for concurrent use; a
// Session applies every action from its own task queue.
type Timeline[T any] struct {
	acc     Accessors[T]
	entries []Entry[T]

	lastMark Mark
	inFlight map[Mark]*touched
}

// NewTimeline builds an empty timeline.
func NewTimeline[T any](acc Accessors[T]) *Timeline[T] {
	return &Timeline[T]{acc: acc, inFlight: make(map[Mark]*touched)}
}

// Mark starts tracking event changes for a refetch about to be issued.
// Pass it back as Action.Since, or to Release if the fetch fails.
func (t *Timeline[T]) Mark() Mark {
	t.lastMark++
	t.inFlight[t.lastMark] = &touched{kept: make(map[string]struct{}), dropped: make(map[string]struct{})}
	return t.lastMark
}

// Release stops tracking for a refetch that will not be applied.
func (t *Timeline[T]) Release(m Mark) {
	delete(t.inFlight, m)
}

func (t *Timeline[T]) track(fn func(*touched)) {
	for _, tc := range t.inFlight {
		fn(tc)
	}
}

// Apply is the single reducer every state change goes through.
func (t *Timeline[T]) Apply(a Action[T]) {
	switch a.Kind {
	case ActionProvisional:
		t.entries = append(t.entries, Entry[T]{Item: a.Item, TempID: a.TempID, Pending: Sending{}})
	case ActionConfirmed:
		t.confirm(a.TempID, a.Item)
	case ActionFailed:
		t.removeTemp(a.TempID)
	case ActionCreated:
		t.created(a.Item)
	case ActionDeleted:
		t.remove(a.ID)
		t.track(func(tc *touched) { tc.drop(a.ID) })
	case ActionPatched:
		t.patch(a.Item)
	case ActionReplaced:
		tc := t.inFlight[a.Since]
		delete(t.inFlight, a.Since)
		t.replace(a.Items, tc)
	default:
		return
	}
	t.sort()
}

// Entries returns a copy of the ordered view.
func (t *Timeline[T]) Entries() []Entry[T] {
	out := make([]Entry[T], len(t.entries))
	copy(out, t.entries)
	return out
}

// Items returns the ordered items without their pending state.
func (t *Timeline[T]) Items() []T {
	out := make([]T, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.Item)
	}
	return out
}

// Len returns the number of entries.
func (t *Timeline[T]) Len() int {
	return len(t.entries)
}

// entryID is the id an entry is ordered and de-duplicated by.
func (t *Timeline[T]) entryID(e Entry[T]) string {
	switch p := e.Pending.(type) {
	case Sending:
		return e.TempID
	case Sent:
		return p.RealID
	}
	return t.acc.ID(e.Item)
}

func (t *Timeline[T]) indexOf(id string) int {
	for i, e := range t.entries {
		if t.entryID(e) == id {
			return i
		}
	}
	return -1
}

func (t *Timeline[T]) indexOfTemp(tempID string) int {
	for i, e := range t.entries {
		if e.TempID == tempID && e.Pending != nil {
			return i
		}
	}
	return -1
}

func (t *Timeline[T]) visible(item T) bool {
	return t.acc.Visible == nil || t.acc.Visible(item)
}

func (t *Timeline[T]) confirm(tempID string, item T) {
	idx := t.indexOfTemp(tempID)
	if idx < 0 {
		return
	}
	realID := t.acc.ID(item)
	if other := t.indexOf(realID); other >= 0 && other != idx {
		// The created event beat the response.
		t.removeAt(idx)
		return
	}
	t.entries[idx] = Entry[T]{Item: item, TempID: tempID, Pending: Sent{RealID: realID}}
}

func (t *Timeline[T]) created(item T) {
	id := t.acc.ID(item)
	if idx := t.indexOf(id); idx >= 0 {
		t.entries[idx] = Entry[T]{Item: item}
		t.track(func(tc *touched) { tc.keep(id) })
		return
	}
	if !t.visible(item) {
		return
	}
	t.entries = append(t.entries, Entry[T]{Item: item})
	t.track(func(tc *touched) { tc.keep(id) })
}

func (t *Timeline[T]) patch(item T) {
	id := t.acc.ID(item)
	idx := t.indexOf(id)
	if !t.visible(item) {
		if idx >= 0 {
			t.removeAt(idx)
		}
		t.track(func(tc *touched) { tc.drop(id) })
		return
	}
	if idx < 0 {
		t.entries = append(t.entries, Entry[T]{Item: item})
	} else {
		t.entries[idx].Item = item
	}
	t.track(func(tc *touched) { tc.keep(id) })
}

// replace rebuilds the canonical entries from items. In-flight provisionals
// survive, as do confirmed ones whose real id is absent from items. When tc
// is set, entries that events created or patched after the mark win over
// items, and ids they deleted stay deleted.
func (t *Timeline[T]) replace(items []T, tc *touched) {
	if tc == nil {
		tc = &touched{}
	}
	local := make(map[string]Entry[T], len(tc.kept))
	for _, e := range t.entries {
		if e.Pending != nil {
			continue
		}
		id := t.acc.ID(e.Item)
		if _, ok := tc.kept[id]; ok {
			local[id] = e
		}
	}

	fresh := make(map[string]struct{}, len(items)+len(local))
	next := make([]Entry[T], 0, len(items)+len(t.entries))
	for _, item := range items {
		id := t.acc.ID(item)
		if _, dup := fresh[id]; dup || !t.visible(item) {
			continue
		}
		if _, gone := tc.dropped[id]; gone {
			continue
		}
		fresh[id] = struct{}{}
		if e, ok := local[id]; ok {
			next = append(next, e)
			continue
		}
		next = append(next, Entry[T]{Item: item})
	}
	for id, e := range local {
		if _, ok := fresh[id]; !ok {
			fresh[id] = struct{}{}
			next = append(next, e)
		}
	}
	for _, e := range t.entries {
		switch p := e.Pending.(type) {
		case Sending:
			next = append(next, e)
		case Sent:
			if _, ok := fresh[p.RealID]; !ok {
				next = append(next, e)
			}
		}
	}
	t.entries = next
}

func (t *Timeline[T]) remove(id string) {
	if idx := t.indexOf(id); idx >= 0 {
		t.removeAt(idx)
	}
}

func (t *Timeline[T]) removeTemp(tempID string) {
	if idx := t.indexOfTemp(tempID); idx >= 0 {
		t.removeAt(idx)
	}
}

func (t *Timeline[T]) removeAt(idx int) {
	t.entries = append(t.entries[:idx], t.entries[idx+1:]...)
}

func (t *Timeline[T]) sort() {
	sort.SliceStable(t.entries, func(i, j int) bool {
		a, b := t.entries[i], t.entries[j]
		ta, tb := t.acc.CreatedAt(a.Item), t.acc.CreatedAt(b.Item)
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return t.entryID(a) < t.entryID(b)
	})
}
