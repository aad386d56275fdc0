package signaling

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type listKey struct {
	Key
	list string
}

// Memory is an in-process Channel. Two sessions sharing one Memory behave
// like two clients sharing a remote store, which makes it the backend of
// choice for tests and single-host demos.
type Memory struct {
	mu           sync.Mutex
	docs         map[Key]Document
	lists        map[listKey][]Item
	docWatchers  map[Key]map[*subscriber[Document]]struct{}
	listWatchers map[listKey]map[*subscriber[Item]]struct{}
	closed       bool
}

func NewMemory() *Memory {
	return &Memory{
		docs:         make(map[Key]Document),
		lists:        make(map[listKey][]Item),
		docWatchers:  make(map[Key]map[*subscriber[Document]]struct{}),
		listWatchers: make(map[listKey]map[*subscriber[Item]]struct{}),
	}
}

func (m *Memory) Write(ctx context.Context, key Key, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	update, err := encodeFields(fields)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	doc, ok := m.docs[key]
	if !ok {
		doc = make(Document, len(update))
	}

	for name, raw := range update {
		doc[name] = raw
	}

	m.docs[key] = doc

	for sub := range m.docWatchers[key] {
		sub.push(doc.Clone())
	}

	return nil
}

func (m *Memory) Read(ctx context.Context, key Key) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	doc, ok := m.docs[key]
	if !ok {
		return nil, ErrNotFound
	}

	return doc.Clone(), nil
}

func (m *Memory) Watch(ctx context.Context, key Key, fn WatchFunc) (CancelFunc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	sub := newSubscriber[Document]()
	if doc, ok := m.docs[key]; ok {
		sub.push(doc.Clone())
	}

	if m.docWatchers[key] == nil {
		m.docWatchers[key] = make(map[*subscriber[Document]]struct{})
	}

	m.docWatchers[key][sub] = struct{}{}

	forget := func() {
		m.mu.Lock()
		delete(m.docWatchers[key], sub)
		if len(m.docWatchers[key]) == 0 {
			delete(m.docWatchers, key)
		}
		m.mu.Unlock()
	}

	// The subscription also ends with ctx, so the entry is dropped when run
	// returns and not only on cancel.
	go func() {
		sub.run(ctx, fn)
		forget()
	}()

	return func() {
		sub.stop()
		forget()
	}, nil
}

func (m *Memory) Append(ctx context.Context, key Key, list string, data any) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}

	raw, err := encodeValue(data)
	if err != nil {
		return Item{}, err
	}

	item := Item{ID: uuid.NewString(), Data: raw}
	lk := listKey{Key: key, list: list}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Item{}, ErrClosed
	}

	m.lists[lk] = append(m.lists[lk], item)

	for sub := range m.listWatchers[lk] {
		sub.push(item)
	}

	return item, nil
}

func (m *Memory) WatchList(ctx context.Context, key Key, list string, fn ItemFunc) (CancelFunc, error) {
	lk := listKey{Key: key, list: list}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	sub := newSubscriber[Item]()
	for _, item := range m.lists[lk] {
		sub.push(item)
	}

	if m.listWatchers[lk] == nil {
		m.listWatchers[lk] = make(map[*subscriber[Item]]struct{})
	}

	m.listWatchers[lk][sub] = struct{}{}

	forget := func() {
		m.mu.Lock()
		delete(m.listWatchers[lk], sub)
		if len(m.listWatchers[lk]) == 0 {
			delete(m.listWatchers, lk)
		}
		m.mu.Unlock()
	}

	go func() {
		sub.run(ctx, fn)
		forget()
	}()

	return func() {
		sub.stop()
		forget()
	}, nil
}

// Close stops every live subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true

	for _, subs := range m.docWatchers {
		for sub := range subs {
			sub.stop()
		}
	}

	for _, subs := range m.listWatchers {
		for sub := range subs {
			sub.stop()
		}
	}

	return nil
}

// Subscribers returns the number of live watches, used to assert that
// sessions release their subscriptions.
func (m *Memory) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, subs := range m.docWatchers {
		count += len(subs)
	}

	for _, subs := range m.listWatchers {
		count += len(subs)
	}

	return count
}
