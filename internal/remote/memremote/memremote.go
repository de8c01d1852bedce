// Package memremote is an in-memory remote store.
//
// A Cloud holds the documents; each Device is a remote.Store handle bound to
// one device identity, so several simulated devices can sync through the
// same cloud in a single process.
package memremote

import (
	"context"
	"sort"
	"sync"

	"github.com/MinhajShafin/MessKhata/internal/remote"
	"github.com/MinhajShafin/MessKhata/internal/schema"
)

// Cloud is the shared in-memory document store.
type Cloud struct {
	mu       sync.Mutex
	docs     map[string]*schema.Document
	feed     []*schema.Document
	clock    int64
	pushKeys map[string]int64
	failures []error
	subs     map[int]chan schema.RemoteChange
	nextSub  int
	pushes   int
}

// NewCloud returns an empty cloud.
func NewCloud() *Cloud {
	return &Cloud{
		docs:     make(map[string]*schema.Document),
		pushKeys: make(map[string]int64),
		subs:     make(map[int]chan schema.RemoteChange),
	}
}

// Device returns a remote.Store handle for the given device id.
func (c *Cloud) Device(id string) *Device {
	return &Device{cloud: c, id: id}
}

// FailNext makes the next FetchSince or Push call (from any device) fail
// with err. Calls queue up.
func (c *Cloud) FailNext(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, err)
}

// Get returns the current version of an entity, or nil.
func (c *Cloud) Get(id string) *schema.Entity {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.docs[id]
	if !ok {
		return nil
	}
	return d.Entity()
}

// Pushes returns how many records were written by accepted pushes.
func (c *Cloud) Pushes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pushes
}

// Put writes e directly as the next revision, bypassing the accept rule.
// It simulates a writer the local devices know nothing about.
func (c *Cloud) Put(e *schema.Entity) *schema.Document {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := e.Clone()
	next.Normalize()
	if cur, ok := c.docs[next.ID]; ok {
		next.Revision = cur.Revision + 1
	} else {
		next.Revision = 1
	}
	c.clock++
	doc := schema.ToDocument(next, "", c.clock)
	c.writeLocked(doc)
	return doc
}

func (c *Cloud) writeLocked(doc *schema.Document) {
	c.docs[doc.ID] = doc
	c.feed = append(c.feed, doc)
	for _, ch := range c.subs {
		select {
		case ch <- doc.Change():
		default:
			// Subscribers are best-effort; a slow one misses events.
		}
	}
}

func (c *Cloud) popFailure() error {
	if len(c.failures) == 0 {
		return nil
	}
	err := c.failures[0]
	c.failures = c.failures[1:]
	return err
}

// Device is a remote.Store bound to one device identity.
type Device struct {
	cloud *Cloud
	id    string
}

var _ remote.Store = (*Device)(nil)

// ID returns the device identity used in push keys.
func (d *Device) ID() string {
	return d.id
}

// FetchSince returns feed entries newer than the cursor.
func (d *Device) FetchSince(ctx context.Context, cursor schema.SyncCursor) ([]schema.RemoteChange, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := d.cloud
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.popFailure(); err != nil {
		return nil, err
	}

	idx := sort.Search(len(c.feed), func(i int) bool {
		return c.feed[i].ServerTs > cursor.LastRemoteTimestamp
	})
	out := make([]schema.RemoteChange, 0, len(c.feed)-idx)
	for _, doc := range c.feed[idx:] {
		out = append(out, doc.Change())
	}
	return out, nil
}

// Push applies the accept rule to every record in order.
func (d *Device) Push(ctx context.Context, batch []*schema.ChangeRecord) ([]remote.PushResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := d.cloud
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.popFailure(); err != nil {
		return nil, err
	}

	results := make([]remote.PushResult, 0, len(batch))
	for _, rec := range batch {
		key := schema.PushKey(d.id, rec)
		seenRev, seen := c.pushKeys[key]
		decision := remote.Decide(c.docs[rec.EntityID], rec, key, seenRev, seen, c.clock+1)
		if decision.Write {
			c.clock++
			c.pushKeys[key] = decision.Result.AcceptedRevision
			c.pushes++
			c.writeLocked(decision.Document)
		}
		results = append(results, decision.Result)
	}
	return results, nil
}

// Subscribe streams accepted changes until ctx is done.
func (d *Device) Subscribe(ctx context.Context) (<-chan schema.RemoteChange, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := d.cloud
	ch := make(chan schema.RemoteChange, 64)

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		delete(c.subs, id)
		close(ch)
		c.mu.Unlock()
	}()
	return ch, nil
}
