// Copyright 2026 the LDK authors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package objectstore implements the in-memory bucket/object engine:
// lexicographically ordered listings, tagging, bucket policy storage,
// and notification fan-out on object writes and deletes.
package objectstore

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("ldk.engine.objectstore")

// Object is a stored object. Body is owned by the engine; callers
// receive copies.
type Object struct {
	Key          string
	Body         []byte
	ContentType  string
	Metadata     map[string]string
	Tags         map[string]string
	ETag         string
	LastModified time.Time
}

// Event is the single-record change envelope handed to notification
// handlers.
type Event struct {
	EventName string // e.g. "ObjectCreated:Put"
	Bucket    string
	Key       string
	Size      int64
	ETag      string
	At        time.Time
}

// Handler consumes one notification event. Handlers run on their own
// goroutine; errors are logged and never surface to the writer.
type Handler func(Event) error

// NotificationRule matches events by type glob and key prefix/suffix.
type NotificationRule struct {
	ID        string
	EventGlob string // e.g. "ObjectCreated:*"
	Prefix    string
	Suffix    string
	Handler   Handler
}

func (r NotificationRule) matches(eventName, key string) bool {
	if !globMatch(r.EventGlob, eventName) {
		return false
	}
	return strings.HasPrefix(key, r.Prefix) && strings.HasSuffix(key, r.Suffix)
}

// globMatch supports the event-type glob shape: a literal name, or a
// prefix ending in "*". The optional "s3:" prefix is ignored on both
// sides.
func globMatch(glob, name string) bool {
	glob = strings.TrimPrefix(glob, "s3:")
	name = strings.TrimPrefix(name, "s3:")
	if cut, ok := strings.CutSuffix(glob, "*"); ok {
		return strings.HasPrefix(name, cut)
	}
	return glob == name
}

type bucket struct {
	name      string
	createdAt time.Time

	mu      sync.Mutex
	objects map[string]*Object
	tags    map[string]string
	policy  string
	rules   []NotificationRule
}

// Engine owns all buckets.
type Engine struct {
	clock clock.Clock

	mu      sync.RWMutex
	buckets map[string]*bucket
}

// NewEngine returns an object store engine.
func NewEngine(clk clock.Clock) (*Engine, error) {
	if clk == nil {
		return nil, errors.NotValidf("missing Clock")
	}
	return &Engine{
		clock:   clk,
		buckets: make(map[string]*bucket),
	}, nil
}

// CreateBucket adds a bucket.
func (e *Engine) CreateBucket(name string) error {
	if name == "" {
		return errors.NotValidf("empty bucket name")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.buckets[name]; ok {
		return errors.AlreadyExistsf("bucket %q", name)
	}
	e.buckets[name] = &bucket{
		name:      name,
		createdAt: e.clock.Now(),
		objects:   make(map[string]*Object),
	}
	return nil
}

// DeleteBucket removes an empty bucket.
func (e *Engine) DeleteBucket(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.buckets[name]
	if !ok {
		return errors.NotFoundf("bucket %q", name)
	}
	b.mu.Lock()
	empty := len(b.objects) == 0
	b.mu.Unlock()
	if !empty {
		return errors.NotValidf("deleting non-empty bucket %q", name)
	}
	delete(e.buckets, name)
	return nil
}

// ListBuckets returns all bucket names with creation times, sorted.
func (e *Engine) ListBuckets() map[string]time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]time.Time, len(e.buckets))
	for name, b := range e.buckets {
		out[name] = b.createdAt
	}
	return out
}

func (e *Engine) lookup(name string) (*bucket, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.buckets[name]
	if !ok {
		return nil, errors.NotFoundf("bucket %q", name)
	}
	return b, nil
}

// Put stores an object and notifies matching subscriptions
// asynchronously.
func (e *Engine) Put(bucketName, key string, body []byte, contentType string, metadata map[string]string) (*Object, error) {
	return e.put(bucketName, key, body, contentType, metadata, "ObjectCreated:Put")
}

func (e *Engine) put(bucketName, key string, body []byte, contentType string, metadata map[string]string, eventName string) (*Object, error) {
	if key == "" {
		return nil, errors.NotValidf("empty object key")
	}
	b, err := e.lookup(bucketName)
	if err != nil {
		return nil, errors.Trace(err)
	}
	sum := md5.Sum(body)
	obj := &Object{
		Key:          key,
		Body:         append([]byte(nil), body...),
		ContentType:  contentType,
		Metadata:     metadata,
		Tags:         map[string]string{},
		ETag:         hex.EncodeToString(sum[:]),
		LastModified: e.clock.Now(),
	}
	b.mu.Lock()
	b.objects[key] = obj
	rules := append([]NotificationRule(nil), b.rules...)
	b.mu.Unlock()

	e.notify(rules, Event{
		EventName: eventName,
		Bucket:    bucketName,
		Key:       key,
		Size:      int64(len(body)),
		ETag:      obj.ETag,
		At:        obj.LastModified,
	})
	return copyObject(obj), nil
}

// Copy duplicates an object, emitting an ObjectCreated:Copy event on
// the destination bucket.
func (e *Engine) Copy(srcBucket, srcKey, dstBucket, dstKey string) (*Object, error) {
	src, err := e.Get(srcBucket, srcKey)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return e.put(dstBucket, dstKey, src.Body, src.ContentType, src.Metadata, "ObjectCreated:Copy")
}

// Get returns a copy of the object.
func (e *Engine) Get(bucketName, key string) (*Object, error) {
	b, err := e.lookup(bucketName)
	if err != nil {
		return nil, errors.Trace(err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, ok := b.objects[key]
	if !ok {
		return nil, errors.NotFoundf("object %q in bucket %q", key, bucketName)
	}
	return copyObject(obj), nil
}

// Head returns the object without its body.
func (e *Engine) Head(bucketName, key string) (*Object, error) {
	obj, err := e.Get(bucketName, key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	obj.Body = nil
	return obj, nil
}

// Delete removes an object and notifies matching subscriptions.
// Deleting an absent key is a no-op, as on the cloud.
func (e *Engine) Delete(bucketName, key string) error {
	b, err := e.lookup(bucketName)
	if err != nil {
		return errors.Trace(err)
	}
	b.mu.Lock()
	_, existed := b.objects[key]
	delete(b.objects, key)
	rules := append([]NotificationRule(nil), b.rules...)
	b.mu.Unlock()

	if existed {
		e.notify(rules, Event{
			EventName: "ObjectRemoved:Delete",
			Bucket:    bucketName,
			Key:       key,
			At:        e.clock.Now(),
		})
	}
	return nil
}

// Listing is the result of a prefix listing.
type Listing struct {
	Objects        []*Object
	CommonPrefixes []string
}

// List returns objects under the prefix in lexicographic key order.
// With a delimiter, keys containing the delimiter past the prefix
// collapse into common prefixes.
func (e *Engine) List(bucketName, prefix, delimiter string, limit int) (Listing, error) {
	b, err := e.lookup(bucketName)
	if err != nil {
		return Listing{}, errors.Trace(err)
	}
	b.mu.Lock()
	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var listing Listing
	seenPrefix := map[string]bool{}
	for _, k := range keys {
		if delimiter != "" {
			rest := k[len(prefix):]
			if i := strings.Index(rest, delimiter); i >= 0 {
				cp := prefix + rest[:i+len(delimiter)]
				if !seenPrefix[cp] {
					seenPrefix[cp] = true
					listing.CommonPrefixes = append(listing.CommonPrefixes, cp)
				}
				continue
			}
		}
		listing.Objects = append(listing.Objects, copyObject(b.objects[k]))
		if limit > 0 && len(listing.Objects) >= limit {
			break
		}
	}
	b.mu.Unlock()
	return listing, nil
}

// SetTags replaces an object's tag set.
func (e *Engine) SetTags(bucketName, key string, tags map[string]string) error {
	b, err := e.lookup(bucketName)
	if err != nil {
		return errors.Trace(err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, ok := b.objects[key]
	if !ok {
		return errors.NotFoundf("object %q in bucket %q", key, bucketName)
	}
	obj.Tags = tags
	return nil
}

// Tags returns an object's tag set.
func (e *Engine) Tags(bucketName, key string) (map[string]string, error) {
	obj, err := e.Get(bucketName, key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return obj.Tags, nil
}

// SetPolicy stores the bucket policy document verbatim.
func (e *Engine) SetPolicy(bucketName, policy string) error {
	b, err := e.lookup(bucketName)
	if err != nil {
		return errors.Trace(err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.policy = policy
	return nil
}

// Policy returns the bucket policy document.
func (e *Engine) Policy(bucketName string) (string, error) {
	b, err := e.lookup(bucketName)
	if err != nil {
		return "", errors.Trace(err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.policy == "" {
		return "", errors.NotFoundf("policy on bucket %q", bucketName)
	}
	return b.policy, nil
}

// SetNotifications replaces the bucket's notification configuration.
func (e *Engine) SetNotifications(bucketName string, rules []NotificationRule) error {
	b, err := e.lookup(bucketName)
	if err != nil {
		return errors.Trace(err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rules = rules
	return nil
}

func (e *Engine) notify(rules []NotificationRule, event Event) {
	for _, rule := range rules {
		if !rule.matches(event.EventName, event.Key) {
			continue
		}
		handler := rule.Handler
		id := rule.ID
		go func() {
			if err := handler(event); err != nil {
				logger.Errorf("notification %q for %s %s/%s: %v",
					id, event.EventName, event.Bucket, event.Key, err)
			}
		}()
	}
}

func copyObject(obj *Object) *Object {
	out := *obj
	out.Body = append([]byte(nil), obj.Body...)
	out.Metadata = copyStringMap(obj.Metadata)
	out.Tags = copyStringMap(obj.Tags)
	return &out
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
