package s3

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Operation names accepted by InjectFault.
const (
	OpList   = "list"
	OpGet    = "get"
	OpPut    = "put"
	OpHead   = "head"
	OpCopy   = "copy"
	OpDelete = "delete"
)

type memObject struct {
	data     []byte
	etag     string
	modified time.Time
}

type fault struct {
	op          string
	keyContains string
	err         error
	remaining   int // negative means forever.
}

type memStore struct {
	mu      sync.Mutex
	objects map[string]memObject
	faults  []*fault
	calls   map[string]int
}

// MemoryClient is an in-memory BasicClient with fault injection, used for tests and mem:// destinations.
// ETags are the hex MD5 of the object, as S3 reports for single part uploads.
type MemoryClient struct {
	store  *memStore
	prefix string
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{store: &memStore{objects: make(map[string]memObject), calls: make(map[string]int)}}
}

// WithPrefix returns a view of the same store with keys relative to prefix.
func (m *MemoryClient) WithPrefix(prefix string) *MemoryClient {
	return &MemoryClient{store: m.store, prefix: strings.Trim(prefix, "/")}
}

// InjectFault makes the next times calls of op, on keys containing keyContains, fail with err.
// Use times < 0 to fail forever.
func (m *MemoryClient) InjectFault(op string, keyContains string, err error, times int) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	m.store.faults = append(m.store.faults, &fault{op: op, keyContains: keyContains, err: err, remaining: times})
}

// ClearFaults removes every injected fault.
func (m *MemoryClient) ClearFaults() {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	m.store.faults = nil
}

// Calls returns how many times op has been called.
func (m *MemoryClient) Calls(op string) int {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	return m.store.calls[op]
}

// Keys returns all keys below the client prefix, sorted.
func (m *MemoryClient) Keys() []string {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	keys := make([]string, 0, len(m.store.objects))
	for k := range m.store.objects {
		if rel, ok := m.relative(k); ok {
			keys = append(keys, rel)
		}
	}
	sort.Strings(keys)
	return keys
}

func (m *MemoryClient) full(key string) string {
	if m.prefix == "" {
		return key
	}
	return m.prefix + "/" + key
}

func (m *MemoryClient) relative(key string) (string, bool) {
	if m.prefix == "" {
		return key, true
	}
	if !strings.HasPrefix(key, m.prefix+"/") {
		return "", false
	}
	return strings.TrimPrefix(key, m.prefix+"/"), true
}

// check records the call and returns any injected fault. The caller holds the lock.
func (m *MemoryClient) check(ctx context.Context, op string, key string) error {
	m.store.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, f := range m.store.faults {
		if f.op != op || f.remaining == 0 || !strings.Contains(key, f.keyContains) {
			continue
		}
		if f.remaining > 0 {
			f.remaining--
		}
		return f.err
	}
	return nil
}

func (m *MemoryClient) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	if err := m.check(ctx, OpList, prefix); err != nil {
		return nil, err
	}
	infos := make([]ObjectInfo, 0)
	for k, o := range m.store.objects {
		rel, ok := m.relative(k)
		if !ok || !strings.HasPrefix(rel, prefix) {
			continue
		}
		infos = append(infos, ObjectInfo{Key: rel, Size: int64(len(o.data)), ETag: o.etag, LastModified: o.modified})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (m *MemoryClient) Get(ctx context.Context, key string) ([]byte, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	if err := m.check(ctx, OpGet, key); err != nil {
		return nil, err
	}
	o, ok := m.store.objects[m.full(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	data := make([]byte, len(o.data))
	copy(data, o.data)
	return data, nil
}

func (m *MemoryClient) Put(ctx context.Context, key string, data []byte, contentMD5 string) (string, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	if err := m.check(ctx, OpPut, key); err != nil {
		return "", err
	}
	sum := md5.Sum(data)
	etag := hex.EncodeToString(sum[:])
	if contentMD5 != "" && contentMD5 != etag {
		return "", fmt.Errorf("BadDigest: content MD5 %v does not match %v", contentMD5, etag)
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	m.store.objects[m.full(key)] = memObject{data: stored, etag: etag, modified: time.Now().UTC()}
	return etag, nil
}

// PutRaw stores data without fault checks, e.g. to seed a conflicting object.
func (m *MemoryClient) PutRaw(key string, data []byte) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	sum := md5.Sum(data)
	m.store.objects[m.full(key)] = memObject{data: data, etag: hex.EncodeToString(sum[:]), modified: time.Now().UTC()}
}

func (m *MemoryClient) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	if err := m.check(ctx, OpHead, key); err != nil {
		return nil, err
	}
	o, ok := m.store.objects[m.full(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return &ObjectInfo{Key: key, Size: int64(len(o.data)), ETag: o.etag, LastModified: o.modified}, nil
}

func (m *MemoryClient) Copy(ctx context.Context, src, dst string) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	if err := m.check(ctx, OpCopy, src); err != nil {
		return err
	}
	o, ok := m.store.objects[m.full(src)]
	if !ok {
		return ErrKeyNotFound
	}
	o.modified = time.Now().UTC()
	m.store.objects[m.full(dst)] = o
	return nil
}

func (m *MemoryClient) Delete(ctx context.Context, key string) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	if err := m.check(ctx, OpDelete, key); err != nil {
		return err
	}
	delete(m.store.objects, m.full(key))
	return nil
}
