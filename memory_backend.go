package s3db

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"sort"
	"strings"
	"sync"
)

// MemoryBackend implements Backend entirely in process memory. It exists
// for tests and for the `memory://` connection scheme (spec's ephemeral,
// single-process store) — data never survives process restart.
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[string]*memObject
	locks   *StripedLocks
}

type memObject struct {
	body []byte
	meta map[string]string
	etag string
}

// NewMemoryBackend creates a new in-memory backend with 32 lock stripes.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		objects: make(map[string]*memObject),
		locks:   NewStripedLocks(32),
	}
}

func etagOf(data []byte) string {
	h := md5.Sum(data)
	return hex.EncodeToString(h[:])
}

func (b *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(obj.body))
	copy(out, obj.body)
	return out, nil
}

func (b *MemoryBackend) Put(ctx context.Context, key string, data []byte) error {
	return b.PutMeta(ctx, key, data, nil)
}

func (b *MemoryBackend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

func (b *MemoryBackend) Exists(ctx context.Context, key string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.objects[key]
	return ok, nil
}

func (b *MemoryBackend) GetMeta(ctx context.Context, key string) (*Object, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	body := make([]byte, len(obj.body))
	copy(body, obj.body)
	meta := make(map[string]string, len(obj.meta))
	for k, v := range obj.meta {
		meta[k] = v
	}
	return &Object{Body: body, Metadata: meta, ETag: obj.etag}, nil
}

func (b *MemoryBackend) PutMeta(ctx context.Context, key string, data []byte, meta map[string]string) error {
	if err := ValidateMetadataSize(meta); err != nil {
		return err
	}
	unlock := b.locks.Lock(key)
	defer unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	body := make([]byte, len(data))
	copy(body, data)
	metaCopy := make(map[string]string, len(meta))
	for k, v := range meta {
		metaCopy[k] = v
	}
	b.objects[key] = &memObject{body: body, meta: metaCopy, etag: etagOf(body)}
	return nil
}

func (b *MemoryBackend) HeadMeta(ctx context.Context, key string) (map[string]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	meta := make(map[string]string, len(obj.meta))
	for k, v := range obj.meta {
		meta[k] = v
	}
	return meta, nil
}

func (b *MemoryBackend) GetWithETag(ctx context.Context, key string) ([]byte, string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.objects[key]
	if !ok {
		return nil, "", ErrNotFound
	}
	out := make([]byte, len(obj.body))
	copy(out, obj.body)
	return out, obj.etag, nil
}

func (b *MemoryBackend) PutIfMatch(ctx context.Context, key string, data []byte, expectedETag string) (string, error) {
	unlock := b.locks.Lock(key)
	defer unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	existing, ok := b.objects[key]
	if expectedETag != "" {
		if !ok {
			return "", ErrNotFound
		}
		if existing.etag != expectedETag {
			return "", WithContext(ErrConflict, map[string]interface{}{
				"expected": expectedETag,
				"actual":   existing.etag,
			})
		}
	}

	body := make([]byte, len(data))
	copy(body, data)
	var meta map[string]string
	if ok {
		meta = existing.meta
	}
	newETag := etagOf(body)
	b.objects[key] = &memObject{body: body, meta: meta, etag: newETag}
	return newETag, nil
}

func (b *MemoryBackend) List(ctx context.Context, prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var keys []string
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *MemoryBackend) ListPaginated(ctx context.Context, prefix string, handler func(keys []string) error) error {
	keys, err := b.List(ctx, prefix)
	if err != nil {
		return err
	}
	for i := 0; i < len(keys); i += DefaultListPaginatedSize {
		end := i + DefaultListPaginatedSize
		if end > len(keys) {
			end = len(keys)
		}
		if err := handler(keys[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (b *MemoryBackend) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	data, err := b.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(newBytesReader(data)), nil
}

func (b *MemoryBackend) PutStream(ctx context.Context, key string, reader io.Reader, size int64) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	return b.Put(ctx, key, data)
}

func (b *MemoryBackend) Append(ctx context.Context, key string, data []byte) error {
	unlock := b.locks.Lock(key)
	defer unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	existing, ok := b.objects[key]
	var combined []byte
	var meta map[string]string
	if ok {
		combined = append(combined, existing.body...)
		meta = existing.meta
	}
	combined = append(combined, data...)
	b.objects[key] = &memObject{body: combined, meta: meta, etag: etagOf(combined)}
	return nil
}

// Copy duplicates the object at src to dst, including its metadata.
func (b *MemoryBackend) Copy(ctx context.Context, src, dst string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, ok := b.objects[src]
	if !ok {
		return ErrNotFound
	}
	body := make([]byte, len(obj.body))
	copy(body, obj.body)
	meta := make(map[string]string, len(obj.meta))
	for k, v := range obj.meta {
		meta[k] = v
	}
	b.objects[dst] = &memObject{body: body, meta: meta, etag: obj.etag}
	return nil
}

// Move relocates the object from src to dst.
func (b *MemoryBackend) Move(ctx context.Context, src, dst string) error {
	if err := b.Copy(ctx, src, dst); err != nil {
		return err
	}
	return b.Delete(ctx, src)
}

func (b *MemoryBackend) Ping(ctx context.Context) error {
	return nil
}

func (b *MemoryBackend) Close() error {
	return nil
}
