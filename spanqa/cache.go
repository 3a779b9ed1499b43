package spanqa

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// logitEntry pairs the start and end logit vectors of one feature.
type logitEntry struct {
	start []float32
	end   []float32
}

// logitCache keeps scored features in memory and optionally on disk, keyed by
// model id and input ids so identical windows never hit the model twice.
type logitCache struct {
	mu      sync.RWMutex
	m       map[string]logitEntry
	dir     string
	modelID string
}

func newLogitCache(dir, modelID string) *logitCache {
	return &logitCache{m: make(map[string]logitEntry), dir: dir, modelID: modelID}
}

func (c *logitCache) get(key string) (logitEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.m[key]
	return v, ok
}

func (c *logitCache) put(key string, v logitEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = v
}

func (c *logitCache) load(key string) (logitEntry, bool, error) {
	if c.dir == "" {
		return logitEntry{}, false, nil
	}
	path := filepath.Join(c.dir, key+".bin")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return logitEntry{}, false, nil
		}
		return logitEntry{}, false, err
	}
	if len(data) < 4 {
		return logitEntry{}, false, fmt.Errorf("cache file broken: %s", path)
	}
	length := int(binary.LittleEndian.Uint32(data[:4]))
	need := length * 4 * 2
	if len(data) < 4+need {
		return logitEntry{}, false, fmt.Errorf("cache truncated: %s", path)
	}
	entry := logitEntry{
		start: make([]float32, length),
		end:   make([]float32, length),
	}
	r := bytes.NewReader(data[4 : 4+need])
	if err := binary.Read(r, binary.LittleEndian, entry.start); err != nil {
		return logitEntry{}, false, err
	}
	if err := binary.Read(r, binary.LittleEndian, entry.end); err != nil {
		return logitEntry{}, false, err
	}
	return entry, true, nil
}

func (c *logitCache) save(key string, v logitEntry) error {
	if c.dir == "" {
		return nil
	}
	if len(v.start) != len(v.end) {
		return fmt.Errorf("logit length mismatch: %d vs %d", len(v.start), len(v.end))
	}
	path := filepath.Join(c.dir, key+".bin")
	buf := &bytes.Buffer{}
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(v.start)))
	if err := binary.Write(buf, binary.LittleEndian, v.start); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.LittleEndian, v.end); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// featureCacheKey derives a stable key from the model id and the window's
// input ids, which fully determine the logits.
func featureCacheKey(modelID string, inputIDs []int64) string {
	h := sha1.New()
	h.Write([]byte(modelID))
	h.Write([]byte{'|'})
	_ = binary.Write(h, binary.LittleEndian, inputIDs)
	return hex.EncodeToString(h.Sum(nil))
}
