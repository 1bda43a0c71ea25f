package memory

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

var vectorFileMagic = [4]byte{'M', 'N', 'V', 'X'}

const vectorFileVersion uint16 = 1

type vectorSlot struct {
	id        int64
	sessionID string
	personaID string
	vector    []float32 // nil once tombstoned
}

// VectorIndex is a brute-force cosine index addressed by slot. Deleting an
// id tombstones its slot: the vector is dropped but the slot stays until
// Compact, so SlotCount may exceed Len.
type VectorIndex struct {
	mu        sync.RWMutex
	dimension int
	slots     []vectorSlot
	position  map[int64]int // id -> live slot
}

// NewVectorIndex creates a new vector index with the given dimension.
func NewVectorIndex(dimension int) *VectorIndex {
	return &VectorIndex{
		dimension: dimension,
		position:  make(map[int64]int),
	}
}

// Dimension returns the vector size.
func (v *VectorIndex) Dimension() int { return v.dimension }

// Add stores a vector for id, tombstoning any previous slot of the id.
func (v *VectorIndex) Add(id int64, sessionID, personaID string, vector []float32) error {
	if len(vector) != v.dimension {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, v.dimension, len(vector))
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)

	v.mu.Lock()
	defer v.mu.Unlock()
	v.tombstoneLocked(id)
	v.slots = append(v.slots, vectorSlot{id: id, sessionID: sessionID, personaID: personaID, vector: vec})
	v.position[id] = len(v.slots) - 1
	return nil
}

// Remove tombstones the slot of id and reports whether it was live.
func (v *VectorIndex) Remove(id int64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.tombstoneLocked(id)
}

func (v *VectorIndex) tombstoneLocked(id int64) bool {
	pos, ok := v.position[id]
	if !ok {
		return false
	}
	v.slots[pos].vector = nil
	delete(v.position, id)
	return true
}

// Search returns the k live vectors most similar to query that pass filter.
func (v *VectorIndex) Search(query []float32, k int, filter Filter) ([]Hit, error) {
	if len(query) != v.dimension {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, v.dimension, len(query))
	}
	if k <= 0 {
		return nil, nil
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	hits := make([]Hit, 0, len(v.position))
	for _, pos := range v.position {
		slot := &v.slots[pos]
		if !filter.Matches(slot.sessionID, slot.personaID) {
			continue
		}
		hits = append(hits, Hit{ID: slot.id, Score: cosineSimilarity(query, slot.vector)})
	}
	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Contains reports whether id has a live slot.
func (v *VectorIndex) Contains(id int64) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.position[id]
	return ok
}

// Vector returns a copy of the live vector of id, or nil.
func (v *VectorIndex) Vector(id int64) []float32 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	pos, ok := v.position[id]
	if !ok {
		return nil
	}
	out := make([]float32, len(v.slots[pos].vector))
	copy(out, v.slots[pos].vector)
	return out
}

// IDs returns the live ids in ascending order.
func (v *VectorIndex) IDs() []int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ids := make([]int64, 0, len(v.position))
	for id := range v.position {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of live vectors.
func (v *VectorIndex) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.position)
}

// SlotCount returns the number of physical slots, tombstones included.
func (v *VectorIndex) SlotCount() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.slots)
}

// Compact drops tombstoned slots.
func (v *VectorIndex) Compact() {
	v.mu.Lock()
	defer v.mu.Unlock()

	live := make([]vectorSlot, 0, len(v.position))
	for _, slot := range v.slots {
		if slot.vector != nil {
			live = append(live, slot)
		}
	}
	v.slots = live
	v.position = make(map[int64]int, len(live))
	for i, slot := range live {
		v.position[slot.id] = i
	}
}

// Reset drops every slot.
func (v *VectorIndex) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.slots = nil
	v.position = make(map[int64]int)
}

// Save writes the index to path atomically.
// Format: magic, version:uint16, dimension:uint32, slots:uint32, then per
// slot: live:uint8, id:int64, session and persona as uint16-prefixed bytes,
// and dimension float32 values for live slots.
func (v *VectorIndex) Save(path string) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("vector: save failed: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("vector: save failed: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if err := v.writeLocked(w); err != nil {
		tmp.Close()
		return fmt.Errorf("vector: save failed: %w", err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("vector: save failed: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("vector: save failed: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("vector: save failed: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("vector: save failed: %w", err)
	}
	return nil
}

func (v *VectorIndex) writeLocked(w io.Writer) error {
	header := []any{vectorFileMagic, vectorFileVersion, uint32(v.dimension), uint32(len(v.slots))}
	for _, field := range header {
		if err := binary.Write(w, binary.LittleEndian, field); err != nil {
			return err
		}
	}
	for _, slot := range v.slots {
		var live uint8
		if slot.vector != nil {
			live = 1
		}
		if err := binary.Write(w, binary.LittleEndian, live); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, slot.id); err != nil {
			return err
		}
		if err := writeString(w, slot.sessionID); err != nil {
			return err
		}
		if err := writeString(w, slot.personaID); err != nil {
			return err
		}
		if live == 1 {
			if err := binary.Write(w, binary.LittleEndian, slot.vector); err != nil {
				return err
			}
		}
	}
	return nil
}

// Load replaces the index contents with the file at path.
func (v *VectorIndex) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("vector: load failed: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var (
		magic   [4]byte
		version uint16
		dim     uint32
		count   uint32
	)
	for _, field := range []any{&magic, &version, &dim, &count} {
		if err := binary.Read(r, binary.LittleEndian, field); err != nil {
			return fmt.Errorf("vector: load failed: %w", err)
		}
	}
	if magic != vectorFileMagic {
		return errors.New("vector: load failed: not a vector index file")
	}
	if version != vectorFileVersion {
		return fmt.Errorf("vector: load failed: unsupported version %d", version)
	}
	if int(dim) != v.dimension {
		return fmt.Errorf("%w: file has %d, index expects %d", ErrDimensionMismatch, dim, v.dimension)
	}

	slots := make([]vectorSlot, 0, count)
	position := make(map[int64]int, count)
	for i := uint32(0); i < count; i++ {
		var (
			live uint8
			slot vectorSlot
		)
		if err := binary.Read(r, binary.LittleEndian, &live); err != nil {
			return fmt.Errorf("vector: load failed: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &slot.id); err != nil {
			return fmt.Errorf("vector: load failed: %w", err)
		}
		if slot.sessionID, err = readString(r); err != nil {
			return fmt.Errorf("vector: load failed: %w", err)
		}
		if slot.personaID, err = readString(r); err != nil {
			return fmt.Errorf("vector: load failed: %w", err)
		}
		if live == 1 {
			slot.vector = make([]float32, dim)
			if err := binary.Read(r, binary.LittleEndian, slot.vector); err != nil {
				return fmt.Errorf("vector: load failed: %w", err)
			}
			position[slot.id] = len(slots)
		}
		slots = append(slots, slot)
	}

	v.mu.Lock()
	v.slots = slots
	v.position = position
	v.mu.Unlock()
	return nil
}

func writeString(w io.Writer, s string) error {
	if len(s) > math.MaxUint16 {
		s = s[:math.MaxUint16]
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// cosineSimilarity calculates the cosine similarity between two vectors.
func cosineSimilarity(a []float32, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dotProduct / denom
}
