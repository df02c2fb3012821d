package vector

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// File layout: a binary vector file at path and a JSON sidecar at
// path+".json" holding the slot-ordered record IDs. Both must agree on the
// vector count, otherwise the load fails with ErrCorruptIndexFile.

var fileMagic = [4]byte{'M', 'N', 'V', 'X'}

const fileVersion uint32 = 1

type sidecar struct {
	Dimension int      `json:"dimension"`
	IDs       []string `json:"ids"`
}

// Save writes the index to path (vectors) and path+".json" (id map).
// Writes go through temp files renamed into place so a crash mid-save never
// leaves a torn index behind.
func (ix *Index) Save(path string) error {
	ix.mu.RLock()
	dim := ix.dim
	count := len(ix.ids)
	ids := make([]string, count)
	copy(ids, ix.ids)
	buf := make([]byte, 16+count*dim*4)
	copy(buf[0:4], fileMagic[:])
	binary.LittleEndian.PutUint32(buf[4:8], fileVersion)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(dim))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(count))
	off := 16
	for _, vec := range ix.vecs {
		for _, x := range vec {
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(x))
			off += 4
		}
	}
	ix.mu.RUnlock()

	if err := writeAtomic(path, buf); err != nil {
		return fmt.Errorf("vector: save %s: %w", path, err)
	}

	side, err := json.Marshal(sidecar{Dimension: dim, IDs: ids})
	if err != nil {
		return fmt.Errorf("vector: marshal id map: %w", err)
	}
	if err := writeAtomic(path+".json", side); err != nil {
		return fmt.Errorf("vector: save %s.json: %w", path, err)
	}
	return nil
}

// Load replaces the index contents from the files written by Save.
// Any structural problem returns ErrCorruptIndexFile; the caller should log
// it, keep the empty index and schedule a rebuild from the record store.
// A missing file is not corruption: it returns os.ErrNotExist.
func (ix *Index) Load(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrCorruptIndexFile, err)
	}

	if len(buf) < 16 || [4]byte(buf[0:4]) != fileMagic {
		return fmt.Errorf("%w: bad header in %s", ErrCorruptIndexFile, path)
	}
	if v := binary.LittleEndian.Uint32(buf[4:8]); v != fileVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCorruptIndexFile, v)
	}
	dim := int(binary.LittleEndian.Uint32(buf[8:12]))
	count := int(binary.LittleEndian.Uint32(buf[12:16]))

	if dim != ix.dim {
		return fmt.Errorf("%w: file dimension %d, index expects %d", ErrCorruptIndexFile, dim, ix.dim)
	}
	if len(buf) != 16+count*dim*4 {
		return fmt.Errorf("%w: truncated vector data in %s", ErrCorruptIndexFile, path)
	}

	sideBuf, err := os.ReadFile(path + ".json")
	if err != nil {
		return fmt.Errorf("%w: missing id map: %v", ErrCorruptIndexFile, err)
	}
	var side sidecar
	if err := json.Unmarshal(sideBuf, &side); err != nil {
		return fmt.Errorf("%w: unreadable id map: %v", ErrCorruptIndexFile, err)
	}
	if side.Dimension != dim || len(side.IDs) != count {
		return fmt.Errorf("%w: id map disagrees with vector file", ErrCorruptIndexFile)
	}

	vecs := make([][]float32, count)
	off := 16
	for i := 0; i < count; i++ {
		vec := make([]float32, dim)
		for d := 0; d < dim; d++ {
			vec[d] = math.Float32frombits(binary.LittleEndian.Uint32(buf[off:]))
			off += 4
		}
		vecs[i] = vec
	}

	byID := make(map[string]int, count)
	for i, id := range side.IDs {
		byID[id] = i
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.ids = side.IDs
	ix.vecs = vecs
	ix.byID = byID
	ix.partitioned = false
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
