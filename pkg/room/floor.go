package room

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/citadel-dev/citadel/pkg/db"
)

// MaxFloors bounds the floor table.
const MaxFloors = 16

// Floor flag bits.
const FloorInUse = 1 << 0

// Floor groups rooms coarsely. The reference count is derived state,
// recomputed at startup; do not trust it across restarts.
type Floor struct {
	Name     string       `json:"name"`
	Flags    uint32       `json:"flags"`
	RefCount int          `json:"refcount"`
	Expire   ExpirePolicy `json:"expire"`
}

func floorKey(idx int) []byte {
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, uint32(idx))
	return key
}

// GetFloor fetches a floor record; missing floors come back zeroed.
func (dir *Dir) GetFloor(idx int) (*Floor, error) {
	if idx < 0 || idx >= MaxFloors {
		return nil, fmt.Errorf("floor %d out of range", idx)
	}
	raw, err := dir.db.Fetch(db.Floors, floorKey(idx))
	if db.IsNotFound(err) {
		return &Floor{}, nil
	}
	if err != nil {
		return nil, err
	}
	var f Floor
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode floor %d: %w", idx, err)
	}
	return &f, nil
}

// PutFloor writes a floor record.
func (dir *Dir) PutFloor(idx int, f *Floor) error {
	if idx < 0 || idx >= MaxFloors {
		return fmt.Errorf("floor %d out of range", idx)
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return dir.db.Store(db.Floors, floorKey(idx), raw)
}

// CheckRefCounts rebuilds every floor's room count from scratch. Mailbox
// rooms do not count; every other room counts toward exactly one floor.
func (dir *Dir) CheckRefCounts() error {
	counts := make([]int, MaxFloors)
	err := dir.ForEach(func(r *Room) {
		if r.IsMailbox() {
			return
		}
		if r.Floor >= 0 && r.Floor < MaxFloors {
			counts[r.Floor]++
		}
	})
	if err != nil {
		return err
	}

	for idx, n := range counts {
		f, err := dir.GetFloor(idx)
		if err != nil {
			return err
		}
		f.RefCount = n
		if n > 0 {
			f.Flags |= FloorInUse
		}
		if f.Name == "" && idx == 0 {
			f.Name = "Main Floor"
			f.Flags |= FloorInUse
		}
		if err := dir.PutFloor(idx, f); err != nil {
			return err
		}
	}
	return nil
}

// adjustFloorRef bumps a floor's count as rooms come and go.
func (dir *Dir) adjustFloorRef(idx, delta int) {
	if idx < 0 || idx >= MaxFloors {
		return
	}
	f, err := dir.GetFloor(idx)
	if err != nil {
		return
	}
	f.RefCount += delta
	if f.RefCount > 0 {
		f.Flags |= FloorInUse
	}
	_ = dir.PutFloor(idx, f)
}
