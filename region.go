package modbus

import "sort"

// RegionKind selects the address space a Region serves (spec.md §3).
type RegionKind uint

const (
	RegionHoldingRegisters RegionKind = iota
	RegionInputRegisters
	RegionCoils
	RegionDiscreteInputs
)

// RegisterReadFunc and RegisterWriteFunc let a Region delegate register
// access to application code instead of an owned storage slice.
type RegisterReadFunc func(addr uint16, quantity uint16) ([]uint16, error)
type RegisterWriteFunc func(addr uint16, values []uint16) error

// BitReadFunc and BitWriteFunc are the coil/discrete-input equivalents.
type BitReadFunc func(addr uint16, quantity uint16) ([]bool, error)
type BitWriteFunc func(addr uint16, values []bool) error

// Region describes one contiguous, addressable range served by a Server.
// Exactly one of the owned storage slice or the callback pair should be
// set for a given kind; dispatch (C9) prefers the callback when present.
type Region struct {
	Start    uint16
	Length   uint16
	Kind     RegionKind
	ReadOnly bool

	// owned storage, used when the corresponding callback is nil.
	Registers []uint16
	Bits      []bool

	OnRegisterRead  RegisterReadFunc
	OnRegisterWrite RegisterWriteFunc
	OnBitRead       BitReadFunc
	OnBitWrite      BitWriteFunc
}

func (r *Region) end() uint32 {
	return uint32(r.Start) + uint32(r.Length)
}

func (r *Region) contains(addr uint16) bool {
	return uint32(addr) >= uint32(r.Start) && uint32(addr) < r.end()
}

// RegionTable is the sorted, overlap-free (per kind) collection of regions
// served by one Server (C10). It is built once at initialization and is
// read-only from the server state machine's perspective thereafter. Each
// kind's address space is independent, so regions of different kinds are
// allowed to share numeric addresses (e.g. holding register 0 and coil 0
// are different cells) — only same-kind overlap is rejected.
type RegionTable struct {
	byKind map[RegionKind][]*Region
}

// NewRegionTable builds a region table from the given regions, sorting each
// kind's regions by start address and rejecting same-kind overlaps.
func NewRegionTable(regions []*Region) (rt *RegionTable, err error) {
	byKind := make(map[RegionKind][]*Region)

	for _, r := range regions {
		byKind[r.Kind] = append(byKind[r.Kind], r)
	}

	for _, list := range byKind {
		sort.Slice(list, func(i, j int) bool {
			return list[i].Start < list[j].Start
		})

		for i := 1; i < len(list); i++ {
			if uint32(list[i].Start) < list[i-1].end() {
				return nil, ErrOverlappingRegion
			}
		}
	}

	rt = &RegionTable{byKind: byKind}

	return
}

// find performs a binary search within kind's sorted region list for the
// region containing addr, per spec.md §4.9.
func (rt *RegionTable) find(kind RegionKind, addr uint16) *Region {
	list := rt.byKind[kind]

	i := sort.Search(len(list), func(i int) bool {
		return list[i].end() > uint32(addr)
	})

	if i >= len(list) {
		return nil
	}

	if list[i].contains(addr) {
		return list[i]
	}

	return nil
}

// lookupSpan resolves [addr, addr+quantity) to a list of regions of the
// given kind, in order, that together cover the whole span without gaps.
// Per spec.md §4.9, a span must lie within a single region or span
// contiguous adjacent regions of the same kind; anything else is reported
// as ErrUnknownRegion (surfaced by the server as exception 0x02).
func (rt *RegionTable) lookupSpan(kind RegionKind, addr uint16, quantity uint16) (regions []*Region, err error) {
	if quantity == 0 {
		return nil, ErrInvalidArgument
	}

	want := uint32(addr)
	end := want + uint32(quantity)

	for want < end {
		r := rt.find(kind, uint16(want))
		if r == nil {
			return nil, ErrUnknownRegion
		}

		regions = append(regions, r)
		want = r.end()
	}

	return regions, nil
}
