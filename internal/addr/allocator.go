package addr

import (
	"errors"
	"slices"
	"sync"
)

var (
	// ErrSubnetOverflow is returned by CreateIP when every suffix in
	// 0..MaxSuffix is taken.
	ErrSubnetOverflow = errors.New("subnet has no free suffix")

	// ErrSubnetMissing is returned when an operation names a subnet
	// that was never materialised.
	ErrSubnetMissing = errors.New("subnet does not exist")

	// ErrSuffixMissing is returned by CreatePort when the client's
	// suffix has been released, typically by a concurrent disconnect.
	ErrSuffixMissing = errors.New("suffix does not exist")

	// ErrPortAllocated is returned by ClaimPort when the port is
	// already present under its (subnet, suffix).
	ErrPortAllocated = errors.New("port already allocated")
)

// Allocator hands out client addresses and endpoint ports. Suffixes and
// ports are gap-filling: an allocation always returns the smallest value
// not currently in use, so released identifiers are reused.
//
// All operations hold a single mutex for their entire body and perform
// no I/O, so no two allocator operations interleave.
type Allocator struct {
	mu sync.Mutex

	// subnet -> suffix -> sorted ports under that suffix
	subnets map[string]map[int][]int
}

func NewAllocator() *Allocator {
	return &Allocator{subnets: make(map[string]map[int][]int)}
}

// CreateIP allocates the smallest free suffix in subnet, materialising
// the subnet bucket on first use. Returns ErrSubnetOverflow when the
// subnet is full.
func (a *Allocator) CreateIP(subnet string) (IP, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	bucket, ok := a.subnets[subnet]
	if !ok {
		bucket = make(map[int][]int)
		a.subnets[subnet] = bucket
	}

	used := make([]int, 0, len(bucket))
	for suffix := range bucket {
		used = append(used, suffix)
	}
	suffix := firstGap(used)
	if suffix > MaxSuffix {
		return IP{}, ErrSubnetOverflow
	}
	bucket[suffix] = nil
	return IP{Subnet: subnet, Suffix: suffix}, nil
}

// CreatePort allocates the smallest free port under ip. Ports are not
// capped the way suffixes are; a client that allocates without bound
// grows its port list indefinitely.
func (a *Allocator) CreatePort(ip IP) (Alias, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	bucket, ok := a.subnets[ip.Subnet]
	if !ok {
		return Alias{}, ErrSubnetMissing
	}
	ports, ok := bucket[ip.Suffix]
	if !ok {
		return Alias{}, ErrSuffixMissing
	}
	port := firstGap(slices.Clone(ports))
	bucket[ip.Suffix] = insertSorted(ports, port)
	return Alias{IP: ip, Port: port}, nil
}

// ClaimPort inserts the alias's port explicitly. The suffix bucket is
// created on demand, but the subnet must already exist. Returns
// ErrPortAllocated if the port is already present.
func (a *Allocator) ClaimPort(alias Alias) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	bucket, ok := a.subnets[alias.IP.Subnet]
	if !ok {
		return ErrSubnetMissing
	}
	ports := bucket[alias.IP.Suffix]
	if _, found := slices.BinarySearch(ports, alias.Port); found {
		return ErrPortAllocated
	}
	bucket[alias.IP.Suffix] = insertSorted(ports, alias.Port)
	return nil
}

// ReleaseIP deletes the suffix entry, with every port under it. No-op
// if the subnet or suffix is absent.
func (a *Allocator) ReleaseIP(ip IP) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if bucket, ok := a.subnets[ip.Subnet]; ok {
		delete(bucket, ip.Suffix)
	}
}

// ReleasePort removes the alias's port from its suffix entry. No-op if
// any level is absent.
func (a *Allocator) ReleasePort(alias Alias) {
	a.mu.Lock()
	defer a.mu.Unlock()

	bucket, ok := a.subnets[alias.IP.Subnet]
	if !ok {
		return
	}
	ports, ok := bucket[alias.IP.Suffix]
	if !ok {
		return
	}
	if i, found := slices.BinarySearch(ports, alias.Port); found {
		bucket[alias.IP.Suffix] = slices.Delete(ports, i, i+1)
	}
}

// Ports reports the allocated ports under ip, sorted ascending. The
// second result is false if the suffix entry does not exist.
func (a *Allocator) Ports(ip IP) ([]int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	bucket, ok := a.subnets[ip.Subnet]
	if !ok {
		return nil, false
	}
	ports, ok := bucket[ip.Suffix]
	if !ok {
		return nil, false
	}
	return slices.Clone(ports), true
}

// firstGap returns the smallest non-negative integer not in used.
// used may be modified (it is sorted in place).
func firstGap(used []int) int {
	slices.Sort(used)
	for i, v := range used {
		if v != i {
			return i
		}
	}
	return len(used)
}

func insertSorted(s []int, v int) []int {
	i, _ := slices.BinarySearch(s, v)
	return slices.Insert(s, i, v)
}
