package trigger

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/blockindexer/internal/core/domain"
)

// AddressFilter accepts triggers that carry a tracked address. Block triggers
// without an address pass through so every-block handlers keep firing.
type AddressFilter struct {
	addresses map[common.Address]struct{}
	mu        sync.RWMutex
}

var _ Filter = (*AddressFilter)(nil)

// NewAddressFilter creates a filter tracking addresses. Addresses are parsed as
// hex and compared case-insensitively.
func NewAddressFilter(addresses ...string) *AddressFilter {
	f := &AddressFilter{
		addresses: make(map[common.Address]struct{}, len(addresses)),
	}
	f.AddBatch(addresses)
	return f
}

// Matches implements Filter.
func (f *AddressFilter) Matches(t domain.Trigger) bool {
	if !t.HasAddress() {
		return true
	}
	return f.ContainsAddress(t.Address)
}

// Contains checks if a hex address is tracked.
func (f *AddressFilter) Contains(address string) bool {
	if !common.IsHexAddress(address) {
		return false
	}
	return f.ContainsAddress(common.HexToAddress(address))
}

// ContainsAddress checks if an address is tracked.
func (f *AddressFilter) ContainsAddress(address common.Address) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, exists := f.addresses[address]
	return exists
}

// Add adds an address to the filter.
func (f *AddressFilter) Add(address string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addresses[common.HexToAddress(address)] = struct{}{}
}

// AddBatch adds multiple addresses.
func (f *AddressFilter) AddBatch(addresses []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, addr := range addresses {
		f.addresses[common.HexToAddress(addr)] = struct{}{}
	}
}

// Remove removes an address from the filter.
func (f *AddressFilter) Remove(address string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.addresses, common.HexToAddress(address))
}

// Size returns the number of tracked addresses.
func (f *AddressFilter) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.addresses)
}

// Addresses returns the tracked addresses in checksum form.
func (f *AddressFilter) Addresses() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	result := make([]string, 0, len(f.addresses))
	for addr := range f.addresses {
		result = append(result, addr.Hex())
	}
	return result
}
