package ledger

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// DefaultMaxLotsPerRequest bounds a single createNewProcess call.
const DefaultMaxLotsPerRequest = 50

// Factory creates lots with sequential numbers and owns the lot collection.
// Lot numbers start at 1 and are never reused; lots are never deleted.
type Factory struct {
	mu            sync.Mutex
	lots          atomic.Pointer[[]*Lot]
	maxPerRequest int
}

func NewFactory(maxPerRequest int) *Factory {
	if maxPerRequest <= 0 {
		maxPerRequest = DefaultMaxLotsPerRequest
	}
	f := &Factory{maxPerRequest: maxPerRequest}
	f.lots.Store(&[]*Lot{})
	return f
}

// CreateNewProcess creates count lots of variant and returns their numbers.
func (f *Factory) CreateNewProcess(roles *RoleRegistry, caller Address, count int, variant Variant) ([]uint64, error) {
	if !roles.Has(caller, RoleAdmin) {
		return nil, fmt.Errorf("%w: creating lots requires admin", ErrUnauthorized)
	}
	if count < 1 || count > f.maxPerRequest {
		return nil, fmt.Errorf("%w: count must be between 1 and %d, got %d", ErrInvalidInput, f.maxPerRequest, count)
	}
	template, err := TemplateFor(variant)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	current := *f.lots.Load()
	next := make([]*Lot, len(current), len(current)+count)
	copy(next, current)
	numbers := make([]uint64, 0, count)
	for range count {
		number := uint64(len(next) + 1)
		next = append(next, newLot(number, template))
		numbers = append(numbers, number)
	}
	f.lots.Store(&next)
	return numbers, nil
}

// Lot returns the lot with the given number.
func (f *Factory) Lot(number uint64) (*Lot, error) {
	lots := *f.lots.Load()
	if number == 0 || number > uint64(len(lots)) {
		return nil, fmt.Errorf("%w: %d", ErrLotNotFound, number)
	}
	return lots[number-1], nil
}

// AllProcesses returns every lot in lot-number order.
func (f *Factory) AllProcesses() []*Lot {
	lots := *f.lots.Load()
	return append([]*Lot(nil), lots...)
}

// Len returns the number of lots created so far.
func (f *Factory) Len() int {
	return len(*f.lots.Load())
}

func (f *Factory) restore(lots []*Lot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lots.Store(&lots)
}
