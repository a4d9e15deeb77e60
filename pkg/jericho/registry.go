package jericho

import (
	"github.com/puzpuzpuz/xsync/v3"

	jerrors "github.com/pzverkov/jericho/internal/errors"
)

// Registry maps stream UIDs to the Blocks being assembled or streamed. It
// is shared by the runtimes it is injected into.
type Registry struct {
	blocks *xsync.MapOf[uint64, *Block]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{blocks: xsync.NewMapOf[uint64, *Block]()}
}

func (r *Registry) newBlock(uid uint64, n int) *Block {
	b := NewBlock(uid, n)
	b.onDrained = func() { r.removeIf(uid, b) }
	return b
}

// CreateOrGet returns the Block for uid, creating it for n members when
// absent.
func (r *Registry) CreateOrGet(uid uint64, n int) (*Block, error) {
	b, _ := r.blocks.LoadOrCompute(uid, func() *Block {
		return r.newBlock(uid, n)
	})
	if b.MemberCount() != n {
		return nil, jerrors.ErrMemberCountMismatch
	}
	return b, nil
}

// Register adds link as member index of stream uid, creating the Block
// when needed. A Block created here is removed again if the Add fails. A
// complete or closed Block rejects the link with ErrStreamComplete.
func (r *Registry) Register(uid uint64, n, blockSize, index int, link *MemberLink) (*Block, error) {
	created := false
	b, _ := r.blocks.LoadOrCompute(uid, func() *Block {
		created = true
		return r.newBlock(uid, n)
	})
	if b.MemberCount() != n {
		if b.Complete() || b.Closed() {
			return nil, jerrors.ErrStreamComplete
		}
		return nil, jerrors.ErrMemberCountMismatch
	}

	if err := b.Add(link, blockSize, index); err != nil {
		if created && b.Members() == 0 {
			r.removeIf(uid, b)
		}
		return nil, err
	}
	return b, nil
}

// Lookup returns the Block registered for uid.
func (r *Registry) Lookup(uid uint64) (*Block, bool) {
	return r.blocks.Load(uid)
}

// Remove forgets uid.
func (r *Registry) Remove(uid uint64) {
	r.blocks.Delete(uid)
}

// removeIf deletes uid only while it still maps to b.
func (r *Registry) removeIf(uid uint64, b *Block) {
	r.blocks.Compute(uid, func(old *Block, loaded bool) (*Block, bool) {
		if loaded && old != b {
			return old, false
		}
		return nil, true
	})
}

// Len returns the number of registered Blocks.
func (r *Registry) Len() int {
	return r.blocks.Size()
}

// Range calls fn for every Block until fn returns false.
func (r *Registry) Range(fn func(uid uint64, b *Block) bool) {
	r.blocks.Range(fn)
}
