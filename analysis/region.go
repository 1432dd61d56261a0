package analysis

import (
	"tinygo.org/x/go-llvm"
)

// Loop describes one natural loop of the host function. The host's loop
// info is consumed through this descriptor only; polli never rebuilds
// loop structure itself.
type Loop struct {
	Name   string
	Header llvm.BasicBlock
	Parent *Loop
	blocks map[llvm.BasicBlock]bool
}

// NewLoop builds a loop descriptor from its header and member blocks.
// The header is always a member.
func NewLoop(name string, header llvm.BasicBlock, blocks ...llvm.BasicBlock) *Loop {
	l := &Loop{
		Name:   name,
		Header: header,
		blocks: map[llvm.BasicBlock]bool{header: true},
	}
	for _, bb := range blocks {
		l.blocks[bb] = true
	}
	return l
}

// AddBlock records a member block.
func (l *Loop) AddBlock(bb llvm.BasicBlock) { l.blocks[bb] = true }

// SetParent links l under an enclosing loop.
func (l *Loop) SetParent(p *Loop) { l.Parent = p }

// Contains reports whether bb belongs to the loop.
func (l *Loop) Contains(bb llvm.BasicBlock) bool { return l.blocks[bb] }

// ContainsLoop reports whether other is l or nested somewhere inside l.
func (l *Loop) ContainsLoop(other *Loop) bool {
	for o := other; o != nil; o = o.Parent {
		if o == l {
			return true
		}
	}
	return false
}

// Blocks returns the member blocks in no particular order.
func (l *Loop) Blocks() []llvm.BasicBlock {
	out := make([]llvm.BasicBlock, 0, len(l.blocks))
	for bb := range l.blocks {
		out = append(out, bb)
	}
	return out
}

// LoopInfo is the host's loop analysis for one function.
type LoopInfo struct {
	Loops []*Loop
}

// LoopFor returns the innermost loop containing bb, or nil.
func (li *LoopInfo) LoopFor(bb llvm.BasicBlock) *Loop {
	var best *Loop
	for _, l := range li.Loops {
		if !l.Contains(bb) {
			continue
		}
		if best == nil || best.ContainsLoop(l) {
			best = l
		}
	}
	return best
}

// OutermostLoopIn returns the outermost loop fully contained in r, or
// nil when the region carries no loop.
func (li *LoopInfo) OutermostLoopIn(r *Region) *Loop {
	var best *Loop
	for _, l := range li.Loops {
		if !r.ContainsLoop(l) {
			continue
		}
		if l.Parent != nil && r.ContainsLoop(l.Parent) {
			continue // not outermost within the region
		}
		if best == nil {
			best = l
		}
	}
	return best
}

// DomInfo is the narrow dominator-tree contract the extractor consumes.
type DomInfo interface {
	Dominates(a, b llvm.BasicBlock) bool
}

// Region is a single-entry single-exit sub-CFG identified by the host.
// Exit is the first block after the region; it is not a member.
type Region struct {
	Name   string
	Entry  llvm.BasicBlock
	Exit   llvm.BasicBlock
	Parent *Region
	Fn     llvm.Value

	blocks map[llvm.BasicBlock]bool
	order  []llvm.BasicBlock
}

// NewRegion builds a region descriptor; blocks must be given in the
// deterministic traversal order the host uses (function block order).
func NewRegion(name string, fn llvm.Value, entry, exit llvm.BasicBlock, blocks ...llvm.BasicBlock) *Region {
	r := &Region{
		Name:   name,
		Entry:  entry,
		Exit:   exit,
		Fn:     fn,
		blocks: make(map[llvm.BasicBlock]bool, len(blocks)+1),
	}
	r.addBlock(entry)
	for _, bb := range blocks {
		r.addBlock(bb)
	}
	return r
}

func (r *Region) addBlock(bb llvm.BasicBlock) {
	if r.blocks[bb] {
		return
	}
	r.blocks[bb] = true
	r.order = append(r.order, bb)
}

// SetParent links r under an enclosing region.
func (r *Region) SetParent(p *Region) { r.Parent = p }

// AddBlock appends a block to the region; CFG normalization uses it to
// keep split blocks inside the region they were carved out of.
func (r *Region) AddBlock(bb llvm.BasicBlock) { r.addBlock(bb) }

// Blocks returns the member blocks in traversal order.
func (r *Region) Blocks() []llvm.BasicBlock { return r.order }

// Contains reports whether bb is a member of the region.
func (r *Region) Contains(bb llvm.BasicBlock) bool { return r.blocks[bb] }

// ContainsLoop reports whether every block of l lies inside r.
func (r *Region) ContainsLoop(l *Loop) bool {
	for bb := range l.blocks {
		if !r.blocks[bb] {
			return false
		}
	}
	return true
}

// ContainsValue reports whether v is an instruction placed inside the
// region.
func (r *Region) ContainsValue(v llvm.Value) bool {
	if v.IsAInstruction().IsNil() {
		return false
	}
	return r.blocks[v.InstructionParent()]
}

// IsAncestorOf reports whether other is strictly nested inside r.
func (r *Region) IsAncestorOf(other *Region) bool {
	for p := other.Parent; p != nil; p = p.Parent {
		if p == r {
			return true
		}
	}
	return false
}

// SharesBlocks reports whether the two regions overlap.
func (r *Region) SharesBlocks(other *Region) bool {
	for bb := range r.blocks {
		if other.blocks[bb] {
			return true
		}
	}
	return false
}

// Size returns the number of member blocks.
func (r *Region) Size() int { return len(r.blocks) }
