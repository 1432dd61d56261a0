package analysis

import (
	"fmt"

	"tinygo.org/x/go-llvm"
)

// RejectReason is one entry of the host's rejection log: the reason a
// region was refused as a classic affine region.
type RejectReason interface {
	String() string
}

// NonAffineAccess reports a memory access whose subscript expression is
// not affine.
type NonAffineAccess struct {
	Access SCEV
	Base   llvm.Value // base address of the access, may be zero
}

func (r *NonAffineAccess) String() string {
	return "non-affine access: " + r.Access.String()
}

// NonAffineBranch reports a branch condition comparing two expressions
// of which at least one is not affine.
type NonAffineBranch struct {
	LHS SCEV
	RHS SCEV
}

func (r *NonAffineBranch) String() string {
	return "non-affine branch: " + r.LHS.String() + " <> " + r.RHS.String()
}

// LoopBound reports a loop whose trip count is not affine.
type LoopBound struct {
	Loop  *Loop
	Count SCEV
}

func (r *LoopBound) String() string {
	return "non-affine loop bound: " + r.Count.String() + " in " + r.Loop.Name
}

// Rejection pairs a region with the host's rejection log for it.
type Rejection struct {
	Region *Region
	Log    []RejectReason
}

// QualifyResult is the qualifier's per-region outcome. A region is
// Qualified when every rejection reason can be fixed by lifting
// parameters; Blocking then is nil. Params is the concatenation of the
// lifted parameters in log order, deduplicated by structural identity.
type QualifyResult struct {
	Region    *Region
	Qualified bool
	Params    []SCEV
	Blocking  RejectReason

	InvariantLoads *InvariantLoads
}

// Qualifier turns rejection logs into the set of specializable regions.
type Qualifier struct {
	SE *Builder
}

// NewQualifier returns a qualifier over the given SCEV arena.
func NewQualifier(se *Builder) *Qualifier {
	return &Qualifier{SE: se}
}

// Run walks every rejection log, classifies each reason, and resolves
// nesting and overlap among the surviving regions: an accepted region
// prunes accepted regions nested inside it, and of two accepted regions
// that share blocks the one with fewer blocks loses.
func (q *Qualifier) Run(rejections []Rejection) []QualifyResult {
	results := make([]QualifyResult, 0, len(rejections))
	for _, rej := range rejections {
		results = append(results, q.qualify(rej))
	}

	q.pruneChildren(results)
	q.resolveOverlap(results)
	return results
}

// qualify classifies one region's rejection log.
func (q *Qualifier) qualify(rej Rejection) QualifyResult {
	res := QualifyResult{
		Region:         rej.Region,
		InvariantLoads: NewInvariantLoads(),
	}

	// An empty log means the host had nothing to complain about; such
	// regions belong to the static optimizer, not the JIT.
	if len(rej.Log) == 0 {
		return res
	}

	seen := make(map[string]bool)
	addParams := func(params []SCEV) {
		for _, p := range params {
			key := p.String()
			if seen[key] {
				continue
			}
			seen[key] = true
			res.Params = append(res.Params, p)
		}
	}

	for _, reason := range rej.Log {
		if !q.fixable(rej.Region, reason, res.InvariantLoads) {
			debugf("region %s is blocked by: %s", rej.Region.Name, reason)
			return QualifyResult{Region: rej.Region, Blocking: reason}
		}
		addParams(q.params(rej.Region, reason))
	}

	res.Qualified = true
	return res
}

func (q *Qualifier) fixable(r *Region, reason RejectReason, loads *InvariantLoads) bool {
	switch rr := reason.(type) {
	case *NonAffineAccess:
		return IsFixableExpr(r, nil, rr.Access, q.SE, rr.Base, loads)
	case *NonAffineBranch:
		return IsFixableExpr(r, nil, rr.LHS, q.SE, llvm.Value{}, loads) &&
			IsFixableExpr(r, nil, rr.RHS, q.SE, llvm.Value{}, loads)
	case *LoopBound:
		return IsFixableExpr(r, rr.Loop, rr.Count, q.SE, llvm.Value{}, loads)
	default:
		panic(fmt.Sprintf("unhandled rejection reason %T", reason))
	}
}

func (q *Qualifier) params(r *Region, reason RejectReason) []SCEV {
	switch rr := reason.(type) {
	case *NonAffineAccess:
		return ParamsInExpr(r, nil, rr.Access, q.SE, rr.Base)
	case *NonAffineBranch:
		params := ParamsInExpr(r, nil, rr.LHS, q.SE, llvm.Value{})
		return append(params, ParamsInExpr(r, nil, rr.RHS, q.SE, llvm.Value{})...)
	case *LoopBound:
		return ParamsInExpr(r, rr.Loop, rr.Count, q.SE, llvm.Value{})
	default:
		panic(fmt.Sprintf("unhandled rejection reason %T", reason))
	}
}

// pruneChildren drops qualified regions that are nested inside another
// qualified region; the enclosing region subsumes them.
func (q *Qualifier) pruneChildren(results []QualifyResult) {
	for i := range results {
		if !results[i].Qualified {
			continue
		}
		for j := range results {
			if i == j || !results[j].Qualified {
				continue
			}
			if results[i].Region.IsAncestorOf(results[j].Region) {
				debugf("region %s pruned: nested inside %s",
					results[j].Region.Name, results[i].Region.Name)
				results[j].Qualified = false
			}
		}
	}
}

// resolveOverlap rejects the smaller of two qualified regions that
// share blocks without being nested.
func (q *Qualifier) resolveOverlap(results []QualifyResult) {
	for i := range results {
		for j := i + 1; j < len(results); j++ {
			l, r := &results[i], &results[j]
			if !l.Qualified || !r.Qualified {
				continue
			}
			if !l.Region.SharesBlocks(r.Region) {
				continue
			}
			if l.Region.Size() < r.Region.Size() {
				debugf("region %s rejected: overlaps larger %s", l.Region.Name, r.Region.Name)
				l.Qualified = false
			} else {
				debugf("region %s rejected: overlaps %s", r.Region.Name, l.Region.Name)
				r.Qualified = false
			}
		}
	}
}
