package extract

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"strconv"

	"tinygo.org/x/go-llvm"

	"github.com/CIB/polli/analysis"
	"github.com/CIB/polli/config"
	"github.com/CIB/polli/dump"
	"github.com/CIB/polli/pjit"
	"github.com/CIB/polli/trace"
)

// Function attributes stamped onto isolated functions and serialized
// prototypes. The count attributes make a prototype self-describing for
// a runtime that first meets it as an IR string.
const (
	attrJitCandidate = "polyjit-jit-candidate"
	attrGlobalCount  = "polyjit-global-count"
	attrBoundCount   = "polyjit-lb-count"
)

// Prototype is one extracted region: the serialized, self-contained
// function together with everything the trampoline needs at the call
// site.
type Prototype struct {
	ID   uint64
	Name string
	IR   string

	GlobalCount     uint32
	LowerBoundCount uint32

	// Fallback is the isolated function left in the source module; the
	// trampoline falls through to its re-polling clone.
	Fallback llvm.Value
	// Inputs are the call-site values for the original arguments.
	Inputs []llvm.Value
	// LowerBoundInits are the call-site values of the lifted lower
	// bounds, in trampoline order.
	LowerBoundInits []llvm.Value
	// Globals are the lifted source-module globals in discovery order.
	Globals []llvm.Value

	SourceModule string
	Module       llvm.Module // the prototype module

	paramTypes []llvm.Type
}

// RuntimeInfo converts the prototype into its runtime registration.
func (p *Prototype) RuntimeInfo() *pjit.Prototype {
	slots := make([]pjit.Slot, len(p.paramTypes))
	for i, ty := range p.paramTypes {
		if ty.TypeKind() == llvm.IntegerTypeKind {
			slots[i] = pjit.Slot{Kind: pjit.SlotScalar, Bits: uint32(ty.IntTypeWidth())}
		} else {
			slots[i] = pjit.Slot{Kind: pjit.SlotPointer}
		}
	}
	return &pjit.Prototype{
		ID:          p.ID,
		Name:        p.Name,
		IR:          p.IR,
		LowerBounds: p.LowerBoundCount,
		Globals:     p.GlobalCount,
		Slots:       slots,
	}
}

// Extractor clones qualifying regions out of a host module.
type Extractor struct {
	Ctx llvm.Context
	M   llvm.Module
	// ModuleID is the host module's identity; it keys prototype ids and
	// global rebinding.
	ModuleID string
	LI       *analysis.LoopInfo
	Dom      analysis.DomInfo

	cfg     *config.Config
	dumps   *dump.Session
	log     *log.Logger
	counter int
}

// NewExtractor prepares extraction over one host module.
func NewExtractor(ctx llvm.Context, m llvm.Module, moduleID string, li *analysis.LoopInfo, dom analysis.DomInfo, cfg *config.Config) *Extractor {
	if cfg == nil {
		cfg = config.Default()
	}
	e := &Extractor{
		Ctx:      ctx,
		M:        m,
		ModuleID: moduleID,
		LI:       li,
		Dom:      dom,
		cfg:      cfg,
		log:      log.New(os.Stderr, "polli/extract: ", log.LstdFlags),
	}
	if cfg.IRDump || cfg.CollectRegression {
		session, err := dump.NewSession(cfg.DumpDir)
		if err != nil {
			e.log.Printf("disabling dumps: %v", err)
		} else {
			e.dumps = session
		}
	}
	return e
}

// Extract isolates one qualified region, builds its prototype and
// installs the trampoline. Every error is a local skip: the region is
// simply not jitted. Errors raised before isolation leave the host
// function untouched; errors after it leave the region replaced by a
// plain call to the isolated function.
func (e *Extractor) Extract(res analysis.QualifyResult) (*Prototype, error) {
	if !res.Qualified {
		return nil, fmt.Errorf("region %s did not qualify", res.Region.Name)
	}
	fn := res.Region.Fn
	if isJitCandidate(fn) {
		return nil, fmt.Errorf("function %s is already a jit candidate", fn.Name())
	}
	if outer := e.LI.OutermostLoopIn(res.Region); outer == nil {
		return nil, fmt.Errorf("region %s has no outermost loop header", res.Region.Name)
	}
	if !e.Dom.Dominates(res.Region.Entry, res.Region.Exit) {
		return nil, fmt.Errorf("region %s entry does not dominate its exit", res.Region.Name)
	}

	iso, err := e.isolate(res.Region)
	if err != nil {
		return nil, fmt.Errorf("isolate %s: %w", res.Region.Name, err)
	}

	// Mark the captured inputs that feed lifted parameters; the backend
	// can key specialization decisions off this.
	tracked := make(map[llvm.Value]bool)
	for _, v := range analysis.ParamValues(res.Params) {
		tracked[v] = true
	}
	specialize := e.Ctx.CreateStringAttribute("polli.specialize", "")
	for i, in := range iso.inputs {
		if tracked[in] {
			iso.fn.AddAttributeAtIndex(i+1, specialize)
		}
	}

	proto, err := e.buildPrototype(res.Region, iso)
	if err != nil {
		// The isolated function stays behind as a plain call; the host
		// program remains correct without a trampoline.
		return nil, fmt.Errorf("prototype for %s: %w", res.Region.Name, err)
	}

	if err := e.instrument(proto, iso); err != nil {
		return nil, fmt.Errorf("instrument %s: %w", res.Region.Name, err)
	}

	if e.dumps != nil {
		if e.cfg.IRDump {
			if err := e.dumps.Module(proto.Name, proto.IR); err != nil {
				e.log.Printf("dump failed: %v", err)
			}
		}
		if e.cfg.CollectRegression {
			if err := e.dumps.Corpus(proto.Name, proto.IR); err != nil {
				e.log.Printf("corpus record failed: %v", err)
			}
		}
	}
	return proto, nil
}

// isolation carries the intermediate state between isolate and the
// later build steps.
type isolation struct {
	fn       llvm.Value               // the isolated function
	call     llvm.Value               // the call replacing the region
	inputs   []llvm.Value             // call-site values, argument order
	blockMap map[llvm.BasicBlock]llvm.BasicBlock
	loopSet  map[llvm.BasicBlock]bool // outermost loop blocks, in isolated terms
	header   llvm.BasicBlock          // outermost loop header, in isolated terms
}

// isolate materializes the region as a self-contained function with the
// captured inputs as arguments, and replaces the region in the source
// function with a single call.
func (e *Extractor) isolate(r *analysis.Region) (*isolation, error) {
	fn := r.Fn

	e.prepareRegion(r)
	blocks := r.Blocks()

	if err := checkPhis(r); err != nil {
		return nil, err
	}

	inputs, err := collectInputs(r)
	if err != nil {
		return nil, err
	}
	if err := checkEscapes(r); err != nil {
		return nil, err
	}

	// The isolated function returns nothing; the region communicates
	// through memory.
	paramTypes := make([]llvm.Type, len(inputs))
	for i, in := range inputs {
		paramTypes[i] = in.Type()
	}
	fnType := llvm.FunctionType(e.Ctx.VoidType(), paramTypes, false)
	name := fmt.Sprintf("%s_%d.pjit.scop", fn.Name(), e.counter)
	e.counter++

	iso := llvm.AddFunction(e.M, name, fnType)
	iso.SetLinkage(llvm.WeakODRLinkage)
	iso.AddFunctionAttr(e.Ctx.CreateStringAttribute(attrJitCandidate, ""))

	cl := newCloner(e.Ctx)
	defer cl.dispose()

	for i, in := range inputs {
		param := iso.Param(i)
		param.SetName(in.Name())
		cl.mapValue(in, param)
	}

	entryBB := e.Ctx.AddBasicBlock(iso, "polyjit.entry")
	exitBB := e.Ctx.AddBasicBlock(iso, "polyjit.exit")
	cl.mapBlock(r.Exit, exitBB)

	// Values reaching the region entry's phis from outside now arrive
	// through the synthetic entry block.
	for _, pred := range outsidePreds(r) {
		cl.phiBlockOverride[pred] = entryBB
	}

	if err := cl.cloneBlocks(blocks, iso); err != nil {
		iso.EraseFromParent()
		return nil, err
	}

	cl.b.SetInsertPointAtEnd(entryBB)
	cl.b.CreateBr(cl.blocks[r.Entry])
	cl.b.SetInsertPointAtEnd(exitBB)
	cl.b.CreateRetVoid()

	// Replace the region in the source function: a single block calling
	// the isolated function, then branching to the old exit.
	callBB := e.Ctx.AddBasicBlock(fn, "polyjit.call")
	b := e.Ctx.NewBuilder()
	defer b.Dispose()
	b.SetInsertPointAtEnd(callBB)
	call := b.CreateCall(fnType, iso, inputs, "")
	b.CreateBr(r.Exit)

	retargetBranches(fn, r, callBB)
	retargetPhiIncomings(e.Ctx, r.Exit, r.Contains, callBB)
	eraseRegionBlocks(blocks)

	// Locate the outermost loop in isolated-function terms.
	outer := e.LI.OutermostLoopIn(r)
	loopSet := make(map[llvm.BasicBlock]bool)
	for _, bb := range outer.Blocks() {
		if mapped, ok := cl.blocks[bb]; ok {
			loopSet[mapped] = true
		}
	}

	return &isolation{
		fn:       iso,
		call:     call,
		inputs:   inputs,
		blockMap: cl.blocks,
		loopSet:  loopSet,
		header:   cl.blocks[outer.Header],
	}, nil
}

// buildPrototype clones the isolated function into a fresh module,
// lifting lower bounds and globals into the signature, and serializes
// the result.
func (e *Extractor) buildPrototype(r *analysis.Region, iso *isolation) (*Prototype, error) {
	protoM := e.Ctx.NewModule(e.ModuleID + "." + iso.fn.Name() + ".prototype")
	protoM.SetDataLayout(e.M.DataLayout())
	protoM.SetTarget(e.M.Target())

	// Lower bounds: one parameter per phi of the outermost loop header
	// whose value arrives from outside the loop.
	bounds, err := liftableBounds(iso)
	if err != nil {
		return nil, err
	}

	globals := collectGlobals(iso.fn)

	origTypes := make([]llvm.Type, 0, iso.fn.ParamsCount())
	for _, p := range iso.fn.Params() {
		origTypes = append(origTypes, p.Type())
	}
	paramTypes := append([]llvm.Type{}, origTypes...)
	for _, lb := range bounds {
		paramTypes = append(paramTypes, lb.phi.Type())
	}
	ptrTy := llvm.PointerType(e.Ctx.Int8Type(), 0)
	for range globals {
		paramTypes = append(paramTypes, ptrTy)
	}

	fnType := llvm.FunctionType(e.Ctx.VoidType(), paramTypes, false)
	protoF := llvm.AddFunction(protoM, iso.fn.Name(), fnType)
	protoF.SetLinkage(llvm.ExternalLinkage)
	protoF.AddFunctionAttr(e.Ctx.CreateStringAttribute(attrJitCandidate, ""))
	protoF.AddFunctionAttr(e.Ctx.CreateStringAttribute(attrBoundCount, strconv.Itoa(len(bounds))))
	protoF.AddFunctionAttr(e.Ctx.CreateStringAttribute(attrGlobalCount, strconv.Itoa(len(globals))))

	cl := newCloner(e.Ctx)
	defer cl.dispose()

	for i, p := range iso.fn.Params() {
		np := protoF.Param(i)
		np.SetName(p.Name())
		cl.mapValue(p, np)
	}
	nonnull := e.Ctx.CreateEnumAttribute(llvm.AttributeKindID("nonnull"), 0)
	for i, lb := range bounds {
		np := protoF.Param(len(origTypes) + i)
		np.SetName(fmt.Sprintf("polyjit.lb.%d_%s", i, lb.phi.Name()))
		cl.overridePhiValue(lb.phi, lb.pred, np)
	}
	for i, gv := range globals {
		idx := len(origTypes) + len(bounds) + i
		np := protoF.Param(idx)
		np.SetName(gv.Name())
		protoF.AddAttributeAtIndex(idx+1, nonnull)
		cl.mapValue(gv, np)
	}

	var isoBlocks []llvm.BasicBlock
	for bb := iso.fn.FirstBasicBlock(); !bb.IsNil(); bb = llvm.NextBasicBlock(bb) {
		isoBlocks = append(isoBlocks, bb)
	}
	if err := cl.cloneBlocks(isoBlocks, protoF); err != nil {
		return nil, err
	}

	if err := llvm.VerifyModule(protoM, llvm.ReturnStatusAction); err != nil {
		return nil, fmt.Errorf("prototype failed verification: %w", err)
	}

	ir := protoM.String()
	lbInits := make([]llvm.Value, len(bounds))
	for i, lb := range bounds {
		lbInits[i] = lb.init
	}

	proto := &Prototype{
		ID:              PrototypeID(e.ModuleID, r.Fn.Name(), r.Name, ir),
		Name:            iso.fn.Name(),
		IR:              ir,
		GlobalCount:     uint32(len(globals)),
		LowerBoundCount: uint32(len(bounds)),
		Fallback:        iso.fn,
		Inputs:          iso.inputs,
		LowerBoundInits: lbInits,
		Globals:         globals,
		SourceModule:    e.ModuleID,
		Module:          protoM,
		paramTypes:      paramTypes,
	}
	return proto, nil
}

// bound is one liftable lower bound: a header phi, its out-of-loop
// predecessor and the call-site value that feeds it.
type bound struct {
	phi  llvm.Value
	pred llvm.BasicBlock
	init llvm.Value // in call-site terms
}

// liftableBounds walks the phis of the outermost loop header. A phi is
// liftable when exactly one incoming edge arrives from outside the loop
// and its value is expressible at the call site (a constant or an
// isolated-function argument).
func liftableBounds(iso *isolation) ([]bound, error) {
	paramIndex := make(map[llvm.Value]int)
	for i, p := range iso.fn.Params() {
		paramIndex[p] = i
	}

	var bounds []bound
	for inst := iso.header.FirstInstruction(); !inst.IsNil(); inst = llvm.NextInstruction(inst) {
		if inst.InstructionOpcode() != llvm.PHI {
			break
		}

		outside := -1
		multiple := false
		for i := 0; i < inst.IncomingCount(); i++ {
			if !iso.loopSet[inst.IncomingBlock(i)] {
				if outside >= 0 {
					multiple = true
				}
				outside = i
			}
		}
		if outside < 0 || multiple {
			continue
		}

		incoming := inst.IncomingValue(outside)
		var init llvm.Value
		switch {
		case !incoming.IsAConstant().IsNil():
			init = incoming
		default:
			idx, ok := paramIndex[incoming]
			if !ok {
				continue // computed between entry and header; not liftable
			}
			init = iso.inputs[idx]
		}
		bounds = append(bounds, bound{phi: inst, pred: inst.IncomingBlock(outside), init: init})
	}
	return bounds, nil
}

// collectGlobals returns the global variables referenced by the
// function body, including those hidden inside constant expressions, in
// discovery order.
func collectGlobals(fn llvm.Value) []llvm.Value {
	var out []llvm.Value
	seen := make(map[llvm.Value]bool)

	var visit func(v llvm.Value)
	visit = func(v llvm.Value) {
		if !v.IsAGlobalVariable().IsNil() {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
			return
		}
		if !v.IsAConstantExpr().IsNil() {
			for i := 0; i < v.OperandsCount(); i++ {
				visit(v.Operand(i))
			}
		}
	}

	for bb := fn.FirstBasicBlock(); !bb.IsNil(); bb = llvm.NextBasicBlock(bb) {
		for inst := bb.FirstInstruction(); !inst.IsNil(); inst = llvm.NextInstruction(inst) {
			for i := 0; i < inst.OperandsCount(); i++ {
				visit(inst.Operand(i))
			}
		}
	}
	return out
}

// collectInputs gathers the values defined outside the region but used
// inside, in deterministic traversal order.
func collectInputs(r *analysis.Region) ([]llvm.Value, error) {
	var inputs []llvm.Value
	seen := make(map[llvm.Value]bool)

	consider := func(v llvm.Value) {
		if seen[v] {
			return
		}
		isArg := !v.IsAArgument().IsNil()
		isInst := !v.IsAInstruction().IsNil()
		if !isArg && !isInst {
			return // constants, globals, blocks
		}
		if isInst && r.Contains(v.InstructionParent()) {
			return
		}
		seen[v] = true
		inputs = append(inputs, v)
	}

	for _, bb := range r.Blocks() {
		for inst := bb.FirstInstruction(); !inst.IsNil(); inst = llvm.NextInstruction(inst) {
			if inst.InstructionOpcode() == llvm.PHI {
				for i := 0; i < inst.IncomingCount(); i++ {
					consider(inst.IncomingValue(i))
				}
				continue
			}
			for i := 0; i < inst.OperandsCount(); i++ {
				consider(inst.Operand(i))
			}
		}
	}
	return inputs, nil
}

// checkEscapes refuses regions whose SSA values are used outside; such
// regions need result plumbing the extractor does not provide.
func checkEscapes(r *analysis.Region) error {
	for _, bb := range r.Blocks() {
		for inst := bb.FirstInstruction(); !inst.IsNil(); inst = llvm.NextInstruction(inst) {
			for use := inst.FirstUse(); !use.IsNil(); use = use.NextUse() {
				user := use.User()
				if user.IsAInstruction().IsNil() {
					continue
				}
				if !r.Contains(user.InstructionParent()) {
					return fmt.Errorf("value %q escapes the region", inst.Name())
				}
			}
		}
	}
	return nil
}

// checkPhis refuses the phi shapes that survive normalization and
// still cannot be rebuilt: duplicate predecessors inside the region,
// exit phis keeping more than one region edge, and entry phis with
// more than one external predecessor.
func checkPhis(r *analysis.Region) error {
	for _, bb := range r.Blocks() {
		for inst := bb.FirstInstruction(); !inst.IsNil(); inst = llvm.NextInstruction(inst) {
			if inst.InstructionOpcode() != llvm.PHI {
				break
			}
			seen := make(map[llvm.BasicBlock]bool)
			for i := 0; i < inst.IncomingCount(); i++ {
				pred := inst.IncomingBlock(i)
				if seen[pred] {
					return fmt.Errorf("phi %q has duplicate predecessors", inst.Name())
				}
				seen[pred] = true
			}
		}
	}

	// After exit-predecessor splitting, every exit phi funnels its
	// region-side values through at most one edge; that edge is later
	// retargeted at the replacement call block.
	for _, phi := range blockPhis(r.Exit) {
		regionEdges := 0
		for i := 0; i < phi.IncomingCount(); i++ {
			if r.Contains(phi.IncomingBlock(i)) {
				regionEdges++
			}
		}
		if regionEdges > 1 {
			return fmt.Errorf("exit block phi %q keeps several region edges", phi.Name())
		}
	}

	if len(outsidePreds(r)) > 1 {
		for inst := r.Entry.FirstInstruction(); !inst.IsNil(); inst = llvm.NextInstruction(inst) {
			if inst.InstructionOpcode() == llvm.PHI {
				return fmt.Errorf("entry block phis with multiple external predecessors")
			}
			break
		}
	}
	return nil
}

// outsidePreds lists the blocks outside the region that branch to its
// entry.
func outsidePreds(r *analysis.Region) []llvm.BasicBlock {
	var preds []llvm.BasicBlock
	for bb := r.Fn.FirstBasicBlock(); !bb.IsNil(); bb = llvm.NextBasicBlock(bb) {
		if r.Contains(bb) {
			continue
		}
		term := bb.LastInstruction()
		if term.IsNil() {
			continue
		}
		for i := 0; i < term.OperandsCount(); i++ {
			op := term.Operand(i)
			if op.IsBasicBlock() && op.AsBasicBlock() == r.Entry {
				preds = append(preds, bb)
				break
			}
		}
	}
	return preds
}

// eraseRegionBlocks deletes the replaced blocks. The blocks reference
// each other through branches and phis, so all cross-references are cut
// before anything is erased.
func eraseRegionBlocks(blocks []llvm.BasicBlock) {
	for _, bb := range blocks {
		for inst := bb.FirstInstruction(); !inst.IsNil(); inst = llvm.NextInstruction(inst) {
			if inst.Type().TypeKind() != llvm.VoidTypeKind {
				inst.ReplaceAllUsesWith(llvm.Undef(inst.Type()))
			}
		}
	}
	for _, bb := range blocks {
		for {
			inst := bb.FirstInstruction()
			if inst.IsNil() {
				break
			}
			inst.EraseFromParentAsInstruction()
		}
	}
	for _, bb := range blocks {
		bb.EraseFromParent()
	}
}

// retargetBranches points every branch into the region's entry from
// outside at the replacement block.
func retargetBranches(fn llvm.Value, r *analysis.Region, callBB llvm.BasicBlock) {
	for bb := fn.FirstBasicBlock(); !bb.IsNil(); bb = llvm.NextBasicBlock(bb) {
		if r.Contains(bb) || bb == callBB {
			continue
		}
		term := bb.LastInstruction()
		if term.IsNil() {
			continue
		}
		for i := 0; i < term.OperandsCount(); i++ {
			op := term.Operand(i)
			if op.IsBasicBlock() && op.AsBasicBlock() == r.Entry {
				term.SetOperand(i, callBB.AsValue())
			}
		}
	}
}

func isJitCandidate(fn llvm.Value) bool {
	return !fn.GetStringAttributeAtIndex(llvm.AttributeFunctionIndex, attrJitCandidate).IsNil()
}

// PrototypeID derives the stable 64-bit prototype id from the source
// module identity, the original function name, the region identifier
// and the canonical serialized IR. Ids below the reserved telemetry
// range are shifted past it.
func PrototypeID(module, function, region, ir string) uint64 {
	h := sha256.New()
	h.Write([]byte(module))
	h.Write([]byte{0})
	h.Write([]byte(function))
	h.Write([]byte{0})
	h.Write([]byte(region))
	h.Write([]byte{0})
	h.Write([]byte(ir))
	sum := h.Sum(nil)

	id := binary.BigEndian.Uint64(sum[:8])
	if id < trace.FirstUserRegion {
		id += trace.FirstUserRegion
	}
	return id
}
