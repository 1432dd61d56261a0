package extract

import (
	"fmt"

	"tinygo.org/x/go-llvm"
)

// Runtime symbol names the generated code calls into.
const (
	symDispatch            = "pjit_dispatch"
	symDispatchNoRecompile = "pjit_dispatch_no_recompile"
	symTraceEnter          = "pjit_trace_enter"
	symTraceExit           = "pjit_trace_exit"
)

// instrument replaces the isolated call site with a trampoline and
// clones the re-polling fallback body. After this the source function
// calls the trampoline, which either jumps into published optimized
// code or falls through to the fallback clone.
func (e *Extractor) instrument(p *Prototype, iso *isolation) error {
	fallback, err := e.cloneFallback(p, iso)
	if err != nil {
		return err
	}

	tramp, err := e.emitTrampoline(p, iso, fallback)
	if err != nil {
		return err
	}

	// Retarget the call site; the callee is the call's last operand.
	iso.call.SetOperand(len(iso.inputs), tramp)
	return nil
}

// slotGlobal returns the per-call-site checkpoint location the runtime
// publishes resolved addresses into.
func (e *Extractor) slotGlobal(p *Prototype) llvm.Value {
	name := p.Name + ".fnptr"
	if g := e.M.NamedGlobal(name); !g.IsNil() {
		return g
	}
	ptrTy := llvm.PointerType(e.Ctx.Int8Type(), 0)
	g := llvm.AddGlobal(e.M, ptrTy, name)
	g.SetInitializer(llvm.ConstPointerNull(ptrTy))
	g.SetLinkage(llvm.InternalLinkage)
	return g
}

// prototypeGlobal interns the serialized prototype as a private string
// constant, the way format strings are interned.
func (e *Extractor) prototypeGlobal(p *Prototype) llvm.Value {
	name := p.Name + ".prototype"
	if g := e.M.NamedGlobal(name); !g.IsNil() {
		return g
	}
	str := llvm.ConstString(p.IR, true)
	arrType := llvm.ArrayType(e.Ctx.Int8Type(), len(p.IR)+1)
	g := llvm.AddGlobal(e.M, arrType, name)
	g.SetInitializer(str)
	g.SetGlobalConstant(true)
	g.SetLinkage(llvm.PrivateLinkage)
	return g
}

func (e *Extractor) runtimeDecl(name string, ty llvm.Type) llvm.Value {
	if fn := e.M.NamedFunction(name); !fn.IsNil() {
		return fn
	}
	fn := llvm.AddFunction(e.M, name, ty)
	fn.SetLinkage(llvm.ExternalLinkage)
	return fn
}

// emitTrampoline generates the call-site shim: build the argument
// vector, ask the runtime for a specialized pointer, then either call
// through it or take the fallback, bracketed by trace events.
func (e *Extractor) emitTrampoline(p *Prototype, iso *isolation, fallback llvm.Value) (llvm.Value, error) {
	ctx := e.Ctx
	i8ptr := llvm.PointerType(ctx.Int8Type(), 0)
	i64 := ctx.Int64Type()
	i32 := ctx.Int32Type()

	fnType := iso.fn.GlobalValueType()
	tramp := llvm.AddFunction(e.M, p.Name+".polyjit", fnType)
	tramp.SetLinkage(llvm.WeakAnyLinkage)

	dispatchTy := llvm.FunctionType(ctx.Int1Type(), []llvm.Type{i8ptr, i8ptr, i64, i32, i8ptr}, false)
	noRecompileTy := llvm.FunctionType(i8ptr, []llvm.Type{i8ptr, i8ptr, i64, i32, i8ptr}, false)
	traceTy := llvm.FunctionType(ctx.VoidType(), []llvm.Type{i64}, false)

	traceEnter := e.runtimeDecl(symTraceEnter, traceTy)
	traceExit := e.runtimeDecl(symTraceExit, traceTy)

	slot := e.slotGlobal(p)
	protoStr := e.prototypeGlobal(p)

	b := ctx.NewBuilder()
	defer b.Dispose()

	entry := ctx.AddBasicBlock(tramp, "polyjit.entry")
	ready := ctx.AddBasicBlock(tramp, "polyjit.ready")
	notReady := ctx.AddBasicBlock(tramp, "polyjit.not.ready")
	exit := ctx.AddBasicBlock(tramp, "polyjit.exit")

	b.SetInsertPointAtEnd(entry)

	argc := len(iso.inputs) + len(p.LowerBoundInits) + len(p.Globals)
	arrTy := llvm.ArrayType(i8ptr, argc)
	params := b.CreateAlloca(arrTy, "params")

	zero := llvm.ConstInt(i32, 0, false)
	storeSlot := func(i int, v llvm.Value) {
		idx := llvm.ConstInt(i32, uint64(i), false)
		dest := b.CreateInBoundsGEP(arrTy, params, []llvm.Value{zero, idx}, "")
		b.CreateStore(v, dest)
	}

	// Original arguments: pointers go in directly, scalars through a
	// stack slot.
	inputIdx := make(map[llvm.Value]int, len(iso.inputs))
	i := 0
	for ai := 0; ai < tramp.ParamsCount(); ai++ {
		arg := tramp.Param(ai)
		arg.SetName(iso.fn.Param(ai).Name())
		inputIdx[iso.inputs[ai]] = ai

		var slotV llvm.Value
		if arg.Type().TypeKind() == llvm.PointerTypeKind {
			slotV = arg
		} else {
			slotV = b.CreateAlloca(arg.Type(), "pjit.stack.param")
			b.CreateStore(arg, slotV)
		}
		storeSlot(i, slotV)
		i++
	}

	// Lifted lower bounds, captured at extraction time.
	lbVals := make([]llvm.Value, 0, len(p.LowerBoundInits))
	for _, init := range p.LowerBoundInits {
		v := init
		if idx, ok := inputIdx[init]; ok {
			v = tramp.Param(idx)
		}
		lbVals = append(lbVals, v)
		slotV := b.CreateAlloca(v.Type(), "pjit.stack.lb")
		b.CreateStore(v, slotV)
		storeSlot(i, slotV)
		i++
	}

	// Lifted globals, looked up in the current module.
	for _, gv := range p.Globals {
		g := e.M.NamedGlobal(gv.Name())
		if g.IsNil() {
			return llvm.Value{}, fmt.Errorf("lifted global %q vanished from module %s", gv.Name(), e.SourceModuleKey(p))
		}
		storeSlot(i, g)
		i++
	}

	idConst := llvm.ConstInt(i64, p.ID, false)
	argcConst := llvm.ConstInt(i32, uint64(argc), false)

	if e.cfg.DisableRecompile {
		noRecompile := e.runtimeDecl(symDispatchNoRecompile, noRecompileTy)
		b.CreateCall(noRecompileTy, noRecompile,
			[]llvm.Value{protoStr, fallback, idConst, argcConst, params}, "")
		b.CreateBr(notReady)
	} else {
		dispatch := e.runtimeDecl(symDispatch, dispatchTy)
		readyFlag := b.CreateCall(dispatchTy, dispatch,
			[]llvm.Value{protoStr, slot, idConst, argcConst, params}, "ready")
		b.CreateCondBr(readyFlag, ready, notReady)
	}

	// Ready: call through the published pointer with the prototype's
	// full signature.
	b.SetInsertPointAtEnd(ready)
	variantTy := llvm.FunctionType(ctx.VoidType(), p.paramTypes, false)
	fp := b.CreateLoad(i8ptr, slot, "fnptr")
	variantArgs := make([]llvm.Value, 0, argc)
	for ai := 0; ai < tramp.ParamsCount(); ai++ {
		variantArgs = append(variantArgs, tramp.Param(ai))
	}
	variantArgs = append(variantArgs, lbVals...)
	for _, gv := range p.Globals {
		variantArgs = append(variantArgs, e.M.NamedGlobal(gv.Name()))
	}
	b.CreateCall(variantTy, fp, variantArgs, "")
	b.CreateBr(exit)

	// Not ready: run the fallback clone, traced.
	b.SetInsertPointAtEnd(notReady)
	fallbackArgs := make([]llvm.Value, 0, tramp.ParamsCount())
	for ai := 0; ai < tramp.ParamsCount(); ai++ {
		fallbackArgs = append(fallbackArgs, tramp.Param(ai))
	}
	b.CreateCall(traceTy, traceEnter, []llvm.Value{idConst}, "")
	b.CreateCall(fnType, fallback, fallbackArgs, "")
	b.CreateCall(traceTy, traceExit, []llvm.Value{idConst}, "")
	b.CreateBr(exit)

	b.SetInsertPointAtEnd(exit)
	b.CreateRetVoid()

	return tramp, nil
}

// SourceModuleKey is the module-qualified name (module!prototype) used
// in diagnostics about a prototype. The trampoline re-binds lifted
// globals by their bare name in the extracting module; it does not use
// this key for the lookup.
func (e *Extractor) SourceModuleKey(p *Prototype) string {
	return p.SourceModule + "!" + p.Name
}

// cloneFallback copies the isolated function and, when the outermost
// loop has a unique preheader edge, splices a re-poll block onto it:
// before the loop is entered the published checkpoint is loaded, and if
// a variant is ready the clone tail-calls it instead of running the
// unoptimized loop.
func (e *Extractor) cloneFallback(p *Prototype, iso *isolation) (llvm.Value, error) {
	ctx := e.Ctx
	fnType := iso.fn.GlobalValueType()
	fb := llvm.AddFunction(e.M, iso.fn.Name()+".fallback", fnType)
	fb.SetLinkage(llvm.InternalLinkage)

	cl := newCloner(ctx)
	defer cl.dispose()

	for i := 0; i < iso.fn.ParamsCount(); i++ {
		param := fb.Param(i)
		param.SetName(iso.fn.Param(i).Name())
		cl.mapValue(iso.fn.Param(i), param)
	}

	// Find the unique edge entering the outermost loop header.
	var preheader llvm.BasicBlock
	multiple := false
	for bb := iso.fn.FirstBasicBlock(); !bb.IsNil(); bb = llvm.NextBasicBlock(bb) {
		if iso.loopSet[bb] {
			continue
		}
		term := bb.LastInstruction()
		if term.IsNil() {
			continue
		}
		for i := 0; i < term.OperandsCount(); i++ {
			op := term.Operand(i)
			if op.IsBasicBlock() && op.AsBasicBlock() == iso.header {
				if !preheader.IsNil() {
					multiple = true
				}
				preheader = bb
			}
		}
	}

	var repoll llvm.BasicBlock
	if !preheader.IsNil() && !multiple {
		repoll = ctx.AddBasicBlock(fb, "polyjit.repoll")
		cl.redirectEdge(preheader, iso.header, repoll)
		cl.phiBlockOverride[preheader] = repoll
	}

	var blocks []llvm.BasicBlock
	for bb := iso.fn.FirstBasicBlock(); !bb.IsNil(); bb = llvm.NextBasicBlock(bb) {
		blocks = append(blocks, bb)
	}
	if err := cl.cloneBlocks(blocks, fb); err != nil {
		fb.EraseFromParent()
		return llvm.Value{}, err
	}

	if !repoll.IsNil() {
		i8ptr := llvm.PointerType(ctx.Int8Type(), 0)
		slot := e.slotGlobal(p)
		readyBB := ctx.AddBasicBlock(fb, "polyjit.repoll.ready")

		b := cl.b
		b.SetInsertPointAtEnd(repoll)
		fp := b.CreateLoad(i8ptr, slot, "fnptr")
		isNull := b.CreateICmp(llvm.IntEQ, fp, llvm.ConstPointerNull(i8ptr), "notready")
		b.CreateCondBr(isNull, cl.blocks[iso.header], readyBB)

		b.SetInsertPointAtEnd(readyBB)
		variantTy := llvm.FunctionType(ctx.VoidType(), p.paramTypes, false)
		args := make([]llvm.Value, 0, len(p.paramTypes))
		for i := 0; i < fb.ParamsCount(); i++ {
			args = append(args, fb.Param(i))
		}
		inputIdx := make(map[llvm.Value]int, len(iso.inputs))
		for i, in := range iso.inputs {
			inputIdx[in] = i
		}
		for _, init := range p.LowerBoundInits {
			v := init
			if idx, ok := inputIdx[init]; ok {
				v = fb.Param(idx)
			}
			args = append(args, v)
		}
		for _, gv := range p.Globals {
			args = append(args, e.M.NamedGlobal(gv.Name()))
		}
		b.CreateCall(variantTy, fp, args, "")
		b.CreateRetVoid()
	}

	return fb, nil
}
