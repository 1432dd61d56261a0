package pjit

import (
	"fmt"
	"strconv"

	"tinygo.org/x/go-llvm"

	"github.com/CIB/polli/trace"
)

// Function attributes carried by serialized prototypes. They make a
// prototype self-describing: a runtime that first meets a prototype as
// an IR string can still partition the signature suffix.
const (
	attrJitCandidate = "polyjit-jit-candidate"
	attrGlobalCount  = "polyjit-global-count"
	attrBoundCount   = "polyjit-lb-count"
)

// prototypeFunction returns the first function definition of a
// prototype module; prototype modules contain exactly one.
func prototypeFunction(mod llvm.Module) (llvm.Value, error) {
	for fn := mod.FirstFunction(); !fn.IsNil(); fn = llvm.NextFunction(fn) {
		if !fn.IsDeclaration() {
			return fn, nil
		}
	}
	return llvm.Value{}, fmt.Errorf("prototype module %s contains no definition", mod.String())
}

func attrCount(fn llvm.Value, kind string) uint32 {
	attr := fn.GetStringAttributeAtIndex(llvm.AttributeFunctionIndex, kind)
	if attr.IsNil() {
		return 0
	}
	n, err := strconv.ParseUint(attr.GetStringValue(), 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}

// ensureParsed fills the prototype's slot layout from its serialized
// IR. In-process registrations arrive pre-filled and skip the parse.
func (r *Runtime) ensureParsed(p *Prototype) error {
	if p == nil {
		return fmt.Errorf("no prototype")
	}

	r.parseMu.Lock()
	defer r.parseMu.Unlock()
	if p.parsed {
		return nil
	}
	if p.IR == "" {
		return fmt.Errorf("prototype %#x has neither slots nor IR", p.ID)
	}

	ctx := llvm.NewContext()
	defer ctx.Dispose()

	mod, err := parseIR(ctx, p.IR, "polli.prototype")
	if err != nil {
		return err
	}
	fn, err := prototypeFunction(mod)
	if err != nil {
		return err
	}

	if p.Name == "" {
		p.Name = fn.Name()
	}
	p.LowerBounds = attrCount(fn, attrBoundCount)
	p.Globals = attrCount(fn, attrGlobalCount)

	params := fn.Params()
	p.Slots = make([]Slot, len(params))
	for i, param := range params {
		ty := param.Type()
		if ty.TypeKind() == llvm.IntegerTypeKind {
			p.Slots[i] = Slot{Kind: SlotScalar, Bits: uint32(ty.IntTypeWidth())}
		} else {
			p.Slots[i] = Slot{Kind: SlotPointer}
		}
	}
	p.parsed = true
	return nil
}

// specializeAndPublish materializes one variant: clone the prototype by
// re-parsing its serialized form, bind the lifted suffix (lower bounds,
// then globals) to the concrete run values, optimize, resolve the
// symbol and publish the address. Backend failures leave the cache
// entry Pending so later dispatches retry; the program keeps executing
// its fallback either way.
func (r *Runtime) specializeAndPublish(req *Request, k CacheKey) {
	if e, ok := r.cache.Find(k); ok {
		if _, ready := e.Address(); ready {
			r.stats.Increment(trace.RegionCacheHit, 0)
			return
		}
	}
	r.stats.Increment(trace.RegionVariant, 0)

	p := req.Proto
	ctx := llvm.NewContext()
	mod, err := parseIR(ctx, p.IR, p.Name)
	if err != nil {
		r.log.Printf("variant build for %s failed: %v", p.Name, err)
		r.cache.BuildFailed(k)
		ctx.Dispose()
		return
	}
	fn, err := prototypeFunction(mod)
	if err != nil {
		r.log.Printf("variant build for %s failed: %v", p.Name, err)
		r.cache.BuildFailed(k)
		ctx.Dispose()
		return
	}

	variantName := fmt.Sprintf("%s_%d", p.Name, k.ValueHash)
	fn.SetName(variantName)
	r.bindSuffix(fn, p, req.Values)

	if r.dumps != nil {
		if err := r.dumps.Module(variantName, mod.String()); err != nil {
			r.log.Printf("dump of %s failed: %v", variantName, err)
		}
	}

	handle, err := r.backend.AddModule(mod)
	if err != nil {
		r.log.Printf("backend rejected variant %s: %v", variantName, err)
		r.cache.BuildFailed(k)
		ctx.Dispose()
		return
	}
	addr, err := r.backend.FindSymbol(handle, variantName, mod.DataLayout())
	if err != nil {
		r.log.Printf("cannot resolve variant %s: %v", variantName, err)
		r.cache.BuildFailed(k)
		return
	}

	r.cache.Complete(k, addr)
}

// bindSuffix substitutes the lifted parameters with constants. Lower
// bounds become integer constants read from the argument vector;
// globals become constant pointers. The original arguments before the
// suffix stay parametric.
func (r *Runtime) bindSuffix(fn llvm.Value, p *Prototype, values RunValueList) {
	ctx := fn.Type().Context()
	params := fn.Params()
	suffix := len(params) - int(p.LowerBounds) - int(p.Globals)
	if suffix < 0 {
		r.log.Printf("prototype %s: suffix larger than signature", p.Name)
		return
	}

	for i := suffix; i < len(params); i++ {
		if i >= len(values.Values) {
			break
		}
		param := params[i]
		rv := values.Values[i]

		var replacement llvm.Value
		if i < suffix+int(p.LowerBounds) {
			if param.Type().TypeKind() != llvm.IntegerTypeKind {
				continue
			}
			replacement = llvm.ConstInt(param.Type(), rv.Bits, true)
		} else {
			bits := llvm.ConstInt(ctx.Int64Type(), uint64(uintptr(rv.Ptr)), false)
			replacement = llvm.ConstIntToPtr(bits, param.Type())
		}
		param.ReplaceAllUsesWith(replacement)
	}
}
