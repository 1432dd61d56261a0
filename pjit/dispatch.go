package pjit

import (
	"log"
	"os"
	"sync"
	"unsafe"

	"github.com/dc0d/onexit"
	"github.com/launix-de/NonLockingReadMap"

	"github.com/CIB/polli/config"
	"github.com/CIB/polli/dump"
	"github.com/CIB/polli/trace"
)

// Prototype is the runtime's view of one extracted region: the
// serialized IR plus the slot layout of its trampoline argument vector.
// Prototypes registered in-process arrive fully described; prototypes
// first seen through a dispatch carry only their IR and are parsed
// lazily.
type Prototype struct {
	ID   uint64
	Name string
	IR   string

	LowerBounds uint32
	Globals     uint32

	Slots  []Slot
	parsed bool
}

// protoEntry adapts Prototype to the copy-on-write prototype table.
type protoEntry struct {
	proto *Prototype
}

func (p protoEntry) GetKey() uint64 { return p.proto.ID }

// Request carries everything a specialization job needs.
type Request struct {
	Proto  *Prototype
	Values RunValueList
}

// Runtime is the process-wide specialization engine: prototype table,
// cache, worker pool, telemetry and backend. The C ABI entry points
// resolve the singleton through Get.
type Runtime struct {
	cfg     *config.Config
	protos  NonLockingReadMap.NonLockingReadMap[protoEntry, uint64]
	cache   *Cache
	pool    *Pool
	stats   *trace.Accumulator
	backend Backend
	dumps   *dump.Session
	log     *log.Logger

	parseMu sync.Mutex

	// specialize runs one build job; tests may substitute it.
	specialize func(req *Request, k CacheKey)
}

// New assembles a runtime from the given configuration.
func New(cfg *config.Config) *Runtime {
	r := &Runtime{
		cfg:    cfg,
		protos: NonLockingReadMap.New[protoEntry, uint64](),
		cache:  NewCache(),
		pool:   NewPool(cfg.WorkerThreads),
		stats:  trace.NewAccumulator(nil),
		log:    log.New(os.Stderr, "polli: ", log.LstdFlags),
	}
	r.backend = newMCJITBackend(cfg.Pipeline)
	r.specialize = r.specializeAndPublish

	if cfg.IRDump {
		session, err := dump.NewSession(cfg.DumpDir)
		if err != nil {
			r.log.Printf("disabling IR dumps: %v", err)
		} else {
			r.dumps = session
		}
	}
	return r
}

var (
	globalMu sync.Mutex
	global   *Runtime
)

// Get returns the lazily-initialized process-wide runtime. The first
// caller wires the shutdown barrier: the worker pool is drained before
// cache and prototype table are torn down, so no worker ever writes
// through a freed checkpoint pointer.
func Get() *Runtime {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New(config.Default().FromEnv())
		onexit.Register(ShutdownGlobal)
	}
	return global
}

// ShutdownGlobal drains the global runtime, if one was started.
func ShutdownGlobal() {
	globalMu.Lock()
	r := global
	global = nil
	globalMu.Unlock()
	if r != nil {
		r.Shutdown()
	}
}

// Shutdown drains the worker pool and flushes telemetry.
func (r *Runtime) Shutdown() {
	r.pool.Drain()

	var sink trace.Sink
	if r.cfg.DBEnable {
		pg, err := trace.NewPgSink(r.cfg)
		if err != nil {
			r.log.Printf("telemetry sink unavailable: %v", err)
		} else {
			sink = pg
			defer pg.Close()
		}
	}
	r.stats.Flush(sink, r.cfg.RunID)
}

// Stats exposes the telemetry accumulator.
func (r *Runtime) Stats() *trace.Accumulator { return r.stats }

// RegisterPrototype installs an in-process prototype. A second
// registration under the same id must carry identical IR; anything else
// is an id collision, which indicates a programming bug and is fatal.
func (r *Runtime) RegisterPrototype(p *Prototype) {
	if existing := r.protos.Get(p.ID); existing != nil {
		if existing.proto.IR != p.IR {
			panic("polli: prototype id collision")
		}
		return
	}
	if len(p.Slots) > 0 {
		p.parsed = true
	}
	r.protos.Set(&protoEntry{proto: p})
	r.stats.AddRegion(p.Name, p.ID)
}

// prototype looks up or installs the prototype for id. firstSeen is
// true when this dispatch brought the prototype into the table.
func (r *Runtime) prototype(id uint64, ir string) (*Prototype, bool) {
	if e := r.protos.Get(id); e != nil {
		if ir != "" && e.proto.IR != "" && e.proto.IR != ir {
			panic("polli: prototype id collision")
		}
		return e.proto, false
	}

	p := &Prototype{ID: id, IR: ir}
	if err := r.ensureParsed(p); err != nil {
		r.log.Printf("cannot parse prototype %#x: %v", id, err)
		return nil, false
	}
	r.protos.Set(&protoEntry{proto: p})
	return p, true
}

// Dispatch is the runtime entry point behind every trampoline. It
// computes the cache key for the argument tuple, serves Ready entries
// through the checkpoint pointer, and otherwise registers the pointer
// as a waiter, reserving the build for exactly one caller per key. The
// caller falls back to the unoptimized body whenever false is returned.
func (r *Runtime) Dispatch(protoIR string, slot *unsafe.Pointer, id uint64, params []unsafe.Pointer) bool {
	r.stats.Enter(trace.RegionCodegen)
	defer r.stats.Exit(trace.RegionCodegen)

	p, firstSeen := r.prototype(id, protoIR)
	if p == nil {
		return false
	}
	if firstSeen {
		r.stats.AddRegion(p.Name, p.ID)
	}
	if err := r.ensureParsed(p); err != nil {
		r.log.Printf("cannot parse prototype %#x: %v", id, err)
		return false
	}

	values := runValues(p.Slots, params)
	k := CacheKey{Prototype: id, ValueHash: values.Hash()}

	// A nil checkpoint pointer clears a stale registration: the
	// caller's slot is about to go away.
	if slot == nil {
		r.cache.ClearWaiters(k)
		return false
	}

	if e, ok := r.cache.Find(k); ok {
		if addr, ready := e.Address(); ready {
			*slot = unsafe.Pointer(addr)
			r.stats.Increment(trace.RegionCacheHit, 0)
			return true
		}
	}

	*slot = nil
	_, inserted := r.cache.InsertIfAbsent(k, slot)
	if !inserted {
		r.cache.AddWaiter(k, slot)
		// A previous build may have failed; claim the retry.
		if !r.cache.TryClaimBuild(k) {
			return false
		}
	}

	req := &Request{Proto: p, Values: values}
	r.pool.Submit(func() { r.specialize(req, k) })
	return false
}

// DispatchNoRecompile keeps the instrumentation path alive without ever
// specializing: the prototype is registered for telemetry and the
// fallback pointer is returned unchanged.
func (r *Runtime) DispatchNoRecompile(protoIR string, fallback unsafe.Pointer, id uint64, params []unsafe.Pointer) unsafe.Pointer {
	r.stats.Enter(trace.RegionCodegen)
	defer r.stats.Exit(trace.RegionCodegen)

	if p, firstSeen := r.prototype(id, protoIR); firstSeen && p != nil {
		r.stats.AddRegion(p.Name, p.ID)
	}
	return fallback
}

// TraceEnter and TraceExit are the telemetry hooks generated code calls
// around region execution.
func (r *Runtime) TraceEnter(id uint64) { r.stats.Enter(id) }

// TraceExit closes a TraceEnter.
func (r *Runtime) TraceExit(id uint64) { r.stats.Exit(id) }
