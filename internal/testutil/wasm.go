// Package testutil provides helpers shared by burrow's package tests: a tiny
// WebAssembly assembler with a ready-made guest application, and output capture.
package testutil

import (
	"bytes"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

// Wasm value types.
const (
	I32 byte = 0x7f
	I64 byte = 0x7e
)

// ImportFunc is a function imported by a module.
type ImportFunc struct {
	Module  string
	Name    string
	Params  []byte
	Results []byte
}

// Func is a function defined by a module. Body holds the instructions
// without the trailing end opcode.
type Func struct {
	Exports []string
	Params  []byte
	Results []byte
	Locals  []byte
	Body    []byte
}

// Data is an active data segment in memory 0.
type Data struct {
	Offset int32
	Bytes  []byte
}

// ModuleBuilder assembles a module with one memory and one mutable i32 global.
type ModuleBuilder struct {
	imports    []ImportFunc
	funcs      []Func
	data       []Data
	pages      uint32
	heapGlobal int32
}

// NewModuleBuilder returns a builder for a module with the given memory size.
// Global 0 is a mutable i32 initialised to heapStart.
func NewModuleBuilder(pages uint32, heapStart int32) *ModuleBuilder {
	return &ModuleBuilder{pages: pages, heapGlobal: heapStart}
}

// Import adds an imported function and returns its function index.
// All imports must be added before any Func.
func (b *ModuleBuilder) Import(f ImportFunc) uint32 {
	b.imports = append(b.imports, f)
	return uint32(len(b.imports) - 1)
}

// Func adds a defined function and returns its function index.
func (b *ModuleBuilder) Func(f Func) uint32 {
	b.funcs = append(b.funcs, f)
	return uint32(len(b.imports) + len(b.funcs) - 1)
}

// Data adds a data segment.
func (b *ModuleBuilder) Data(d Data) {
	b.data = append(b.data, d)
}

// Bytes encodes the module.
func (b *ModuleBuilder) Bytes() []byte {
	var out bytes.Buffer
	out.Write([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00})

	// type section: one type per import, then one per func
	var types [][]byte
	for _, imp := range b.imports {
		types = append(types, funcType(imp.Params, imp.Results))
	}
	for _, f := range b.funcs {
		types = append(types, funcType(f.Params, f.Results))
	}
	writeSection(&out, 1, vec(types))

	var imports [][]byte
	for i, imp := range b.imports {
		entry := append(name(imp.Module), name(imp.Name)...)
		entry = append(entry, 0x00)
		entry = append(entry, ULEB(uint64(i))...)
		imports = append(imports, entry)
	}
	writeSection(&out, 2, vec(imports))

	var funcs [][]byte
	for i := range b.funcs {
		funcs = append(funcs, ULEB(uint64(len(b.imports)+i)))
	}
	writeSection(&out, 3, vec(funcs))

	memory := append([]byte{0x00}, ULEB(uint64(b.pages))...)
	writeSection(&out, 5, vec([][]byte{memory}))

	global := []byte{I32, 0x01, 0x41}
	global = append(global, SLEB(int64(b.heapGlobal))...)
	global = append(global, 0x0b)
	writeSection(&out, 6, vec([][]byte{global}))

	exports := [][]byte{append(name("memory"), 0x02, 0x00)}
	for i, f := range b.funcs {
		for _, export := range f.Exports {
			entry := append(name(export), 0x00)
			entry = append(entry, ULEB(uint64(len(b.imports)+i))...)
			exports = append(exports, entry)
		}
	}
	writeSection(&out, 7, vec(exports))

	var codes [][]byte
	for _, f := range b.funcs {
		var body []byte
		if len(f.Locals) == 0 {
			body = append(body, 0x00)
		} else {
			body = append(body, ULEB(uint64(len(f.Locals)))...)
			for _, l := range f.Locals {
				body = append(body, 0x01, l)
			}
		}
		body = append(body, f.Body...)
		body = append(body, 0x0b)
		codes = append(codes, append(ULEB(uint64(len(body))), body...))
	}
	writeSection(&out, 10, vec(codes))

	if len(b.data) > 0 {
		var segments [][]byte
		for _, d := range b.data {
			seg := []byte{0x00, 0x41}
			seg = append(seg, SLEB(int64(d.Offset))...)
			seg = append(seg, 0x0b)
			seg = append(seg, ULEB(uint64(len(d.Bytes)))...)
			seg = append(seg, d.Bytes...)
			segments = append(segments, seg)
		}
		writeSection(&out, 11, vec(segments))
	}

	return out.Bytes()
}

func funcType(params, results []byte) []byte {
	t := []byte{0x60}
	t = append(t, ULEB(uint64(len(params)))...)
	t = append(t, params...)
	t = append(t, ULEB(uint64(len(results)))...)
	t = append(t, results...)
	return t
}

func name(s string) []byte {
	return append(ULEB(uint64(len(s))), s...)
}

func vec(items [][]byte) []byte {
	out := ULEB(uint64(len(items)))
	for _, item := range items {
		out = append(out, item...)
	}
	return out
}

func writeSection(out *bytes.Buffer, id byte, payload []byte) {
	out.WriteByte(id)
	out.Write(ULEB(uint64(len(payload))))
	out.Write(payload)
}

// ULEB encodes v as unsigned LEB128.
func ULEB(v uint64) []byte {
	var out []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		out = append(out, c)
		if v == 0 {
			return out
		}
	}
}

// SLEB encodes v as signed LEB128.
func SLEB(v int64) []byte {
	var out []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0)
		if !done {
			c |= 0x80
		}
		out = append(out, c)
		if done {
			return out
		}
	}
}

// Instruction helpers.

func LocalGet(i uint32) []byte { return append([]byte{0x20}, ULEB(uint64(i))...) }
func LocalSet(i uint32) []byte { return append([]byte{0x21}, ULEB(uint64(i))...) }
func LocalTee(i uint32) []byte { return append([]byte{0x22}, ULEB(uint64(i))...) }
func Call(i uint32) []byte     { return append([]byte{0x10}, ULEB(uint64(i))...) }
func I32Const(v int32) []byte  { return append([]byte{0x41}, SLEB(int64(v))...) }
func I64Const(v int64) []byte  { return append([]byte{0x42}, SLEB(v)...) }

// Packed returns the i64 a guest returns to point the host at [ptr, ptr+n).
func Packed(ptr, n uint32) int64 {
	return int64(uint64(ptr)<<32 | uint64(n))
}

func join(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// packArgs returns (param0 << 32) | param1 as an i64, the echo of the input.
func packArgs() []byte {
	return join(
		LocalGet(0), []byte{0xad}, // i64.extend_i32_u
		I64Const(32), []byte{0x86}, // i64.shl
		LocalGet(1), []byte{0xad},
		[]byte{0x84}, // i64.or
	)
}

// Guest application fixture.

const (
	fixtureHeapStart   = 0x4000
	fixtureErrorOffset = 0x400
	fixtureReplyOffset = 0x800
	fixtureEnvCount    = 0x100
	fixtureEnvSize     = 0x104
	fixtureEnvPtrs     = 0x200
	fixtureEnvBuf      = 0x1000
)

// FixtureErrorMessage and FixtureTraceback are what the "fail" export raises.
const (
	FixtureErrorMessage = "ValueError: boom"
	FixtureTraceback    = "Traceback (most recent call last):\n  at fail (app/tasks.wasm:3)\nValueError: boom"
)

// FixtureReply is what the "Application" export answers for any request.
const FixtureReply = `{"status":201,"headers":{"X-App":"burrow"},"body":"created by app"}`

// AppModule returns a guest module implementing the host ABI with these exports:
//
//	alloc(size) -> ptr         bump allocator
//	echo, Schema, migrate      return their input unchanged
//	Application                returns FixtureReply
//	fail                       returns an error envelope
//	trap                       executes unreachable
//	spin                       loops forever
//	busy                       burns CPU, then echoes
//	query, publish, log,       forward their input to the host function of
//	cache_get, cache_set,      the same name and return its reply
//	task_add, task_result,
//	task_wait
//	environ                    returns the WASI environment block
func AppModule() []byte {
	b := NewModuleBuilder(2, fixtureHeapStart)

	abi := func(module, fn string) ImportFunc {
		return ImportFunc{Module: module, Name: fn, Params: []byte{I32, I32}, Results: []byte{I64}}
	}
	dbQuery := b.Import(abi("burrow", "db_query"))
	publish := b.Import(abi("burrow", "publish"))
	logFn := b.Import(abi("burrow", "log"))
	cacheGet := b.Import(abi("burrow", "cache_get"))
	cacheSet := b.Import(abi("burrow", "cache_set"))
	taskAdd := b.Import(abi("burrow", "task_add"))
	taskResult := b.Import(abi("burrow", "task_result"))
	taskWait := b.Import(abi("burrow", "task_wait"))
	wasiFn := func(fn string) ImportFunc {
		return ImportFunc{Module: "wasi_snapshot_preview1", Name: fn, Params: []byte{I32, I32}, Results: []byte{I32}}
	}
	environSizesGet := b.Import(wasiFn("environ_sizes_get"))
	environGet := b.Import(wasiFn("environ_get"))

	entry := func(body []byte, locals []byte, exports ...string) {
		b.Func(Func{Exports: exports, Params: []byte{I32, I32}, Results: []byte{I64}, Locals: locals, Body: body})
	}

	b.Func(Func{
		Exports: []string{"alloc"},
		Params:  []byte{I32},
		Results: []byte{I32},
		Body: join(
			[]byte{0x23, 0x00}, // global.get 0
			[]byte{0x23, 0x00},
			LocalGet(0),
			[]byte{0x6a},       // i32.add
			[]byte{0x24, 0x00}, // global.set 0
		),
	})

	entry(packArgs(), nil, "echo", "Schema", "migrate")

	errorJSON := []byte(`{"error":{"message":` + quote(FixtureErrorMessage) + `,"traceback":` + quote(FixtureTraceback) + `}}`)
	b.Data(Data{Offset: fixtureErrorOffset, Bytes: errorJSON})
	entry(I64Const(Packed(fixtureErrorOffset, uint32(len(errorJSON)))), nil, "fail")

	b.Data(Data{Offset: fixtureReplyOffset, Bytes: []byte(FixtureReply)})
	entry(I64Const(Packed(fixtureReplyOffset, uint32(len(FixtureReply)))), nil, "Application")

	entry([]byte{0x00}, nil, "trap") // unreachable

	entry(join(
		[]byte{0x03, 0x40}, // loop
		[]byte{0x0c, 0x00}, // br 0
		[]byte{0x0b},       // end
		I64Const(0),
	), nil, "spin")

	entry(join(
		I32Const(2_000_000), LocalSet(2),
		[]byte{0x03, 0x40}, // loop
		LocalGet(2), I32Const(1), []byte{0x6b}, // i32.sub
		LocalTee(2), []byte{0x0d, 0x00}, // br_if 0
		[]byte{0x0b},
		packArgs(),
	), []byte{I32}, "busy")

	forward := func(fn uint32) []byte {
		return join(LocalGet(0), LocalGet(1), Call(fn))
	}
	entry(forward(dbQuery), nil, "query")
	entry(forward(publish), nil, "publish")
	entry(forward(logFn), nil, "log")
	entry(forward(cacheGet), nil, "cache_get")
	entry(forward(cacheSet), nil, "cache_set")
	entry(forward(taskAdd), nil, "task_add")
	entry(forward(taskResult), nil, "task_result")
	entry(forward(taskWait), nil, "task_wait")

	entry(join(
		I32Const(fixtureEnvCount), I32Const(fixtureEnvSize), Call(environSizesGet), []byte{0x1a}, // drop
		I32Const(fixtureEnvPtrs), I32Const(fixtureEnvBuf), Call(environGet), []byte{0x1a},
		I64Const(Packed(fixtureEnvBuf, 0)),
		I32Const(fixtureEnvSize), []byte{0x35, 0x02, 0x00}, // i64.load32_u align=2 offset=0
		[]byte{0x84}, // i64.or
	), nil, "environ")

	return b.Bytes()
}

// ReplyModule returns a module exporting alloc and, for each entry of
// replies, a function that ignores its input and returns the reply.
func ReplyModule(replies map[string]string) []byte {
	b := NewModuleBuilder(1, 0x8000)
	b.Func(Func{
		Exports: []string{"alloc"},
		Params:  []byte{I32},
		Results: []byte{I32},
		Body: join(
			[]byte{0x23, 0x00},
			[]byte{0x23, 0x00},
			LocalGet(0),
			[]byte{0x6a},
			[]byte{0x24, 0x00},
		),
	})

	names := make([]string, 0, len(replies))
	for name := range replies {
		names = append(names, name)
	}
	slices.Sort(names)

	offset := uint32(0x100)
	for _, name := range names {
		reply := []byte(replies[name])
		b.Data(Data{Offset: int32(offset), Bytes: reply})
		b.Func(Func{
			Exports: []string{name},
			Params:  []byte{I32, I32},
			Results: []byte{I64},
			Body:    I64Const(Packed(offset, uint32(len(reply)))),
		})
		offset += uint32(len(reply))
	}
	return b.Bytes()
}

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)
	return `"` + r.Replace(s) + `"`
}

// WriteModule writes wasm to <dir>/<dotted path as directories>.wasm.
func WriteModule(t testing.TB, dir, dottedPath string, wasm []byte) string {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(strings.ReplaceAll(dottedPath, ".", "/"))+".wasm")
	// #nosec G301 -- test directory permissions are acceptable for temporary test files
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create module directory: %v", err)
	}
	// #nosec G306 -- test file permissions are acceptable for temporary test files
	if err := os.WriteFile(path, wasm, 0644); err != nil {
		t.Fatalf("failed to write module: %v", err)
	}
	return path
}

// WriteApp writes AppModule as <dir>/hello.wasm and returns dir.
func WriteApp(t testing.TB, dir string) string {
	t.Helper()
	WriteModule(t, dir, "hello", AppModule())
	return dir
}
