package localvm

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapdbg/agent/pkg/jvmti"
)

// classBuilder assembles a minimal well-formed .class file in memory
// so runtime tests do not depend on a JDK.
type classBuilder struct {
	pool    [][]byte
	methods [][]byte
	this    uint16
	super   uint16
}

func (b *classBuilder) addUtf8(s string) uint16 {
	var buf bytes.Buffer
	buf.WriteByte(1) // CONSTANT_Utf8
	binary.Write(&buf, binary.BigEndian, uint16(len(s)))
	buf.WriteString(s)
	b.pool = append(b.pool, buf.Bytes())
	return uint16(len(b.pool))
}

func (b *classBuilder) addClass(name string) uint16 {
	nameIndex := b.addUtf8(name)
	var buf bytes.Buffer
	buf.WriteByte(7) // CONSTANT_Class
	binary.Write(&buf, binary.BigEndian, nameIndex)
	b.pool = append(b.pool, buf.Bytes())
	return uint16(len(b.pool))
}

type localVar struct {
	startPC, length uint16
	name, sig       string
	slot            uint16
}

type lineEntry struct {
	startPC, line uint16
}

func (b *classBuilder) writeAttr(w *bytes.Buffer, name string, data []byte) {
	nameIndex := b.addUtf8(name)
	binary.Write(w, binary.BigEndian, nameIndex)
	binary.Write(w, binary.BigEndian, uint32(len(data)))
	w.Write(data)
}

func (b *classBuilder) addMethod(flags uint16, name, desc string, code []byte, vars []localVar, lines []lineEntry) {
	nameIndex := b.addUtf8(name)
	descIndex := b.addUtf8(desc)

	var attrs bytes.Buffer
	attrCount := uint16(0)

	if len(vars) > 0 {
		var body bytes.Buffer
		binary.Write(&body, binary.BigEndian, uint16(len(vars)))
		for _, v := range vars {
			vn := b.addUtf8(v.name)
			vs := b.addUtf8(v.sig)
			binary.Write(&body, binary.BigEndian, v.startPC)
			binary.Write(&body, binary.BigEndian, v.length)
			binary.Write(&body, binary.BigEndian, vn)
			binary.Write(&body, binary.BigEndian, vs)
			binary.Write(&body, binary.BigEndian, v.slot)
		}
		b.writeAttr(&attrs, "LocalVariableTable", body.Bytes())
		attrCount++
	}

	if len(lines) > 0 {
		var body bytes.Buffer
		binary.Write(&body, binary.BigEndian, uint16(len(lines)))
		for _, ln := range lines {
			binary.Write(&body, binary.BigEndian, ln.startPC)
			binary.Write(&body, binary.BigEndian, ln.line)
		}
		b.writeAttr(&attrs, "LineNumberTable", body.Bytes())
		attrCount++
	}

	var m bytes.Buffer
	binary.Write(&m, binary.BigEndian, flags)
	binary.Write(&m, binary.BigEndian, nameIndex)
	binary.Write(&m, binary.BigEndian, descIndex)

	// native methods carry no Code attribute
	if code == nil {
		binary.Write(&m, binary.BigEndian, uint16(0))
		b.methods = append(b.methods, m.Bytes())
		return
	}

	var codeBody bytes.Buffer
	binary.Write(&codeBody, binary.BigEndian, uint16(4)) // max_stack
	binary.Write(&codeBody, binary.BigEndian, uint16(8)) // max_locals
	binary.Write(&codeBody, binary.BigEndian, uint32(len(code)))
	codeBody.Write(code)
	binary.Write(&codeBody, binary.BigEndian, uint16(0)) // exception table
	binary.Write(&codeBody, binary.BigEndian, attrCount)
	codeBody.Write(attrs.Bytes())

	binary.Write(&m, binary.BigEndian, uint16(1))
	b.writeAttr(&m, "Code", codeBody.Bytes())

	b.methods = append(b.methods, m.Bytes())
}

func (b *classBuilder) build() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(0xCAFEBABE))
	binary.Write(&buf, binary.BigEndian, uint16(0))
	binary.Write(&buf, binary.BigEndian, uint16(61))

	binary.Write(&buf, binary.BigEndian, uint16(len(b.pool)+1))
	for _, e := range b.pool {
		buf.Write(e)
	}

	binary.Write(&buf, binary.BigEndian, uint16(0x0021)) // public super
	binary.Write(&buf, binary.BigEndian, b.this)
	binary.Write(&buf, binary.BigEndian, b.super)
	binary.Write(&buf, binary.BigEndian, uint16(0)) // interfaces
	binary.Write(&buf, binary.BigEndian, uint16(0)) // fields

	binary.Write(&buf, binary.BigEndian, uint16(len(b.methods)))
	for _, m := range b.methods {
		buf.Write(m)
	}

	binary.Write(&buf, binary.BigEndian, uint16(0)) // class attributes
	return buf.Bytes()
}

// greeterClass assembles:
//
//	public class Greeter {
//	    int greet(String name, long delay) { int count = 0; ... }  // lines 10-11
//	    static native void poke();
//	}
func greeterClass() []byte {
	b := &classBuilder{}
	b.this = b.addClass("example/Greeter")
	b.super = b.addClass("java/lang/Object")

	code := []byte{0x03, 0x3E, 0xB1} // iconst_0, istore_3, return
	b.addMethod(0x0001, "greet", "(Ljava/lang/String;J)I", code,
		[]localVar{
			{0, 3, "this", "Lexample/Greeter;", 0},
			{0, 3, "name", "Ljava/lang/String;", 1},
			{0, 3, "delay", "J", 2},
			{2, 1, "count", "I", 4},
		},
		[]lineEntry{{0, 10}, {2, 11}},
	)
	b.addMethod(0x0109, "poke", "()V", nil, nil, nil) // static native

	return b.build()
}

func writeGreeter(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "example", "Greeter.class")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, greeterClass(), 0o644))
	return dir
}

type eventRecorder struct {
	mu       sync.Mutex
	prepared []string
	hits     []string
	unloads  []jvmti.MethodID
}

func (r *eventRecorder) OnClassPrepare(thread int64, cls *jvmti.ClassRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prepared = append(r.prepared, cls.Name())
}

func (r *eventRecorder) OnBreakpoint(thread int64, m jvmti.MethodID, location int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hits = append(r.hits, "hit")
}

func (r *eventRecorder) OnCompiledMethodUnload(m jvmti.MethodID, codeAddr uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unloads = append(r.unloads, m)
}

func newGreeterRuntime(t *testing.T) (*Runtime, *eventRecorder) {
	t.Helper()
	rt := New(NewDirLoader(writeGreeter(t)), nil)
	rec := &eventRecorder{}
	rt.SetEventHandler(rec)
	require.NoError(t, rt.LoadClass("example/Greeter"))
	return rt, rec
}

func TestDirLoader(t *testing.T) {
	dir := writeGreeter(t)
	loader := NewDirLoader(dir)

	data, err := loader.ClassBytes("example/Greeter")
	require.NoError(t, err)
	assert.Equal(t, greeterClass(), data)

	_, err = loader.ClassBytes("example/Missing")
	assert.Error(t, err)
}

func TestJmodLoader(t *testing.T) {
	var archive bytes.Buffer
	zw := zip.NewWriter(&archive)
	w, err := zw.Create("classes/example/Greeter.class")
	require.NoError(t, err)
	_, err = w.Write(greeterClass())
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	path := filepath.Join(t.TempDir(), "example.jmod")
	jmod := append([]byte("JM\x01\x00"), archive.Bytes()...)
	require.NoError(t, os.WriteFile(path, jmod, 0o644))

	loader := NewJmodLoader(path)
	data, err := loader.ClassBytes("example/Greeter")
	require.NoError(t, err)
	assert.Equal(t, greeterClass(), data)

	_, err = loader.ClassBytes("example/Missing")
	assert.Error(t, err)
}

func TestChainLoaderDelegatesInOrder(t *testing.T) {
	empty := t.TempDir()
	chain := NewChainLoader(NewDirLoader(empty), NewDirLoader(writeGreeter(t)))

	_, err := chain.ClassBytes("example/Greeter")
	assert.NoError(t, err)

	_, err = chain.ClassBytes("example/Missing")
	assert.Error(t, err)
}

func TestLoadClassFiresPrepareAndReleasesRef(t *testing.T) {
	rt, rec := newGreeterRuntime(t)

	assert.Equal(t, []string{"example/Greeter"}, rec.prepared)
	assert.Zero(t, rt.OutstandingRefs())

	// reloading is a no-op
	require.NoError(t, rt.LoadClass("example/Greeter"))
	assert.Len(t, rec.prepared, 1)
}

func TestIntrospection(t *testing.T) {
	rt, _ := newGreeterRuntime(t)
	greet, err := rt.MethodByName("example/Greeter", "greet")
	require.NoError(t, err)
	poke, err := rt.MethodByName("example/Greeter", "poke")
	require.NoError(t, err)

	t.Run("declaring class", func(t *testing.T) {
		cls, err := rt.MethodDeclaringClass(greet)
		require.NoError(t, err)
		assert.Equal(t, "example/Greeter", cls.Name())
		assert.Equal(t, int64(1), rt.OutstandingRefs())
		cls.Release()
		assert.Zero(t, rt.OutstandingRefs())
	})

	t.Run("arguments size counts wide types", func(t *testing.T) {
		// receiver + String + long = 1 + 1 + 2
		n, err := rt.ArgumentsSize(greet)
		require.NoError(t, err)
		assert.Equal(t, int32(4), n)
	})

	t.Run("variable table", func(t *testing.T) {
		table, err := rt.LocalVariableTable(greet)
		require.NoError(t, err)
		defer table.Release()

		rows := table.Rows()
		require.Len(t, rows, 4)
		assert.Equal(t, "this", rows[0].Name)
		assert.True(t, rows[0].CoversEntireMethod())
		assert.Equal(t, "name", rows[1].Name)
		assert.Equal(t, int32(-1), rows[1].Length)
		assert.Equal(t, "count", rows[3].Name)
		assert.Equal(t, int32(1), rows[3].Length)
		assert.Equal(t, int32(4), rows[3].Slot)
	})

	t.Run("native method", func(t *testing.T) {
		_, err := rt.LocalVariableTable(poke)
		assert.ErrorIs(t, err, jvmti.ErrNativeMethod)
	})

	t.Run("unknown method", func(t *testing.T) {
		_, err := rt.LocalVariableTable(jvmti.MethodID(9999))
		assert.ErrorIs(t, err, jvmti.ErrInvalidMethodID)
	})

	t.Run("class signature", func(t *testing.T) {
		cls, err := rt.MethodDeclaringClass(greet)
		require.NoError(t, err)
		sig, generic, err := rt.ClassSignature(cls)
		require.NoError(t, err)
		assert.Equal(t, "Lexample/Greeter;", sig)
		assert.Empty(t, generic)

		cls.Release()
		_, _, err = rt.ClassSignature(cls)
		assert.ErrorIs(t, err, jvmti.ErrInvalidClassRef)
	})

	t.Run("loaded classes", func(t *testing.T) {
		refs, err := rt.LoadedClasses()
		require.NoError(t, err)
		require.Len(t, refs, 1)
		jvmti.ReleaseAll(refs)
		assert.Zero(t, rt.OutstandingRefs())
	})
}

func TestLineResolution(t *testing.T) {
	rt, _ := newGreeterRuntime(t)
	greet, err := rt.MethodByName("example/Greeter", "greet")
	require.NoError(t, err)

	m, off, err := rt.ResolveLine("example/Greeter", 11)
	require.NoError(t, err)
	assert.Equal(t, greet, m)
	assert.Equal(t, int64(2), off)

	assert.Equal(t, 11, rt.LineForLocation(greet, 2))
	assert.Equal(t, 10, rt.LineForLocation(greet, 1))

	_, _, err = rt.ResolveLine("example/Greeter", 99)
	assert.Error(t, err)
	_, _, err = rt.ResolveLine("example/Unknown", 11)
	assert.Error(t, err)
}

func TestBreakpointDispatch(t *testing.T) {
	rt, rec := newGreeterRuntime(t)
	greet, err := rt.MethodByName("example/Greeter", "greet")
	require.NoError(t, err)

	require.NoError(t, rt.SetBreakpoint(greet, 2))
	assert.Equal(t, 1, rt.ArmedCount())

	require.NoError(t, rt.EnterMethod(7, greet))
	assert.Empty(t, rec.hits, "offset 0 is not armed")

	require.NoError(t, rt.AdvanceTo(7, 2))
	assert.Len(t, rec.hits, 1)

	rt.ClearBreakpoint(greet, 2)
	require.NoError(t, rt.AdvanceTo(7, 2))
	assert.Len(t, rec.hits, 1)

	assert.ErrorIs(t, rt.SetBreakpoint(jvmti.MethodID(9999), 0), jvmti.ErrInvalidMethodID)
}

func TestCallStack(t *testing.T) {
	rt, _ := newGreeterRuntime(t)
	greet, err := rt.MethodByName("example/Greeter", "greet")
	require.NoError(t, err)
	poke, err := rt.MethodByName("example/Greeter", "poke")
	require.NoError(t, err)

	require.NoError(t, rt.EnterMethod(1, greet))
	require.NoError(t, rt.AdvanceTo(1, 2))
	require.NoError(t, rt.EnterMethod(1, poke))

	frames, err := rt.ReadCallStack(1)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, "poke", frames[0].Name)
	assert.Equal(t, "greet", frames[1].Name)
	assert.Equal(t, "example/Greeter", frames[1].Class)
	assert.Equal(t, int64(2), frames[1].Location)

	rt.LeaveMethod(1)
	frames, err = rt.ReadCallStack(1)
	require.NoError(t, err)
	assert.Len(t, frames, 1)
}

func TestUnloadMethod(t *testing.T) {
	rt, rec := newGreeterRuntime(t)
	greet, err := rt.MethodByName("example/Greeter", "greet")
	require.NoError(t, err)

	require.NoError(t, rt.SetBreakpoint(greet, 2))
	require.NoError(t, rt.EnterMethod(1, greet))

	rt.UnloadMethod(greet)
	assert.Equal(t, []jvmti.MethodID{greet}, rec.unloads)
	assert.Zero(t, rt.ArmedCount())

	_, err = rt.ArgumentsSize(greet)
	assert.ErrorIs(t, err, jvmti.ErrInvalidMethodID)

	// pruned once the unload propagates back through the stack reader
	rt.OnCompiledMethodUnload(greet)
	frames, err := rt.ReadCallStack(1)
	require.NoError(t, err)
	assert.Empty(t, frames)

	rt.UnloadMethod(greet) // idempotent
	assert.Len(t, rec.unloads, 1)
}

func TestMethodDescriptor(t *testing.T) {
	rt, _ := newGreeterRuntime(t)

	desc, err := rt.MethodDescriptor("example/Greeter", "greet")
	require.NoError(t, err)
	assert.Equal(t, "(Ljava/lang/String;J)I", desc)

	_, err = rt.MethodDescriptor("example/Greeter", "missing")
	assert.Error(t, err)
	_, err = rt.MethodDescriptor("example/Unknown", "greet")
	assert.Error(t, err)
}
