package safecall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapdbg/agent/pkg/classfile"
	"github.com/snapdbg/agent/pkg/config"
)

// testClass builds a class with a small constant pool used by the
// field and invocation tests:
//
//	#1 Fieldref  example/Point.x:I
//	#2 Class     example/Point
//	#7 Methodref example/Point.run:(I)I
func testClass() *classfile.ClassFile {
	return &classfile.ClassFile{
		ConstantPool: []classfile.ConstantPoolEntry{
			nil,
			&classfile.ConstantFieldref{ClassIndex: 2, NameAndTypeIndex: 3},
			&classfile.ConstantClass{NameIndex: 4},
			&classfile.ConstantNameAndType{NameIndex: 5, DescriptorIndex: 6},
			&classfile.ConstantUtf8{Value: "example/Point"},
			&classfile.ConstantUtf8{Value: "x"},
			&classfile.ConstantUtf8{Value: "I"},
			&classfile.ConstantMethodref{ClassIndex: 2, NameAndTypeIndex: 8},
			&classfile.ConstantNameAndType{NameIndex: 9, DescriptorIndex: 10},
			&classfile.ConstantUtf8{Value: "run"},
			&classfile.ConstantUtf8{Value: "(I)I"},
		},
	}
}

func testCaller(quota config.MethodCallQuota) *Caller {
	c := NewCaller(config.Default(), config.QuotaExpression, nil, nil, nil)
	c.quota = quota
	return c
}

func wideQuota() config.MethodCallQuota {
	return config.MethodCallQuota{
		MaxInterpreterInstructions: 10000,
		MaxCallStackDepth:          20,
		MaxClassesLoaded:           20,
	}
}

// run executes code as a synthetic method body on the given caller.
func run(t *testing.T, c *Caller, cf *classfile.ClassFile, code []byte, args ...Value) (Value, error) {
	t.Helper()
	if cf == nil {
		cf = testClass()
	}
	method := &classfile.MethodInfo{
		AccessFlags: classfile.AccStatic,
		Name:        "eval",
		Descriptor:  "()I",
		Code: &classfile.CodeAttribute{
			MaxStack:  16,
			MaxLocals: 8,
			Code:      code,
		},
	}
	return c.executeMethod(cf, method, args)
}

func TestArithmetic(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want int64
	}{
		{
			name: "iadd: 3+4=7",
			code: []byte{OpIconst3, OpIconst4, OpIadd, OpIreturn},
			want: 7,
		},
		{
			name: "compound: (2+3)*4=20",
			code: []byte{OpIconst2, OpIconst3, OpIadd, OpIconst4, OpImul, OpIreturn},
			want: 20,
		},
		{
			name: "irem: 5%3=2",
			code: []byte{OpIconst5, OpIconst3, OpIrem, OpIreturn},
			want: 2,
		},
		{
			name: "ineg: -(5)=-5",
			code: []byte{OpIconst5, OpIneg, OpIreturn},
			want: -5,
		},
		{
			name: "bipush and ishl: 3<<2=12",
			code: []byte{OpIconst3, OpBipush, 2, OpIshl, OpIreturn},
			want: 12,
		},
		{
			name: "long: (1+1)*3=6",
			code: []byte{OpLconst1, OpLconst1, OpLadd, OpIconst3, OpI2l, OpLmul, OpLreturn},
			want: 6,
		},
		{
			name: "lcmp equal is 0",
			code: []byte{OpLconst1, OpLconst1, OpLcmp, OpIreturn},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testCaller(wideQuota())
			got, err := run(t, c, nil, tt.code)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Int)
		})
	}
}

func TestBranchLoop(t *testing.T) {
	// sum = 0; for (i = 0; i < 5; i++) sum += i; return sum
	code := []byte{
		OpIconst0,          // 0: sum = 0
		OpIstore0,          // 1
		OpIconst0,          // 2: i = 0
		OpIstore1,          // 3
		OpIload1,           // 4: loop head
		OpIconst5,          // 5
		OpIfIcmpge, 0, 13,  // 6: if i >= 5 goto 19
		OpIload0,           // 9
		OpIload1,           // 10
		OpIadd,             // 11
		OpIstore0,          // 12
		OpIinc, 1, 1,       // 13: i++
		OpGoto, 0xFF, 0xF4, // 16: goto 4
		OpIload0,           // 19
		OpIreturn,          // 20
	}

	c := testCaller(wideQuota())
	got, err := run(t, c, nil, code)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Int)
}

func TestInstructionQuota(t *testing.T) {
	q := wideQuota()
	q.MaxInterpreterInstructions = 50
	c := testCaller(q)

	// goto 0: spins forever without the budget
	code := []byte{OpNop, OpGoto, 0xFF, 0xFF}
	_, err := run(t, c, nil, code)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.LessOrEqual(t, c.InstructionsUsed(), int64(51))
}

func TestCallDepthQuota(t *testing.T) {
	cf := testClass()
	// run(I)I calls itself unconditionally
	cf.Methods = []classfile.MethodInfo{{
		AccessFlags: classfile.AccStatic,
		Name:        "run",
		Descriptor:  "(I)I",
		Code: &classfile.CodeAttribute{
			MaxStack:  4,
			MaxLocals: 2,
			Code:      []byte{OpIload0, OpInvokestatic, 0, 7, OpIreturn},
		},
	}}

	q := wideQuota()
	q.MaxCallStackDepth = 3
	c := testCaller(q)
	c.parsed["example/Point"] = cf

	_, err := c.InvokeStatic("example/Point", "run", "(I)I", []Value{IntValue(1)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestClassBudget(t *testing.T) {
	q := wideQuota()
	q.MaxClassesLoaded = 1
	c := testCaller(q)
	c.parsed["example/Seen"] = testClass()

	_, err := c.resolveClass("example/Unseen")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestFieldWriteOnPreExistingObjectBlocked(t *testing.T) {
	c := testCaller(wideQuota())
	captured := NewObject("example/Point")

	// aload_0, iconst_1, putfield #1
	code := []byte{OpAload0, OpIconst1, OpPutfield, 0, 1, OpReturn}
	_, err := run(t, c, nil, code, RefValue(captured))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSideEffect)
	assert.Empty(t, captured.Fields)
}

func TestFieldWriteOnFreshObjectAllowed(t *testing.T) {
	c := testCaller(wideQuota())

	// new #2, dup, dup, iconst_5, putfield #1, getfield #1, ireturn
	code := []byte{
		OpNew, 0, 2,
		OpDup, OpDup,
		OpIconst5,
		OpPutfield, 0, 1,
		OpGetfield, 0, 1,
		OpIreturn,
	}
	got, err := run(t, c, nil, code)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Int)
}

func TestArrayStoreTaint(t *testing.T) {
	c := testCaller(wideQuota())

	t.Run("pre-existing array rejected", func(t *testing.T) {
		arr := &Array{Elements: make([]Value, 3)}
		code := []byte{OpAload0, OpIconst0, OpIconst1, OpIastore, OpReturn}
		_, err := run(t, c, nil, code, RefValue(arr))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrSideEffect)
	})

	t.Run("fresh array accepted", func(t *testing.T) {
		// newarray int[3]; a[1] = 7; return a[1]
		code := []byte{
			OpIconst3, OpNewarray, 10,
			OpDup, OpDup,
			OpIconst1, OpBipush, 7, OpIastore,
			OpIconst1, OpIaload,
			OpIreturn,
		}
		got, err := run(t, c, nil, code)
		require.NoError(t, err)
		assert.Equal(t, int64(7), got.Int)
	})
}

func TestPutstaticAlwaysBlocked(t *testing.T) {
	c := testCaller(wideQuota())
	code := []byte{OpIconst1, OpPutstatic, 0, 1, OpReturn}
	_, err := run(t, c, nil, code)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSideEffect)
}

func TestMonitorBlocked(t *testing.T) {
	c := testCaller(wideQuota())
	code := []byte{OpAload0, OpMonitorenter, OpReturn}
	_, err := run(t, c, nil, code, RefValue(NewObject("example/Point")))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSideEffect)
}

func TestUnsupportedOpcode(t *testing.T) {
	c := testCaller(wideQuota())
	code := []byte{OpAthrow}
	_, err := run(t, c, nil, code)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestIntrinsicBoxing(t *testing.T) {
	c := testCaller(wideQuota())

	boxed, err := c.InvokeStatic("java/lang/Integer", "valueOf", "(I)Ljava/lang/Integer;", []Value{IntValue(42)})
	require.NoError(t, err)

	got, err := c.Invoke("java/lang/Integer", "intValue", "()I", boxed, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.Int)
}

func TestIntrinsicString(t *testing.T) {
	c := testCaller(wideQuota())

	got, err := c.Invoke("java/lang/String", "length", "()I", RefValue("hello"), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Int)

	eq, err := c.Invoke("java/lang/String", "equals", "(Ljava/lang/Object;)Z",
		RefValue("hello"), []Value{RefValue("hello")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), eq.Int)
}

func TestIntrinsicHashMapTaint(t *testing.T) {
	c := testCaller(wideQuota())
	putDesc := "(Ljava/lang/Object;Ljava/lang/Object;)Ljava/lang/Object;"
	getDesc := "(Ljava/lang/Object;)Ljava/lang/Object;"

	t.Run("reads on captured map allowed", func(t *testing.T) {
		captured := NewHashMap()
		captured.Data["k"] = "v"

		got, err := c.Invoke("java/util/HashMap", "get", getDesc,
			RefValue(captured), []Value{RefValue("k")})
		require.NoError(t, err)
		assert.Equal(t, "v", got.Ref)
	})

	t.Run("writes on captured map blocked", func(t *testing.T) {
		captured := NewHashMap()
		_, err := c.Invoke("java/util/HashMap", "put", putDesc,
			RefValue(captured), []Value{RefValue("k"), RefValue("v")})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrSideEffect)
		assert.Empty(t, captured.Data)
	})

	t.Run("writes on fresh map allowed", func(t *testing.T) {
		fresh := NewHashMap()
		c.markCreated(fresh)
		_, err := c.Invoke("java/util/HashMap", "put", putDesc,
			RefValue(fresh), []Value{RefValue("k"), IntValue(9)})
		require.NoError(t, err)

		got, err := c.Invoke("java/util/HashMap", "size", "()I", RefValue(fresh), nil)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Int)
	})
}

func TestFrameBounds(t *testing.T) {
	f := NewFrame(2, 1, []byte{OpNop}, nil)

	require.NoError(t, f.Push(IntValue(1)))
	assert.Error(t, f.Push(IntValue(2)), "stack overflow must error")

	_, err := f.GetLocal(5)
	assert.Error(t, err)
	assert.Error(t, f.SetLocal(-1, IntValue(0)))

	f.PC = 1
	_, err = f.ReadU8()
	assert.Error(t, err, "truncated bytecode must error")
}
