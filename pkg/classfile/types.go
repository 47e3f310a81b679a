// Package classfile parses Java .class files with an emphasis on the
// debug metadata a snapshot debugger consumes: the LocalVariableTable,
// LocalVariableTypeTable and LineNumberTable attributes alongside the
// method bytecode itself.
package classfile

// Access flags
const (
	AccPublic    = 0x0001
	AccPrivate   = 0x0002
	AccProtected = 0x0004
	AccStatic    = 0x0008
	AccFinal     = 0x0010
	AccSuper     = 0x0020
	AccNative    = 0x0100
	AccAbstract  = 0x0400
	AccSynthetic = 0x1000
)

// ClassFile represents a parsed .class file.
type ClassFile struct {
	MinorVersion uint16
	MajorVersion uint16
	ConstantPool []ConstantPoolEntry
	AccessFlags  uint16
	ThisClass    uint16
	SuperClass   uint16
	Interfaces   []uint16
	Fields       []FieldInfo
	Methods      []MethodInfo
	SourceFile   string
}

// ClassName returns the fully qualified name of this class.
func (cf *ClassFile) ClassName() (string, error) {
	return GetClassName(cf.ConstantPool, cf.ThisClass)
}

// Signature returns the JNI type signature of this class
// ("Ljava/lang/String;").
func (cf *ClassFile) Signature() (string, error) {
	name, err := cf.ClassName()
	if err != nil {
		return "", err
	}
	return "L" + name + ";", nil
}

// SuperClassName returns the fully qualified name of the super class.
// Returns "" if this is java/lang/Object (SuperClass == 0).
func (cf *ClassFile) SuperClassName() string {
	if cf.SuperClass == 0 {
		return ""
	}
	name, err := GetClassName(cf.ConstantPool, cf.SuperClass)
	if err != nil {
		return ""
	}
	return name
}

// FindMethod finds a method by name and descriptor.
func (cf *ClassFile) FindMethod(name, descriptor string) *MethodInfo {
	for i := range cf.Methods {
		if cf.Methods[i].Name == name && cf.Methods[i].Descriptor == descriptor {
			return &cf.Methods[i]
		}
	}
	return nil
}

// FindMethodByName finds a method by name only (first match).
func (cf *ClassFile) FindMethodByName(name string) *MethodInfo {
	for i := range cf.Methods {
		if cf.Methods[i].Name == name {
			return &cf.Methods[i]
		}
	}
	return nil
}

// ConstantPoolEntry is an interface implemented by all constant pool types.
type ConstantPoolEntry interface {
	Tag() uint8
}

type ConstantUtf8 struct {
	Value string
}

func (c *ConstantUtf8) Tag() uint8 { return TagUtf8 }

type ConstantInteger struct {
	Value int32
}

func (c *ConstantInteger) Tag() uint8 { return TagInteger }

type ConstantFloat struct {
	Value float32
}

func (c *ConstantFloat) Tag() uint8 { return TagFloat }

type ConstantLong struct {
	Value int64
}

func (c *ConstantLong) Tag() uint8 { return TagLong }

type ConstantDouble struct {
	Value float64
}

func (c *ConstantDouble) Tag() uint8 { return TagDouble }

type ConstantClass struct {
	NameIndex uint16
}

func (c *ConstantClass) Tag() uint8 { return TagClass }

type ConstantString struct {
	StringIndex uint16
}

func (c *ConstantString) Tag() uint8 { return TagString }

type ConstantFieldref struct {
	ClassIndex       uint16
	NameAndTypeIndex uint16
}

func (c *ConstantFieldref) Tag() uint8 { return TagFieldref }

type ConstantMethodref struct {
	ClassIndex       uint16
	NameAndTypeIndex uint16
}

func (c *ConstantMethodref) Tag() uint8 { return TagMethodref }

type ConstantInterfaceMethodref struct {
	ClassIndex       uint16
	NameAndTypeIndex uint16
}

func (c *ConstantInterfaceMethodref) Tag() uint8 { return TagInterfaceMethodref }

type ConstantNameAndType struct {
	NameIndex       uint16
	DescriptorIndex uint16
}

func (c *ConstantNameAndType) Tag() uint8 { return TagNameAndType }

// MethodInfo represents a method in a class file.
type MethodInfo struct {
	AccessFlags uint16
	Name        string
	Descriptor  string
	Attributes  []AttributeInfo
	Code        *CodeAttribute
}

// IsStatic reports whether the method has the static access flag.
func (m *MethodInfo) IsStatic() bool {
	return m.AccessFlags&AccStatic != 0
}

// IsNative reports whether the method is implemented natively and
// therefore carries no bytecode or slot table.
func (m *MethodInfo) IsNative() bool {
	return m.AccessFlags&AccNative != 0
}

// FieldInfo represents a field in a class file.
type FieldInfo struct {
	AccessFlags uint16
	Name        string
	Descriptor  string
	Attributes  []AttributeInfo
}

// AttributeInfo represents a raw attribute.
type AttributeInfo struct {
	Name string
	Data []byte
}

// ExceptionHandler represents an entry in the exception table.
type ExceptionHandler struct {
	StartPC   uint16
	EndPC     uint16
	HandlerPC uint16
	CatchType uint16
}

// LocalVariableEntry is one row of a LocalVariableTable or
// LocalVariableTypeTable attribute. Rows from the type table carry the
// generic signature in Signature.
type LocalVariableEntry struct {
	StartPC   uint16
	Length    uint16
	Name      string
	Signature string
	Slot      uint16
}

// LineNumberEntry maps a bytecode offset to a source line.
type LineNumberEntry struct {
	StartPC uint16
	Line    uint16
}

// CodeAttribute represents the Code attribute of a method, including
// the nested debug attributes when the class was compiled with -g.
type CodeAttribute struct {
	MaxStack           uint16
	MaxLocals          uint16
	Code               []byte
	ExceptionHandlers  []ExceptionHandler
	LocalVariables     []LocalVariableEntry
	LocalVariableTypes []LocalVariableEntry
	LineNumbers        []LineNumberEntry
}

// OffsetForLine returns the first bytecode offset attributed to the
// given source line, or -1 when the line has no code or the class was
// compiled without line numbers.
func (c *CodeAttribute) OffsetForLine(line int) int64 {
	for _, ln := range c.LineNumbers {
		if int(ln.Line) == line {
			return int64(ln.StartPC)
		}
	}
	return -1
}

// LineForOffset returns the source line attributed to the given
// bytecode offset, or -1 when unknown.
func (c *CodeAttribute) LineForOffset(offset int64) int {
	line := -1
	for _, ln := range c.LineNumbers {
		if int64(ln.StartPC) > offset {
			break
		}
		line = int(ln.Line)
	}
	return line
}
