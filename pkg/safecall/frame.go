package safecall

import (
	"fmt"

	"github.com/snapdbg/agent/pkg/classfile"
)

// Frame is a stack frame for one interpreted method activation. Every
// access is bounds-checked and returns an error instead of panicking.
type Frame struct {
	LocalVars    []Value
	OperandStack []Value
	SP           int
	Code         []byte
	PC           int
	Class        *classfile.ClassFile
}

// NewFrame creates a frame sized for the method's declared limits.
func NewFrame(maxLocals, maxStack uint16, code []byte, class *classfile.ClassFile) *Frame {
	return &Frame{
		LocalVars:    make([]Value, maxLocals),
		OperandStack: make([]Value, maxStack),
		SP:           0,
		Code:         code,
		PC:           0,
		Class:        class,
	}
}

// Push pushes a value onto the operand stack.
func (f *Frame) Push(v Value) error {
	if f.SP >= len(f.OperandStack) {
		return fmt.Errorf("operand stack overflow: SP=%d, max=%d", f.SP, len(f.OperandStack))
	}
	f.OperandStack[f.SP] = v
	f.SP++
	return nil
}

// Pop pops a value from the operand stack.
func (f *Frame) Pop() (Value, error) {
	if f.SP <= 0 {
		return Value{}, fmt.Errorf("operand stack underflow")
	}
	f.SP--
	return f.OperandStack[f.SP], nil
}

// Pop2 pops two values, returning them in stack order (top last).
func (f *Frame) Pop2() (Value, Value, error) {
	b, err := f.Pop()
	if err != nil {
		return Value{}, Value{}, err
	}
	a, err := f.Pop()
	if err != nil {
		return Value{}, Value{}, err
	}
	return a, b, nil
}

// GetLocal returns the value at the given local variable index.
func (f *Frame) GetLocal(index int) (Value, error) {
	if index < 0 || index >= len(f.LocalVars) {
		return Value{}, fmt.Errorf("local variable index out of range: index=%d, max=%d", index, len(f.LocalVars))
	}
	return f.LocalVars[index], nil
}

// SetLocal sets the value at the given local variable index.
func (f *Frame) SetLocal(index int, v Value) error {
	if index < 0 || index >= len(f.LocalVars) {
		return fmt.Errorf("local variable index out of range: index=%d, max=%d", index, len(f.LocalVars))
	}
	f.LocalVars[index] = v
	return nil
}

// ReadU8 reads a uint8 operand and advances PC.
func (f *Frame) ReadU8() (uint8, error) {
	if f.PC >= len(f.Code) {
		return 0, fmt.Errorf("bytecode truncated at PC=%d", f.PC)
	}
	val := f.Code[f.PC]
	f.PC++
	return val, nil
}

// ReadI8 reads an int8 operand and advances PC.
func (f *Frame) ReadI8() (int8, error) {
	v, err := f.ReadU8()
	return int8(v), err
}

// ReadU16 reads a uint16 operand (big-endian) and advances PC by 2.
func (f *Frame) ReadU16() (uint16, error) {
	if f.PC+1 >= len(f.Code) {
		return 0, fmt.Errorf("bytecode truncated at PC=%d", f.PC)
	}
	val := uint16(f.Code[f.PC])<<8 | uint16(f.Code[f.PC+1])
	f.PC += 2
	return val, nil
}

// ReadI16 reads an int16 operand (big-endian) and advances PC by 2.
func (f *Frame) ReadI16() (int16, error) {
	v, err := f.ReadU16()
	return int16(v), err
}
