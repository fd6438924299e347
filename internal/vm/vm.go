// Package vm is the stack-based bytecode interpreter: it walks the
// chunk a compiler produced, one instruction at a time, maintaining an
// operand stack, a call-frame stack and the global variable table.
package vm

import (
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"unsafe"

	"github.com/loxvm/loxvm/internal/chunk"
	"github.com/loxvm/loxvm/internal/plugin"
	"github.com/loxvm/loxvm/internal/store"
	"github.com/loxvm/loxvm/internal/value"
)

const (
	StackMax  = 2048
	FramesMax = 64
)

// RuntimeError is a failure raised while executing a chunk, distinct
// from compiler.CompileError so cmd/loxvm can choose the right exit
// code for each.
type RuntimeError struct {
	Message   string
	Traceback []string
}

func (e *RuntimeError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	for _, frame := range e.Traceback {
		b.WriteString("\n\t")
		b.WriteString(frame)
	}
	return b.String()
}

// CallFrame is one activation record: the closure being run, its
// instruction pointer, and the stack offset where its locals begin.
type CallFrame struct {
	Closure *value.Closure
	IP      int
	Slots   int
}

func (f *CallFrame) chunk() *chunk.Chunk {
	return f.Closure.Function.Chunk.(*chunk.Chunk)
}

// VMConfig carries the ambient configuration a VM run needs; RootPath
// is the directory relative paths passed to open/sqlite_open resolve
// against.
type VMConfig struct {
	RootPath string
}

// VM is a single-threaded bytecode interpreter. Construct with New or
// NewWithConfig; Interpret runs one compiled top-level Function to
// completion.
type VM struct {
	frames     [FramesMax]*CallFrame
	frameCount int

	stack    [StackMax]value.Value
	stackTop int

	globals    map[string]value.Value
	openUpvals []*value.UpvalueCell

	Config VMConfig
	Stdout io.Writer
	Stdin  io.Reader

	store   *store.Handles
	plugins *plugin.Registry
}

func New() *VM {
	return NewWithConfig(VMConfig{RootPath: "."})
}

func NewWithConfig(cfg VMConfig) *VM {
	vm := &VM{
		Config:  cfg,
		Stdout:  os.Stdout,
		Stdin:   os.Stdin,
		globals: make(map[string]value.Value),
		store:   store.New(),
		plugins: plugin.NewRegistry(),
	}
	vm.defineNatives()
	return vm
}

// DefineNative installs a host function under name, reachable from
// script code exactly like any other global.
func (vm *VM) DefineNative(name string, fn value.NativeFunc) {
	vm.globals[name] = value.NewNative(name, fn)
}

// SetGlobal/GetGlobal expose the global table to callers (the REPL)
// that keep one VM alive across multiple Interpret calls.
func (vm *VM) SetGlobal(name string, v value.Value) {
	vm.globals[name] = v
}

func (vm *VM) GetGlobal(name string) (value.Value, bool) {
	v, ok := vm.globals[name]
	return v, ok
}

// Interpret runs fn as the program's entry point. The operand and
// frame stacks are reset first, so successive REPL lines each start
// clean but keep sharing the same global table.
func (vm *VM) Interpret(fn *value.Function) error {
	vm.stackTop = 0
	vm.frameCount = 0
	vm.openUpvals = vm.openUpvals[:0]

	closure := &value.Closure{Function: fn, Upvalues: []*value.UpvalueCell{}}
	vm.push(value.NewClosure(closure))

	vm.frames[0] = &CallFrame{Closure: closure, IP: 0, Slots: 0}
	vm.frameCount = 1

	return vm.run()
}

func (vm *VM) run() error {
	frame := vm.frames[vm.frameCount-1]
	c := frame.chunk()

	for {
		if frame.IP >= len(c.Code) {
			return nil
		}

		op := chunk.OpCode(c.Code[frame.IP])
		frame.IP++

		switch op {
		case chunk.OpConstant:
			idx := c.Code[frame.IP]
			frame.IP++
			vm.push(c.Constants[idx])

		case chunk.OpNil:
			vm.push(value.NewNil())
		case chunk.OpTrue:
			vm.push(value.NewBool(true))
		case chunk.OpFalse:
			vm.push(value.NewBool(false))
		case chunk.OpPop:
			vm.pop()
		case chunk.OpDuplicate:
			vm.push(vm.peek(0))

		case chunk.OpGetLocal:
			slot := c.Code[frame.IP]
			frame.IP++
			vm.push(vm.stack[frame.Slots+int(slot)])

		case chunk.OpSetLocal:
			slot := c.Code[frame.IP]
			frame.IP++
			vm.stack[frame.Slots+int(slot)] = vm.peek(0)

		case chunk.OpGetGlobal:
			idx := c.Code[frame.IP]
			frame.IP++
			name := c.Constants[idx].Obj.(string)
			v, ok := vm.globals[name]
			if !ok {
				return vm.runtimeError(frame, "Undefined variable '%s'.", name)
			}
			vm.push(v)

		case chunk.OpDefineGlobal:
			idx := c.Code[frame.IP]
			frame.IP++
			name := c.Constants[idx].Obj.(string)
			vm.globals[name] = vm.peek(0)
			vm.pop()

		case chunk.OpSetGlobal:
			idx := c.Code[frame.IP]
			frame.IP++
			name := c.Constants[idx].Obj.(string)
			if _, ok := vm.globals[name]; !ok {
				return vm.runtimeError(frame, "Undefined variable '%s'.", name)
			}
			vm.globals[name] = vm.peek(0)

		case chunk.OpGetUpvalue:
			slot := c.Code[frame.IP]
			frame.IP++
			vm.push(frame.Closure.Upvalues[slot].Get())

		case chunk.OpSetUpvalue:
			slot := c.Code[frame.IP]
			frame.IP++
			frame.Closure.Upvalues[slot].Set(vm.peek(0))

		case chunk.OpGetProperty:
			idx := c.Code[frame.IP]
			frame.IP++
			name := c.Constants[idx].Obj.(string)

			if vm.peek(0).Kind != value.KindInstance {
				return vm.runtimeError(frame, "Only instances have properties.")
			}
			inst := vm.peek(0).Obj.(*value.Instance)
			if f, ok := inst.Fields[name]; ok {
				vm.pop()
				vm.push(f)
				break
			}
			if method, ok := inst.Class.Methods[name]; ok {
				receiver := vm.pop()
				vm.push(value.NewBoundMethod(receiver, method))
				break
			}
			return vm.runtimeError(frame, "Undefined property '%s'.", name)

		case chunk.OpSetProperty:
			idx := c.Code[frame.IP]
			frame.IP++
			name := c.Constants[idx].Obj.(string)

			if vm.peek(1).Kind != value.KindInstance {
				return vm.runtimeError(frame, "Only instances have fields.")
			}
			inst := vm.peek(1).Obj.(*value.Instance)
			inst.Fields[name] = vm.peek(0)
			v := vm.pop()
			vm.pop()
			vm.push(v)

		case chunk.OpClass:
			idx := c.Code[frame.IP]
			frame.IP++
			name := c.Constants[idx].Obj.(string)
			vm.push(value.NewClass(name))

		case chunk.OpMethod:
			idx := c.Code[frame.IP]
			frame.IP++
			name := c.Constants[idx].Obj.(string)
			methodVal := vm.pop()
			class := vm.peek(0).Obj.(*value.Class)
			class.Methods[name] = methodVal.Obj.(*value.Closure)

		case chunk.OpEqual:
			b := vm.pop()
			a := vm.pop()
			vm.push(value.NewBool(a.Equal(b)))

		case chunk.OpGreater:
			if err := vm.compareNumeric(frame, func(a, b float64) bool { return a > b }); err != nil {
				return err
			}

		case chunk.OpLess:
			if err := vm.compareNumeric(frame, func(a, b float64) bool { return a < b }); err != nil {
				return err
			}

		case chunk.OpAdd:
			b := vm.peek(0)
			a := vm.peek(1)
			switch {
			case a.Kind == value.KindString && b.Kind == value.KindString:
				vm.pop()
				vm.pop()
				vm.push(value.NewString(a.Obj.(string) + b.Obj.(string)))
			case a.IsNumber() && b.IsNumber():
				vm.pop()
				vm.pop()
				if a.Kind == value.KindInt && b.Kind == value.KindInt {
					vm.push(value.NewInt(a.Int + b.Int))
				} else {
					vm.push(value.NewFloat(a.AsFloat() + b.AsFloat()))
				}
			default:
				return vm.runtimeError(frame, "Operands must be two numbers or two strings.")
			}

		case chunk.OpSubtract:
			if err := vm.arith(frame, func(a, b int64) int64 { return a - b }, func(a, b float64) float64 { return a - b }); err != nil {
				return err
			}
		case chunk.OpMultiply:
			if err := vm.arith(frame, func(a, b int64) int64 { return a * b }, func(a, b float64) float64 { return a * b }); err != nil {
				return err
			}
		case chunk.OpDivide:
			b := vm.peek(0)
			a := vm.peek(1)
			if !a.IsNumber() || !b.IsNumber() {
				return vm.runtimeError(frame, "Operands must be numbers.")
			}
			if b.Kind == value.KindInt && b.Int == 0 && a.Kind == value.KindInt {
				return vm.runtimeError(frame, "Division by zero.")
			}
			vm.pop()
			vm.pop()
			if a.Kind == value.KindInt && b.Kind == value.KindInt {
				vm.push(value.NewInt(a.Int / b.Int))
			} else {
				vm.push(value.NewFloat(a.AsFloat() / b.AsFloat()))
			}
		case chunk.OpModulo:
			b := vm.peek(0)
			a := vm.peek(1)
			if !a.IsNumber() || !b.IsNumber() {
				return vm.runtimeError(frame, "Operands must be numbers.")
			}
			if b.Kind == value.KindInt && b.Int == 0 {
				return vm.runtimeError(frame, "Division by zero.")
			}
			vm.pop()
			vm.pop()
			if a.Kind == value.KindInt && b.Kind == value.KindInt {
				vm.push(value.NewInt(a.Int % b.Int))
			} else {
				vm.push(value.NewFloat(math.Mod(a.AsFloat(), b.AsFloat())))
			}

		case chunk.OpNot:
			vm.push(value.NewBool(vm.pop().IsFalsey()))

		case chunk.OpNegate:
			v := vm.peek(0)
			if !v.IsNumber() {
				return vm.runtimeError(frame, "Operand must be a number.")
			}
			vm.pop()
			if v.Kind == value.KindInt {
				vm.push(value.NewInt(-v.Int))
			} else {
				vm.push(value.NewFloat(-v.Float))
			}

		case chunk.OpPrint:
			fmt.Fprintln(vm.Stdout, vm.pop().String())

		case chunk.OpJump:
			offset := int(c.Code[frame.IP])<<8 | int(c.Code[frame.IP+1])
			frame.IP += 2 + offset

		case chunk.OpJumpIfFalse:
			offset := int(c.Code[frame.IP])<<8 | int(c.Code[frame.IP+1])
			frame.IP += 2
			if vm.peek(0).IsFalsey() {
				frame.IP += offset
			}

		case chunk.OpJumpIfTrue:
			offset := int(c.Code[frame.IP])<<8 | int(c.Code[frame.IP+1])
			frame.IP += 2
			if !vm.peek(0).IsFalsey() {
				frame.IP += offset
			}

		case chunk.OpLoop:
			offset := int(c.Code[frame.IP])<<8 | int(c.Code[frame.IP+1])
			frame.IP += 2 - offset

		case chunk.OpCall:
			argCount := int(c.Code[frame.IP])
			frame.IP++
			if err := vm.callValue(vm.peek(argCount), argCount); err != nil {
				return err
			}
			frame = vm.frames[vm.frameCount-1]
			c = frame.chunk()

		case chunk.OpInvoke:
			idx := c.Code[frame.IP]
			frame.IP++
			argCount := int(c.Code[frame.IP])
			frame.IP++
			name := c.Constants[idx].Obj.(string)
			if err := vm.invoke(name, argCount); err != nil {
				return err
			}
			frame = vm.frames[vm.frameCount-1]
			c = frame.chunk()

		case chunk.OpClosure:
			idx := c.Code[frame.IP]
			frame.IP++
			fn := c.Constants[idx].Obj.(*value.Function)
			closure := &value.Closure{Function: fn, Upvalues: make([]*value.UpvalueCell, fn.UpvalueCount)}
			for i := 0; i < fn.UpvalueCount; i++ {
				isLocal := c.Code[frame.IP]
				frame.IP++
				index := c.Code[frame.IP]
				frame.IP++
				if isLocal == 1 {
					closure.Upvalues[i] = vm.captureUpvalue(&vm.stack[frame.Slots+int(index)])
				} else {
					closure.Upvalues[i] = frame.Closure.Upvalues[index]
				}
			}
			vm.push(value.NewClosure(closure))

		case chunk.OpCloseUpvalue:
			vm.closeUpvalue(&vm.stack[vm.stackTop-1])
			vm.pop()

		case chunk.OpReturn:
			result := vm.pop()
			vm.closeUpvalue(&vm.stack[frame.Slots])
			vm.frameCount--
			if vm.frameCount == 0 {
				vm.pop() // the entry-point closure itself
				return nil
			}
			vm.stackTop = frame.Slots
			vm.push(result)
			frame = vm.frames[vm.frameCount-1]
			c = frame.chunk()

		default:
			return vm.runtimeError(frame, "Unknown opcode %d.", byte(op))
		}
	}
}

func (vm *VM) arith(frame *CallFrame, intOp func(a, b int64) int64, floatOp func(a, b float64) float64) error {
	b := vm.peek(0)
	a := vm.peek(1)
	if !a.IsNumber() || !b.IsNumber() {
		return vm.runtimeError(frame, "Operands must be numbers.")
	}
	vm.pop()
	vm.pop()
	if a.Kind == value.KindInt && b.Kind == value.KindInt {
		vm.push(value.NewInt(intOp(a.Int, b.Int)))
	} else {
		vm.push(value.NewFloat(floatOp(a.AsFloat(), b.AsFloat())))
	}
	return nil
}

func (vm *VM) compareNumeric(frame *CallFrame, op func(a, b float64) bool) error {
	b := vm.peek(0)
	a := vm.peek(1)
	if !a.IsNumber() || !b.IsNumber() {
		return vm.runtimeError(frame, "Operands must be numbers.")
	}
	vm.pop()
	vm.pop()
	vm.push(value.NewBool(op(a.AsFloat(), b.AsFloat())))
	return nil
}

// callValue dispatches a callee value: a Closure pushes a new frame, a
// Native runs inline, a Class instantiates (invoking init if present),
// and a BoundMethod rebinds the receiver into slot 0 before calling
// through as a Closure.
func (vm *VM) callValue(callee value.Value, argCount int) error {
	switch callee.Kind {
	case value.KindClosure:
		return vm.call(callee.Obj.(*value.Closure), argCount)

	case value.KindNative:
		native := callee.Obj.(*value.Native)
		args := make([]value.Value, argCount)
		copy(args, vm.stack[vm.stackTop-argCount:vm.stackTop])
		result := native.Fn(args)
		vm.stackTop -= argCount + 1
		if result.Kind == value.KindRuntimeError {
			frame := vm.frames[vm.frameCount-1]
			return vm.runtimeError(frame, "%s", result.Obj)
		}
		vm.push(result)
		return nil

	case value.KindClass:
		class := callee.Obj.(*value.Class)
		instance := value.NewInstance(class)
		vm.stack[vm.stackTop-argCount-1] = instance
		if initializer, ok := class.Methods["init"]; ok {
			return vm.call(initializer, argCount)
		}
		if argCount != 0 {
			frame := vm.frames[vm.frameCount-1]
			return vm.runtimeError(frame, "Expected 0 arguments but got %d.", argCount)
		}
		return nil

	case value.KindBoundMethod:
		bound := callee.Obj.(*value.BoundMethod)
		vm.stack[vm.stackTop-argCount-1] = bound.Receiver
		return vm.call(bound.Method, argCount)

	default:
		frame := vm.frames[vm.frameCount-1]
		return vm.runtimeError(frame, "Can only call functions and classes.")
	}
}

// invoke implements the OP_INVOKE fast path: a.b(args) looked up and
// called in one step without materializing an intermediate BoundMethod,
// except when "b" names a field holding a callable instead of a method.
func (vm *VM) invoke(name string, argCount int) error {
	receiver := vm.peek(argCount)
	if receiver.Kind != value.KindInstance {
		frame := vm.frames[vm.frameCount-1]
		return vm.runtimeError(frame, "Only instances have methods.")
	}
	inst := receiver.Obj.(*value.Instance)

	if field, ok := inst.Fields[name]; ok {
		vm.stack[vm.stackTop-argCount-1] = field
		return vm.callValue(field, argCount)
	}

	method, ok := inst.Class.Methods[name]
	if !ok {
		frame := vm.frames[vm.frameCount-1]
		return vm.runtimeError(frame, "Undefined property '%s'.", name)
	}
	return vm.call(method, argCount)
}

func (vm *VM) call(closure *value.Closure, argCount int) error {
	fn := closure.Function
	if argCount != fn.Arity {
		frame := vm.frames[vm.frameCount-1]
		return vm.runtimeError(frame, "Expected %d arguments but got %d.", fn.Arity, argCount)
	}
	if vm.frameCount == FramesMax {
		frame := vm.frames[vm.frameCount-1]
		return vm.runtimeError(frame, "Stack overflow.")
	}

	vm.frames[vm.frameCount] = &CallFrame{Closure: closure, IP: 0, Slots: vm.stackTop - argCount - 1}
	vm.frameCount++
	return nil
}

// captureUpvalue returns the existing open cell for local if one is
// already tracked, otherwise opens a new one. Cells are kept in a flat
// slice rather than clox's intrusive linked list since Go has no
// pointer-to-struct-field aliasing trick to thread through cheaply.
func (vm *VM) captureUpvalue(local *value.Value) *value.UpvalueCell {
	for _, cell := range vm.openUpvals {
		if cell.Location == local {
			return cell
		}
	}
	cell := &value.UpvalueCell{Location: local}
	vm.openUpvals = append(vm.openUpvals, cell)
	return cell
}

// closeUpvalue closes every open cell pointing at or above slot,
// hoisting their value onto the heap before the stack frame that owned
// them is torn down. Cells live in a flat slice rather than clox's
// intrusive linked list, so "at or above" is a pointer-address compare
// rather than a list-order compare; both locations alias vm.stack, so
// comparing via uintptr is safe the way it is for any Go VM that walks
// its own register/operand stack this way.
func (vm *VM) closeUpvalue(slot *value.Value) {
	threshold := uintptr(unsafe.Pointer(slot))
	kept := vm.openUpvals[:0]
	for _, cell := range vm.openUpvals {
		if uintptr(unsafe.Pointer(cell.Location)) >= threshold {
			cell.Close()
			continue
		}
		kept = append(kept, cell)
	}
	vm.openUpvals = kept
}

func (vm *VM) push(v value.Value) {
	vm.stack[vm.stackTop] = v
	vm.stackTop++
}

func (vm *VM) pop() value.Value {
	vm.stackTop--
	return vm.stack[vm.stackTop]
}

func (vm *VM) peek(distance int) value.Value {
	return vm.stack[vm.stackTop-1-distance]
}

// runtimeError builds a *RuntimeError carrying a source-position
// prefix plus a frame-by-frame traceback, then unwinds by resetting
// the frame and operand stacks; callers return it immediately.
func (vm *VM) runtimeError(frame *CallFrame, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	c := frame.chunk()
	line := 0
	if frame.IP > 0 && frame.IP <= len(c.Lines) {
		line = c.Lines[frame.IP-1]
	}
	full := fmt.Sprintf("[%s:%d] %s", c.FileName, line, msg)

	var traceback []string
	for i := vm.frameCount - 1; i >= 0; i-- {
		f := vm.frames[i]
		fc := f.chunk()
		fnLine := 0
		if f.IP > 0 && f.IP <= len(fc.Lines) {
			fnLine = fc.Lines[f.IP-1]
		}
		name := f.Closure.Function.Name
		if name == "" {
			name = "script"
		}
		traceback = append(traceback, fmt.Sprintf("[line %d] in %s()", fnLine, name))
	}

	vm.frameCount = 0
	vm.stackTop = 0
	return &RuntimeError{Message: full, Traceback: traceback}
}
