// Package chunk holds a compiled function body: instruction bytes, a
// constant pool, and a parallel line table mapping each instruction
// byte back to the source line that produced it.
package chunk

import (
	"fmt"

	"github.com/loxvm/loxvm/internal/value"
)

type OpCode byte

const (
	OpReturn OpCode = iota
	OpNegate
	OpAdd
	OpSubtract
	OpMultiply
	OpDivide
	OpModulo
	OpConstant
	OpNil
	OpTrue
	OpFalse
	OpNot
	OpEqual
	OpGreater
	OpLess
	OpPrint
	OpPop
	OpDefineGlobal
	OpGetGlobal
	OpSetGlobal
	OpGetLocal
	OpSetLocal
	OpJumpIfFalse
	OpJump
	OpLoop
	OpDuplicate
	OpJumpIfTrue
	OpCall
	OpClosure
	OpGetUpvalue
	OpSetUpvalue
	OpCloseUpvalue
	OpClass
	OpGetProperty
	OpSetProperty
	OpMethod
	OpInvoke
)

var opNames = map[OpCode]string{
	OpReturn:       "OP_RETURN",
	OpNegate:       "OP_NEGATE",
	OpAdd:          "OP_ADD",
	OpSubtract:     "OP_SUBTRACT",
	OpMultiply:     "OP_MULTIPLY",
	OpDivide:       "OP_DIVIDE",
	OpModulo:       "OP_MODULO",
	OpConstant:     "OP_CONSTANT",
	OpNil:          "OP_NIL",
	OpTrue:         "OP_TRUE",
	OpFalse:        "OP_FALSE",
	OpNot:          "OP_NOT",
	OpEqual:        "OP_EQUAL",
	OpGreater:      "OP_GREATER",
	OpLess:         "OP_LESS",
	OpPrint:        "OP_PRINT",
	OpPop:          "OP_POP",
	OpDefineGlobal: "OP_DEFINE_GLOBAL",
	OpGetGlobal:    "OP_GET_GLOBAL",
	OpSetGlobal:    "OP_SET_GLOBAL",
	OpGetLocal:     "OP_GET_LOCAL",
	OpSetLocal:     "OP_SET_LOCAL",
	OpJumpIfFalse:  "OP_JUMP_IF_FALSE",
	OpJump:         "OP_JUMP",
	OpLoop:         "OP_LOOP",
	OpDuplicate:    "OP_DUPLICATE",
	OpJumpIfTrue:   "OP_JUMP_IF_TRUE",
	OpCall:         "OP_CALL",
	OpClosure:      "OP_CLOSURE",
	OpGetUpvalue:   "OP_GET_UPVALUE",
	OpSetUpvalue:   "OP_SET_UPVALUE",
	OpCloseUpvalue: "OP_CLOSE_UPVALUE",
	OpClass:        "OP_CLASS",
	OpGetProperty:  "OP_GET_PROPERTY",
	OpSetProperty:  "OP_SET_PROPERTY",
	OpMethod:       "OP_METHOD",
	OpInvoke:       "OP_INVOKE",
}

func (op OpCode) String() string {
	if s, ok := opNames[op]; ok {
		return s
	}
	return fmt.Sprintf("OP_%d", byte(op))
}

// Chunk is an append-only instruction stream for one Function. Code and
// Lines are kept parallel: Lines[i] is the source line that produced
// Code[i]. Constants is indexed by a single byte, so a chunk can hold
// at most 256 constants.
type Chunk struct {
	Code      []byte
	Constants []value.Value
	Lines     []int
	FileName  string
}

func New(fileName string) *Chunk {
	return &Chunk{FileName: fileName}
}

// Write appends one instruction byte produced by source line.
func (c *Chunk) Write(b byte, line int) {
	c.Code = append(c.Code, b)
	c.Lines = append(c.Lines, line)
}

// AddConstant appends v to the constant pool and returns its index.
// Callers must check the pool size themselves (compile error at 256);
// AddConstant does not enforce the limit so it stays reusable for
// callers that have already enforced it.
func (c *Chunk) AddConstant(v value.Value) int {
	c.Constants = append(c.Constants, v)
	return len(c.Constants) - 1
}

// Patch overwrites a single previously-written byte; used only to
// back-patch jump operands once their target offset is known.
func (c *Chunk) Patch(offset int, b byte) {
	c.Code[offset] = b
}

// Disassemble prints a human-readable listing of this chunk to stdout.
// This is a debug aid, not the disassembler component the surrounding
// spec keeps external to the VM core.
func (c *Chunk) Disassemble(name string) {
	fmt.Printf("== %s ==\n", name)
	for offset := 0; offset < len(c.Code); {
		offset = c.DisassembleInstruction(offset)
	}
}

// DisassembleAll disassembles this chunk and, recursively, every nested
// Function chunk reachable through its constant pool.
func (c *Chunk) DisassembleAll(name string) {
	c.Disassemble(name)
	for _, constant := range c.Constants {
		if fn, ok := constant.Obj.(*value.Function); ok && fn.Chunk != nil {
			if fnChunk, ok := fn.Chunk.(*Chunk); ok {
				fmt.Println()
				fnChunk.DisassembleAll(fn.Name)
			}
		}
	}
}

func (c *Chunk) DisassembleInstruction(offset int) int {
	fmt.Printf("%04d ", offset)
	if offset > 0 && c.Lines[offset] == c.Lines[offset-1] {
		fmt.Print("   | ")
	} else {
		fmt.Printf("%4d ", c.Lines[offset])
	}

	op := OpCode(c.Code[offset])
	switch op {
	case OpConstant, OpDefineGlobal, OpGetGlobal, OpSetGlobal, OpClass,
		OpGetProperty, OpSetProperty, OpMethod:
		return c.constantInstruction(op, offset)
	case OpGetLocal, OpSetLocal, OpGetUpvalue, OpSetUpvalue, OpCall:
		return c.byteInstruction(op, offset)
	case OpJump, OpJumpIfFalse, OpJumpIfTrue, OpLoop:
		return c.jumpInstruction(op, offset)
	case OpClosure:
		return c.closureInstruction(offset)
	case OpInvoke:
		return c.invokeInstruction(offset)
	default:
		fmt.Println(op)
		return offset + 1
	}
}

func (c *Chunk) constantInstruction(op OpCode, offset int) int {
	constant := c.Code[offset+1]
	fmt.Printf("%-18s %4d '%s'\n", op, constant, c.Constants[constant].String())
	return offset + 2
}

func (c *Chunk) byteInstruction(op OpCode, offset int) int {
	slot := c.Code[offset+1]
	fmt.Printf("%-18s %4d\n", op, slot)
	return offset + 2
}

func (c *Chunk) jumpInstruction(op OpCode, offset int) int {
	jump := int(c.Code[offset+1])<<8 | int(c.Code[offset+2])
	sign := 1
	if op == OpLoop {
		sign = -1
	}
	fmt.Printf("%-18s %4d -> %d\n", op, offset, offset+3+sign*jump)
	return offset + 3
}

func (c *Chunk) closureInstruction(offset int) int {
	offset++
	constant := c.Code[offset]
	offset++
	fmt.Printf("%-18s %4d '%s'\n", OpClosure, constant, c.Constants[constant].String())

	if fn, ok := c.Constants[constant].Obj.(*value.Function); ok {
		for i := 0; i < fn.UpvalueCount; i++ {
			isLocal := c.Code[offset]
			offset++
			index := c.Code[offset]
			offset++
			kind := "upvalue"
			if isLocal == 1 {
				kind = "local"
			}
			fmt.Printf("%04d      |                     %s %d\n", offset-2, kind, index)
		}
	}
	return offset
}

func (c *Chunk) invokeInstruction(offset int) int {
	constant := c.Code[offset+1]
	argCount := c.Code[offset+2]
	fmt.Printf("%-18s (%d args) %4d '%s'\n", OpInvoke, argCount, constant, c.Constants[constant].String())
	return offset + 3
}
