package vm

import (
	"fmt"
	"strings"
	"testing"

	"github.com/loxvm/loxvm/internal/compiler"
	"github.com/loxvm/loxvm/internal/value"
)

type vmTestCase struct {
	input    string
	expected interface{}
}

func TestIntegerArithmetic(t *testing.T) {
	tests := []vmTestCase{
		{"1", int64(1)},
		{"1 + 2", int64(3)},
		{"1 - 2", int64(-1)},
		{"1 * 2", int64(2)},
		{"4 / 2", int64(2)},
		{"7 % 2", int64(1)},
		{"50 / 2 * 2 + 10", int64(60)},
		{"2 * (5 + 10)", int64(30)},
		{"(5 + 10 * 2 + 15 / 3) * 2 + -10", int64(50)},
	}
	runVMTests(t, tests)
}

func TestBooleanLogic(t *testing.T) {
	tests := []vmTestCase{
		{"true", true},
		{"false", false},
		{"1 < 2", true},
		{"1 > 2", false},
		{"1 == 1", true},
		{"1 != 1", false},
		{"true and false", false},
		{"true or false", true},
		{"!true", false},
		{"!false", true},
	}
	runVMTests(t, tests)
}

func TestStringConcatenation(t *testing.T) {
	tests := []vmTestCase{
		{`"foo" + "bar"`, "foobar"},
	}
	runVMTests(t, tests)
}

func runVMTests(t *testing.T, tests []vmTestCase) {
	for _, tt := range tests {
		input := fmt.Sprintf("test_report(%s);", tt.input)

		fn, err := compiler.Compile(input, "test")
		if err != nil {
			t.Fatalf("compile error for %q: %v", tt.input, err)
		}

		machine := New()
		var captured value.Value = value.NewNil()
		machine.DefineNative("test_report", func(args []value.Value) value.Value {
			if len(args) > 0 {
				captured = args[0]
			}
			return value.NewNil()
		})

		if err := machine.Interpret(fn); err != nil {
			t.Fatalf("runtime error for %q: %v", tt.input, err)
		}

		checkExpected(t, tt.input, tt.expected, captured)
	}
}

func checkExpected(t *testing.T, input string, expected interface{}, actual value.Value) {
	switch want := expected.(type) {
	case int64:
		if actual.Kind != value.KindInt {
			t.Errorf("%q: expected Int, got %v", input, actual.Kind)
			return
		}
		if actual.Int != want {
			t.Errorf("%q: expected %d, got %d", input, want, actual.Int)
		}
	case bool:
		if actual.Kind != value.KindBool {
			t.Errorf("%q: expected Bool, got %v", input, actual.Kind)
			return
		}
		if actual.Bool != want {
			t.Errorf("%q: expected %t, got %t", input, want, actual.Bool)
		}
	case string:
		if actual.Kind != value.KindString {
			t.Errorf("%q: expected String, got %v", input, actual.Kind)
			return
		}
		if actual.Obj.(string) != want {
			t.Errorf("%q: expected %q, got %q", input, want, actual.Obj.(string))
		}
	}
}

func TestPrintWritesToStdout(t *testing.T) {
	fn, err := compiler.Compile(`print "hello";`, "test")
	if err != nil {
		t.Fatalf("compile error: %v", err)
	}
	var buf strings.Builder
	machine := New()
	machine.Stdout = &buf
	if err := machine.Interpret(fn); err != nil {
		t.Fatalf("runtime error: %v", err)
	}
	if got := buf.String(); got != "hello\n" {
		t.Fatalf("expected %q, got %q", "hello\n", got)
	}
}

func TestClosureCapturesUpvalue(t *testing.T) {
	src := `
fun makeCounter() {
  var i = 0;
  fun count() {
    i = i + 1;
    return i;
  }
  return count;
}
var counter = makeCounter();
counter();
counter();
test_report(counter());
`
	fn, err := compiler.Compile(src, "test")
	if err != nil {
		t.Fatalf("compile error: %v", err)
	}
	machine := New()
	var captured value.Value
	machine.DefineNative("test_report", func(args []value.Value) value.Value {
		captured = args[0]
		return value.NewNil()
	})
	if err := machine.Interpret(fn); err != nil {
		t.Fatalf("runtime error: %v", err)
	}
	if captured.Kind != value.KindInt || captured.Int != 3 {
		t.Fatalf("expected counter to reach 3, got %v", captured)
	}
}

func TestClosureSurvivesIntermediateCallOnSameFrameAddress(t *testing.T) {
	src := `
fun mk() {
  var a = 1;
  var b = 2;
  fun getB() { return b; }
  return getB;
}
fun filler() {
  var p = 10;
  var q = 20;
  var r = 30;
  var s = 40;
  return p + q + r + s;
}
var g = mk();
filler();
test_report(g());
`
	fn, err := compiler.Compile(src, "test")
	if err != nil {
		t.Fatalf("compile error: %v", err)
	}
	machine := New()
	var captured value.Value
	machine.DefineNative("test_report", func(args []value.Value) value.Value {
		captured = args[0]
		return value.NewNil()
	})
	if err := machine.Interpret(fn); err != nil {
		t.Fatalf("runtime error: %v", err)
	}
	if captured.Kind != value.KindInt || captured.Int != 2 {
		t.Fatalf("expected closed-over b to still read 2 after an intervening call reused its frame slots, got %v", captured)
	}
}

func TestClassInitAndMethod(t *testing.T) {
	src := `
class Counter {
  init() {
    this.count = 0;
  }
  increment() {
    this.count = this.count + 1;
    return this.count;
  }
}
var c = Counter();
c.increment();
test_report(c.increment());
`
	fn, err := compiler.Compile(src, "test")
	if err != nil {
		t.Fatalf("compile error: %v", err)
	}
	machine := New()
	var captured value.Value
	machine.DefineNative("test_report", func(args []value.Value) value.Value {
		captured = args[0]
		return value.NewNil()
	})
	if err := machine.Interpret(fn); err != nil {
		t.Fatalf("runtime error: %v", err)
	}
	if captured.Kind != value.KindInt || captured.Int != 2 {
		t.Fatalf("expected count to reach 2, got %v", captured)
	}
}

func TestRuntimeErrorOnUndefinedVariable(t *testing.T) {
	fn, err := compiler.Compile(`print undefined_name;`, "test")
	if err != nil {
		t.Fatalf("compile error: %v", err)
	}
	machine := New()
	err = machine.Interpret(fn)
	if err == nil {
		t.Fatalf("expected a runtime error")
	}
	if _, ok := err.(*RuntimeError); !ok {
		t.Fatalf("expected *RuntimeError, got %T", err)
	}
}
