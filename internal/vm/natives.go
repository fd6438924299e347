package vm

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loxvm/loxvm/internal/value"
)

// defineNatives installs every built-in native function. clock, sqrt,
// input, throw, open and exit are the minimal set; the rest (uuid,
// str_*, sqlite_*, sys_*, plugin_call) round the runtime out with the
// same families of host capability a real scripting VM carries.
func (vm *VM) defineNatives() {
	vm.DefineNative("clock", func(args []value.Value) value.Value {
		return value.NewFloat(float64(time.Now().UnixNano()) / 1e9)
	})

	vm.DefineNative("sqrt", func(args []value.Value) value.Value {
		if len(args) != 1 || !args[0].IsNumber() {
			return value.NewRuntimeError("sqrt() expects one numeric argument")
		}
		return value.NewFloat(math.Sqrt(args[0].AsFloat()))
	})

	vm.DefineNative("input", func(args []value.Value) value.Value {
		reader := bufio.NewReader(vm.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return value.NewString("")
		}
		return value.NewString(strings.TrimRight(line, "\r\n"))
	})

	vm.DefineNative("throw", func(args []value.Value) value.Value {
		if len(args) == 0 {
			return value.NewRuntimeError("uncaught exception")
		}
		return value.NewRuntimeError(args[0].String())
	})

	vm.DefineNative("open", func(args []value.Value) value.Value {
		if len(args) != 1 || args[0].Kind != value.KindString {
			return value.NewRuntimeError("open() expects a path string")
		}
		path := args[0].Obj.(string)
		if !filepath.IsAbs(path) {
			path = filepath.Join(vm.Config.RootPath, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return value.NewRuntimeError(fmt.Sprintf("open: %v", err))
		}
		return value.NewString(string(data))
	})

	vm.DefineNative("exit", func(args []value.Value) value.Value {
		code := 0
		if len(args) == 1 && args[0].Kind == value.KindInt {
			code = int(args[0].Int)
		}
		os.Exit(code)
		return value.NewNil()
	})

	vm.DefineNative("uuid", func(args []value.Value) value.Value {
		return value.NewString(uuid.NewString())
	})

	vm.DefineNative("str_upper", func(args []value.Value) value.Value {
		s, err := stringArg(args, 0, "str_upper")
		if err != "" {
			return value.NewRuntimeError(err)
		}
		return value.NewString(strings.ToUpper(s))
	})

	vm.DefineNative("str_lower", func(args []value.Value) value.Value {
		s, err := stringArg(args, 0, "str_lower")
		if err != "" {
			return value.NewRuntimeError(err)
		}
		return value.NewString(strings.ToLower(s))
	})

	vm.DefineNative("str_trim", func(args []value.Value) value.Value {
		s, err := stringArg(args, 0, "str_trim")
		if err != "" {
			return value.NewRuntimeError(err)
		}
		return value.NewString(strings.TrimSpace(s))
	})

	vm.DefineNative("str_split", func(args []value.Value) value.Value {
		if len(args) != 2 || args[0].Kind != value.KindString || args[1].Kind != value.KindString {
			return value.NewRuntimeError("str_split() expects (string, string)")
		}
		parts := strings.Split(args[0].Obj.(string), args[1].Obj.(string))
		elems := make([]value.Value, len(parts))
		for i, p := range parts {
			elems[i] = value.NewString(p)
		}
		return value.NewList(elems)
	})

	vm.DefineNative("sys_getenv", func(args []value.Value) value.Value {
		s, err := stringArg(args, 0, "sys_getenv")
		if err != "" {
			return value.NewRuntimeError(err)
		}
		return value.NewString(os.Getenv(s))
	})

	vm.DefineNative("sqlite_open", func(args []value.Value) value.Value {
		path, err := stringArg(args, 0, "sqlite_open")
		if err != "" {
			return value.NewRuntimeError(err)
		}
		if !filepath.IsAbs(path) && path != ":memory:" {
			path = filepath.Join(vm.Config.RootPath, path)
		}
		handle, openErr := vm.store.Open(path)
		if openErr != nil {
			return value.NewRuntimeError(fmt.Sprintf("sqlite_open: %v", openErr))
		}
		return value.NewInt(int64(handle))
	})

	vm.DefineNative("sqlite_exec", func(args []value.Value) value.Value {
		if len(args) != 2 || args[0].Kind != value.KindInt || args[1].Kind != value.KindString {
			return value.NewRuntimeError("sqlite_exec() expects (int handle, string sql)")
		}
		if err := vm.store.Exec(int(args[0].Int), args[1].Obj.(string)); err != nil {
			return value.NewRuntimeError(fmt.Sprintf("sqlite_exec: %v", err))
		}
		return value.NewNil()
	})

	vm.DefineNative("sqlite_query", func(args []value.Value) value.Value {
		if len(args) != 2 || args[0].Kind != value.KindInt || args[1].Kind != value.KindString {
			return value.NewRuntimeError("sqlite_query() expects (int handle, string sql)")
		}
		rows, err := vm.store.Query(int(args[0].Int), args[1].Obj.(string))
		if err != nil {
			return value.NewRuntimeError(fmt.Sprintf("sqlite_query: %v", err))
		}
		elems := make([]value.Value, len(rows))
		for i, row := range rows {
			fields := make(map[string]value.Value, len(row))
			for col, raw := range row {
				fields[col] = rowValueToValue(raw)
			}
			elems[i] = value.Value{Kind: value.KindInstance, Obj: &value.Instance{Class: value.ListClass, Fields: fields}}
		}
		return value.NewList(elems)
	})

	vm.DefineNative("sqlite_close", func(args []value.Value) value.Value {
		if len(args) != 1 || args[0].Kind != value.KindInt {
			return value.NewRuntimeError("sqlite_close() expects an int handle")
		}
		if err := vm.store.Close(int(args[0].Int)); err != nil {
			return value.NewRuntimeError(fmt.Sprintf("sqlite_close: %v", err))
		}
		return value.NewNil()
	})

	vm.DefineNative("sys_load_plugin", func(args []value.Value) value.Value {
		if len(args) != 2 || args[0].Kind != value.KindString || args[1].Kind != value.KindString {
			return value.NewRuntimeError("sys_load_plugin() expects (string name, string executable)")
		}
		if _, err := vm.plugins.Load(args[0].Obj.(string), args[1].Obj.(string)); err != nil {
			return value.NewRuntimeError(fmt.Sprintf("sys_load_plugin: %v", err))
		}
		return value.NewBool(true)
	})

	vm.DefineNative("plugin_call", func(args []value.Value) value.Value {
		if len(args) < 2 || args[0].Kind != value.KindString || args[1].Kind != value.KindString {
			return value.NewRuntimeError("plugin_call() expects (string plugin, string method, ...)")
		}
		client, ok := vm.plugins.Get(args[0].Obj.(string))
		if !ok {
			return value.NewRuntimeError(fmt.Sprintf("plugin_call: plugin %q is not loaded", args[0].Obj.(string)))
		}
		return client.Call(args[1].Obj.(string), args[2:])
	})
}

func stringArg(args []value.Value, i int, name string) (string, string) {
	if len(args) <= i || args[i].Kind != value.KindString {
		return "", fmt.Sprintf("%s() expects a string argument", name)
	}
	return args[i].Obj.(string), ""
}

// rowValueToValue converts one database/sql-scanned column back into a
// script Value; sqlite surfaces columns as int64, float64, string,
// []byte or nil.
func rowValueToValue(raw interface{}) value.Value {
	switch v := raw.(type) {
	case nil:
		return value.NewNil()
	case int64:
		return value.NewInt(v)
	case float64:
		return value.NewFloat(v)
	case string:
		return value.NewString(v)
	case []byte:
		return value.NewString(string(v))
	case bool:
		return value.NewBool(v)
	default:
		return value.NewString(fmt.Sprintf("%v", v))
	}
}
