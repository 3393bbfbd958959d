package keyscript

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"

	"golang.org/x/crypto/sha3"
)

// newRuntime creates a goja VM with the console and utils bindings available to key scripts
func newRuntime(logger zerolog.Logger) *goja.Runtime {
	vm := goja.New()
	setupConsole(vm, logger)
	setupUtils(vm)
	return vm
}

func exportArgs(call goja.FunctionCall) []interface{} {
	args := make([]interface{}, len(call.Arguments))
	for i, arg := range call.Arguments {
		args[i] = arg.Export()
	}
	return args
}

// setupConsole routes console.* calls to the logger
func setupConsole(vm *goja.Runtime, logger zerolog.Logger) {
	console := vm.NewObject()

	levels := map[string]func() *zerolog.Event{
		"log":   logger.Info,
		"error": logger.Error,
		"warn":  logger.Warn,
		"debug": logger.Debug,
	}
	for name, level := range levels {
		level := level
		console.Set(name, func(call goja.FunctionCall) goja.Value {
			level().Msgf("[keyscript] %v", exportArgs(call))
			return goja.Undefined()
		})
	}

	vm.Set("console", console)
}

// setupUtils exposes hashing helpers for deriving keys from request params
func setupUtils(vm *goja.Runtime) {
	utils := vm.NewObject()

	// keccak256 hashes a 0x-prefixed hex string as bytes, any other string as UTF-8
	utils.Set("keccak256", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			panic(vm.ToValue("keccak256 requires an argument"))
		}
		data, err := decodeInput(call.Arguments[0].String())
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		hash := sha3.NewLegacyKeccak256()
		hash.Write(data)
		return vm.ToValue("0x" + hex.EncodeToString(hash.Sum(nil)))
	})

	// shard maps a string onto one of n buckets
	utils.Set("shard", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 2 {
			panic(vm.ToValue("shard requires value and bucket count"))
		}
		n := call.Arguments[1].ToInteger()
		if n <= 0 {
			panic(vm.ToValue("shard bucket count must be positive"))
		}
		hash := sha3.NewLegacyKeccak256()
		hash.Write([]byte(strings.ToLower(call.Arguments[0].String())))
		sum := hash.Sum(nil)
		var v uint64
		for _, b := range sum[:8] {
			v = v<<8 | uint64(b)
		}
		return vm.ToValue(int64(v % uint64(n)))
	})

	vm.Set("utils", utils)
}

func decodeInput(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "0x") {
		return []byte(s), nil
	}
	data, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid hex input: %v", err)
	}
	return data, nil
}
