package keyscript

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dop251/goja"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"rpcbatcher/internal/jsonrpc"
)

const (
	// DefaultMemoSize is the number of memoized partition keys
	DefaultMemoSize = 4096
	// DefaultTimeout bounds a single partitionKey evaluation
	DefaultTimeout = 100 * time.Millisecond

	functionName = "partitionKey"
)

// ErrTimeout is returned when partitionKey runs longer than the configured timeout
var ErrTimeout = errors.New("partitionKey timed out")

// Script evaluates a user supplied partitionKey(request) function.
//
// The function receives {group, method, params} and returns a string. An
// empty string, null or undefined means the request has no sub-key and is
// batched with the rest of its group. Results are memoized, so the function
// must be pure.
type Script struct {
	vm      *goja.Runtime
	fn      goja.Callable
	memo    *lru.Cache[string, string]
	timeout time.Duration
	logger  zerolog.Logger

	mu sync.Mutex
}

// Load reads and compiles a key script file
func Load(path string, logger zerolog.Logger) (*Script, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key script: %w", err)
	}
	s, err := New(string(content), logger)
	if err != nil {
		return nil, fmt.Errorf("key script %s: %w", path, err)
	}
	s.logger.Info().Str("file", path).Msg("key script loaded")
	return s, nil
}

// New compiles a key script from source
func New(source string, logger zerolog.Logger) (*Script, error) {
	logger = logger.With().Str("component", "keyscript").Logger()

	vm := newRuntime(logger)
	if _, err := vm.RunString(source); err != nil {
		return nil, fmt.Errorf("script error: %w", err)
	}

	fn, ok := goja.AssertFunction(vm.Get(functionName))
	if !ok {
		return nil, fmt.Errorf("function %s not defined", functionName)
	}

	memo, err := lru.New[string, string](DefaultMemoSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create memo cache: %w", err)
	}

	return &Script{
		vm:      vm,
		fn:      fn,
		memo:    memo,
		timeout: DefaultTimeout,
		logger:  logger,
	}, nil
}

// SetTimeout sets the evaluation timeout
func (s *Script) SetTimeout(timeout time.Duration) {
	s.mu.Lock()
	s.timeout = timeout
	s.mu.Unlock()
}

// PartitionKey returns the script's key for a request of a group
func (s *Script) PartitionKey(group string, req *jsonrpc.Request) (string, error) {
	memoKey := memoKey(group, req.Method, req.Params)
	if key, ok := s.memo.Get(memoKey); ok {
		return key, nil
	}

	var params interface{}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return "", fmt.Errorf("invalid params: %w", err)
		}
	}

	key, err := s.call(map[string]interface{}{
		"group":  group,
		"method": req.Method,
		"params": params,
	})
	if err != nil {
		return "", err
	}

	s.memo.Add(memoKey, key)
	return key, nil
}

// call runs the function on the shared VM; goja runtimes are not goroutine safe
func (s *Script) call(arg map[string]interface{}) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := time.AfterFunc(s.timeout, func() {
		s.vm.Interrupt(ErrTimeout)
	})
	result, err := s.fn(goja.Undefined(), s.vm.ToValue(arg))
	timer.Stop()
	s.vm.ClearInterrupt()

	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			s.logger.Warn().Str("method", fmt.Sprint(arg["method"])).Dur("timeout", s.timeout).Msg("partitionKey timed out")
			return "", ErrTimeout
		}
		var jsErr *goja.Exception
		if errors.As(err, &jsErr) {
			return "", fmt.Errorf("%s: %s", functionName, jsErr.String())
		}
		return "", fmt.Errorf("%s: %w", functionName, err)
	}

	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return "", nil
	}
	return result.String(), nil
}

// MemoLen returns the number of memoized keys
func (s *Script) MemoLen() int {
	return s.memo.Len()
}

func memoKey(group, method string, params json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(group))
	h.Write([]byte{0})
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write(params)
	return hex.EncodeToString(h.Sum(nil))
}
