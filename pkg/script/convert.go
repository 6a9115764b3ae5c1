package script

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/Shopify/go-lua"
)

// maxDepth bounds nesting in both directions; it also stops self-referencing
// Lua tables from recursing forever.
const maxDepth = 64

var errTooDeep = errors.New("value nesting exceeds limit")

// pushValue pushes a JSON-compatible Go value onto the Lua stack.
func pushValue(l *lua.State, value any, depth int) error {
	if depth > maxDepth {
		return errTooDeep
	}

	switch v := value.(type) {
	case nil:
		l.PushNil()
	case bool:
		l.PushBoolean(v)
	case string:
		l.PushString(v)
	case int:
		l.PushInteger(v)
	case int64:
		l.PushNumber(float64(v))
	case float64:
		l.PushNumber(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return fmt.Errorf("number %q: %w", v.String(), err)
		}
		l.PushNumber(f)
	case []any:
		l.CreateTable(len(v), 0)
		for i, item := range v {
			if err := pushValue(l, item, depth+1); err != nil {
				l.Pop(1)
				return err
			}
			l.RawSetInt(-2, i+1)
		}
	case map[string]any:
		l.CreateTable(0, len(v))
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := pushValue(l, v[k], depth+1); err != nil {
				l.Pop(1)
				return err
			}
			l.SetField(-2, k)
		}
	default:
		return fmt.Errorf("unsupported input type %T", value)
	}
	return nil
}

// toGo converts the Lua value at index into a JSON-compatible Go value.
func toGo(l *lua.State, index int, depth int) (any, error) {
	switch l.TypeOf(index) {
	case lua.TypeNil, lua.TypeNone:
		return nil, nil
	case lua.TypeBoolean:
		return l.ToBoolean(index), nil
	case lua.TypeString:
		s, _ := l.ToString(index)
		return s, nil
	case lua.TypeNumber:
		n, _ := l.ToNumber(index)
		return normalizeNumber(n)
	case lua.TypeTable:
		return tableToGo(l, index, depth+1)
	default:
		return nil, fmt.Errorf("cannot convert lua %s to JSON", lua.TypeNameOf(l, index))
	}
}

func tableToGo(l *lua.State, index int, depth int) (any, error) {
	if depth > maxDepth {
		return nil, errTooDeep
	}
	index = l.AbsIndex(index)

	isArray := true
	maxIndex := 0
	count := 0
	l.PushNil()
	for l.Next(index) {
		count++
		if isArray {
			if l.TypeOf(-2) != lua.TypeNumber {
				isArray = false
			} else if idx, ok := l.ToInteger(-2); ok && idx > 0 && float64(idx) == mustNumber(l, -2) {
				if idx > maxIndex {
					maxIndex = idx
				}
			} else {
				isArray = false
			}
		}
		l.Pop(1)
	}

	if isArray && count > 0 && maxIndex == count {
		out := make([]any, 0, maxIndex)
		for i := 1; i <= maxIndex; i++ {
			l.RawGetInt(index, i)
			v, err := toGo(l, -1, depth)
			l.Pop(1)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}

	out := make(map[string]any, count)
	l.PushNil()
	for l.Next(index) {
		key, err := tableKey(l, -2)
		if err != nil {
			l.Pop(2)
			return nil, err
		}
		v, err := toGo(l, -1, depth)
		if err != nil {
			l.Pop(2)
			return nil, err
		}
		out[key] = v
		l.Pop(1)
	}
	return out, nil
}

// tableKey stringifies a key without calling ToString on the key slot itself,
// which would confuse Next.
func tableKey(l *lua.State, index int) (string, error) {
	switch l.TypeOf(index) {
	case lua.TypeString:
		l.PushValue(index)
		s, _ := l.ToString(-1)
		l.Pop(1)
		return s, nil
	case lua.TypeNumber:
		n := mustNumber(l, index)
		if n == math.Trunc(n) && !math.IsInf(n, 0) {
			return strconv.FormatInt(int64(n), 10), nil
		}
		return strconv.FormatFloat(n, 'g', -1, 64), nil
	case lua.TypeBoolean:
		return strconv.FormatBool(l.ToBoolean(index)), nil
	default:
		return "", fmt.Errorf("unsupported table key type %s", lua.TypeNameOf(l, index))
	}
}

func mustNumber(l *lua.State, index int) float64 {
	n, _ := l.ToNumber(index)
	return n
}

func normalizeNumber(n float64) (any, error) {
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return nil, fmt.Errorf("number %v is not representable in JSON", n)
	}
	if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
		return int64(n), nil
	}
	return n, nil
}
