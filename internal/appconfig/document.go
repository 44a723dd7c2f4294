// Package appconfig reads, patches and rewrites the node's app.js, the
// CommonJS module that tells each core process which plugins to load.
package appconfig

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dop251/goja"
)

// Undefined is stored for properties whose value is undefined
var Undefined = undefinedValue{}

type undefinedValue struct{}

// Object is a JavaScript object whose keys keep their declaration order
type Object struct {
	keys   []string
	values map[string]any
}

// NewObject returns an empty object
func NewObject() *Object {
	return &Object{values: make(map[string]any)}
}

// Keys returns the keys in declaration order
func (o *Object) Keys() []string {
	return append([]string(nil), o.keys...)
}

// Get returns the value stored under key
func (o *Object) Get(key string) (any, bool) {
	v, ok := o.values[key]
	return v, ok
}

// Set stores value under key. New keys are appended, existing keys keep
// their position.
func (o *Object) Set(key string, value any) {
	if _, ok := o.values[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.values[key] = value
}

// Document is a parsed app.js. Values are *Object, []any, string, int64,
// float64, bool, nil or Undefined.
type Document struct {
	Path string
	Root *Object
}

// Load evaluates the app.js at path and captures what it assigns to
// module.exports.
func Load(path string) (*Document, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read app config: %w", err)
	}
	root, err := Parse(path, string(src))
	if err != nil {
		return nil, err
	}
	return &Document{Path: path, Root: root}, nil
}

// Parse evaluates src as a CommonJS module. name is only used in error
// messages.
func Parse(name, src string) (*Object, error) {
	vm := goja.New()

	module := vm.NewObject()
	exports := vm.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, err
	}
	if err := vm.Set("module", module); err != nil {
		return nil, err
	}
	if err := vm.Set("exports", exports); err != nil {
		return nil, err
	}
	if err := vm.Set("process", map[string]any{"env": environ()}); err != nil {
		return nil, err
	}

	if _, err := vm.RunScript(name, src); err != nil {
		return nil, fmt.Errorf("failed to evaluate %s: %w", name, err)
	}

	value, err := fromJS(vm, module.Get("exports"), "module.exports")
	if err != nil {
		return nil, err
	}
	root, ok := value.(*Object)
	if !ok {
		return nil, fmt.Errorf("%s does not export an object", name)
	}
	return root, nil
}

func environ() map[string]any {
	env := make(map[string]any)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// fromJS copies a goja value into the ordered tree
func fromJS(vm *goja.Runtime, v goja.Value, at string) (any, error) {
	if v == nil || goja.IsUndefined(v) {
		return Undefined, nil
	}
	if goja.IsNull(v) {
		return nil, nil
	}

	switch exported := v.Export().(type) {
	case string, bool, int64, float64:
		return exported, nil
	case []any:
		obj := v.ToObject(vm)
		length := obj.Get("length").ToInteger()
		list := make([]any, 0, length)
		for i := int64(0); i < length; i++ {
			item, err := fromJS(vm, obj.Get(strconv.FormatInt(i, 10)), fmt.Sprintf("%s[%d]", at, i))
			if err != nil {
				return nil, err
			}
			list = append(list, item)
		}
		return list, nil
	case map[string]any:
		obj := v.ToObject(vm)
		out := NewObject()
		for _, key := range obj.Keys() {
			item, err := fromJS(vm, obj.Get(key), at+"."+key)
			if err != nil {
				return nil, err
			}
			out.Set(key, item)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value of type %T at %s", exported, at)
	}
}

var (
	ErrNoIncludeList = errors.New("forger plugin include list is not an array")
)

// IncludePath is where the forger's plugin list lives in app.js
var IncludePath = []string{"cli", "forger", "run", "plugins", "include"}

// Includes returns the forger plugin include list. A missing list is
// returned as nil without error.
func (d *Document) Includes() ([]string, error) {
	current := d.Root
	for _, key := range IncludePath[:len(IncludePath)-1] {
		next, ok := current.Get(key)
		if !ok {
			return nil, nil
		}
		obj, ok := next.(*Object)
		if !ok {
			return nil, fmt.Errorf("%s: %w", strings.Join(IncludePath, "."), ErrNoIncludeList)
		}
		current = obj
	}

	raw, ok := current.Get(IncludePath[len(IncludePath)-1])
	if !ok {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%s: %w", strings.Join(IncludePath, "."), ErrNoIncludeList)
	}

	includes := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			includes = append(includes, s)
		}
	}
	return includes, nil
}

// AddInclude appends plugin to the forger include list unless it is
// already there. It reports whether the document changed.
func (d *Document) AddInclude(plugin string) (bool, error) {
	current := d.Root
	for _, key := range IncludePath[:len(IncludePath)-1] {
		next, ok := current.Get(key)
		if !ok {
			obj := NewObject()
			current.Set(key, obj)
			current = obj
			continue
		}
		obj, ok := next.(*Object)
		if !ok {
			return false, fmt.Errorf("%s: %w", strings.Join(IncludePath, "."), ErrNoIncludeList)
		}
		current = obj
	}

	last := IncludePath[len(IncludePath)-1]
	var list []any
	if raw, ok := current.Get(last); ok {
		if list, ok = raw.([]any); !ok {
			return false, fmt.Errorf("%s: %w", strings.Join(IncludePath, "."), ErrNoIncludeList)
		}
	}

	for _, item := range list {
		if s, ok := item.(string); ok && s == plugin {
			return false, nil
		}
	}

	current.Set(last, append(list, plugin))
	return true, nil
}
