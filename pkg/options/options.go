package options

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
)

var (
	ErrInvalidArgs = errors.New("invalid args")
)

// OptionValue API
// o = &OptionValue{}
// o.Set("", val)
// o.Set("path", val1, val2, .... , valN)
// o.Set("path.subpath", val)
// o.Set("path[N]", val)
// o.Set("path[key]", val)
// o.Set("path[N].subpath", val)
//
// Maps are stored as map[string]*OptionValue, lists as []*OptionValue.
// Map keys containing dots are expanded, {"a.b": 1} is stored as {"a": {"b": 1}}.
// o.Get/o.GetDefault walk the same paths, typed accessors convert leaves.

type OptionValue struct {
	Value interface{}
}

// splitKeyPath splits the path up into its components
func splitKeyPath(path string) []string {
	path = strings.ReplaceAll(path, "[", ".")
	path = strings.ReplaceAll(path, "]", ".")

	var parts []string
	for _, part := range strings.Split(path, ".") {
		if part != "" {
			parts = append(parts, part)
		}
	}

	return parts
}

func immutableErr(key string, value interface{}) error {
	return xerrors.Errorf("key: %s existing type: %T is immutable and can not be reassigned", key, value)
}

func (o *OptionValue) child(key string) (*OptionValue, error) {
	// Numeric keys index lists unless the value is already a map
	if _, isMap := o.Value.(map[string]*OptionValue); !isMap {
		if index, err := strconv.Atoi(key); err == nil {
			return o.listChild(key, index)
		}
	}

	return o.mapChild(key)
}

func (o *OptionValue) mapChild(key string) (*OptionValue, error) {
	if o.Value == nil {
		o.Value = map[string]*OptionValue{}
	}

	children, ok := o.Value.(map[string]*OptionValue)
	if !ok {
		return nil, immutableErr(key, o.Value)
	}

	c, ok := children[key]
	if !ok {
		c = &OptionValue{}
		children[key] = c
	}

	return c, nil
}

func (o *OptionValue) listChild(key string, index int) (*OptionValue, error) {
	if index < 0 {
		return nil, xerrors.Errorf("key: %s negative index: %w", key, ErrInvalidArgs)
	}

	var children []*OptionValue
	if o.Value != nil {
		var ok bool
		if children, ok = o.Value.([]*OptionValue); !ok {
			return nil, immutableErr(key, o.Value)
		}
	}

	for len(children) <= index {
		children = append(children, &OptionValue{})
	}
	o.Value = children

	return children[index], nil
}

// normalize converts args into the stored representation
func normalize(args interface{}) (interface{}, error) {
	switch v := args.(type) {
	case nil:
		return nil, nil
	case *OptionValue:
		if v == nil {
			return nil, nil
		}
		return normalize(v.Value)
	case OptionValue:
		return normalize(v.Value)
	case time.Duration, time.Time:
		return v, nil
	}

	value := reflect.ValueOf(args)
	switch value.Kind() {
	case reflect.Array, reflect.Slice:
		if value.Kind() == reflect.Slice && value.Type().Elem().Kind() == reflect.Uint8 {
			return string(value.Bytes()), nil
		}

		if value.Len() == 0 {
			return nil, nil
		}

		list := make([]*OptionValue, value.Len())
		for i := 0; i < value.Len(); i++ {
			item, err := normalize(value.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			list[i] = &OptionValue{item}
		}
		return list, nil
	case reflect.Map:
		children := map[string]*OptionValue{}
		root := &OptionValue{children}

		iter := value.MapRange()
		for iter.Next() {
			key, ok := iter.Key().Interface().(string)
			if !ok {
				key = fmt.Sprintf("%v", iter.Key().Interface())
			}

			item, err := normalize(iter.Value().Interface())
			if err != nil {
				return nil, err
			}

			if err := root.setNormalized(splitKeyPath(key), item); err != nil {
				return nil, err
			}
		}
		return children, nil
	}

	return args, nil
}

func (o *OptionValue) setNormalized(keys []string, value interface{}) (err error) {
	current := o
	for _, key := range keys {
		if current, err = current.child(key); err != nil {
			return err
		}
	}

	// Merge maps so flat dotted keys and nested keys can be mixed
	if incoming, ok := value.(map[string]*OptionValue); ok {
		if _, ok := current.Value.(map[string]*OptionValue); ok {
			for k, v := range incoming {
				if err := current.setNormalized([]string{k}, v.Value); err != nil {
					return err
				}
			}
			return nil
		}
	}

	current.Value = value
	return nil
}

// Set stores args at path, more than one arg is stored as a list.
// Setting nil clears a value so its key can change type.
func (o *OptionValue) Set(path string, args ...interface{}) error {
	if len(args) == 0 {
		return nil
	}

	var value interface{} = args[0]
	if len(args) > 1 {
		argsType := reflect.TypeOf(args[0])
		for _, arg := range args {
			if reflect.TypeOf(arg) != argsType {
				return xerrors.Errorf("optionvalue: %s args are not homogenous: %w", path, ErrInvalidArgs)
			}
		}
		value = args
	}

	normalized, err := normalize(value)
	if err != nil {
		return xerrors.Errorf("optionvalue set %s failure: %w", path, err)
	}

	return o.setNormalized(splitKeyPath(path), normalized)
}

func (o *OptionValue) lookup(key string) *OptionValue {
	if o == nil {
		return nil
	}

	switch children := o.Value.(type) {
	case map[string]*OptionValue:
		return children[key]
	case []*OptionValue:
		index, err := strconv.Atoi(key)
		if err != nil || index < 0 || index >= len(children) {
			return nil
		}
		return children[index]
	}

	return nil
}

// GetDefault returns the value at path or def when path does not exist
func (o *OptionValue) GetDefault(path string, def interface{}) *OptionValue {
	current := o
	for _, key := range splitKeyPath(path) {
		if current = current.lookup(key); current == nil {
			break
		}
	}

	if current == nil {
		if def == nil {
			return nil
		}

		value, err := normalize(def)
		if err != nil {
			log.Error().Err(err).Msgf("option: %s invalid default", path)
			return nil
		}
		return &OptionValue{value}
	}

	return current
}

// Get returns the value at path or nil. All accessors are nil safe.
func (o *OptionValue) Get(path string) *OptionValue {
	child := o.GetDefault(path, nil)
	if child == nil {
		log.Debug().Msgf("option: %s not found", path)
	}

	return child
}

func (o *OptionValue) IsSet() bool {
	return o != nil && o.Value != nil
}

func (o *OptionValue) String() string {
	if o == nil || o.Value == nil {
		return ""
	}

	switch v := o.Value.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}

	return fmt.Sprintf("%v", o.Value)
}

func (o *OptionValue) Bool() bool {
	if o == nil {
		return false
	}

	switch v := o.Value.(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(v))
		return b
	case nil:
		return false
	}

	return o.Int64() != 0
}

func (o *OptionValue) Int64() int64 {
	if o == nil {
		return 0
	}

	switch v := o.Value.(type) {
	case int:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case uint:
		return int64(v)
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case uint64:
		return int64(v)
	case float32:
		return int64(v)
	case float64:
		return int64(v)
	case time.Duration:
		return int64(v)
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
			return int64(f)
		}
		return i
	case bool:
		if v {
			return 1
		}
	}

	return 0
}

func (o *OptionValue) Int() int {
	return int(o.Int64())
}

// Duration parses strings like "5s", plain numbers are nanoseconds
func (o *OptionValue) Duration() time.Duration {
	if o == nil {
		return 0
	}

	switch v := o.Value.(type) {
	case time.Duration:
		return v
	case string:
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}

	return time.Duration(o.Int64())
}

// List returns list items, map values ordered by key, or the value itself as a single item
func (o *OptionValue) List() []*OptionValue {
	if o == nil || o.Value == nil {
		return []*OptionValue{}
	}

	switch v := o.Value.(type) {
	case []*OptionValue:
		return v
	case map[string]*OptionValue:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}

		sort.Slice(keys, func(i, j int) bool {
			a, errA := strconv.Atoi(keys[i])
			b, errB := strconv.Atoi(keys[j])
			if errA == nil && errB == nil {
				return a < b
			}
			return keys[i] < keys[j]
		})

		list := make([]*OptionValue, len(keys))
		for i, k := range keys {
			list[i] = v[k]
		}
		return list
	}

	return []*OptionValue{o}
}

// Map returns map children, list items keyed "itemN", or the value itself keyed "default"
func (o *OptionValue) Map() map[string]*OptionValue {
	if o == nil || o.Value == nil {
		return map[string]*OptionValue{}
	}

	switch v := o.Value.(type) {
	case map[string]*OptionValue:
		return v
	case []*OptionValue:
		res := make(map[string]*OptionValue, len(v))
		for i, item := range v {
			res[fmt.Sprintf("item%d", i)] = item
		}
		return res
	}

	return map[string]*OptionValue{"default": o}
}

func (o *OptionValue) StringList() []string {
	list := o.List()

	res := make([]string, 0, len(list))
	for _, item := range list {
		if item.IsSet() {
			res = append(res, item.String())
		}
	}

	return res
}
