package options

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

func TestOptionSimple(t *testing.T) {
	o1 := &OptionValue{Value: 5}

	o2 := &OptionValue{}
	err := o2.Set("", 5)
	require.Nil(t, err)

	require.Equal(t, o1.Value, o2.Get("").Value)
	require.Equal(t, 5, o1.Int())
	require.Equal(t, int64(5), o1.Int64())
	require.Equal(t, "5", o1.String())
	require.True(t, o1.Bool())
}

func TestOptionSimpleDuration(t *testing.T) {
	o1 := &OptionValue{}
	require.Nil(t, o1.Set("", 5*time.Second))
	require.Equal(t, 5*time.Second, o1.Duration())

	o2 := &OptionValue{}
	require.Nil(t, o2.Set("", "5s"))
	require.Equal(t, 5*time.Second, o2.Duration())

	o3 := &OptionValue{}
	require.Nil(t, o3.Set("", 150000000000))
	require.Equal(t, 150*time.Second, o3.Duration())

	var missing *OptionValue
	require.Equal(t, time.Duration(0), missing.Duration())
}

func TestOptionSimpleList(t *testing.T) {
	o1 := &OptionValue{}
	require.Nil(t, o1.Set("", 1, 2, 3, 4, 5))

	actual := []int{}
	for _, item := range o1.List() {
		actual = append(actual, item.Int())
	}
	require.Equal(t, []int{1, 2, 3, 4, 5}, actual)

	expectedMap := map[string]int{"item0": 1, "item1": 2, "item2": 3, "item3": 4, "item4": 5}
	actualMap := map[string]int{}
	for key, value := range o1.Map() {
		actualMap[key] = value.Int()
	}
	require.Equal(t, expectedMap, actualMap)

	o2 := &OptionValue{Value: 5}
	require.Len(t, o2.List(), 1)
	require.Equal(t, []string{"5"}, o2.StringList())

	o3 := &OptionValue{}
	require.Nil(t, o3.Set("", []string{}))
	require.Nil(t, o3.Value)
	require.Equal(t, []*OptionValue{}, o3.List())
}

func TestOptionSimpleMap(t *testing.T) {
	o1 := &OptionValue{}
	require.Nil(t, o1.Set("", map[string]int{"10": 10, "5": 5, "7": 7, "2": 2, "3": 3}))

	actual := []int{}
	for _, value := range o1.List() {
		actual = append(actual, value.Int())
	}
	require.Equal(t, []int{2, 3, 5, 7, 10}, actual)

	o2 := &OptionValue{Value: 5}
	require.Equal(t, 5, o2.Map()["default"].Int())
}

func TestOptionSimpleSet(t *testing.T) {
	o1 := &OptionValue{}
	require.Nil(t, o1.Set("top", 10))
	require.Equal(t, &OptionValue{map[string]*OptionValue{"top": {10}}}, o1)

	o1 = &OptionValue{}
	require.Nil(t, o1.Set("root[2]", 2))
	require.Equal(t, &OptionValue{
		map[string]*OptionValue{
			"root": {[]*OptionValue{{nil}, {nil}, {2}}},
		},
	}, o1)

	require.Nil(t, o1.Set("root[0]", 0))
	require.Equal(t, 0, o1.Get("root[0]").Int())
	require.Equal(t, 2, o1.Get("root.2").Int())

	o1 = &OptionValue{}
	require.Nil(t, o1.Set("root.foo[1].bar", 5))
	require.Equal(t, 5, o1.Get("root.foo[1].bar").Int())
	require.Nil(t, o1.Get("root.foo[0].bar"))
}

func TestSetTypeReassign(t *testing.T) {
	o1 := &OptionValue{}
	require.Nil(t, o1.Set("root.foo", 10))

	err := o1.Set("root.foo.bar", "value")
	require.EqualError(t, err, "key: bar existing type: int is immutable and can not be reassigned")

	// Clearing a value lets its key change type
	require.Nil(t, o1.Set("root.foo", nil))
	require.Nil(t, o1.Set("root.foo.bar", "value"))
	require.Equal(t, "value", o1.Get("root.foo.bar").String())

	// Leaf keys' types are mutable
	require.Nil(t, o1.Set("root.foo.bar", 5))
	require.Equal(t, 5, o1.Get("root.foo.bar").Int())
}

func TestSetHeterogenous(t *testing.T) {
	o1 := &OptionValue{}
	err := o1.Set("list", 1, "two")
	require.True(t, xerrors.Is(err, ErrInvalidArgs))
}

func TestOptionGetDefault(t *testing.T) {
	o1 := &OptionValue{}
	require.Nil(t, o1.Set("root.foo.bar", "value"))

	require.Nil(t, o1.Get("not.found"))
	require.Equal(t, "fallback", o1.GetDefault("not.found", "fallback").String())
	require.Equal(t, "value", o1.GetDefault("root.foo.bar", "fallback").String())
	require.Equal(t, []string{"a", "b"}, o1.GetDefault("list", []string{"a", "b"}).StringList())

	// Accessors on missing values return zero values
	require.Equal(t, "", o1.Get("missing").String())
	require.False(t, o1.Get("missing").Bool())
	require.Equal(t, 0, o1.Get("missing").Int())
	require.Equal(t, []*OptionValue{}, o1.Get("missing").List())
	require.Equal(t, map[string]*OptionValue{}, o1.Get("missing").Map())
	require.Nil(t, o1.Get("missing").Get("deeper"))
}

func TestCommandLineArgs(t *testing.T) {
	flagSet := flag.NewFlagSet("", flag.ContinueOnError)

	o1 := &OptionValue{}

	flagSet.Func("config", "Configuration file", func(s string) error {
		return o1.Set("cli.config", s)
	})

	flagSet.Func("v", "Log level", func(s string) error {
		return o1.Set("cli.verbose", s)
	})

	err := flagSet.Parse([]string{"-v", "debug", "-config", "/path/to/config"})
	require.Nil(t, err)

	require.Equal(t, "/path/to/config", o1.Get("cli.config").String())
	require.Equal(t, "debug", o1.Get("cli.verbose").String())
}

func TestOptionParseYAML(t *testing.T) {
	input := []byte(`
---
root:
  key2:
    - "listItem1"
    - "listItem2"
  key3:
    key4: true
  empty:
  flat.key: 6s
`)

	var yamlInput interface{}
	require.Nil(t, yaml.Unmarshal(input, &yamlInput))

	o1 := &OptionValue{}
	require.Nil(t, o1.Set("", yamlInput))

	require.Equal(t, []string{"listItem1", "listItem2"}, o1.Get("root.key2").StringList())
	require.True(t, o1.Get("root.key3.key4").Bool())
	require.NotNil(t, o1.Get("root.empty"))
	require.False(t, o1.Get("root.empty").IsSet())
	require.Equal(t, 6*time.Second, o1.Get("root.flat.key").Duration())
	require.Equal(t, 6*time.Second, o1.Get("root[flat][key]").Duration())
}

func TestOptionParseNamespaceFlatConfig(t *testing.T) {
	input := []byte(`
plugins:
  dirs:
    - /opt/plugins
  disabled: [foo]
  worker.start.timeout: 1m
  worker:
    kill.timeout: 5s
`)

	var yamlInput interface{}
	require.Nil(t, yaml.Unmarshal(input, &yamlInput))

	o1 := &OptionValue{}
	require.Nil(t, o1.Set("", yamlInput))

	require.Equal(t, []string{"/opt/plugins"}, o1.Get("plugins.dirs").StringList())
	require.Equal(t, []string{"foo"}, o1.Get("plugins.disabled").StringList())
	require.Equal(t, time.Minute, o1.Get("plugins.worker.start.timeout").Duration())
	require.Equal(t, 5*time.Second, o1.Get("plugins.worker.kill.timeout").Duration())
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	yamlFile := filepath.Join(dir, "config.yml")
	require.Nil(t, os.WriteFile(yamlFile, []byte("global:\n  debug: true\n  fetch.retries: 3\n"), 0o644))

	opts, err := Load(yamlFile)
	require.Nil(t, err)
	require.True(t, opts.Get("global.debug").Bool())
	require.Equal(t, 3, opts.Get("global.fetch.retries").Int())

	tomlFile := filepath.Join(dir, "config.toml")
	require.Nil(t, os.WriteFile(tomlFile, []byte("[global]\ndebug = true\n\"cache.size\" = 10\n\n[global.plugins]\ndirs = [\"/a\", \"/b\"]\n"), 0o644))

	opts, err = Load(tomlFile)
	require.Nil(t, err)
	require.True(t, opts.Get("global.debug").Bool())
	require.Equal(t, 10, opts.Get("global.cache.size").Int())
	require.Equal(t, []string{"/a", "/b"}, opts.Get("global.plugins.dirs").StringList())

	_, err = Load(filepath.Join(dir, "config.json"))
	require.True(t, xerrors.Is(err, ErrUnsupportedConfig))

	_, err = Load(filepath.Join(dir, "missing.yml"))
	require.NotNil(t, err)
}

func TestShared(t *testing.T) {
	global := &OptionValue{}
	require.Nil(t, global.Set("", map[string]interface{}{
		"username": "bob",
		"port":     8899,
		"debug":    true,
		"password": "secret",
		"plugins":  map[string]interface{}{"dirs": []string{"/a"}},
	}))

	shared := Shared(global)
	require.Equal(t, "bob", shared["username"])
	require.Equal(t, 8899, shared["port"])
	require.Equal(t, true, shared["debug"])
	require.NotContains(t, shared, "plugins")
	require.Equal(t, HashPassword("secret"), shared["password"])
	require.NotEqual(t, "secret", shared["password"])
	require.Len(t, HashPassword("secret"), 64)

	require.Nil(t, global.Set("passwordHash", "precomputed"))
	shared = Shared(global)
	require.Equal(t, "precomputed", shared["password"])
	require.NotContains(t, shared, "passwordHash")

	require.Empty(t, Shared(nil))
}
