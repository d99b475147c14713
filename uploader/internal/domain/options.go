package domain

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Options is an insertion-ordered set of upload parameters. A value is either
// a single string or a list of strings.
type Options struct {
	keys   []string
	values map[string]optionValue
}

type optionValue struct {
	scalar string
	list   []string
	isList bool
}

type optionJSON struct {
	Key    string   `json:"key"`
	Value  string   `json:"value,omitempty"`
	Values []string `json:"values,omitempty"`
	List   bool     `json:"list,omitempty"`
}

func (o *Options) put(key string, v optionValue) {
	if o.values == nil {
		o.values = make(map[string]optionValue)
	}
	if _, ok := o.values[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.values[key] = v
}

func (o *Options) Set(key, value string) {
	o.put(key, optionValue{scalar: value})
}

func (o *Options) SetList(key string, values []string) {
	o.put(key, optionValue{list: slices.Clone(values), isList: true})
}

func (o *Options) Delete(key string) {
	if _, ok := o.values[key]; !ok {
		return
	}
	delete(o.values, key)
	o.keys = slices.DeleteFunc(o.keys, func(k string) bool { return k == key })
}

// Get returns the scalar value for key. Lists are not returned.
func (o Options) Get(key string) (string, bool) {
	v, ok := o.values[key]
	if !ok || v.isList {
		return "", false
	}
	return v.scalar, true
}

func (o Options) List(key string) ([]string, bool) {
	v, ok := o.values[key]
	if !ok || !v.isList {
		return nil, false
	}
	return slices.Clone(v.list), true
}

func (o Options) Keys() []string {
	return slices.Clone(o.keys)
}

func (o Options) Len() int {
	return len(o.keys)
}

// Params flattens the options into the shape accepted by the signer.
func (o Options) Params() map[string]any {
	out := make(map[string]any, len(o.keys))
	for _, k := range o.keys {
		v := o.values[k]
		if v.isList {
			out[k] = slices.Clone(v.list)
		} else {
			out[k] = v.scalar
		}
	}
	return out
}

func (o Options) Clone() Options {
	var c Options
	for _, k := range o.keys {
		c.put(k, o.values[k])
	}
	return c
}

func (o Options) MarshalJSON() ([]byte, error) {
	items := make([]optionJSON, 0, len(o.keys))
	for _, k := range o.keys {
		v := o.values[k]
		items = append(items, optionJSON{Key: k, Value: v.scalar, Values: v.list, List: v.isList})
	}
	return json.Marshal(items)
}

func (o *Options) UnmarshalJSON(data []byte) error {
	var items []optionJSON
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("options: %w", err)
	}
	*o = Options{}
	for _, it := range items {
		if it.Key == "" {
			return fmt.Errorf("options: empty key: %w", ErrOptionsInvalid)
		}
		if it.List {
			o.SetList(it.Key, it.Values)
		} else {
			o.Set(it.Key, it.Value)
		}
	}
	return nil
}
