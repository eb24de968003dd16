// Package engines selects a db.Engine by name.
package engines

import (
	"fmt"
	"sort"

	"github.com/eigerco/rsdb/pkg/db"
	"github.com/eigerco/rsdb/pkg/db/badger"
	"github.com/eigerco/rsdb/pkg/db/bbolt"
	"github.com/eigerco/rsdb/pkg/db/memory"
	"github.com/eigerco/rsdb/pkg/db/native"
	"github.com/eigerco/rsdb/pkg/db/pebble"
)

const Default = "pebble"

var constructors = map[string]func(library string) (db.Engine, error){
	"pebble": func(string) (db.Engine, error) { return pebble.NewEngine(), nil },
	"bbolt":  func(string) (db.Engine, error) { return bbolt.NewEngine(), nil },
	"badger": func(string) (db.Engine, error) { return badger.NewEngine(), nil },
	"memory": func(string) (db.Engine, error) { return memory.NewEngine(), nil },
	"native": func(library string) (db.Engine, error) { return native.Load(library) },
}

// New returns a fresh engine. library is only used by the native engine.
func New(name, library string) (db.Engine, error) {
	if name == "" {
		name = Default
	}
	ctor, ok := constructors[name]
	if !ok {
		return nil, fmt.Errorf("unknown engine %q, expected one of %v", name, Names())
	}
	return ctor(library)
}

func Names() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
