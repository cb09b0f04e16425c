// Package backend opens a store.Store by driver name.
package backend

import (
	"fmt"

	"github.com/John-Robertt/subimport/internal/store"
	"github.com/John-Robertt/subimport/internal/store/jsonfile"
	"github.com/John-Robertt/subimport/internal/store/pebble"
)

const (
	DriverJSON   = "json"
	DriverPebble = "pebble"
	DriverMemory = "memory"
)

// Open returns a store for driver. path is a file for "json" and a directory
// for "pebble"; "memory" ignores it.
func Open(driver, path string) (store.Store, error) {
	switch driver {
	case DriverJSON, "":
		return jsonfile.Open(path)
	case DriverPebble:
		return pebble.Open(path)
	case DriverMemory:
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
