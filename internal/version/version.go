// Package version tracks build metadata for the application.
package version

import (
	"fmt"
	"sync"
)

// Info describes build metadata injected at link time.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

// String renders the metadata in a single human-readable line.
func (i Info) String() string {
	out := i.Version
	if i.Commit != "" {
		out = fmt.Sprintf("%s (%s)", out, i.Commit)
	}
	if i.BuildTime != "" {
		out = fmt.Sprintf("%s built %s", out, i.BuildTime)
	}
	return out
}

var (
	info      = Info{Version: "dev"}
	infoMutex sync.RWMutex
)

// Set updates the version metadata exposed by the application.
func Set(v Info) {
	infoMutex.Lock()
	defer infoMutex.Unlock()

	if v.Version == "" {
		v.Version = "dev"
	}
	info = v
}

// Current returns the currently configured build metadata.
func Current() Info {
	infoMutex.RLock()
	defer infoMutex.RUnlock()
	return info
}
