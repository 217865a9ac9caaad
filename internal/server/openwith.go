// Copyright 2021-2023 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package server

// This file contains the open-with handler registry.  Desktop clients
// register named viewers for result files, each guarded by filename
// patterns, and other clients enumerate them.  The registry is a small
// JSON document persisted beneath the daemon configuration directory.

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// OpenWithFileName is the persisted registry document.
const OpenWithFileName = "openwith.json"

const (
	PatternWildcard = "wildcard"
	PatternRegexp   = "regexp"
)

// OpenWithPattern guards one handler with a filename test.
type OpenWithPattern struct {
	Pattern       string `json:"pattern"`
	PatternType   string `json:"patternType"`
	CaseSensitive bool   `json:"caseSensitive"`
}

// regexpFor compiles the pattern, translating the wildcard form into an
// anchored regular expression first.
func (pattern *OpenWithPattern) regexpFor() (re *regexp.Regexp, err kv.Error) {
	expr := pattern.Pattern
	if pattern.PatternType == PatternWildcard {
		expr = "^" + strings.ReplaceAll(strings.ReplaceAll(regexp.QuoteMeta(expr), `\*`, ".*"), `\?`, ".") + "$"
	}
	if !pattern.CaseSensitive {
		expr = "(?i)" + expr
	}

	re, errGo := regexp.Compile(expr)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("pattern", pattern.Pattern)
	}
	return re, nil
}

// OpenWithEntry is one registered handler.  Exactly one of Executable
// and RPCServer is populated.
type OpenWithEntry struct {
	Name       string            `json:"name"`
	Executable string            `json:"executable,omitempty"`
	RPCServer  string            `json:"rpcServer,omitempty"`
	Patterns   []OpenWithPattern `json:"patterns,omitempty"`
}

func (entry *OpenWithEntry) validate() (err kv.Error) {
	if len(entry.Name) == 0 {
		return kv.NewError("handler name must not be empty").With("stack", stack.Trace().TrimRuntime())
	}
	if (len(entry.Executable) == 0) == (len(entry.RPCServer) == 0) {
		return kv.NewError("exactly one of executable and rpcServer must be supplied").With("name", entry.Name).With("stack", stack.Trace().TrimRuntime())
	}
	for _, pattern := range entry.Patterns {
		if pattern.PatternType != PatternWildcard && pattern.PatternType != PatternRegexp {
			return kv.NewError("unknown pattern type").With("patternType", pattern.PatternType).With("stack", stack.Trace().TrimRuntime())
		}
		if _, err = pattern.regexpFor(); err != nil {
			return err
		}
	}
	return nil
}

// OpenWithStore owns the persisted handler registry.
type OpenWithStore struct {
	path    string
	entries map[string]OpenWithEntry

	sync.Mutex
}

// NewOpenWithStore builds a store persisting into the supplied
// configuration directory.
func NewOpenWithStore(configDir string) (store *OpenWithStore) {
	return &OpenWithStore{
		path:    filepath.Join(configDir, OpenWithFileName),
		entries: map[string]OpenWithEntry{},
	}
}

// Load restores the registry from disk.  A missing document is an empty
// registry, not an error.
func (store *OpenWithStore) Load() (err kv.Error) {
	data, errGo := ioutil.ReadFile(store.path)
	if os.IsNotExist(errGo) {
		return nil
	}
	if errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("path", store.path)
	}

	entries := []OpenWithEntry{}
	if errGo = json.Unmarshal(data, &entries); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("path", store.path)
	}

	store.Lock()
	defer store.Unlock()
	store.entries = map[string]OpenWithEntry{}
	for _, entry := range entries {
		store.entries[entry.Name] = entry
	}
	return nil
}

func (store *OpenWithStore) save() (err kv.Error) {
	store.Lock()
	entries := make([]OpenWithEntry, 0, len(store.entries))
	for _, entry := range store.entries {
		entries = append(entries, entry)
	}
	store.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	data, errGo := json.MarshalIndent(entries, "", "  ")
	if errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	if errGo = os.MkdirAll(filepath.Dir(store.path), 0700); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("path", store.path)
	}
	if errGo = ioutil.WriteFile(store.path, data, 0600); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("path", store.path)
	}
	return nil
}

// Register adds or replaces a handler and persists the registry.
func (store *OpenWithStore) Register(entry OpenWithEntry) (err kv.Error) {
	if err = entry.validate(); err != nil {
		return err
	}

	store.Lock()
	store.entries[entry.Name] = entry
	store.Unlock()
	return store.save()
}

// Unregister removes a handler by name.
func (store *OpenWithStore) Unregister(name string) (err kv.Error) {
	store.Lock()
	_, isPresent := store.entries[name]
	delete(store.entries, name)
	store.Unlock()

	if !isPresent {
		return kv.NewError("unknown handler").With("name", name).With("stack", stack.Trace().TrimRuntime())
	}
	return store.save()
}

// Names lists the registered handlers in sorted order.
func (store *OpenWithStore) Names() (names []string) {
	store.Lock()
	defer store.Unlock()

	names = make([]string, 0, len(store.entries))
	for name := range store.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HandlersFor lists the handlers whose patterns accept a filename.
func (store *OpenWithStore) HandlersFor(fileName string) (names []string) {
	store.Lock()
	entries := make([]OpenWithEntry, 0, len(store.entries))
	for _, entry := range store.entries {
		entries = append(entries, entry)
	}
	store.Unlock()

	for _, entry := range entries {
		for _, pattern := range entry.Patterns {
			re, err := pattern.regexpFor()
			if err != nil {
				continue
			}
			if re.MatchString(fileName) {
				names = append(names, entry.Name)
				break
			}
		}
	}
	sort.Strings(names)
	return names
}
