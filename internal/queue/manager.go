// Copyright 2021-2023 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package queue

// This file contains the queue manager, the owner of all configured
// queues.  Configurations live as one JSON file per queue beneath the
// daemon configuration directory and are indexed by their unique names.

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// ConfigExtension is the suffix of persisted queue configurations.
const ConfigExtension = ".mqq"

// Factory builds a queue from its configuration.  Wired at construction
// so the manager does not depend on the concrete queue implementations.
type Factory func(cfg Config, deps Deps) (q Queue, err kv.Error)

// Manager loads, saves, and indexes the configured queues.
type Manager struct {
	dir     string
	deps    Deps
	factory Factory

	queues map[string]Queue
	sync.Mutex
}

func NewManager(dir string, deps Deps, factory Factory) (mgr *Manager) {
	return &Manager{
		dir:     dir,
		deps:    deps,
		factory: factory,
		queues:  map[string]Queue{},
	}
}

// Load scans the configuration directory for queue files and
// instantiates each one.  A damaged file is skipped with a logged error
// so one bad configuration cannot take the daemon down.
func (mgr *Manager) Load() (err kv.Error) {
	entries, errGo := ioutil.ReadDir(mgr.dir)
	if os.IsNotExist(errGo) {
		return nil
	}
	if errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("dir", mgr.dir)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ConfigExtension) {
			continue
		}
		cfgPath := filepath.Join(mgr.dir, entry.Name())
		data, errGo := ioutil.ReadFile(cfgPath)
		if errGo != nil {
			mgr.deps.Logger.Warn("unreadable queue configuration skipped", "path", cfgPath, "error", errGo.Error())
			continue
		}
		cfg := Config{}
		if errGo = json.Unmarshal(data, &cfg); errGo != nil {
			mgr.deps.Logger.Warn("damaged queue configuration skipped", "path", cfgPath, "error", errGo.Error())
			continue
		}
		if err := mgr.Add(cfg); err != nil {
			mgr.deps.Logger.Warn("queue configuration rejected", "path", cfgPath, "error", err.Error())
		}
	}
	return nil
}

// Add validates a configuration, instantiates the queue and indexes it.
func (mgr *Manager) Add(cfg Config) (err kv.Error) {
	if err = cfg.Validate(); err != nil {
		return err
	}

	mgr.Lock()
	defer mgr.Unlock()

	if _, isPresent := mgr.queues[cfg.Name]; isPresent {
		return kv.NewError("queue name already in use").With("queue", cfg.Name).With("stack", stack.Trace().TrimRuntime())
	}

	q, err := mgr.factory(cfg, mgr.deps)
	if err != nil {
		return err
	}
	mgr.queues[cfg.Name] = q
	return nil
}

// Remove drops a queue from the index and deletes its configuration
// file.
func (mgr *Manager) Remove(name string) (err kv.Error) {
	mgr.Lock()
	_, isPresent := mgr.queues[name]
	delete(mgr.queues, name)
	mgr.Unlock()

	if !isPresent {
		return kv.NewError("unknown queue").With("queue", name).With("stack", stack.Trace().TrimRuntime())
	}
	if errGo := os.Remove(mgr.configPath(name)); errGo != nil && !os.IsNotExist(errGo) {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("queue", name)
	}
	return nil
}

// Lookup fetches a queue by name.
func (mgr *Manager) Lookup(name string) (q Queue, isPresent bool) {
	mgr.Lock()
	defer mgr.Unlock()

	q, isPresent = mgr.queues[name]
	return q, isPresent
}

// Names returns the queue names in sorted order.
func (mgr *Manager) Names() (names []string) {
	mgr.Lock()
	defer mgr.Unlock()

	names = make([]string, 0, len(mgr.queues))
	for name := range mgr.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns every managed queue.
func (mgr *Manager) All() (queues []Queue) {
	mgr.Lock()
	defer mgr.Unlock()

	queues = make([]Queue, 0, len(mgr.queues))
	for _, q := range mgr.queues {
		queues = append(queues, q)
	}
	sort.Slice(queues, func(i, j int) bool { return queues[i].Name() < queues[j].Name() })
	return queues
}

// Save writes every queue configuration to disk.
func (mgr *Manager) Save() (err kv.Error) {
	if errGo := os.MkdirAll(mgr.dir, 0700); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("dir", mgr.dir)
	}

	for _, q := range mgr.All() {
		cfg := q.Config()
		data, errGo := json.MarshalIndent(&cfg, "", "  ")
		if errGo != nil {
			return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("queue", cfg.Name)
		}
		if errGo = ioutil.WriteFile(mgr.configPath(cfg.Name), data, 0600); errGo != nil {
			return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("queue", cfg.Name)
		}
	}
	return nil
}

func (mgr *Manager) configPath(name string) (cfgPath string) {
	return filepath.Join(mgr.dir, name+ConfigExtension)
}
