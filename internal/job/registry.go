// Copyright 2021-2023 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package job

// This file contains the job registry, the sole owner of live job
// records.  All mutation happens through registry methods, observers are
// invoked synchronously in commit order, and every record is persisted
// beneath the registry directory as one subdirectory per MoleQueue id.

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/leaf-ai/go-service/pkg/log"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/leaf-ai/molequeue/internal/eventlog"
)

const (
	// StateFileName is the per job snapshot written into the job
	// directory.
	StateFileName = "mqjobinfo.json"

	// ArchivedStateFileName is what the snapshot is renamed to when a job
	// is removed, so a reload does not resurrect it.
	ArchivedStateFileName = "mqjobinfo-archived.json"
)

// StateChange is the payload delivered to state change observers.
type StateChange struct {
	Job Job
	Old State
	New State
}

// Subscription is the handle returned by the Subscribe methods, used to
// detach the observer.
type Subscription struct {
	cancel func()
}

// Cancel detaches the observer.  Safe to call more than once.
func (sub *Subscription) Cancel() {
	if sub.cancel != nil {
		sub.cancel()
		sub.cancel = nil
	}
}

type observer struct {
	id int
	fn interface{}
}

// Registry owns all job records for the daemon.
type Registry struct {
	dir    string
	elog   *eventlog.Log
	logger *log.Logger

	jobs   map[uint64]*Job
	dirty  map[uint64]struct{}
	nextID uint64

	nextObserver  int
	aboutToAdd    []observer // func(*Job), may set defaults before insert
	added         []observer // func(Job)
	aboutToRemove []observer // func(Job)
	removed       []observer // func(uint64)
	updated       []observer // func(Job)
	stateChanged  []observer // func(StateChange)

	// commitMu serializes mutation plus fan-out so observers always see
	// changes in commit order, while mu alone protects the maps.
	commitMu sync.Mutex
	mu       sync.Mutex
}

// RegistryDir returns the job storage directory beneath a daemon base
// directory, keeping job directories apart from config/ and log/.
func RegistryDir(base string) (dir string) {
	return filepath.Join(base, "jobs")
}

// NewRegistry creates a registry persisting beneath dir, typically
// <workingDirectoryBase>/jobs.
func NewRegistry(dir string, elog *eventlog.Log, logger *log.Logger) (reg *Registry) {
	return &Registry{
		dir:    dir,
		elog:   elog,
		logger: logger,
		jobs:   map[uint64]*Job{},
		dirty:  map[uint64]struct{}{},
		nextID: 1,
	}
}

// Dir returns the registry storage directory.
func (reg *Registry) Dir() (dir string) {
	return reg.dir
}

// JobDir returns the working directory belonging to a MoleQueue id.
func (reg *Registry) JobDir(moleQueueID uint64) (dir string) {
	return filepath.Join(reg.dir, strconv.FormatUint(moleQueueID, 10))
}

func (reg *Registry) subscribe(list *[]observer, fn interface{}) (sub *Subscription) {
	reg.mu.Lock()
	reg.nextObserver++
	id := reg.nextObserver
	*list = append(*list, observer{id: id, fn: fn})
	reg.mu.Unlock()

	return &Subscription{cancel: func() {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		for i, entry := range *list {
			if entry.id == id {
				*list = append((*list)[:i], (*list)[i+1:]...)
				return
			}
		}
	}}
}

// SubscribeAboutToAdd registers an observer invoked with the mutable
// record just before insertion, giving the server the chance to assign
// defaults such as the working directory.  The observer must not call
// back into the registry.
func (reg *Registry) SubscribeAboutToAdd(fn func(*Job)) (sub *Subscription) {
	return reg.subscribe(&reg.aboutToAdd, fn)
}

// SubscribeAdded registers an observer for completed insertions.
func (reg *Registry) SubscribeAdded(fn func(Job)) (sub *Subscription) {
	return reg.subscribe(&reg.added, fn)
}

// SubscribeAboutToRemove registers an observer invoked before a record is
// removed.
func (reg *Registry) SubscribeAboutToRemove(fn func(Job)) (sub *Subscription) {
	return reg.subscribe(&reg.aboutToRemove, fn)
}

// SubscribeRemoved registers an observer for completed removals.
func (reg *Registry) SubscribeRemoved(fn func(uint64)) (sub *Subscription) {
	return reg.subscribe(&reg.removed, fn)
}

// SubscribeUpdated registers an observer for attribute updates that are
// not state changes.
func (reg *Registry) SubscribeUpdated(fn func(Job)) (sub *Subscription) {
	return reg.subscribe(&reg.updated, fn)
}

// SubscribeStateChanged registers an observer for lifecycle transitions.
func (reg *Registry) SubscribeStateChanged(fn func(StateChange)) (sub *Subscription) {
	return reg.subscribe(&reg.stateChanged, fn)
}

func (reg *Registry) observers(list []observer) (fns []interface{}) {
	fns = make([]interface{}, 0, len(list))
	for _, entry := range list {
		fns = append(fns, entry.fn)
	}
	return fns
}

// NewJob registers the supplied description, assigning a fresh MoleQueue
// id and persisting the record immediately.  The returned value is a
// snapshot, not a live reference.
func (reg *Registry) NewJob(spec Job) (j Job, err kv.Error) {
	reg.commitMu.Lock()
	defer reg.commitMu.Unlock()

	reg.mu.Lock()
	spec.MoleQueueID = reg.nextID
	reg.nextID++
	aboutToAdd := reg.observers(reg.aboutToAdd)
	reg.mu.Unlock()

	for _, fn := range aboutToAdd {
		fn.(func(*Job))(&spec)
	}

	record := spec

	reg.mu.Lock()
	reg.jobs[record.MoleQueueID] = &record
	added := reg.observers(reg.added)
	reg.mu.Unlock()

	if err = reg.persist(record); err != nil {
		return record, err
	}

	for _, fn := range added {
		fn.(func(Job))(record)
	}
	return record, nil
}

// NewJobFromJSON registers a job initialized from a JSON description.
func (reg *Registry) NewJobFromJSON(data []byte) (j Job, err kv.Error) {
	spec, err := FromJSON(data)
	if err != nil {
		return spec, err
	}
	return reg.NewJob(spec)
}

// Lookup returns a snapshot of the record, if it is still present.
func (reg *Registry) Lookup(moleQueueID uint64) (j Job, isPresent bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	record, isPresent := reg.jobs[moleQueueID]
	if !isPresent {
		return j, false
	}
	return *record, true
}

// JobsInState returns snapshots of every job currently in the supplied
// state, ordered by id.
func (reg *Registry) JobsInState(state State) (jobs []Job) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	for _, record := range reg.jobs {
		if record.State == state {
			jobs = append(jobs, *record)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].MoleQueueID < jobs[j].MoleQueueID })
	return jobs
}

// All returns snapshots of every registered job, ordered by id.
func (reg *Registry) All() (jobs []Job) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	jobs = make([]Job, 0, len(reg.jobs))
	for _, record := range reg.jobs {
		jobs = append(jobs, *record)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].MoleQueueID < jobs[j].MoleQueueID })
	return jobs
}

// Remove archives the on-disk snapshot and drops the record.  The id is
// never reused.
func (reg *Registry) Remove(moleQueueID uint64) (err kv.Error) {
	reg.commitMu.Lock()
	defer reg.commitMu.Unlock()

	reg.mu.Lock()
	record, isPresent := reg.jobs[moleQueueID]
	if !isPresent {
		reg.mu.Unlock()
		return kv.NewError("unknown job").With("moleQueueId", moleQueueID).With("stack", stack.Trace().TrimRuntime())
	}
	snapshot := *record
	aboutToRemove := reg.observers(reg.aboutToRemove)
	reg.mu.Unlock()

	for _, fn := range aboutToRemove {
		fn.(func(Job))(snapshot)
	}

	jobDir := reg.JobDir(moleQueueID)
	statePath := filepath.Join(jobDir, StateFileName)
	if _, errGo := os.Stat(statePath); errGo == nil {
		if errGo = os.Rename(statePath, filepath.Join(jobDir, ArchivedStateFileName)); errGo != nil {
			return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("path", statePath)
		}
	}

	reg.mu.Lock()
	delete(reg.jobs, moleQueueID)
	delete(reg.dirty, moleQueueID)
	removed := reg.observers(reg.removed)
	reg.mu.Unlock()

	for _, fn := range removed {
		fn.(func(uint64))(moleQueueID)
	}
	return nil
}

// SetState moves a job through the lifecycle.  Setting the current state
// again is a no-op.  Transitions out of a terminal state are refused and
// logged as internal errors.
func (reg *Registry) SetState(moleQueueID uint64, newState State) (err kv.Error) {
	reg.commitMu.Lock()
	defer reg.commitMu.Unlock()

	reg.mu.Lock()
	record, isPresent := reg.jobs[moleQueueID]
	if !isPresent {
		reg.mu.Unlock()
		return kv.NewError("unknown job").With("moleQueueId", moleQueueID).With("stack", stack.Trace().TrimRuntime())
	}
	oldState := record.State
	if oldState == newState {
		reg.mu.Unlock()
		return nil
	}
	if oldState.IsTerminal() {
		reg.mu.Unlock()
		reg.elog.AppendJob(eventlog.Error,
			fmt.Sprintf("refusing to move job out of terminal state %s to %s", oldState, newState), moleQueueID)
		return kv.NewError("job state is terminal").With("moleQueueId", moleQueueID).With("state", oldState.String()).With("stack", stack.Trace().TrimRuntime())
	}

	record.State = newState
	snapshot := *record
	reg.dirty[moleQueueID] = struct{}{}
	stateChanged := reg.observers(reg.stateChanged)
	reg.mu.Unlock()

	reg.elog.AppendJob(eventlog.Notification,
		fmt.Sprintf("Job '%s' has changed status from %s to %s", jobLabel(&snapshot), oldState, newState), moleQueueID)

	change := StateChange{Job: snapshot, Old: oldState, New: newState}
	for _, fn := range stateChanged {
		fn.(func(StateChange))(change)
	}
	return nil
}

// SetQueueID records the backend assigned identifier for a submitted
// job.
func (reg *Registry) SetQueueID(moleQueueID uint64, queueID string) (err kv.Error) {
	reg.commitMu.Lock()
	defer reg.commitMu.Unlock()

	reg.mu.Lock()
	record, isPresent := reg.jobs[moleQueueID]
	if !isPresent {
		reg.mu.Unlock()
		return kv.NewError("unknown job").With("moleQueueId", moleQueueID).With("stack", stack.Trace().TrimRuntime())
	}
	if record.QueueID == queueID {
		reg.mu.Unlock()
		return nil
	}
	record.QueueID = queueID
	snapshot := *record
	reg.dirty[moleQueueID] = struct{}{}
	updated := reg.observers(reg.updated)
	reg.mu.Unlock()

	for _, fn := range updated {
		fn.(func(Job))(snapshot)
	}
	return nil
}

// Update replaces the mutable attributes of a record wholesale, used by
// queue adapters for fields beyond the state and queue id.  The id and
// state of the stored record are preserved.
func (reg *Registry) Update(j Job) (err kv.Error) {
	reg.commitMu.Lock()
	defer reg.commitMu.Unlock()

	reg.mu.Lock()
	record, isPresent := reg.jobs[j.MoleQueueID]
	if !isPresent {
		reg.mu.Unlock()
		return kv.NewError("unknown job").With("moleQueueId", j.MoleQueueID).With("stack", stack.Trace().TrimRuntime())
	}
	j.State = record.State
	*record = j
	snapshot := *record
	reg.dirty[j.MoleQueueID] = struct{}{}
	updated := reg.observers(reg.updated)
	reg.mu.Unlock()

	for _, fn := range updated {
		fn.(func(Job))(snapshot)
	}
	return nil
}

// SyncToDisk writes the snapshot of every record modified since the last
// sync.
func (reg *Registry) SyncToDisk() (err kv.Error) {
	reg.mu.Lock()
	pending := make([]Job, 0, len(reg.dirty))
	for moleQueueID := range reg.dirty {
		if record, isPresent := reg.jobs[moleQueueID]; isPresent {
			pending = append(pending, *record)
		}
	}
	reg.dirty = map[uint64]struct{}{}
	reg.mu.Unlock()

	for _, snapshot := range pending {
		if persistErr := reg.persist(snapshot); persistErr != nil && err == nil {
			err = persistErr
		}
	}
	return err
}

func (reg *Registry) persist(snapshot Job) (err kv.Error) {
	jobDir := reg.JobDir(snapshot.MoleQueueID)
	if errGo := os.MkdirAll(jobDir, 0700); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("dir", jobDir)
	}

	data, err := snapshot.Marshal()
	if err != nil {
		return err
	}
	if errGo := ioutil.WriteFile(filepath.Join(jobDir, StateFileName), data, 0600); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("dir", jobDir)
	}
	return nil
}

// LoadFromDisk scans the immediate subdirectories of the registry
// directory and reconstructs every job with a readable snapshot.  Damaged
// snapshots are skipped with an event log entry.  Afterwards the id
// counter is strictly greater than every loaded id.
func (reg *Registry) LoadFromDisk() (err kv.Error) {
	entries, errGo := ioutil.ReadDir(reg.dir)
	if os.IsNotExist(errGo) {
		return nil
	}
	if errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()).With("dir", reg.dir)
	}

	maxID := uint64(0)
	loaded := map[uint64]*Job{}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		statePath := filepath.Join(reg.dir, entry.Name(), StateFileName)
		data, errGo := ioutil.ReadFile(statePath)
		if os.IsNotExist(errGo) {
			continue
		}
		if errGo != nil {
			reg.elog.Append(eventlog.Error, fmt.Sprintf("cannot read job snapshot %s: %s", statePath, errGo.Error()))
			continue
		}
		record, err := FromJSON(data)
		if err != nil || record.MoleQueueID == 0 {
			reg.elog.Append(eventlog.Error, fmt.Sprintf("damaged job snapshot skipped: %s", statePath))
			continue
		}
		loaded[record.MoleQueueID] = &record
		if record.MoleQueueID > maxID {
			maxID = record.MoleQueueID
		}
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	for moleQueueID, record := range loaded {
		reg.jobs[moleQueueID] = record
	}
	if maxID >= reg.nextID {
		reg.nextID = maxID + 1
	}
	return nil
}

func jobLabel(j *Job) (label string) {
	if len(j.Description) != 0 {
		return j.Description
	}
	return strconv.FormatUint(j.MoleQueueID, 10)
}
