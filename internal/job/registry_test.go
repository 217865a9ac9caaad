// Copyright 2021-2023 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package job

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-test/deep"
	"github.com/leaf-ai/go-service/pkg/log"

	"github.com/leaf-ai/molequeue/internal/eventlog"
)

var testLogger = log.NewLogger("job_test")

func registryFixture(t *testing.T) (reg *Registry, dir string) {
	base, errGo := ioutil.TempDir("", "mq-registry")
	if errGo != nil {
		t.Fatal(errGo.Error())
	}
	t.Cleanup(func() { os.RemoveAll(base) })

	dir = filepath.Join(base, "jobs")
	return NewRegistry(dir, eventlog.New(100, testLogger), testLogger), dir
}

// Job directories belong under <base>/jobs, never as siblings of the
// config and log directories.
func TestRegistryDirLayout(t *testing.T) {
	base, errGo := ioutil.TempDir("", "mq-layout")
	if errGo != nil {
		t.Fatal(errGo.Error())
	}
	t.Cleanup(func() { os.RemoveAll(base) })

	reg := NewRegistry(RegistryDir(base), eventlog.New(100, testLogger), testLogger)
	j, err := reg.NewJob(Defaults())
	if err != nil {
		t.Fatal(err.Error())
	}

	expected := filepath.Join(base, "jobs", "1", StateFileName)
	if _, errGo = os.Stat(expected); errGo != nil {
		t.Fatalf("snapshot missing from %s: %v", expected, errGo)
	}
	if reg.JobDir(j.MoleQueueID) != filepath.Join(base, "jobs", "1") {
		t.Fatalf("job directory %q landed outside the jobs tree", reg.JobDir(j.MoleQueueID))
	}
}

func TestIDAllocation(t *testing.T) {
	reg, _ := registryFixture(t)

	first, err := reg.NewJob(Defaults())
	if err != nil {
		t.Fatal(err.Error())
	}
	second, err := reg.NewJob(Defaults())
	if err != nil {
		t.Fatal(err.Error())
	}

	if first.MoleQueueID == 0 || second.MoleQueueID != first.MoleQueueID+1 {
		t.Fatal("ids are not monotonically increasing:", first.MoleQueueID, second.MoleQueueID)
	}

	// Removal must not allow reuse
	if err = reg.Remove(second.MoleQueueID); err != nil {
		t.Fatal(err.Error())
	}
	third, err := reg.NewJob(Defaults())
	if err != nil {
		t.Fatal(err.Error())
	}
	if third.MoleQueueID <= second.MoleQueueID {
		t.Fatal("a removed id was reused")
	}
}

func TestStateChangeFanOut(t *testing.T) {
	reg, _ := registryFixture(t)

	j, err := reg.NewJob(Defaults())
	if err != nil {
		t.Fatal(err.Error())
	}

	changes := []StateChange{}
	sub := reg.SubscribeStateChanged(func(change StateChange) { changes = append(changes, change) })
	defer sub.Cancel()

	if err = reg.SetState(j.MoleQueueID, Accepted); err != nil {
		t.Fatal(err.Error())
	}
	// Setting the same state again must not notify
	if err = reg.SetState(j.MoleQueueID, Accepted); err != nil {
		t.Fatal(err.Error())
	}
	if err = reg.SetState(j.MoleQueueID, QueuedLocal); err != nil {
		t.Fatal(err.Error())
	}

	if len(changes) != 2 {
		t.Fatal("expected exactly 2 notifications, got", len(changes))
	}
	if changes[0].Old != None || changes[0].New != Accepted {
		t.Fatal("first change was", changes[0].Old, "->", changes[0].New)
	}
	if changes[1].Old != Accepted || changes[1].New != QueuedLocal {
		t.Fatal("second change was", changes[1].Old, "->", changes[1].New)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	reg, _ := registryFixture(t)

	j, err := reg.NewJob(Defaults())
	if err != nil {
		t.Fatal(err.Error())
	}
	if err = reg.SetState(j.MoleQueueID, Accepted); err != nil {
		t.Fatal(err.Error())
	}
	if err = reg.SetState(j.MoleQueueID, Finished); err != nil {
		t.Fatal(err.Error())
	}
	if err = reg.SetState(j.MoleQueueID, RunningLocal); err == nil {
		t.Fatal("a terminal job was allowed to change state")
	}

	// The retry edge out of Error is legal
	k, err := reg.NewJob(Defaults())
	if err != nil {
		t.Fatal(err.Error())
	}
	if err = reg.SetState(k.MoleQueueID, Error); err != nil {
		t.Fatal(err.Error())
	}
	if err = reg.SetState(k.MoleQueueID, QueuedLocal); err != nil {
		t.Fatal("the Error -> QueuedLocal retry edge was refused:", err.Error())
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	reg, dir := registryFixture(t)

	spec := Defaults()
	spec.Queue = "cluster"
	spec.Program = "psi4"
	spec.Description = "water sto-3g"
	spec.InputFile = FileSpec{Filename: "in.dat", Contents: "hi"}
	spec.NumberOfCores = 4

	j, err := reg.NewJob(spec)
	if err != nil {
		t.Fatal(err.Error())
	}
	if err = reg.SetState(j.MoleQueueID, Accepted); err != nil {
		t.Fatal(err.Error())
	}
	if err = reg.SetQueueID(j.MoleQueueID, "98765"); err != nil {
		t.Fatal(err.Error())
	}
	if err = reg.SyncToDisk(); err != nil {
		t.Fatal(err.Error())
	}

	// A fresh registry over the same directory reloads everything
	restored := NewRegistry(dir, eventlog.New(100, testLogger), testLogger)
	if err = restored.LoadFromDisk(); err != nil {
		t.Fatal(err.Error())
	}

	reloaded, isPresent := restored.Lookup(j.MoleQueueID)
	if !isPresent {
		t.Fatal("job was not reloaded")
	}
	original, _ := reg.Lookup(j.MoleQueueID)
	if diff := deep.Equal(original, reloaded); diff != nil {
		t.Fatal(diff)
	}

	// The id counter must be strictly greater than every loaded id
	next, err := restored.NewJob(Defaults())
	if err != nil {
		t.Fatal(err.Error())
	}
	if next.MoleQueueID <= j.MoleQueueID {
		t.Fatal("id counter did not advance past the loaded ids")
	}
}

func TestRemoveArchivesSnapshot(t *testing.T) {
	reg, dir := registryFixture(t)

	j, err := reg.NewJob(Defaults())
	if err != nil {
		t.Fatal(err.Error())
	}
	if err = reg.Remove(j.MoleQueueID); err != nil {
		t.Fatal(err.Error())
	}

	jobDir := reg.JobDir(j.MoleQueueID)
	if _, errGo := os.Stat(filepath.Join(jobDir, StateFileName)); !os.IsNotExist(errGo) {
		t.Fatal("live snapshot still present after removal")
	}
	if _, errGo := os.Stat(filepath.Join(jobDir, ArchivedStateFileName)); errGo != nil {
		t.Fatal("archived snapshot missing after removal")
	}

	// An archived job must not be resurrected by a reload
	restored := NewRegistry(dir, eventlog.New(100, testLogger), testLogger)
	if err = restored.LoadFromDisk(); err != nil {
		t.Fatal(err.Error())
	}
	if _, isPresent := restored.Lookup(j.MoleQueueID); isPresent {
		t.Fatal("archived job reappeared after reload")
	}
}

func TestDamagedSnapshotSkipped(t *testing.T) {
	reg, dir := registryFixture(t)

	j, err := reg.NewJob(Defaults())
	if err != nil {
		t.Fatal(err.Error())
	}

	// Corrupt a second snapshot by hand
	damagedDir := filepath.Join(dir, "999")
	if errGo := os.MkdirAll(damagedDir, 0700); errGo != nil {
		t.Fatal(errGo.Error())
	}
	if errGo := ioutil.WriteFile(filepath.Join(damagedDir, StateFileName), []byte("{not json"), 0600); errGo != nil {
		t.Fatal(errGo.Error())
	}

	elog := eventlog.New(100, testLogger)
	restored := NewRegistry(dir, elog, testLogger)
	if err = restored.LoadFromDisk(); err != nil {
		t.Fatal(err.Error())
	}
	if _, isPresent := restored.Lookup(j.MoleQueueID); !isPresent {
		t.Fatal("healthy job was not reloaded")
	}
	if elog.NewErrorCount() == 0 {
		t.Fatal("damaged snapshot did not produce an error entry")
	}
}

func TestFileSpecJSON(t *testing.T) {
	inline := FileSpec{Filename: "in.dat", Contents: "hi"}
	pathRef := FileSpec{Path: "/tmp/in.dat"}
	invalid := FileSpec{}

	if inline.Format() != ContentsFileSpec || pathRef.Format() != PathFileSpec || invalid.Format() != InvalidFileSpec {
		t.Fatal("format discrimination failed")
	}
	if inline.FileBaseName() != "in" || pathRef.FileName() != "in.dat" {
		t.Fatal("filename helpers failed")
	}

	for _, spec := range []FileSpec{inline, pathRef} {
		data, errGo := spec.MarshalJSON()
		if errGo != nil {
			t.Fatal(errGo.Error())
		}
		restored := FileSpec{}
		if errGo = restored.UnmarshalJSON(data); errGo != nil {
			t.Fatal(errGo.Error())
		}
		if diff := deep.Equal(spec, restored); diff != nil {
			t.Fatal(diff)
		}
	}
}
