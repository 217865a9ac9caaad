// Copyright 2021-2023 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package queue

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/leaf-ai/molequeue/internal/eventlog"
	"github.com/leaf-ai/molequeue/internal/job"
)

func newLocalHarness(t *testing.T, maxCores int, programs map[string]Program) (q *Local, reg *job.Registry, elog *eventlog.Log) {
	t.Helper()

	elog = eventlog.New(100, testLogger)
	reg = job.NewRegistry(t.TempDir(), elog, testLogger)
	reg.SubscribeAboutToAdd(func(j *job.Job) {
		j.LocalWorkingDirectory = reg.JobDir(j.MoleQueueID)
	})

	cfg := Config{Name: "local", Type: TypeLocal, Programs: programs}
	q, err := NewLocal(cfg, Deps{Registry: reg, EventLog: elog, Logger: testLogger}, maxCores)
	if err != nil {
		t.Fatal(err)
	}
	return q, reg, elog
}

func TestLocalHappyPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on unix userland")
	}

	programs := map[string]Program{
		"cat": {
			Name:           "cat",
			Executable:     "cat",
			OutputFilename: "$$inputFileBaseName$$.out",
			Syntax:         SyntaxRedirect,
		},
	}
	q, reg, _ := newLocalHarness(t, 1, programs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	spec := job.Defaults()
	spec.Queue = "local"
	spec.Program = "cat"
	spec.InputFile = job.FileSpec{Filename: "in.dat", Contents: "hi\n"}
	j, err := reg.NewJob(spec)
	if err != nil {
		t.Fatal(err)
	}

	if err = q.Submit(j.MoleQueueID); err != nil {
		t.Fatal(err)
	}
	waitForState(t, reg, j.MoleQueueID, job.Finished)

	finished, _ := reg.Lookup(j.MoleQueueID)
	if len(finished.QueueID) == 0 {
		t.Fatal("the child pid was never recorded as the queue id")
	}

	produced, errGo := ioutil.ReadFile(filepath.Join(finished.LocalWorkingDirectory, "in.out"))
	if errGo != nil {
		t.Fatal(errGo)
	}
	if string(produced) != "hi\n" {
		t.Fatalf("output %q, wanted %q", string(produced), "hi\n")
	}
}

// With a single core budget two jobs must run strictly one after the
// other.
func TestLocalCoreBudgetSerializes(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on unix userland")
	}

	programs := map[string]Program{
		"sleep": {Name: "sleep", Executable: "sleep", Arguments: "0.3", Syntax: SyntaxPlain},
	}
	q, reg, _ := newLocalHarness(t, 1, programs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	ids := []uint64{}
	for i := 0; i < 2; i++ {
		spec := job.Defaults()
		spec.Queue = "local"
		spec.Program = "sleep"
		j, err := reg.NewJob(spec)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, j.MoleQueueID)
		if err = q.Submit(j.MoleQueueID); err != nil {
			t.Fatal(err)
		}
	}

	waitForState(t, reg, ids[0], job.RunningLocal)
	second, _ := reg.Lookup(ids[1])
	if second.State != job.QueuedLocal {
		t.Fatalf("second job is %s while the first still runs", second.State)
	}

	waitForState(t, reg, ids[0], job.Finished)
	waitForState(t, reg, ids[1], job.Finished)
}

// A job that can never fit stays queued with a single warning rather
// than erroring out.
func TestLocalOversizedJobWaits(t *testing.T) {
	programs := map[string]Program{
		"sleep": {Name: "sleep", Executable: "sleep", Arguments: "1", Syntax: SyntaxPlain},
	}
	q, reg, elog := newLocalHarness(t, 2, programs)

	spec := job.Defaults()
	spec.Queue = "local"
	spec.Program = "sleep"
	spec.NumberOfCores = 8
	j, err := reg.NewJob(spec)
	if err != nil {
		t.Fatal(err)
	}
	if err = q.Submit(j.MoleQueueID); err != nil {
		t.Fatal(err)
	}

	q.schedule(context.Background())
	q.schedule(context.Background())

	current, _ := reg.Lookup(j.MoleQueueID)
	if current.State != job.QueuedLocal {
		t.Fatalf("oversized job is %s, wanted %s", current.State, job.QueuedLocal)
	}

	warnings := 0
	for _, entry := range elog.Entries() {
		if entry.Severity == eventlog.Warning && strings.Contains(entry.Message, "cores") {
			warnings++
		}
	}
	if warnings != 1 {
		t.Fatalf("%d core warnings, wanted exactly one", warnings)
	}
}

func TestLocalKillPending(t *testing.T) {
	programs := map[string]Program{
		"sleep": {Name: "sleep", Executable: "sleep", Arguments: "1", Syntax: SyntaxPlain},
	}
	q, reg, _ := newLocalHarness(t, 1, programs)

	spec := job.Defaults()
	spec.Queue = "local"
	spec.Program = "sleep"
	j, err := reg.NewJob(spec)
	if err != nil {
		t.Fatal(err)
	}
	if err = q.Submit(j.MoleQueueID); err != nil {
		t.Fatal(err)
	}

	if err = q.Kill(j.MoleQueueID); err != nil {
		t.Fatal(err)
	}
	waitForState(t, reg, j.MoleQueueID, job.Canceled)
}

func TestLocalKillRunning(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on unix userland")
	}

	programs := map[string]Program{
		"sleep": {Name: "sleep", Executable: "sleep", Arguments: "30", Syntax: SyntaxPlain},
	}
	q, reg, _ := newLocalHarness(t, 1, programs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	spec := job.Defaults()
	spec.Queue = "local"
	spec.Program = "sleep"
	j, err := reg.NewJob(spec)
	if err != nil {
		t.Fatal(err)
	}
	q.Submit(j.MoleQueueID)
	waitForState(t, reg, j.MoleQueueID, job.RunningLocal)

	start := time.Now()
	if err = q.Kill(j.MoleQueueID); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("kill blocked for %s waiting on the child", elapsed)
	}
	waitForState(t, reg, j.MoleQueueID, job.Canceled)
}
