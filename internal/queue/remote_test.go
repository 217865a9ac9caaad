// Copyright 2021-2023 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jjeffery/kv" // MIT License

	"github.com/leaf-ai/molequeue/internal/eventlog"
	"github.com/leaf-ai/molequeue/internal/job"
)

// fakeTransport scripts the remote side of the pipeline.
type fakeTransport struct {
	failSubmits int
	failKills   bool
	submitOut   string
	statusOut   string

	commands  []string
	uploads   []string
	downloads []string

	sync.Mutex
}

func (xport *fakeTransport) Execute(ctx context.Context, command string) (output string, exitCode int, err kv.Error) {
	xport.Lock()
	defer xport.Unlock()

	xport.commands = append(xport.commands, command)
	switch {
	case strings.Contains(command, "qsub"):
		if xport.failSubmits > 0 {
			xport.failSubmits--
			return "", -1, kv.NewError("connection reset by peer")
		}
		return xport.submitOut, 0, nil
	case strings.HasPrefix(command, "qstat"):
		return xport.statusOut, 0, nil
	case strings.HasPrefix(command, "qdel"):
		if xport.failKills {
			return "", -1, kv.NewError("connection reset by peer")
		}
		return "", 0, nil
	}
	return "", 0, nil
}

func (xport *fakeTransport) CopyTo(ctx context.Context, localPath string, remotePath string) (err kv.Error) {
	return nil
}

func (xport *fakeTransport) CopyFrom(ctx context.Context, remotePath string, localPath string) (err kv.Error) {
	return nil
}

func (xport *fakeTransport) CopyDirTo(ctx context.Context, localDir string, remoteDir string) (err kv.Error) {
	xport.Lock()
	defer xport.Unlock()

	xport.uploads = append(xport.uploads, remoteDir)
	return nil
}

func (xport *fakeTransport) CopyDirFrom(ctx context.Context, remoteDir string, localDir string) (err kv.Error) {
	xport.Lock()
	defer xport.Unlock()

	xport.downloads = append(xport.downloads, remoteDir)
	return nil
}

func (xport *fakeTransport) executed() (commands []string) {
	xport.Lock()
	defer xport.Unlock()

	return append([]string{}, xport.commands...)
}

func newRemoteHarness(t *testing.T, xport *fakeTransport) (q *Remote, reg *job.Registry, elog *eventlog.Log) {
	t.Helper()

	elog = eventlog.New(100, testLogger)
	reg = job.NewRegistry(t.TempDir(), elog, testLogger)
	reg.SubscribeAboutToAdd(func(j *job.Job) {
		j.LocalWorkingDirectory = reg.JobDir(j.MoleQueueID)
	})

	cfg := Config{
		Name:                 "cluster",
		Type:                 TypePBS,
		HostName:             "head",
		LaunchTemplate:       "#!/bin/sh\n$$programExecution$$\n",
		WorkingDirectoryBase: "/scratch/mq",
		Programs: map[string]Program{
			"echo": {Name: "echo", Executable: "echo", Syntax: SyntaxPlain},
		},
	}

	q, err := NewRemote(cfg, Deps{Registry: reg, EventLog: elog, Logger: testLogger}, pbsBackend, xport)
	if err != nil {
		t.Fatal(err)
	}
	return q, reg, elog
}

func newClusterJob(t *testing.T, reg *job.Registry) (j job.Job) {
	t.Helper()

	spec := job.Defaults()
	spec.Queue = "cluster"
	spec.Program = "echo"
	spec.InputFile = job.FileSpec{Filename: "in.dat", Contents: "hi\n"}

	j, err := reg.NewJob(spec)
	if err != nil {
		t.Fatal(err)
	}
	return j
}

func waitForState(t *testing.T, reg *job.Registry, moleQueueID uint64, expected job.State) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if j, isPresent := reg.Lookup(moleQueueID); isPresent && j.State == expected {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	j, _ := reg.Lookup(moleQueueID)
	t.Fatalf("job never reached %s, last seen in %s", expected, j.State)
}

func errorEntriesFor(elog *eventlog.Log, moleQueueID uint64) (count int) {
	for _, entry := range elog.Entries() {
		if entry.Severity == eventlog.Error && entry.MoleQueueID == moleQueueID {
			count++
		}
	}
	return count
}

func shortRetries(t *testing.T) {
	t.Helper()

	saved := retryDelayBase
	retryDelayBase = time.Millisecond
	t.Cleanup(func() { retryDelayBase = saved })
}

func TestRemoteSubmitHappyPath(t *testing.T) {
	shortRetries(t)
	xport := &fakeTransport{submitOut: "1234.head\n"}
	q, reg, _ := newRemoteHarness(t, xport)
	j := newClusterJob(t, reg)

	if err := q.Submit(j.MoleQueueID); err != nil {
		t.Fatal(err)
	}
	waitForState(t, reg, j.MoleQueueID, job.Submitted)

	submitted, _ := reg.Lookup(j.MoleQueueID)
	if submitted.QueueID != "1234" {
		t.Fatalf("queue id %q, wanted 1234", submitted.QueueID)
	}

	scriptPath := filepath.Join(submitted.LocalWorkingDirectory, DefaultLaunchScriptName)
	if _, errGo := os.Stat(scriptPath); errGo != nil {
		t.Fatalf("launch script was not staged: %v", errGo)
	}

	xport.Lock()
	defer xport.Unlock()
	expectedDir := fmt.Sprintf("/scratch/mq/%d", j.MoleQueueID)
	if len(xport.uploads) != 1 || xport.uploads[0] != expectedDir {
		t.Fatalf("uploads %v, wanted [%s]", xport.uploads, expectedDir)
	}
}

// Three consecutive failures stay inside the default budget, the fourth
// attempt lands the job.
func TestRemoteRetryWithinBudget(t *testing.T) {
	shortRetries(t)
	xport := &fakeTransport{failSubmits: 3, submitOut: "1234.head\n"}
	q, reg, elog := newRemoteHarness(t, xport)
	j := newClusterJob(t, reg)

	if err := q.Submit(j.MoleQueueID); err != nil {
		t.Fatal(err)
	}
	waitForState(t, reg, j.MoleQueueID, job.Submitted)

	if count := errorEntriesFor(elog, j.MoleQueueID); count != 0 {
		t.Fatalf("%d error entries logged for a job that recovered", count)
	}
}

func TestRemoteRetryBudgetExhausted(t *testing.T) {
	shortRetries(t)
	xport := &fakeTransport{failSubmits: 100, submitOut: "1234.head\n"}
	q, reg, elog := newRemoteHarness(t, xport)
	j := newClusterJob(t, reg)

	if err := q.Submit(j.MoleQueueID); err != nil {
		t.Fatal(err)
	}
	waitForState(t, reg, j.MoleQueueID, job.Error)

	if count := errorEntriesFor(elog, j.MoleQueueID); count != 1 {
		t.Fatalf("%d error entries, wanted exactly one", count)
	}

	attempts := 0
	for _, command := range xport.executed() {
		if strings.Contains(command, "qsub") {
			attempts++
		}
	}
	if attempts != 4 {
		t.Fatalf("%d submission attempts, wanted 4", attempts)
	}
}

func TestRemotePollStatusMapping(t *testing.T) {
	shortRetries(t)
	xport := &fakeTransport{submitOut: "1234.head\n"}
	q, reg, _ := newRemoteHarness(t, xport)
	j := newClusterJob(t, reg)

	q.Submit(j.MoleQueueID)
	waitForState(t, reg, j.MoleQueueID, job.Submitted)

	xport.Lock()
	xport.statusOut = "Job ID    Name  User  Time  S  Queue\n1234.head in    user  0:00  R  batch\n"
	xport.Unlock()
	q.poll(context.Background())
	waitForState(t, reg, j.MoleQueueID, job.RunningRemote)

	xport.Lock()
	xport.statusOut = "1234.head in    user  0:00  Q  batch\n"
	xport.Unlock()
	q.poll(context.Background())
	waitForState(t, reg, j.MoleQueueID, job.QueuedRemote)
}

func TestRemoteAbsenceFinalizes(t *testing.T) {
	shortRetries(t)
	xport := &fakeTransport{submitOut: "1234.head\n"}
	q, reg, _ := newRemoteHarness(t, xport)
	j := newClusterJob(t, reg)

	q.Submit(j.MoleQueueID)
	waitForState(t, reg, j.MoleQueueID, job.Submitted)

	// An empty listing means the batch system forgot the job
	q.poll(context.Background())
	waitForState(t, reg, j.MoleQueueID, job.Finished)

	xport.Lock()
	defer xport.Unlock()
	expectedDir := fmt.Sprintf("/scratch/mq/%d", j.MoleQueueID)
	if len(xport.downloads) != 1 || xport.downloads[0] != expectedDir {
		t.Fatalf("downloads %v, wanted [%s]", xport.downloads, expectedDir)
	}
}

// A status line that names the job but resists parsing must not trigger
// premature finalization.
func TestRemoteUnparsableLineKeepsJob(t *testing.T) {
	shortRetries(t)
	xport := &fakeTransport{submitOut: "1234.head\n"}
	q, reg, _ := newRemoteHarness(t, xport)
	j := newClusterJob(t, reg)

	q.Submit(j.MoleQueueID)
	waitForState(t, reg, j.MoleQueueID, job.Submitted)

	xport.Lock()
	xport.statusOut = "1234 mangled\n"
	xport.Unlock()
	q.poll(context.Background())

	time.Sleep(50 * time.Millisecond)
	current, _ := reg.Lookup(j.MoleQueueID)
	if current.State != job.Submitted {
		t.Fatalf("job moved to %s on an unparsable line", current.State)
	}
}

func TestRemoteCleanRefusesRoot(t *testing.T) {
	xport := &fakeTransport{}
	q, _, elog := newRemoteHarness(t, xport)

	if err := q.cleanRemote(context.Background(), "//"); err == nil {
		t.Fatal("expected the root path to be refused")
	}
	for _, command := range xport.executed() {
		if strings.HasPrefix(command, "rm") {
			t.Fatalf("a removal command was issued: %q", command)
		}
	}

	flagged := false
	for _, entry := range elog.Entries() {
		if entry.Severity == eventlog.Error && strings.Contains(entry.Message, "refusing") {
			flagged = true
		}
	}
	if !flagged {
		t.Fatal("expected an error entry for the refused path")
	}
}

// Jobs reloaded from disk in a submitted or running state must be
// polled again after a restart, otherwise they are leaked on the batch
// system and their results never retrieved.
func TestRemoteRestartAdoptsSubmitted(t *testing.T) {
	shortRetries(t)
	xport := &fakeTransport{}
	q, reg, _ := newRemoteHarness(t, xport)

	// The registry state a reload leaves behind: submitted jobs that
	// this queue instance has never seen.
	j := newClusterJob(t, reg)
	if err := reg.SetQueueID(j.MoleQueueID, "1234"); err != nil {
		t.Fatal(err)
	}
	if err := reg.SetState(j.MoleQueueID, job.Submitted); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := q.Start(ctx); err != nil {
		t.Fatal(err)
	}

	xport.Lock()
	xport.statusOut = "Job ID    Name  User  Time  S  Queue\n1234.head in    user  0:00  R  batch\n"
	xport.Unlock()
	q.poll(ctx)
	waitForState(t, reg, j.MoleQueueID, job.RunningRemote)

	// An empty listing finalizes the adopted job like any other
	xport.Lock()
	xport.statusOut = ""
	xport.Unlock()
	q.poll(ctx)
	waitForState(t, reg, j.MoleQueueID, job.Finished)

	xport.Lock()
	defer xport.Unlock()
	expectedDir := fmt.Sprintf("/scratch/mq/%d", j.MoleQueueID)
	if len(xport.downloads) != 1 || xport.downloads[0] != expectedDir {
		t.Fatalf("downloads %v, wanted [%s]", xport.downloads, expectedDir)
	}
}

// A failed kill command must not leave the job stranded in a submitted
// state with no poll path.
func TestRemoteKillTransportFailure(t *testing.T) {
	shortRetries(t)
	xport := &fakeTransport{submitOut: "1234.head\n", failKills: true}
	q, reg, elog := newRemoteHarness(t, xport)
	j := newClusterJob(t, reg)

	q.Submit(j.MoleQueueID)
	waitForState(t, reg, j.MoleQueueID, job.Submitted)

	if err := q.Kill(j.MoleQueueID); err != nil {
		t.Fatal(err)
	}
	waitForState(t, reg, j.MoleQueueID, job.Error)

	if count := errorEntriesFor(elog, j.MoleQueueID); count == 0 {
		t.Fatal("expected an error entry for the failed kill")
	}
}

func TestRemoteKill(t *testing.T) {
	shortRetries(t)
	xport := &fakeTransport{submitOut: "1234.head\n"}
	q, reg, _ := newRemoteHarness(t, xport)

	// Before submission the job is simply abandoned
	early := newClusterJob(t, reg)
	if err := q.Kill(early.MoleQueueID); err != nil {
		t.Fatal(err)
	}
	waitForState(t, reg, early.MoleQueueID, job.Canceled)

	// After submission the batch system is told as well
	late := newClusterJob(t, reg)
	q.Submit(late.MoleQueueID)
	waitForState(t, reg, late.MoleQueueID, job.Submitted)
	if err := q.Kill(late.MoleQueueID); err != nil {
		t.Fatal(err)
	}
	waitForState(t, reg, late.MoleQueueID, job.Canceled)

	killed := false
	for _, command := range xport.executed() {
		if command == "qdel 1234" {
			killed = true
		}
	}
	if !killed {
		t.Fatal("qdel was never issued for the tracked job")
	}
}
