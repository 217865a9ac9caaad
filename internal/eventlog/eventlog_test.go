// Copyright 2021-2023 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package eventlog

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-test/deep"
	"github.com/leaf-ai/go-service/pkg/log"
)

var testLogger = log.NewLogger("eventlog_test")

func TestOverflowDropsOldest(t *testing.T) {
	elog := New(5, testLogger)
	for i := 0; i != 8; i++ {
		elog.Append(Notification, fmt.Sprintf("entry %d", i))
	}

	entries := elog.Entries()
	if len(entries) != 5 {
		t.Fatal("expected 5 entries, got", len(entries))
	}
	if entries[0].Message != "entry 3" || entries[4].Message != "entry 7" {
		t.Fatal("oldest entries were not the ones dropped")
	}
}

func TestNewErrorCallbacks(t *testing.T) {
	elog := New(10, testLogger)

	firstFired := 0
	resetFired := 0
	elog.OnFirstNewError(func() { firstFired++ })
	elog.OnNewErrorCountReset(func() { resetFired++ })

	elog.Append(Warning, "not an error")
	if firstFired != 0 {
		t.Fatal("warning fired the first error callback")
	}

	elog.Append(Error, "first")
	elog.Append(Error, "second")
	if firstFired != 1 {
		t.Fatal("first error callback fired", firstFired, "times")
	}
	if elog.NewErrorCount() != 2 {
		t.Fatal("unexpected error count", elog.NewErrorCount())
	}

	elog.ResetNewErrorCount()
	if resetFired != 1 || elog.NewErrorCount() != 0 {
		t.Fatal("reset did not behave")
	}

	// The 0 -> 1 transition fires again after a reset
	elog.Append(Error, "third")
	if firstFired != 2 {
		t.Fatal("first error callback did not rearm after reset")
	}
}

func TestSilence(t *testing.T) {
	elog := New(10, testLogger)
	fired := false
	elog.OnFirstNewError(func() { fired = true })
	elog.SilenceNewErrors(true)

	elog.Append(Error, "quiet")
	if fired {
		t.Fatal("silenced callback fired")
	}
	if elog.NewErrorCount() != 1 {
		t.Fatal("silencing should not stop the counter")
	}
}

func TestSaveLoad(t *testing.T) {
	dir, errGo := ioutil.TempDir("", "mq-eventlog")
	if errGo != nil {
		t.Fatal(errGo.Error())
	}
	defer os.RemoveAll(dir)

	elog := New(10, testLogger)
	elog.AppendJob(Notification, "Job 'water' has changed status from Accepted to QueuedLocal", 3)
	elog.Append(Error, "boom")

	logPath := filepath.Join(dir, "log", "log.json")
	if err := elog.Save(logPath); err != nil {
		t.Fatal(err.Error())
	}

	restored := New(10, testLogger)
	if err := restored.Load(logPath); err != nil {
		t.Fatal(err.Error())
	}

	want := elog.Entries()
	got := restored.Entries()
	for i := range want {
		// Serialized timestamps can lose monotonic clock detail
		want[i].Timestamp = want[i].Timestamp.Round(0)
		got[i].Timestamp = got[i].Timestamp.Local().Round(0)
	}
	if diff := deep.Equal(want, got); diff != nil {
		t.Fatal(diff)
	}
}

func TestLoadMissingFileIsBenign(t *testing.T) {
	elog := New(10, testLogger)
	if err := elog.Load(filepath.Join(os.TempDir(), "does-not-exist", "log.json")); err != nil {
		t.Fatal(err.Error())
	}
}
