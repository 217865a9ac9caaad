// Copyright 2021-2023 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package server

import (
	"testing"

	"github.com/go-test/deep"
)

func TestOpenWithLifecycle(t *testing.T) {
	dir := t.TempDir()
	store := NewOpenWithStore(dir)

	entry := OpenWithEntry{
		Name:       "Avogadro",
		Executable: "avogadro",
		Patterns: []OpenWithPattern{
			{Pattern: "*.out", PatternType: PatternWildcard},
			{Pattern: `\.log$`, PatternType: PatternRegexp},
		},
	}
	if err := store.Register(entry); err != nil {
		t.Fatal(err)
	}

	restored := NewOpenWithStore(dir)
	if err := restored.Load(); err != nil {
		t.Fatal(err)
	}
	if diff := deep.Equal(store.Names(), restored.Names()); diff != nil {
		t.Fatal(diff)
	}

	if err := restored.Unregister("Avogadro"); err != nil {
		t.Fatal(err)
	}
	if names := restored.Names(); len(names) != 0 {
		t.Fatalf("names %v after unregister", names)
	}
	if err := restored.Unregister("Avogadro"); err == nil {
		t.Fatal("second unregister succeeded")
	}
}

func TestOpenWithValidation(t *testing.T) {
	store := NewOpenWithStore(t.TempDir())

	rejected := []OpenWithEntry{
		{Name: "", Executable: "x"},
		{Name: "both", Executable: "x", RPCServer: "y"},
		{Name: "neither"},
		{Name: "badType", Executable: "x", Patterns: []OpenWithPattern{{Pattern: "*", PatternType: "glob"}}},
		{Name: "badRe", Executable: "x", Patterns: []OpenWithPattern{{Pattern: "(", PatternType: PatternRegexp}}},
	}
	for _, entry := range rejected {
		if err := store.Register(entry); err == nil {
			t.Fatalf("entry %+v was accepted", entry)
		}
	}
}

func TestOpenWithMatching(t *testing.T) {
	store := NewOpenWithStore(t.TempDir())

	store.Register(OpenWithEntry{
		Name:       "viewer",
		Executable: "view",
		Patterns:   []OpenWithPattern{{Pattern: "*.OUT", PatternType: PatternWildcard}},
	})
	store.Register(OpenWithEntry{
		Name:      "strict",
		RPCServer: "strict-server",
		Patterns:  []OpenWithPattern{{Pattern: `^data\.json$`, PatternType: PatternRegexp, CaseSensitive: true}},
	})

	if names := store.HandlersFor("benzene.out"); len(names) != 1 || names[0] != "viewer" {
		t.Fatalf("case insensitive wildcard missed: %v", names)
	}
	if names := store.HandlersFor("DATA.JSON"); len(names) != 0 {
		t.Fatalf("case sensitive pattern matched anyway: %v", names)
	}
	if names := store.HandlersFor("data.json"); len(names) != 1 || names[0] != "strict" {
		t.Fatalf("exact pattern missed: %v", names)
	}
}
