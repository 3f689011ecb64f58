package main

import (
	"errors"
	"testing"
)

func TestBuildRootCmd(t *testing.T) {
	rootCmd := buildRootCmd()
	if rootCmd.Use != "synapse" {
		t.Errorf("use = %q", rootCmd.Use)
	}

	want := map[string]bool{"chat": false, "sessions": false}
	for _, cmd := range rootCmd.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("command %q not registered", name)
		}
	}
}

func TestSessionsSubcommands(t *testing.T) {
	sessionsCmd := buildSessionsCmd()
	want := map[string]bool{"list": false, "clear": false, "delete": false, "usage": false}
	for _, cmd := range sessionsCmd.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("sessions subcommand %q not registered", name)
		}
	}
}

func TestExitCodeError(t *testing.T) {
	inner := errors.New("interrupted")
	err := &exitCodeError{code: exitAborted, err: inner}
	if err.Error() != "interrupted" {
		t.Errorf("Error = %q", err.Error())
	}
	if !errors.Is(err, inner) {
		t.Error("Unwrap broken")
	}

	bare := &exitCodeError{code: exitMaxIterated}
	if bare.Error() != "exit code 3" {
		t.Errorf("Error = %q", bare.Error())
	}

	var coded *exitCodeError
	wrapped := error(err)
	if !errors.As(wrapped, &coded) || coded.code != exitAborted {
		t.Error("errors.As failed to recover the exit code")
	}
}
