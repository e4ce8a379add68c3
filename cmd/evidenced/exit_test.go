package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/urfave/cli/v2"
)

func TestExitErrHandler_NilError(t *testing.T) {
	// Should not panic or exit on nil error
	exitErrHandler(nil, nil)
}

func TestExitCoderRecognition(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{
			name:     "fatal error code 1",
			err:      cli.Exit("bad config", 1),
			wantCode: 1,
		},
		{
			name:     "startup reconciliation code 2",
			err:      cli.Exit("ledger integrity violated", 2),
			wantCode: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var exitCoder cli.ExitCoder
			if !errors.As(tt.err, &exitCoder) {
				t.Fatal("cli.Exit should produce an ExitCoder")
			}
			if exitCoder.ExitCode() != tt.wantCode {
				t.Errorf("code = %d, want %d", exitCoder.ExitCode(), tt.wantCode)
			}
		})
	}
}

func TestWrappedExitCoderPreserved(t *testing.T) {
	inner := cli.Exit("inner failure", 2)
	wrapped := fmt.Errorf("outer context: %w", inner)

	var exitCoder cli.ExitCoder
	if !errors.As(wrapped, &exitCoder) {
		t.Fatal("wrapped ExitCoder should be recognized")
	}
	if exitCoder.ExitCode() != 2 {
		t.Errorf("code = %d, want 2", exitCoder.ExitCode())
	}
}
