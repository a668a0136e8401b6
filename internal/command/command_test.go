package command

import (
	"errors"
	"testing"
)

func testParser() *Parser {
	return NewParser(Config{
		LockTrigger:   ".lock",
		UnlockTrigger: ".unlock",
		InfoAlias:     ".wcid",
		GlobalFlag:    "--global",
		Environments:  []string{"production", "staging"},
	})
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    Command
		wantErr error
	}{
		{
			name: "bare lock",
			text: ".lock",
			want: Command{Action: ActionLock},
		},
		{
			name: "environment",
			text: ".lock production",
			want: Command{Action: ActionLock, Environment: "production"},
		},
		{
			name: "global",
			text: ".lock --global",
			want: Command{Action: ActionLock, Global: true},
		},
		{
			name: "reason runs to next flag",
			text: ".lock staging --reason fixing the db --task migrations",
			want: Command{Action: ActionLock, Environment: "staging", Reason: "fixing the db", Task: "migrations"},
		},
		{
			name: "reason at end",
			text: ".lock --global --reason  code   freeze ",
			want: Command{Action: ActionLock, Global: true, Reason: "code freeze"},
		},
		{
			name: "details flag",
			text: ".lock production --details",
			want: Command{Action: ActionLock, Environment: "production", Details: true},
		},
		{
			name: "info flag",
			text: ".lock --info",
			want: Command{Action: ActionLock, Details: true},
		},
		{
			name: "info alias",
			text: ".wcid staging",
			want: Command{Action: ActionLock, Environment: "staging", Details: true},
		},
		{
			name: "unlock with task",
			text: ".unlock production --task backfill",
			want: Command{Action: ActionUnlock, Environment: "production", Task: "backfill"},
		},
		{
			name:    "not a command",
			text:    ".deploy production",
			wantErr: ErrNotCommand,
		},
		{
			name:    "empty",
			text:    "   ",
			wantErr: ErrNotCommand,
		},
		{
			name:    "trigger must be exact",
			text:    ".locked",
			wantErr: ErrNotCommand,
		},
		{
			name:    "unknown environment",
			text:    ".lock qa",
			wantErr: ErrUnknownEnvironment,
		},
		{
			name:    "global with environment",
			text:    ".lock production --global",
			wantErr: ErrInvalidArgument,
		},
		{
			name:    "task without value",
			text:    ".lock production --task",
			wantErr: ErrInvalidArgument,
		},
		{
			name:    "task followed by flag",
			text:    ".lock production --task --global",
			wantErr: ErrInvalidArgument,
		},
		{
			name:    "empty reason",
			text:    ".lock production --reason --task x",
			wantErr: ErrInvalidArgument,
		},
		{
			name:    "stray word",
			text:    ".lock production now",
			wantErr: ErrInvalidArgument,
		},
		{
			name:    "unknown flag",
			text:    ".lock --force",
			wantErr: ErrInvalidArgument,
		},
	}

	p := testParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Parse(tt.text)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Parse(%q) error = %v, want %v", tt.text, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) unexpected error: %v", tt.text, err)
			}
			if *got != tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.text, *got, tt.want)
			}
		})
	}
}

func TestParseWithoutEnvironmentList(t *testing.T) {
	p := NewParser(Config{LockTrigger: ".lock", UnlockTrigger: ".unlock", GlobalFlag: "--global"})

	got, err := p.Parse(".lock qa")
	if err != nil {
		t.Fatalf("Parse() unexpected error: %v", err)
	}
	if got.Environment != "qa" {
		t.Errorf("Environment = %q, want qa", got.Environment)
	}
}
