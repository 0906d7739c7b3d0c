package passphrase

import (
	"errors"
	"testing"
)

func TestSourceReadsEnvironment(t *testing.T) {
	t.Setenv("MARKETCTL_TEST_PASS", "s3cret")
	src := NewSource("MARKETCTL_TEST_PASS", "seller")
	got, err := src.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "s3cret" {
		t.Fatalf("unexpected passphrase %q", got)
	}
}

func TestSourceRejectsBlankEnvironment(t *testing.T) {
	t.Setenv("MARKETCTL_TEST_PASS", "   ")
	if _, err := NewSource("MARKETCTL_TEST_PASS", "").Get(); err == nil {
		t.Fatalf("expected blank passphrase to be rejected")
	}
}

func scripted(answers ...string) func(string) (string, error) {
	return func(string) (string, error) {
		if len(answers) == 0 {
			return "", errors.New("no more answers")
		}
		next := answers[0]
		answers = answers[1:]
		return next, nil
	}
}

func TestSourcePromptsOnceAndCaches(t *testing.T) {
	src := NewSource("", "buyer")
	src.prompt = scripted("hunter2")
	for i := 0; i < 2; i++ {
		got, err := src.Get()
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if got != "hunter2" {
			t.Fatalf("unexpected passphrase %q", got)
		}
	}
}

func TestConfirmedSourceRejectsMismatch(t *testing.T) {
	src := NewSource("", "buyer").Confirmed()
	src.prompt = scripted("one", "two")
	if _, err := src.Get(); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
}

func TestSourceWithoutTerminalNamesEnvVar(t *testing.T) {
	src := NewSource("MARKETCTL_UNSET_PASS", "seller")
	src.lookup = func(string) (string, bool) { return "", false }
	src.prompt = func(string) (string, error) { return "", errNoTerminal }
	_, err := src.Get()
	if err == nil || err.Error() != "seller passphrase required; set MARKETCTL_UNSET_PASS or run interactively" {
		t.Fatalf("unexpected error %v", err)
	}
}
