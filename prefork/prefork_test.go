package prefork

import (
	"os"
	"testing"

	"github.com/mxvane/qsmtpd/lalog"
)

func TestIsWorkerAbsent(t *testing.T) {
	os.Unsetenv(WorkerEnvVar)
	if _, ok := IsWorker(); ok {
		t.Fatal("expected IsWorker to report false when env var is unset")
	}
}

func TestIsWorkerPresent(t *testing.T) {
	os.Setenv(WorkerEnvVar, "3")
	defer os.Unsetenv(WorkerEnvVar)
	index, ok := IsWorker()
	if !ok || index != 3 {
		t.Fatalf("expected worker index 3, got index=%d ok=%v", index, ok)
	}
}

func TestIsWorkerMalformed(t *testing.T) {
	os.Setenv(WorkerEnvVar, "not-a-number")
	defer os.Unsetenv(WorkerEnvVar)
	if _, ok := IsWorker(); ok {
		t.Fatal("expected IsWorker to reject a non-numeric index")
	}
}

func TestInheritedListenerAbsentWhenNotWorker(t *testing.T) {
	os.Unsetenv(WorkerEnvVar)
	if _, ok := InheritedListener(); ok {
		t.Fatal("expected InheritedListener to report false outside a worker process")
	}
}

func TestInheritedListenerFalseWithoutRealDescriptor(t *testing.T) {
	os.Setenv(WorkerEnvVar, "0")
	defer os.Unsetenv(WorkerEnvVar)
	if _, ok := InheritedListener(); ok {
		t.Fatal("expected InheritedListener to report false when fd 3 is not a shared listening socket")
	}
}

func TestNewSupervisorDefaultsToOneWorker(t *testing.T) {
	s := NewSupervisor(0, nil, nil, lalog.Logger{ComponentName: "TestPrefork"})
	if s.NumWorkers != 1 {
		t.Fatalf("expected NumWorkers to default to 1, got %d", s.NumWorkers)
	}
}
