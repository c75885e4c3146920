package worker_test

import (
	"os/exec"
	"testing"
	"time"

	"github.com/openmc/dropwatch/internal/worker"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// shell returns a command running script with sh; worker arguments become $1...
func shell(t *testing.T, script string) worker.Command {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	return worker.Command{
		Path: sh,
		Args: []string{"-c", script, "sh"},
	}
}

// drain reads all events of h and returns the messages and the exit.
func drain(t *testing.T, h *worker.Handle) ([]worker.Message, worker.Exit) {
	t.Helper()
	var msgs []worker.Message
	var exit *worker.Exit
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-h.Events():
			if !ok {
				require.NotNil(t, exit, "events closed without exit")
				return msgs, *exit
			}
			require.Nil(t, exit, "event after exit")
			if ev.Exit != nil {
				exit = ev.Exit
				continue
			}
			msgs = append(msgs, *ev.Message)
		case <-timeout:
			t.Fatalf("worker %s did not finish", h.Kind())
		}
	}
}
