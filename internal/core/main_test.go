package core

import (
	"os"
	"testing"

	"github.com/e7canasta/poselive/internal/workerproc"
)

// TestMain doubles as the worker process the pipeline starts.
func TestMain(m *testing.M) {
	if workerproc.IsWorker() {
		workerproc.Main()
	}
	os.Exit(m.Run())
}
