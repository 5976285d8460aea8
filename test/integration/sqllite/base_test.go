package sqllite

import (
	"fmt"
	"os"
	"sync/atomic"
	"testing"
)

var dbSeq int32

func runTestWithSetup(t *testing.T, testFunc func(t *testing.T)) {
	n := atomic.AddInt32(&dbSeq, 1)
	filename := fmt.Sprintf("stepflow-test-%d.db", n)
	defer os.Remove(filename)
	os.Setenv("SFLOW_DATABASE_TYPE", "SQLLITE")
	os.Setenv("SFLOW_DATABASE_SQLLITE_FILE_NAME", filename)
	testFunc(t)
}
