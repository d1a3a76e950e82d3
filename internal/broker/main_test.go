package broker_test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/CZERTAINLY/Hopper/internal/jobs"
)

func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == jobs.EntryCommand {
		if err := jobs.RunEntryPoint(context.Background(), os.Args[2:]); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}
