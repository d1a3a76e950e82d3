package interp_test

import (
	"testing"

	"github.com/CZERTAINLY/Hopper/internal/interp"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	sh, err := interp.Lookup("")
	require.NoError(t, err)
	require.Equal(t, "sh", sh.Name)
	require.Equal(t, "${LIMIT}", sh.Reference("LIMIT"))
	require.Equal(t, byte('\\'), sh.Escape())
	require.Equal(t, []string{"-c", `echo "$1"`, "hopper-job", "a", "b"}, sh.Command(`echo "$1"`, []string{"a", "b"}))

	ps, err := interp.Lookup("powershell")
	require.NoError(t, err)
	require.Equal(t, "powershell.exe", ps.Path)
	require.Equal(t, "$env:LIMIT", ps.Reference("LIMIT"))
	require.Equal(t, byte('`'), ps.Escape())
	require.Equal(t, []string{"-NoProfile", "-NonInteractive", "-Command", "whoami"}, ps.Command("whoami", []string{"x"}))

	_, err = interp.Lookup("cmd")
	require.Error(t, err)
}

func TestArgsEnv(t *testing.T) {
	require.Equal(t, []string{"HOPPER_ARGC=0"}, interp.ArgsEnv(nil))
	require.Equal(t,
		[]string{"HOPPER_ARGC=2", "HOPPER_ARG_0=a b", "HOPPER_ARG_1=c"},
		interp.ArgsEnv([]string{"a b", "c"}),
	)
}
