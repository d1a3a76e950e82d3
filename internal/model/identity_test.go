package model_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/CZERTAINLY/Hopper/internal/model"
	"github.com/stretchr/testify/require"
)

func TestIdentity(t *testing.T) {
	var testCases = []struct {
		scenario  string
		given     model.Identity
		needsTask bool
		valid     bool
	}{
		{"caller", model.Caller(), false, true},
		{"caller elevated", model.Caller().WithElevation(true), false, true},
		{"credential", model.Credential(`CORP\alice`, "s3cret"), true, true},
		{"credential without principal", model.Credential("", "s3cret"), true, false},
		{"system", model.System(), true, true},
		{"gmsa", model.GMSA(`CORP\svc-hop`), true, true},
		{"gmsa empty", model.GMSA(""), true, false},
		{"caller with principal", model.Identity{Principal: "bob"}, false, false},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			require.Equal(t, tt.needsTask, tt.given.NeedsTask())
			err := tt.given.Validate()
			if tt.valid {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestGMSANormalized(t *testing.T) {
	require.Equal(t, `CORP\svc-hop$`, model.GMSA(`CORP\svc-hop`).Principal)
	require.Equal(t, `CORP\svc-hop$`, model.GMSA(`CORP\svc-hop$`).Principal)
}

func TestIdentityStringHidesSecret(t *testing.T) {
	id := model.Credential("alice", "s3cret").WithElevation(true)
	require.Equal(t, "credential:alice (elevated)", id.String())
	require.NotContains(t, id.String(), "s3cret")
}

func TestParseIdentityKind(t *testing.T) {
	for _, k := range []model.IdentityKind{model.CallerDefault, model.ExplicitCredential, model.LocalSystem, model.GroupManagedServiceAccount} {
		got, err := model.ParseIdentityKind(k.String())
		require.NoError(t, err)
		require.Equal(t, k, got)
	}
	_, err := model.ParseIdentityKind("root")
	require.Error(t, err)
}

func TestKindOf(t *testing.T) {
	execErr := &model.ExecutionError{Message: "boom", ExitCode: 3}
	var testCases = []struct {
		scenario string
		given    error
		then     model.ErrorKind
	}{
		{"nil", nil, model.KindNone},
		{"capture", fmt.Errorf("capturing $using:x: %w", model.ErrCapture), model.KindCapture},
		{"registration", fmt.Errorf("job: %w: %w", model.ErrRegistration, errors.New("UNIQUE")), model.KindRegistration},
		{"start", fmt.Errorf("task: %w", model.ErrStart), model.KindStart},
		{"timeout", model.ErrMaterializationTimeout, model.KindMaterializationTimeout},
		{"execution", execErr, model.KindExecution},
		{"other", errors.New("connection refused"), model.KindTransport},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			kind := model.KindOf(tt.given)
			require.Equal(t, tt.then, kind)
			if tt.given == nil {
				require.NoError(t, model.FromKind(kind, "", 0))
				return
			}
			back := model.FromKind(kind, tt.given.Error(), 3)
			require.Equal(t, tt.given.Error(), back.Error())
			require.Equal(t, kind, model.KindOf(back))
		})
	}
}
