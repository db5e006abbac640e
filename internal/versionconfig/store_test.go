package versionconfig

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const configPath = "/app/config.json"

func TestOpenMissingFileYieldsEmptyRecord(t *testing.T) {
	fs := afero.NewMemMapFs()

	store, err := Open(fs, configPath)
	require.NoError(t, err)
	require.Equal(t, "", store.CurrentVersion())
	require.NotNil(t, store.Versions())
	require.Empty(t, store.Versions())

	exists, err := afero.Exists(fs, configPath)
	require.NoError(t, err)
	require.False(t, exists, "Open must not create the file")
}

func TestSaveRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()

	store, err := Open(fs, configPath)
	require.NoError(t, err)
	store.SetCurrentVersion("2.3.0")
	store.SetVersions([]string{"1.0.0", "2.3.0"})

	exists, _ := afero.Exists(fs, configPath)
	require.False(t, exists, "setters must not persist")

	require.NoError(t, store.Save())

	reopened, err := Open(fs, configPath)
	require.NoError(t, err)
	require.Equal(t, "2.3.0", reopened.CurrentVersion())
	require.Equal(t, []string{"1.0.0", "2.3.0"}, reopened.Versions())
}

func TestSaveOverwritesAndLeavesNoTempFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, configPath, []byte(`{"currentVersion":"0.1.0"}`), 0o644))

	store, err := Open(fs, configPath)
	require.NoError(t, err)
	require.Equal(t, "0.1.0", store.CurrentVersion())

	store.SetCurrentVersion("")
	require.NoError(t, store.Save())

	data, err := afero.ReadFile(fs, configPath)
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(data))

	infos, err := afero.ReadDir(fs, "/app")
	require.NoError(t, err)
	require.Len(t, infos, 1)
}

func TestOpenRejectsMalformedRecord(t *testing.T) {
	testCases := map[string]string{
		"not json":      `{"currentVersion":`,
		"unknown field": `{"currentVersion":"1.0.0","channel":"beta"}`,
		"wrong type":    `{"versions":"1.0.0"}`,
		"empty":         ``,
	}
	for name, body := range testCases {
		t.Run(name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			require.NoError(t, afero.WriteFile(fs, configPath, []byte(body), 0o644))

			_, err := Open(fs, configPath)
			require.Error(t, err)
		})
	}
}

func TestVersionsAreCopied(t *testing.T) {
	store, err := Open(afero.NewMemMapFs(), configPath)
	require.NoError(t, err)

	input := []string{"1.0.0"}
	store.SetVersions(input)
	input[0] = "mutated"
	require.Equal(t, []string{"1.0.0"}, store.Versions())

	out := store.Versions()
	out[0] = "mutated"
	require.Equal(t, []string{"1.0.0"}, store.Versions())
}

func TestAddVersion(t *testing.T) {
	store, err := Open(afero.NewMemMapFs(), configPath)
	require.NoError(t, err)

	require.True(t, store.AddVersion("1.0.0"))
	require.False(t, store.AddVersion("1.0.0"))
	require.True(t, store.AddVersion("0.9.0"))
	require.Equal(t, []string{"1.0.0", "0.9.0"}, store.Versions())
}
