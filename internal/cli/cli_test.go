package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endeavourhealth/transforms/internal/core"
	_ "github.com/endeavourhealth/transforms/internal/core/sources"
	"github.com/endeavourhealth/transforms/internal/store"
)

type jsonResponse struct {
	Status string            `json:"status"`
	Data   json.RawMessage   `json:"data"`
	Error  *core.UserMessage `json:"error"`
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func executeJSON(t *testing.T, args ...string) (jsonResponse, error) {
	t.Helper()
	out, err := execute(t, append(args, "--format", "json")...)
	var resp jsonResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	return resp, err
}

func writeBatch(t *testing.T, dir string) []string {
	t.Helper()
	files := map[string]string{
		"ACME_ORG1_Codes_20240301.csv":               "CodeId,Term,ReadCode\nC1,Asthma,H33..\n",
		"ACME_ORG1_Patient_20240301.csv":             "PatientGuid,Surname,Forenames,Sex,DateOfBirth,Postcode\nP1,Smith,Jane,F,1980-02-01,LS1 4AP\nP2,Jones,Tom,M,1975-06-30,LS2 7EX\n",
		"ACME_ORG1_Registration_Status_20240301.csv": "PatientGuid,Status,StatusDate\n",
		"ACME_ORG1_Episode_20240301.csv":             "EpisodeGuid,PatientGuid,StartDate,EndDate,EpisodeType\nE1,P1,2020-01-01,,Regular\n",
		"ACME_ORG1_Observation_20240301.csv":         "ObservationGuid,PatientGuid,EpisodeGuid,CodeId,EffectiveDate,Value,Deleted\nO1,P1,E1,C1,2022-01-10,,\n",
	}
	var paths []string
	for name, body := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		paths = append(paths, path)
	}
	return paths
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "ingest", cmd.Use)

	for _, name := range []string{"run", "sniff", "sources", "history"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	tests := map[string]string{
		"format":    "text",
		"log-level": "warn",
		"store":     "memory",
		"encoding":  "",
		"catalogue": "",
	}
	for name, def := range tests {
		flag := cmd.PersistentFlags().Lookup(name)
		require.NotNil(t, flag, name)
		assert.Equal(t, def, flag.DefValue, name)
	}
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "sources", "--format", "xml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSourcesCommand(t *testing.T) {
	resp, err := executeJSON(t, "sources")
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)

	var infos []core.SourceInfo
	require.NoError(t, json.Unmarshal(resp.Data, &infos))
	var keys []string
	for _, info := range infos {
		keys = append(keys, info.Key)
	}
	assert.Contains(t, keys, "acme")

	out, err := execute(t, "sources")
	require.NoError(t, err)
	assert.Contains(t, out, "KEY")
	assert.Contains(t, out, "ACME")
}

func TestRunAndHistory(t *testing.T) {
	dir := t.TempDir()
	files := writeBatch(t, dir)
	storeArg := "sqlite:" + filepath.Join(dir, "ingest.db")

	resp, err := executeJSON(t, append([]string{"run", "--source", "acme", "--org", "org1", "--store", storeArg}, files...)...)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)

	var result struct {
		State string         `json:"state"`
		Saved map[string]int `json:"saved"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	assert.Equal(t, "closed", result.State)
	assert.Equal(t, 2, result.Saved["Patient"])

	resp, err = executeJSON(t, "history", "--store", storeArg)
	require.NoError(t, err)
	var runs []store.RunRecord
	require.NoError(t, json.Unmarshal(resp.Data, &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "closed", runs[0].State)
	assert.Equal(t, "acme", runs[0].Source)

	out, err := execute(t, append([]string{"run", "--source", "acme", "--store", storeArg}, files...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "STAGE")
	assert.Contains(t, out, "closed")
}

func TestRunFailures(t *testing.T) {
	dir := t.TempDir()
	files := writeBatch(t, dir)

	tests := []struct {
		name     string
		args     []string
		wantExit int
		wantCode string
	}{
		{"unknown source", append([]string{"run", "--source", "nope"}, files...), ExitCommandError, "SRC001"},
		{"org mismatch", append([]string{"run", "--source", "acme", "--org", "ORG2"}, files...), ExitCommandError, "FILE002"},
		{"missing content type", []string{"run", "--source", "acme", files[0]}, ExitFailure, "FILE001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := executeJSON(t, tt.args...)
			require.Error(t, err)
			assert.Equal(t, tt.wantExit, GetExitCode(err))
			assert.Equal(t, "error", resp.Status)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
		})
	}
}

func TestRunRequiresSource(t *testing.T) {
	_, err := execute(t, "run", "a.csv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source")
}

func TestSniffCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ACME_ORG1_Patient_20240301.csv")
	require.NoError(t, os.WriteFile(path,
		[]byte("PatientGuid,Surname,Forenames,Sex,DateOfBirth,Postcode,NhsNumber\n"), 0o644))

	resp, err := executeJSON(t, "sniff", "--source", "acme", "--content-type", "patient", path)
	require.NoError(t, err)
	var got core.SniffResult
	require.NoError(t, json.Unmarshal(resp.Data, &got))
	assert.Equal(t, "Patient", got.ContentType)
	assert.Equal(t, []string{"2"}, got.Versions)

	out, err := execute(t, "sniff", "--source", "acme", "--content-type", "Codes", path)
	require.NoError(t, err)
	assert.Contains(t, out, "no Codes version matches")
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	st, err := openStore(ctx, "memory")
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = openStore(ctx, "sqlite:"+filepath.Join(t.TempDir(), "x.db"))
	require.NoError(t, err)
	require.NoError(t, st.Close())

	_, err = openStore(ctx, "sqlite:")
	assert.Error(t, err)

	_, err = openStore(ctx, "mysql://localhost")
	assert.ErrorContains(t, err, "unknown store")
}

func TestParseRestrict(t *testing.T) {
	tests := []struct {
		name    string
		in      []string
		want    map[string][]int
		wantErr bool
	}{
		{name: "none", in: nil, want: nil},
		{name: "single", in: []string{"Patient=3"}, want: map[string][]int{"Patient": {3}}},
		{name: "list and repeat", in: []string{"Patient=1, 5", "Patient=9", "Episode=2"},
			want: map[string][]int{"Patient": {1, 5, 9}, "Episode": {2}}},
		{name: "no equals", in: []string{"Patient"}, wantErr: true},
		{name: "empty list", in: []string{"Patient="}, wantErr: true},
		{name: "zero", in: []string{"Patient=0"}, wantErr: true},
		{name: "not a number", in: []string{"Patient=a"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseRestrict(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(assert.AnError))
	assert.Equal(t, ExitCommandError, GetExitCode(WrapExitError(ExitCommandError, "x", nil)))
}
