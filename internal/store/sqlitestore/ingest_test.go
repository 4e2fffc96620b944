package sqlitestore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endeavourhealth/transforms/internal/core"
	"github.com/endeavourhealth/transforms/internal/core/sources"
	"github.com/endeavourhealth/transforms/internal/pipeline"
	"github.com/endeavourhealth/transforms/internal/store/sqlitestore"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// A second run over the same batch must find every entity already stored
// under the same identity.
func TestIngestTwiceAgainstSQLite(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		writeFile(t, dir, "ACME_ORG1_Codes_20240301.csv", "CodeId,Term,ReadCode\nC1,Asthma,H33..\n"),
		writeFile(t, dir, "ACME_ORG1_Patient_20240301.csv",
			"PatientGuid,Surname,Forenames,Sex,DateOfBirth,Postcode\nP1,Smith,Jane,F,1980-02-01,LS1 4AP\n"),
		writeFile(t, dir, "ACME_ORG1_Registration_Status_20240301.csv", "PatientGuid,Status,StatusDate\n"),
		writeFile(t, dir, "ACME_ORG1_Episode_20240301.csv", "EpisodeGuid,PatientGuid,StartDate,EndDate,EpisodeType\nE1,P1,2020-01-01,,Regular\n"),
		writeFile(t, dir, "ACME_ORG1_Observation_20240301.csv",
			"ObservationGuid,PatientGuid,EpisodeGuid,CodeId,EffectiveDate,Value,Deleted\nO1,P1,E1,C1,2022-01-10,,\n"),
	}

	st, err := sqlitestore.Open(filepath.Join(dir, "ingest.db"))
	require.NoError(t, err)
	defer st.Close()

	svc := core.NewService(st, core.ServiceConfig{})
	ctx := context.Background()

	first, err := svc.Run(ctx, core.RunRequest{Source: "acme", Files: files}, nil)
	require.NoError(t, err)
	assert.Equal(t, pipeline.Closed, first.State)

	p1, ok, err := st.Find(ctx, sources.EntityPatient, "P1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, p1.Children, 2)

	second, err := svc.Run(ctx, core.RunRequest{Source: "acme", Files: files}, nil)
	require.NoError(t, err)
	assert.Zero(t, second.Saved[sources.EntityPatient], "unchanged patients are not rewritten")

	again, _, err := st.Find(ctx, sources.EntityPatient, "P1")
	require.NoError(t, err)
	assert.Equal(t, p1.ID, again.ID)
	assert.Equal(t, p1.Version, again.Version)

	usage, err := st.Lookups(ctx, sources.KindCodeUsage)
	require.NoError(t, err)
	assert.Len(t, usage, 1)

	runs, err := svc.RunHistory(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}
