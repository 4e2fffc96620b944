package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endeavourhealth/transforms/internal/dispatch"
	"github.com/endeavourhealth/transforms/internal/entity"
	"github.com/endeavourhealth/transforms/internal/identity"
	"github.com/endeavourhealth/transforms/internal/reader"
	"github.com/endeavourhealth/transforms/internal/reconcile"
	"github.com/endeavourhealth/transforms/internal/schema"
	"github.com/endeavourhealth/transforms/internal/store/memstore"
)

func testCatalogue(t *testing.T) *schema.Catalogue {
	t.Helper()
	c := schema.New("acme")
	require.NoError(t, c.Add(schema.Definition{ContentType: "Codes", Version: "1", Columns: []string{"CodeId", "Term"}}))
	require.NoError(t, c.Add(schema.Definition{ContentType: "Patient", Version: "1", Columns: []string{"PatientGuid", "Surname"}, Tolerant: true}))
	require.NoError(t, c.Add(schema.Definition{ContentType: "Observation", Version: "1", Columns: []string{"ObservationGuid", "PatientGuid", "CodeId"}, Tolerant: true}))
	return c
}

type harness struct {
	t       *testing.T
	dir     string
	store   *memstore.Store
	cat     *schema.Catalogue
	readers []*reader.Reader
	paths   []string
}

func newHarness(t *testing.T) *harness {
	return &harness{t: t, dir: t.TempDir(), store: memstore.New(), cat: testCatalogue(t)}
}

func (h *harness) write(contentType string, lines ...string) string {
	h.t.Helper()
	path := filepath.Join(h.dir, fmt.Sprintf("ACME_ORG1_%s_20240101.csv", contentType))
	require.NoError(h.t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	h.paths = append(h.paths, path)
	return path
}

func (h *harness) registry() *ReaderRegistry {
	reg := NewReaderRegistry()
	for _, ct := range h.cat.ContentTypes() {
		inner := SniffingFactory(h.cat, ct)
		reg.Register(ct, func(path string) (*reader.Reader, error) {
			rd, err := inner(path)
			if rd != nil {
				h.readers = append(h.readers, rd)
			}
			return rd, err
		})
	}
	return reg
}

func (h *harness) pipeline(plan *Plan, opts Options) *Pipeline {
	return New("acme", plan, h.registry(), Deps{Entities: h.store, Identities: h.store, Lookups: h.store}, opts)
}

func (h *harness) run(plan *Plan, opts Options) (*RunResult, error) {
	return h.pipeline(plan, opts).Run(context.Background(), "run-1", h.paths)
}

func (h *harness) assertReadersClosed() {
	h.t.Helper()
	require.NotEmpty(h.t, h.readers)
	for _, rd := range h.readers {
		assert.False(h.t, rd.IsOpen(), "reader %s left open", rd.Name())
	}
}

func patientRows(n int, blank ...int) []string {
	lines := []string{"PatientGuid,Surname"}
	skip := make(map[int]bool)
	for _, b := range blank {
		skip[b] = true
	}
	for i := 1; i <= n; i++ {
		guid := fmt.Sprintf("P%d", i)
		if skip[i] {
			guid = ""
		}
		lines = append(lines, fmt.Sprintf("%s,Surname%d", guid, i))
	}
	return lines
}

func mapPatient(ctx context.Context, rc *RunContext, rec reader.ParsedRecord) Result {
	guid := rec.Cell("PatientGuid")
	if guid.IsEmpty() {
		return Failf("PatientGuid is empty")
	}
	err := rc.Update(ctx, "Patient", identity.KeyOf(guid.String(), ""), func(b *entity.Builder) error {
		b.Set("surname", rec.Cell("Surname"))
		return nil
	})
	if err != nil {
		return Abort(err)
	}
	return OK()
}

func patientPlan(policy Policy) *Plan {
	return MustPlan(Stage{Name: "patients", Kind: Transform, ContentType: "Patient", Policy: policy, Map: mapPatient})
}

func TestRun_TolerantIsolatesFailures(t *testing.T) {
	h := newHarness(t)
	h.write("Patient", patientRows(10, 5)...)

	res, err := h.run(patientPlan(PolicyDefault), Options{})
	require.Error(t, err)

	var agg *AggregateError
	require.True(t, errors.As(err, &agg))
	require.Len(t, agg.Failures, 1)
	assert.Equal(t, 5, agg.Failures[0].Coord.Record)
	assert.Equal(t, 6, agg.Failures[0].Coord.Line)
	assert.True(t, errors.Is(err, ErrRecordMapping))

	require.Len(t, res.Stages, 1)
	assert.Equal(t, 10, res.Stages[0].Read)
	assert.Equal(t, 9, res.Stages[0].Mapped)
	assert.Equal(t, 1, res.Stages[0].Failed)
	assert.Equal(t, "tolerant", res.Stages[0].Policy)

	assert.Equal(t, 9, h.store.Count("Patient"))
	assert.Equal(t, 9, res.Saved["Patient"])
	assert.Equal(t, Failed, res.State)
}

func TestRun_CriticalAbortsImmediately(t *testing.T) {
	h := newHarness(t)
	h.write("Patient", patientRows(10, 5)...)

	res, err := h.run(patientPlan(Critical), Options{})
	require.Error(t, err)

	var recErr *RecordError
	require.True(t, errors.As(err, &recErr))
	assert.Equal(t, 5, recErr.Coord.Record)
	assert.Equal(t, "patients", recErr.Stage)

	assert.Equal(t, 5, res.Stages[0].Read, "no records are read after the failure")
	assert.Equal(t, 0, h.store.Count("Patient"), "nothing is persisted from an aborted run")
	assert.Equal(t, Failed, res.State)
	h.assertReadersClosed()
}

func TestRun_Success(t *testing.T) {
	h := newHarness(t)
	h.write("Patient", patientRows(3)...)

	var states []State
	res, err := h.run(patientPlan(PolicyDefault), Options{Progress: func(p Progress) { states = append(states, p.State) }})
	require.NoError(t, err)

	assert.Equal(t, Closed, res.State)
	assert.Equal(t, []State{Discovering, Opening, Transforming, Finalizing, Closed}, res.Transitions)
	assert.Contains(t, states, Transforming)
	assert.Equal(t, "ORG1", res.Org)
	assert.Empty(t, res.Error)

	patients := h.store.Entities("Patient")
	require.Len(t, patients, 3)
	assert.Equal(t, "Surname1", patients[0].Fields["surname"].Value)
	assert.Equal(t, 1, patients[0].Fields["surname"].Source.Record)
	assert.Equal(t, 1, patients[0].Version)
	h.assertReadersClosed()
}

func TestRun_ReingestionIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.write("Patient", patientRows(3)...)

	_, err := h.run(patientPlan(PolicyDefault), Options{})
	require.NoError(t, err)
	first := h.store.Entities("Patient")

	res, err := h.run(patientPlan(PolicyDefault), Options{})
	require.NoError(t, err)
	second := h.store.Entities("Patient")

	require.Len(t, second, 3)
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
	}
	assert.Equal(t, 3, h.store.Mappings())
	assert.Equal(t, 0, res.Saved["Patient"], "unchanged entities are not rewritten")
}

func TestRun_TeardownAfterFatalError(t *testing.T) {
	h := newHarness(t)
	h.write("Codes", "CodeId,Term", "C1,Asthma")
	h.write("Patient", patientRows(3)...)

	var rc *RunContext
	plan := MustPlan(
		Stage{Name: "codes", Kind: PreTransform, ContentType: "Codes", Populates: []string{"terms"},
			Map: func(_ context.Context, c *RunContext, rec reader.ParsedRecord) Result {
				rc = c
				c.SetLookup("terms", rec.Cell("CodeId").String(), rec.Cell("Term").String())
				return OK()
			}},
		Stage{Name: "patients", Kind: Transform, ContentType: "Patient", Consumes: []string{"terms"},
			Map: func(ctx context.Context, c *RunContext, rec reader.ParsedRecord) Result {
				if rec.Number() == 2 {
					return Abort(errors.New("terminology service unavailable"))
				}
				return mapPatient(ctx, c, rec)
			}},
	)

	res, err := h.run(plan, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminology service unavailable")

	assert.Equal(t, []State{Discovering, Opening, PreTransforming, Transforming, Finalizing, Failed}, res.Transitions)
	h.assertReadersClosed()
	require.NotNil(t, rc)
	assert.Equal(t, 0, rc.resident())
	assert.Equal(t, 0, rc.LookupLen("terms"))
	assert.Equal(t, 0, h.store.Count("Patient"))
}

func TestRun_PanicInStageIsContained(t *testing.T) {
	h := newHarness(t)
	h.write("Patient", patientRows(2)...)

	plan := MustPlan(Stage{Name: "patients", Kind: Transform, ContentType: "Patient",
		Map: func(context.Context, *RunContext, reader.ParsedRecord) Result { panic("mapper bug") }})

	res, err := h.run(plan, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mapper bug")
	assert.Equal(t, Failed, res.State)
	h.assertReadersClosed()
}

func TestRun_MissingRequiredFile(t *testing.T) {
	h := newHarness(t)
	h.write("Patient", patientRows(1)...)

	plan := MustPlan(
		Stage{Name: "codes", Kind: PreTransform, ContentType: "Codes", Map: noop},
		Stage{Name: "patients", Kind: Transform, ContentType: "Patient", Map: mapPatient},
	)

	res, err := h.run(plan, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFileNotFound))

	var fnf *FileNotFoundError
	require.True(t, errors.As(err, &fnf))
	assert.Equal(t, "Codes", fnf.ContentType)
	assert.Equal(t, Failed, res.State)
}

func TestRun_SchemaMismatchIsFatal(t *testing.T) {
	h := newHarness(t)
	h.write("Patient", "Surname,PatientGuid", "Smith,P1")

	_, err := h.run(patientPlan(PolicyDefault), Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, reader.ErrSchemaMismatch))
	h.assertReadersClosed()
}

func TestRun_UnexpectedFileIsFatal(t *testing.T) {
	h := newHarness(t)
	h.write("Patient", patientRows(1)...)
	h.write("Appointment", "A,B")

	_, err := h.run(patientPlan(PolicyDefault), Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFileFormat))
}

func TestRun_CatalogueTypeWithoutStageIsFatal(t *testing.T) {
	h := newHarness(t)
	h.write("Patient", patientRows(2)...)
	h.write("Observation", "ObservationGuid,PatientGuid,CodeId", "O1,P1,C1")

	res, err := h.run(patientPlan(PolicyDefault), Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFileFormat))

	var ffe *FileFormatError
	require.True(t, errors.As(err, &ffe))
	assert.Equal(t, "ACME_ORG1_Observation_20240101.csv", ffe.File)
	assert.Equal(t, Failed, res.State)
	assert.Empty(t, res.Stages)
	assert.Equal(t, 0, h.store.Count("Patient"))
}

func TestRun_IgnoresNonCSVFiles(t *testing.T) {
	h := newHarness(t)
	h.write("Patient", patientRows(1)...)
	manifest := filepath.Join(h.dir, "manifest.xml")
	require.NoError(t, os.WriteFile(manifest, []byte("<x/>"), 0o644))
	h.paths = append(h.paths, manifest)

	res, err := h.run(patientPlan(PolicyDefault), Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{manifest}, res.Ignored)
}

func observationPlan() *Plan {
	return MustPlan(
		Stage{Name: "codes", Kind: PreTransform, ContentType: "Codes", Populates: []string{"terms"},
			Map: func(_ context.Context, rc *RunContext, rec reader.ParsedRecord) Result {
				rc.SetLookup("terms", rec.Cell("CodeId").String(), rec.Cell("Term").String())
				return OK()
			}},
		Stage{Name: "observations", Kind: Transform, ContentType: "Observation", Consumes: []string{"terms"},
			Map: func(ctx context.Context, rc *RunContext, rec reader.ParsedRecord) Result {
				code := rec.Cell("CodeId").String()
				term, ok := rc.Lookup("terms", code)
				if !ok {
					return Failf("unknown code %s", code)
				}
				rc.ScopedCache("Observation", reconcile.ScopeFile)
				err := rc.Update(ctx, "Observation", identity.KeyOf(rec.Cell("ObservationGuid").String(), ""), func(b *entity.Builder) error {
					b.Set("code", rec.Cell("CodeId"))
					b.SetValue("term", term, rec.Coordinate())
					return nil
				})
				if err != nil {
					return Abort(err)
				}
				if err := rc.Emit(ctx, entity.LookupRecord{Kind: "code-usage", Key: code, Value: term}); err != nil {
					return Abort(err)
				}
				return OK()
			}},
	)
}

func TestRun_LookupsAndDispatch(t *testing.T) {
	h := newHarness(t)
	h.write("Codes", "CodeId,Term", "C1,Asthma", "C2,Diabetes")
	h.write("Observation", "ObservationGuid,PatientGuid,CodeId",
		"O1,P1,C1", "O2,P1,C2", "O3,P2,C1", "O4,P2,C2", "O5,P3,C1")

	res, err := h.run(observationPlan(), Options{BatchSize: 2, Workers: 2})
	require.NoError(t, err)

	assert.Equal(t, 3, res.LookupBatches)
	assert.Equal(t, int64(5), res.LookupsWritten)
	usage := h.store.Lookups("code-usage")
	require.Len(t, usage, 2)
	assert.Equal(t, "Asthma", usage[0].Value)
	assert.Equal(t, "acme", usage[0].Source)

	obs := h.store.Entities("Observation")
	require.Len(t, obs, 5, "file-scoped cache is flushed when its stage ends")
	assert.Equal(t, "Diabetes", obs[1].Fields["term"].Value)
}

func TestRun_LookupDispatchFailure(t *testing.T) {
	h := newHarness(t)
	h.write("Codes", "CodeId,Term", "C1,Asthma")
	h.write("Observation", "ObservationGuid,PatientGuid,CodeId", "O1,P1,C1")

	boom := errors.New("aux store down")
	p := New("acme", observationPlan(), h.registry(), Deps{
		Entities:   h.store,
		Identities: h.store,
		Lookups: dispatch.BatchStoreFunc[entity.LookupRecord](func(context.Context, []entity.LookupRecord) error {
			return boom
		}),
	}, Options{BatchSize: 10})

	res, err := p.Run(context.Background(), "run-1", h.paths)
	require.Error(t, err)
	assert.True(t, errors.Is(err, dispatch.ErrDispatch))
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, Failed, res.State)
}

func TestRun_CriticalAbortDropsPartialLookupBatch(t *testing.T) {
	h := newHarness(t)
	h.write("Patient", patientRows(10, 5)...)

	plan := MustPlan(Stage{Name: "patients", Kind: Transform, ContentType: "Patient", Policy: Critical,
		Map: func(ctx context.Context, rc *RunContext, rec reader.ParsedRecord) Result {
			if res := mapPatient(ctx, rc, rec); res.Outcome() != OutcomeOK {
				return res
			}
			guid := rec.Cell("PatientGuid").String()
			if err := rc.Emit(ctx, entity.LookupRecord{Kind: "patient-seen", Key: guid, Value: "1"}); err != nil {
				return Abort(err)
			}
			return OK()
		}})

	res, err := h.run(plan, Options{BatchSize: 100})
	require.Error(t, err)

	var recErr *RecordError
	require.True(t, errors.As(err, &recErr))
	assert.Equal(t, 5, recErr.Coord.Record)

	assert.Equal(t, Failed, res.State)
	assert.Equal(t, 0, res.LookupBatches)
	assert.Equal(t, int64(0), res.LookupsWritten)
	assert.Empty(t, h.store.Lookups("patient-seen"), "lookups from an aborted run are not persisted")
	assert.Equal(t, 0, h.store.Count("Patient"))
	h.assertReadersClosed()
}

func TestRun_EmitInPreTransformIsRejected(t *testing.T) {
	h := newHarness(t)
	h.write("Codes", "CodeId,Term", "C1,Asthma")

	plan := MustPlan(Stage{Name: "codes", Kind: PreTransform, ContentType: "Codes",
		Map: func(ctx context.Context, rc *RunContext, rec reader.ParsedRecord) Result {
			return Abort(rc.Emit(ctx, entity.LookupRecord{Kind: "x", Key: "y"}))
		}})

	_, err := h.run(plan, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutputInPreTransform))
}

func TestRun_Cancellation(t *testing.T) {
	h := newHarness(t)
	h.write("Patient", patientRows(5)...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	plan := MustPlan(Stage{Name: "patients", Kind: Transform, ContentType: "Patient",
		Map: func(ctx context.Context, rc *RunContext, rec reader.ParsedRecord) Result {
			if rec.Number() == 2 {
				cancel()
			}
			return mapPatient(ctx, rc, rec)
		}})

	res, err := h.pipeline(plan, Options{}).Run(ctx, "run-1", h.paths)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 2, res.Stages[0].Read, "the current record finishes before the stage fails")
	h.assertReadersClosed()
}

func TestRun_RestrictToRecords(t *testing.T) {
	h := newHarness(t)
	h.write("Patient", patientRows(6)...)

	res, err := h.run(patientPlan(PolicyDefault), Options{Restrict: map[string][]int{"patient": {2, 5}}})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Stages[0].Read)
	patients := h.store.Entities("Patient")
	require.Len(t, patients, 2)
	assert.Equal(t, identity.NaturalKey("P2"), patients[0].Key)
	assert.Equal(t, identity.NaturalKey("P5"), patients[1].Key)
}

func TestRun_SameFileReadByTwoStages(t *testing.T) {
	h := newHarness(t)
	h.write("Patient", patientRows(3)...)

	plan := MustPlan(
		Stage{Name: "patient-index", Kind: PreTransform, ContentType: "Patient", Populates: []string{"known"},
			Map: func(_ context.Context, rc *RunContext, rec reader.ParsedRecord) Result {
				rc.SetLookup("known", rec.Cell("PatientGuid").String(), "1")
				return OK()
			}},
		Stage{Name: "patients", Kind: Transform, ContentType: "Patient", Consumes: []string{"known"},
			Map: func(ctx context.Context, rc *RunContext, rec reader.ParsedRecord) Result {
				if rc.LookupLen("known") != 3 {
					return Abort(errors.New("index incomplete"))
				}
				return mapPatient(ctx, rc, rec)
			}},
	)

	res, err := h.run(plan, Options{})
	require.NoError(t, err)
	require.Len(t, res.Stages, 2)
	assert.Equal(t, 3, res.Stages[1].Read)
	require.Len(t, h.readers, 1)
	assert.Equal(t, 2, h.readers[0].Passes())
	assert.Equal(t, 3, h.store.Count("Patient"))
}

func TestRun_SaveInPreTransformIsRejected(t *testing.T) {
	h := newHarness(t)
	h.write("Patient", patientRows(1)...)

	plan := MustPlan(Stage{Name: "patients", Kind: PreTransform, ContentType: "Patient",
		Map: func(ctx context.Context, rc *RunContext, rec reader.ParsedRecord) Result {
			return Abort(rc.Commit(ctx, "Patient", "P1", func(*entity.Builder) error { return nil }))
		}})

	_, err := h.run(plan, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutputInPreTransform))
}

func TestRunContext_UpdateRestoresOnError(t *testing.T) {
	h := newHarness(t)
	rc := newRunContext("r", "acme", h.store, identity.NewSynthesizer(h.store), nil, nil)
	ctx := context.Background()

	require.NoError(t, rc.Update(ctx, "Patient", "P1", func(b *entity.Builder) error {
		b.SetValue("surname", "Smith", reader.Coordinate{})
		return nil
	}))

	err := rc.Update(ctx, "Patient", "P1", func(b *entity.Builder) error {
		b.SetValue("surname", "half-written", reader.Coordinate{})
		return errors.New("bad record")
	})
	require.Error(t, err)

	require.NoError(t, rc.Update(ctx, "Patient", "P1", func(b *entity.Builder) error {
		assert.Equal(t, "Smith", b.Value("surname"))
		return nil
	}))
}

func TestRunContext_Commit(t *testing.T) {
	h := newHarness(t)
	rc := newRunContext("r", "acme", h.store, identity.NewSynthesizer(h.store), nil, nil)
	ctx := context.Background()

	require.NoError(t, rc.Commit(ctx, "Patient", "P1", func(b *entity.Builder) error {
		b.SetValue("surname", "Smith", reader.Coordinate{})
		return nil
	}))
	assert.Equal(t, 1, h.store.Count("Patient"))
	assert.Equal(t, 0, rc.Cache("Patient").Len())
	assert.Equal(t, map[string]int{"Patient": 1}, rc.Saved())
}
