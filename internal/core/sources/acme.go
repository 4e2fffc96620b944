package sources

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/endeavourhealth/transforms/internal/core"
	"github.com/endeavourhealth/transforms/internal/entity"
	"github.com/endeavourhealth/transforms/internal/identity"
	"github.com/endeavourhealth/transforms/internal/pipeline"
	"github.com/endeavourhealth/transforms/internal/reader"
	"github.com/endeavourhealth/transforms/internal/reconcile"
	"github.com/endeavourhealth/transforms/internal/schema"
)

//go:embed acme.yaml
var acmeCatalogue []byte

// Entity types produced by the acme transforms.
const (
	EntityPatient     = "Patient"
	EntityEpisode     = "Episode"
	EntityObservation = "Observation"
)

// Lookup tables and lookup record kinds.
const (
	lookupCodes   = "codes"
	KindCodeUsage = "code-usage"
)

func init() {
	registerAcme()
}

func registerAcme() {
	cat, err := schema.Parse(acmeCatalogue)
	if err != nil {
		panic(fmt.Sprintf("acme catalogue: %v", err))
	}

	core.Register(core.SourceDefinition{
		Info: core.SourceInfo{
			Key:         "acme",
			Label:       "Acme GP Clinical",
			Prefix:      "ACME",
			Description: "Primary care extract: patients, registrations, episodes of care and coded observations",
		},
		Catalogue: cat,
		Plan:      AcmePlan(),
	})
}

// AcmePlan returns the ordered stages for an acme extract batch.
func AcmePlan() *pipeline.Plan {
	return pipeline.MustPlan(
		pipeline.Stage{
			Name:        "codes",
			Kind:        pipeline.PreTransform,
			ContentType: "Codes",
			Populates:   []string{lookupCodes},
			Map:         mapCode,
		},
		pipeline.Stage{
			Name:        "patients",
			Kind:        pipeline.Transform,
			ContentType: "Patient",
			Populates:   []string{EntityPatient},
			Map:         mapPatient,
		},
		pipeline.Stage{
			Name:        "registration-status",
			Kind:        pipeline.Transform,
			ContentType: "Registration_Status",
			Consumes:    []string{EntityPatient},
			Map:         mapRegistrationStatus,
		},
		pipeline.Stage{
			Name:        "episodes",
			Kind:        pipeline.Transform,
			ContentType: "Episode",
			Populates:   []string{EntityEpisode},
			Consumes:    []string{EntityPatient},
			Map:         mapEpisode,
		},
		pipeline.Stage{
			Name:        "observations",
			Kind:        pipeline.Transform,
			ContentType: "Observation",
			Consumes:    []string{lookupCodes, EntityPatient, EntityEpisode},
			Map:         mapObservation,
		},
	)
}

func mapCode(_ context.Context, rc *pipeline.RunContext, rec reader.ParsedRecord) pipeline.Result {
	id, term := rec.Cell("CodeId"), rec.Cell("Term")
	if id.IsEmpty() {
		return pipeline.Failf("CodeId is empty")
	}
	if term.IsEmpty() {
		return pipeline.Failf("code %s has no term", id.String())
	}
	rc.SetLookup(lookupCodes, id.String(), term.String())
	return pipeline.OK()
}

func mapPatient(ctx context.Context, rc *pipeline.RunContext, rec reader.ParsedRecord) pipeline.Result {
	guid := rec.Cell("PatientGuid")
	if guid.IsEmpty() {
		return pipeline.Failf("PatientGuid is empty")
	}

	dob, err := isoDate(rec.Cell("DateOfBirth"))
	if err != nil {
		return pipeline.Fail(err)
	}

	var nhs string
	if cell, ok := rec.Lookup("NhsNumber"); ok && !cell.IsEmpty() {
		n, valid := NormalizeNHSNumber(cell.String())
		if !valid {
			return pipeline.Failf("invalid NHS number %q", cell.String())
		}
		nhs = n
	}

	err = rc.Update(ctx, EntityPatient, identity.KeyOf(guid.String(), ""), func(b *entity.Builder) error {
		src := rec.Coordinate()
		b.Set("surname", rec.Cell("Surname"))
		b.Set("forenames", rec.Cell("Forenames"))
		b.SetValue("sex", NormalizeSex(rec.Cell("Sex").String()), src)
		b.SetValue("date_of_birth", dob, src)
		b.SetValue("postcode", NormalizePostcode(rec.Cell("Postcode").String()), src)
		if nhs != "" {
			b.SetValue("nhs_number", nhs, src)
		}
		return nil
	})
	if err != nil {
		return pipeline.Abort(err)
	}
	return pipeline.OK()
}

// mapRegistrationStatus records the patient's registration status. When a
// file holds several rows for one patient, the last row in file order wins.
func mapRegistrationStatus(ctx context.Context, rc *pipeline.RunContext, rec reader.ParsedRecord) pipeline.Result {
	guid, status := rec.Cell("PatientGuid"), rec.Cell("Status")
	if guid.IsEmpty() {
		return pipeline.Failf("PatientGuid is empty")
	}
	if status.IsEmpty() {
		return pipeline.Failf("registration status is empty")
	}
	date, err := isoDate(rec.Cell("StatusDate"))
	if err != nil {
		return pipeline.Fail(err)
	}

	err = rc.Update(ctx, EntityPatient, identity.KeyOf(guid.String(), ""), func(b *entity.Builder) error {
		b.Set("registration_status", status)
		b.SetValue("registration_date", date, rec.Coordinate())
		return nil
	})
	if err != nil {
		return pipeline.Abort(err)
	}
	return pipeline.OK()
}

func mapEpisode(ctx context.Context, rc *pipeline.RunContext, rec reader.ParsedRecord) pipeline.Result {
	guid, patient := rec.Cell("EpisodeGuid"), rec.Cell("PatientGuid")
	if guid.IsEmpty() {
		return pipeline.Failf("EpisodeGuid is empty")
	}
	if patient.IsEmpty() {
		return pipeline.Failf("episode %s has no PatientGuid", guid.String())
	}
	start, err := isoDate(rec.Cell("StartDate"))
	if err != nil {
		return pipeline.Fail(err)
	}
	end, err := isoDate(rec.Cell("EndDate"))
	if err != nil {
		return pipeline.Fail(err)
	}

	// Episodes are only needed while their own file and the observation file
	// are read, so they do not stay resident for the whole run.
	rc.ScopedCache(EntityEpisode, reconcile.ScopeFile)

	patientKey := identity.KeyOf(patient.String(), "")
	var episodeID identity.GlobalID
	err = rc.Update(ctx, EntityEpisode, identity.KeyOf(patient.String(), guid.String()), func(b *entity.Builder) error {
		src := rec.Coordinate()
		b.Set("patient_guid", patient)
		b.Set("episode_type", rec.Cell("EpisodeType"))
		b.SetValue("start_date", start, src)
		b.SetValue("end_date", end, src)
		episodeID = b.ID()
		return nil
	})
	if err != nil {
		return pipeline.Abort(err)
	}

	err = rc.Update(ctx, EntityPatient, patientKey, func(b *entity.Builder) error {
		b.AddChild(entity.ChildRef{Type: EntityEpisode, ID: episodeID})
		return nil
	})
	if err != nil {
		return pipeline.Abort(err)
	}
	return pipeline.OK()
}

func mapObservation(ctx context.Context, rc *pipeline.RunContext, rec reader.ParsedRecord) pipeline.Result {
	guid, patient, code := rec.Cell("ObservationGuid"), rec.Cell("PatientGuid"), rec.Cell("CodeId")
	switch {
	case guid.IsEmpty():
		return pipeline.Failf("ObservationGuid is empty")
	case patient.IsEmpty():
		return pipeline.Failf("observation %s has no PatientGuid", guid.String())
	case code.IsEmpty():
		return pipeline.Failf("observation %s has no CodeId", guid.String())
	}

	term, ok := rc.Lookup(lookupCodes, code.String())
	if !ok {
		return pipeline.Failf("observation %s: unknown code %s", guid.String(), code.String())
	}
	effective, err := isoDate(rec.Cell("EffectiveDate"))
	if err != nil {
		return pipeline.Fail(err)
	}
	deleted, err := rec.Cell("Deleted").Bool()
	if err != nil {
		return pipeline.Fail(err)
	}

	rc.ScopedCache(EntityObservation, reconcile.ScopeFile)
	rc.ScopedCache(EntityEpisode, reconcile.ScopeFile)

	var obsID identity.GlobalID
	err = rc.Update(ctx, EntityObservation, identity.KeyOf(patient.String(), guid.String()), func(b *entity.Builder) error {
		src := rec.Coordinate()
		b.Set("code_id", code)
		b.SetValue("term", term, src)
		b.SetValue("effective_date", effective, src)
		b.Set("value", rec.Cell("Value"))
		if deleted.Valid && deleted.Bool {
			b.SetValue("deleted", "true", src)
		} else {
			b.Unset("deleted")
		}
		obsID = b.ID()
		return nil
	})
	if err != nil {
		return pipeline.Abort(err)
	}

	child := entity.ChildRef{Type: EntityObservation, ID: obsID}
	attach := func(b *entity.Builder) error {
		if deleted.Valid && deleted.Bool {
			b.RemoveChild(child)
		} else {
			b.AddChild(child)
		}
		return nil
	}

	if err := rc.Update(ctx, EntityPatient, identity.KeyOf(patient.String(), ""), attach); err != nil {
		return pipeline.Abort(err)
	}
	if ep := rec.Cell("EpisodeGuid"); !ep.IsEmpty() {
		if err := rc.Update(ctx, EntityEpisode, identity.KeyOf(patient.String(), ep.String()), attach); err != nil {
			return pipeline.Abort(err)
		}
	}

	if deleted.Valid && deleted.Bool {
		return pipeline.OK()
	}
	err = rc.Emit(ctx, entity.LookupRecord{Kind: KindCodeUsage, Key: code.String(), Value: term, ID: obsID})
	if err != nil {
		return pipeline.Abort(err)
	}
	return pipeline.OK()
}

// isoDate parses a date cell and renders it as YYYY-MM-DD. Empty cells give
// an empty string.
func isoDate(c reader.Cell) (string, error) {
	d, err := c.Date()
	if err != nil {
		return "", err
	}
	if !d.Valid {
		return "", nil
	}
	return d.Time.Format(time.DateOnly), nil
}
