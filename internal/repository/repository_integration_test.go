//go:build integration

package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/Visual-Knowledge-LLC/california-collectors/internal/errs"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/mapping"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/models"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/records"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/services/reconciliation"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/testutil/containers"
)

type RepositorySuite struct {
	suite.Suite
	pg  *containers.PostgresContainer
	ctx context.Context
}

func TestRepositorySuite(t *testing.T) {
	suite.Run(t, new(RepositorySuite))
}

func (s *RepositorySuite) SetupSuite() {
	s.pg = containers.NewPostgresContainer(s.T())
	s.ctx = context.Background()
	s.Require().NoError(s.pg.DB.Exec(`CREATE TABLE match_results (
		id serial PRIMARY KEY,
		bbb_id text,
		license_number text,
		agency_id text,
		agency_license_url text
	)`).Error)
}

func (s *RepositorySuite) SetupTest() {
	s.pg.Truncate(s.T(), "bbb_uploaded_data", "mapping_entries", "mapping_corrections", "rejected_records", "match_results")
}

func resolved(license, zip string) records.ResolvedRecord {
	return records.ResolvedRecord{
		Raw:      records.DCARecord{Agency: "Board of Pharmacy", LicenseNo: license, Zip: zip, Name: "Acme"},
		AgencyID: "13",
		RegionID: "1100",
		Zip:      zip,
	}
}

func (s *RepositorySuite) countLicenses() int64 {
	var n int64
	s.Require().NoError(s.pg.DB.Model(&models.LicenseRecord{}).Count(&n).Error)
	return n
}

func (s *RepositorySuite) TestInsertBatchIsIdempotent() {
	repo := NewLicenseRepository(s.pg.DB)
	batch := []records.ResolvedRecord{resolved("RPH 1", "95814"), resolved("RPH 2", "95814"), resolved("RPH 1", "95814")}

	s.Require().NoError(repo.InsertBatch(s.ctx, uuid.New(), batch))
	s.Require().NoError(repo.InsertBatch(s.ctx, uuid.New(), batch))

	s.EqualValues(2, s.countLicenses())
}

func (s *RepositorySuite) TestFailedBatchLeavesNoRows() {
	s.Require().NoError(s.pg.DB.Exec(
		"ALTER TABLE bbb_uploaded_data ADD CONSTRAINT zip_five CHECK (length(zip) = 5)").Error)
	defer s.pg.DB.Exec("ALTER TABLE bbb_uploaded_data DROP CONSTRAINT zip_five")

	repo := NewLicenseRepository(s.pg.DB)
	runID := uuid.New()
	batch := []records.ResolvedRecord{resolved("RPH 1", "95814"), resolved("RPH 2", "958"), resolved("RPH 3", "95814")}

	err := repo.ForRun(runID).InsertBatch(s.ctx, batch)
	s.Require().Error(err)
	s.Equal(errs.KindIntegrity, errs.Classify(err))

	n, err := repo.CountByRun(s.ctx, runID)
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *RepositorySuite) TestMappingChangesAreAudited() {
	store := mapping.NewStore()
	repo := NewMappingRepository(s.pg.DB)

	report := store.Backfill([]mapping.BackfillEntry{
		{Set: mapping.SetAgency, RawKey: "Board of Pharmacy", CanonicalID: "13"},
	}, mapping.SourceSeed)
	s.Require().NoError(repo.SaveChanges(s.ctx, report.Changes, "seed"))

	report = store.Backfill([]mapping.BackfillEntry{
		{Set: mapping.SetAgency, RawKey: "BOARD OF PHARMACY", CanonicalID: "14"},
	}, mapping.SourceBackfill)
	s.Require().Equal(1, report.Corrected)
	s.Require().NoError(repo.SaveChanges(s.ctx, report.Changes, "wrong id in seed"))

	entries, err := repo.LoadAll(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal("14", entries[0].CanonicalID)

	reloaded := mapping.NewStore()
	_, err = reloaded.Load(entries)
	s.Require().NoError(err)
	id, err := reloaded.LookupAgency("board of pharmacy")
	s.Require().NoError(err)
	s.Equal("14", id)

	audit, err := repo.ListCorrections(s.ctx, mapping.SetAgency, 10)
	s.Require().NoError(err)
	s.Require().Len(audit, 1)
	s.Equal("13", audit[0].PreviousIDs)
	s.Equal("14", audit[0].NewID)
	s.Equal("wrong id in seed", audit[0].Reason)
	s.Equal(string(mapping.SourceBackfill), audit[0].PerformedBy)
	s.Equal(string(mapping.SourceCorrection), entries[0].Source)
}

func (s *RepositorySuite) TestRejectionsPageAndSummarize() {
	repo := NewRejectionRepository(s.pg.DB)
	runID := uuid.New()

	var rejected []records.RejectedRecord
	for i := range 5 {
		rejected = append(rejected, records.RejectedRecord{
			Raw:               records.DCARecord{Agency: "Board of Unicorns", LicenseNo: fmt.Sprintf("U%d", i), Zip: "99999"},
			Reason:            records.ReasonMissingAgencyMapping,
			Reasons:           []records.ReasonCode{records.ReasonMissingAgencyMapping, records.ReasonMissingZipMapping},
			RawAgencyNameSeen: "Board of Unicorns",
			RawZipSeen:        "99999",
		})
	}
	s.Require().NoError(repo.SaveAll(s.ctx, runID, rejected))

	page, err := repo.List(s.ctx, runID, "", 0, 2)
	s.Require().NoError(err)
	s.Len(page.Items, 2)
	s.Equal(2, page.NextCursor)

	page, err = repo.List(s.ctx, runID, string(records.ReasonMissingAgencyMapping), 4, 2)
	s.Require().NoError(err)
	s.Require().Len(page.Items, 1)
	s.Equal("U4", page.Items[0].LicenseNumber)
	s.Zero(page.NextCursor)

	sum, err := repo.Unmapped(s.ctx, runID)
	s.Require().NoError(err)
	s.Require().Len(sum.Agencies, 1)
	s.EqualValues(5, sum.Agencies[0].Records)
	s.Require().Len(sum.Zips, 1)
	s.Equal("99999", sum.Zips[0].Value)
}

func (s *RepositorySuite) TestReconciliationStore() {
	const url = "https://www2.cslb.ca.gov/OnlineServices/CheckLicenseII/LicenseDetail.aspx?LicNum="
	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	source := []models.LicenseRecord{
		{UUID: "117A1", BBBID: "1100", LicenseNbr: "1", AgencyName: "Contractors State Licensing Board", AgencyURL: url + "1", UpdatedAt: old.Add(time.Hour)},
		{UUID: "3888A1", BBBID: "1100", LicenseNbr: "1", AgencyName: "Contractors State Licensing Board", AgencyURL: url + "1-old", UpdatedAt: old},
		{UUID: "117A2", BBBID: "1100", LicenseNbr: "2", AgencyName: "Contractors State Licensing Board", AgencyURL: url + "2", UpdatedAt: old},
		{UUID: "117A3", BBBID: "1100", LicenseNbr: "3", AgencyName: "Contractors State Licensing Board", AgencyURL: "https://www.cslb.ca.gov", UpdatedAt: old},
		{UUID: "13B9", BBBID: "1100", LicenseNbr: "9", AgencyName: "Board of Pharmacy", AgencyURL: url + "9", UpdatedAt: old},
	}
	s.Require().NoError(s.pg.DB.Create(&source).Error)
	s.Require().NoError(s.pg.DB.Exec(`INSERT INTO match_results (bbb_id, license_number, agency_id, agency_license_url) VALUES
		('1100', '1', '117', 'https://www.cslb.ca.gov'),
		('1100', '2', '117', NULL),
		('1100', '2', '117', ?),
		('1100', '3', '117', 'https://www.cslb.ca.gov'),
		('1100', '9', '117', 'https://www.cslb.ca.gov'),
		('1100', '1', '999', 'https://www.cslb.ca.gov')`, url+"2").Error)

	desc := reconciliation.Descriptors{
		ValidPattern: `cslb\.ca\.gov.*LicNum=`,
		SourceOfTruth: reconciliation.SourceOfTruth{
			Table:       "bbb_uploaded_data",
			KeyColumns:  []string{"bbb_id", "license_nbr"},
			ValueColumn: "agency_url",
			OrderColumn: "updated_at",
			Filters:     []reconciliation.Filter{{Column: "agency_name", Values: []string{"Contractors State Licensing Board"}}},
		},
		Tables: []reconciliation.DependentTable{{
			Table:       "match_results",
			KeyColumns:  []string{"bbb_id", "license_number"},
			ValueColumn: "agency_license_url",
			Filters:     []reconciliation.Filter{{Column: "agency_id", Values: []string{"117"}}},
		}},
	}
	store := NewReconciliationStore(s.pg.DB)
	engine, err := reconciliation.NewEngine(store, desc)
	s.Require().NoError(err)

	rep, err := engine.Run(s.ctx, reconciliation.RunOptions{RunID: "it", Verify: true})
	s.Require().NoError(err)
	s.Equal(reconciliation.StateDone, rep.State)
	s.Equal(2, rep.MapSize)
	s.Require().Len(rep.Tables, 1)

	table := rep.Tables[0]
	s.Equal(reconciliation.TableAnalysis{
		Total:          5,
		AlreadyCorrect: 1,
		Null:           1,
		WrongFormat:    3,
		NeedsUpdate:    2,
	}, table.Analysis)
	s.EqualValues(2, table.Corrected)
	s.Require().NotNil(table.Remaining)
	s.Zero(*table.Remaining)

	var got string
	s.Require().NoError(s.pg.DB.Raw(
		"SELECT agency_license_url FROM match_results WHERE license_number = '1' AND agency_id = '117'").Scan(&got).Error)
	s.Equal(url+"1", got)

	again, err := engine.Run(s.ctx, reconciliation.RunOptions{RunID: "it-2"})
	s.Require().NoError(err)
	s.Zero(again.Corrected())
	s.Equal(reconciliation.TableSkipped, again.Tables[0].Status)
}
