package mapping

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/Visual-Knowledge-LLC/california-collectors/internal/errs"
)

type StoreTestSuite struct {
	suite.Suite
	store *Store
	now   time.Time
	logs  *bytes.Buffer
}

func TestStoreTestSuite(t *testing.T) {
	suite.Run(t, new(StoreTestSuite))
}

func (s *StoreTestSuite) SetupTest() {
	s.now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.logs = &bytes.Buffer{}

	logger := logrus.New()
	logger.SetOutput(s.logs)
	logger.SetFormatter(&logrus.JSONFormatter{})

	s.store = NewStore(
		WithClock(func() time.Time { return s.now }),
		WithLogger(logrus.NewEntry(logger)),
	)
}

func (s *StoreTestSuite) TestLookupIsCaseAndWhitespaceInsensitive() {
	_, err := s.store.Upsert(SetAgency, "Board Of X ", "A1", SourceSeed)
	s.Require().NoError(err)

	for _, raw := range []string{"board of x", "BOARD OF X", "  Board   of\tX", "\ufeffBoard of X"} {
		id, err := s.store.LookupAgency(raw)
		s.Require().NoError(err, raw)
		s.Equal("A1", id, raw)
	}
}

func (s *StoreTestSuite) TestLookupMissing() {
	_, err := s.store.LookupAgency("Unknown Board")
	s.Require().Error(err)
	s.True(errors.Is(err, errs.ErrMissingMapping))

	var miss *MissError
	s.Require().True(errors.As(err, &miss))
	s.Equal(SetAgency, miss.Set)
	s.Equal("unknown board", miss.Key)
}

func (s *StoreTestSuite) TestSetsAreDisjoint() {
	_, err := s.store.Upsert(SetZip, "95814", "R1", SourceSeed)
	s.Require().NoError(err)

	_, err = s.store.LookupAgency("95814")
	s.True(errors.Is(err, errs.ErrMissingMapping))
}

func (s *StoreTestSuite) TestUpsertActions() {
	s.Run("insert", func() {
		change, err := s.store.Upsert(SetZip, "95814", "R1", SourceSeed)
		s.Require().NoError(err)
		s.Equal(ActionInserted, change.Action)
		s.Equal(SourceSeed, change.Entry.Source)
	})

	s.Run("same mapping is a no-op", func() {
		change, err := s.store.Upsert(SetZip, " 95814 ", "R1", SourceBackfill)
		s.Require().NoError(err)
		s.Equal(ActionUnchanged, change.Action)
		s.Equal(SourceSeed, change.Entry.Source)
		s.Equal(1, s.store.Len(SetZip))
	})

	s.Run("different id is a logged correction", func() {
		s.now = s.now.Add(time.Hour)
		change, err := s.store.Upsert(SetZip, "95814", "R2", SourceBackfill)
		s.Require().NoError(err)
		s.Equal(ActionCorrected, change.Action)
		s.Equal([]string{"R1"}, change.Previous)
		s.Equal(SourceCorrection, change.Entry.Source)
		s.True(change.Entry.UpdatedAt.After(change.Entry.CreatedAt))
		s.Contains(s.logs.String(), "mapping corrected")
		s.Contains(s.logs.String(), `"previous":"R1"`)

		id, err := s.store.LookupZip("95814")
		s.Require().NoError(err)
		s.Equal("R2", id)
	})
}

func (s *StoreTestSuite) TestUpsertRejectsEmptyValues() {
	_, err := s.store.Upsert(SetAgency, "   ", "A1", SourceSeed)
	s.True(errors.Is(err, errs.ErrInvalidFormat))

	_, err = s.store.Upsert(SetAgency, "Board", "", SourceSeed)
	s.True(errors.Is(err, errs.ErrInvalidFormat))

	_, err = s.store.Upsert(Set("county"), "Board", "A1", SourceSeed)
	s.True(errs.IsStructural(err))
}

func (s *StoreTestSuite) TestLoadKeepsConflictsAsAmbiguous() {
	report, err := s.store.Load([]Entry{
		{Set: SetAgency, RawKey: "Board of X", CanonicalID: "A1"},
		{Set: SetAgency, RawKey: "BOARD OF X", CanonicalID: "A1"},
		{Set: SetAgency, RawKey: "board of x ", CanonicalID: "A2"},
		{Set: SetAgency, RawKey: "Board of Y", CanonicalID: "A3"},
	})
	s.Require().NoError(err)
	s.Equal(3, report.Loaded)
	s.Equal(1, report.Duplicates)
	s.Equal(1, report.Conflicts)

	_, err = s.store.LookupAgency("Board of X")
	s.Require().Error(err)
	s.True(errors.Is(err, errs.ErrAmbiguousMapping))

	var miss *MissError
	s.Require().True(errors.As(err, &miss))
	s.Equal([]string{"A1", "A2"}, miss.Candidates)

	conflicts := s.store.Conflicts(SetAgency)
	s.Require().Len(conflicts, 1)
	s.Equal("board of x", conflicts[0].Key)

	change, err := s.store.Upsert(SetAgency, "Board of X", "A2", SourceBackfill)
	s.Require().NoError(err)
	s.Equal(ActionCorrected, change.Action)
	s.ElementsMatch([]string{"A1", "A2"}, change.Previous)

	id, err := s.store.LookupAgency("board of x")
	s.Require().NoError(err)
	s.Equal("A2", id)
	s.Empty(s.store.Conflicts(SetAgency))
}

func (s *StoreTestSuite) TestZipKeysAreStoredAsFiveDigits() {
	report, err := s.store.Load([]Entry{
		{Set: SetZip, RawKey: "95814-1234", CanonicalID: "1100"},
		{Set: SetZip, RawKey: "95616.0", CanonicalID: "1100"},
		{Set: SetZip, RawKey: "Sacramento", CanonicalID: "1100"},
	})
	s.Require().NoError(err)
	s.Equal(2, report.Loaded)
	s.Equal(1, report.Invalid)

	for _, raw := range []string{"95814", "95814-1234", "958140000", "95616"} {
		id, err := s.store.LookupZip(raw)
		s.Require().NoError(err, raw)
		s.Equal("1100", id, raw)
	}

	_, err = s.store.LookupZip("CA")
	s.True(errors.Is(err, errs.ErrInvalidFormat))

	_, err = s.store.Upsert(SetZip, "958", "1100", SourceBackfill)
	s.True(errors.Is(err, errs.ErrInvalidFormat))

	change, err := s.store.Upsert(SetZip, "95814", "1100", SourceBackfill)
	s.Require().NoError(err)
	s.Equal(ActionUnchanged, change.Action)
}

func (s *StoreTestSuite) TestCorrectionKeepsRequestedSource() {
	_, err := s.store.Upsert(SetAgency, "Board of X", "A1", SourceSeed)
	s.Require().NoError(err)

	change, err := s.store.Upsert(SetAgency, "Board of X", "A2", SourceBackfill)
	s.Require().NoError(err)
	s.Equal(ActionCorrected, change.Action)
	s.Equal(SourceCorrection, change.Entry.Source)
	s.Equal(SourceBackfill, change.RequestedBy)
}

func (s *StoreTestSuite) TestEntriesAreSorted() {
	_, err := s.store.Load([]Entry{
		{Set: SetAgency, RawKey: "Dental Board", CanonicalID: "20"},
		{Set: SetAgency, RawKey: "Board of Pharmacy", CanonicalID: "13"},
		{Set: SetZip, RawKey: "95814", CanonicalID: "1100"},
	})
	s.Require().NoError(err)

	entries := s.store.Entries(SetAgency)
	s.Require().Len(entries, 2)
	s.Equal("board of pharmacy", entries[0].Key)
	s.Equal("dental board", entries[1].Key)
}

func (s *StoreTestSuite) TestSnapshotRestore() {
	_, err := s.store.Upsert(SetZip, "95814", "R1", SourceSeed)
	s.Require().NoError(err)

	snap := s.store.Snapshot()
	_, err = s.store.Upsert(SetZip, "95814", "R9", SourceBackfill)
	s.Require().NoError(err)
	_, err = s.store.Upsert(SetZip, "90001", "R2", SourceBackfill)
	s.Require().NoError(err)

	s.store.Restore(snap)
	id, err := s.store.LookupZip("95814")
	s.Require().NoError(err)
	s.Equal("R1", id)
	s.Equal(1, s.store.Len(SetZip))
}

func TestNormalizeZip(t *testing.T) {
	tests := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"95814", "95814", true},
		{" 95814 ", "95814", true},
		{"95814-1234", "95814", true},
		{"958141234", "95814", true},
		{"95814.0", "95814", true},
		{"9581", "", false},
		{"ABCDE", "", false},
		{"", "", false},
		{"nan", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := NormalizeZip(tt.raw)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeKey(t *testing.T) {
	assert.Equal(t, "board of x", NormalizeKey("  Board Of   X "))
	assert.Equal(t, "", NormalizeKey(" \t "))
	// Full width letters fold to ASCII under NFKC.
	assert.Equal(t, "cslb", NormalizeKey("ＣＳＬＢ"))
}

func TestParseSet(t *testing.T) {
	set, ok := ParseSet(" ZIP ")
	require.True(t, ok)
	assert.Equal(t, SetZip, set)

	set, ok = ParseSet("region_agency")
	require.True(t, ok)
	assert.Equal(t, SetRegionAgency, set)

	_, ok = ParseSet("county")
	assert.False(t, ok)
}
