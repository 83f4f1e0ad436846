// Package source decodes the CSV files the collectors receive: the CSLB master
// file, the DCA license export and the ZIP and agency reference files.
package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/Visual-Knowledge-LLC/california-collectors/internal/errs"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/mapping"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/records"
)

// Options carries values a source file does not contain itself.
type Options struct {
	// CSLBAgencyName is assigned to every CSLB record; the master file has no
	// agency column.
	CSLBAgencyName string
	// CSLBAgencyByRegion resolves the agency of CSLB records by region.
	CSLBAgencyByRegion bool
}

// Read decodes a file of the given source.
func Read(src records.Source, r io.Reader, opts Options) ([]records.RawRecord, error) {
	switch src {
	case records.SourceCSLB:
		return ReadCSLB(r, opts)
	case records.SourceDCA:
		return ReadDCA(r)
	default:
		return nil, errs.Structuralf("read source", "unknown source %q", src)
	}
}

// ReadCSLB decodes the CSLB master file.
func ReadCSLB(r io.Reader, opts Options) ([]records.RawRecord, error) {
	var out []records.RawRecord
	err := readTable(r, []string{"LicenseNo", "ZIPCode"}, func(row row) {
		out = append(out, records.CSLBRecord{
			Agency:           opts.CSLBAgencyName,
			ByRegion:         opts.CSLBAgencyByRegion,
			LicenseNo:        row.get("LicenseNo"),
			BusinessName:     row.get("BusinessName"),
			FullBusinessName: row.get("FullBusinessName"),
			MailingAddress:   row.get("MailingAddress"),
			City:             row.get("City"),
			State:            row.get("State"),
			ZIPCode:          row.get("ZIPCode"),
			BusinessPhone:    row.get("BusinessPhone"),
			IssueDate:        row.get("IssueDate"),
			ExpirationDate:   row.get("ExpirationDate"),
			PrimaryStatus:    row.get("PrimaryStatus"),
			Classifications:  row.get("Classifications(s)"),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read cslb file: %w", err)
	}
	return out, nil
}

// ReadDCA decodes a DCA license export.
func ReadDCA(r io.Reader) ([]records.RawRecord, error) {
	var out []records.RawRecord
	err := readTable(r, []string{"Agency Name", "License Number", "Zip"}, func(row row) {
		out = append(out, records.DCARecord{
			Agency:         row.get("Agency Name"),
			LicenseNo:      row.get("License Number"),
			LicenseType:    row.get("License Type"),
			Name:           row.get("Name"),
			Address:        row.get("Address"),
			City:           row.get("City"),
			State:          row.get("State"),
			Zip:            row.get("Zip"),
			County:         row.get("County"),
			Status:         row.get("Status"),
			IssueDate:      row.get("Issue Date"),
			ExpirationDate: row.get("Expiration Date"),
			Phone:          row.get("Phone"),
			URL:            row.get("URL"),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read dca file: %w", err)
	}
	return out, nil
}

// ReadMappings decodes a two column reference file (raw key, canonical id)
// into entries of set. A header row is optional. Rows with fewer than two
// columns are skipped.
func ReadMappings(r io.Reader, set mapping.Set) ([]mapping.Entry, error) {
	cr := newReader(r)

	var (
		out   []mapping.Entry
		first = true
	)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s mappings: %w", set, err)
		}
		if len(rec) < 2 {
			continue
		}
		if first {
			first = false
			if isMappingHeader(rec[0]) {
				continue
			}
		}
		key, id := strings.TrimSpace(rec[0]), strings.TrimSpace(rec[1])
		if key == "" || id == "" {
			continue
		}
		out = append(out, mapping.Entry{
			Set:         set,
			RawKey:      key,
			CanonicalID: id,
			Source:      mapping.SourceSeed,
		})
	}
	return out, nil
}

func isMappingHeader(first string) bool {
	switch mapping.NormalizeKey(first) {
	case "zip", "zipcode", "zip_code", "zip code", "name", "agency", "agency_name", "agency name",
		"region", "region_id", "bbb_id":
		return true
	}
	return false
}

type row struct {
	index  map[string]int
	fields []string
}

func (r row) get(column string) string {
	i, ok := r.index[column]
	if !ok || i >= len(r.fields) {
		return ""
	}
	return strings.TrimSpace(r.fields[i])
}

// readTable reads a header row, checks the required columns and calls fn for
// each data row in file order.
func readTable(r io.Reader, required []string, fn func(row)) error {
	cr := newReader(r)

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return errs.Structuralf("read header", "empty file")
	}
	if err != nil {
		return err
	}

	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.TrimSpace(h)] = i
	}
	for _, col := range required {
		if _, ok := index[col]; !ok {
			return errs.Structuralf("read header", "missing column %q", col)
		}
	}

	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if isBlank(rec) {
			continue
		}
		fn(row{index: index, fields: rec})
	}
}

// newReader strips a leading byte order mark (UTF-8 or UTF-16) before CSV
// decoding and tolerates ragged rows.
func newReader(r io.Reader) *csv.Reader {
	decoded := transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	cr := csv.NewReader(decoded)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = false
	return cr
}

func isBlank(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
