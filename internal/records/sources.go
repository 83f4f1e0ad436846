package records

import "strings"

const cslbLicenseURL = "https://www2.cslb.ca.gov/OnlineServices/CheckLicenseII/LicenseDetail.aspx?LicNum="

// CSLBLicenseURL is the license lookup page for a CSLB license number.
func CSLBLicenseURL(licenseNumber string) string {
	return cslbLicenseURL + strings.TrimSpace(licenseNumber)
}

// CSLBRecord is a row of the CSLB master file. The master file has no agency
// column; Agency is filled from configuration at parse time. With ByRegion
// set the agency id comes from the region of the ZIP, as CSLB licenses are
// attributed to a different agency per region.
type CSLBRecord struct {
	Agency           string
	ByRegion         bool
	LicenseNo        string
	BusinessName     string
	FullBusinessName string
	MailingAddress   string
	City             string
	State            string
	ZIPCode          string
	BusinessPhone    string
	IssueDate        string
	ExpirationDate   string
	PrimaryStatus    string
	Classifications  string
}

func (r CSLBRecord) Source() Source        { return SourceCSLB }
func (r CSLBRecord) AgencyName() string    { return r.Agency }
func (r CSLBRecord) ZipCode() string       { return r.ZIPCode }
func (r CSLBRecord) LicenseNumber() string { return r.LicenseNo }
func (r CSLBRecord) AgencyByRegion() bool  { return r.ByRegion }

func (r CSLBRecord) Details() Details {
	name := strings.TrimSpace(r.FullBusinessName)
	if name == "" {
		name = strings.TrimSpace(r.BusinessName)
	}
	return Details{
		BusinessName:   name,
		Street:         r.MailingAddress,
		City:           r.City,
		State:          r.State,
		Phone:          r.BusinessPhone,
		IssueDate:      r.IssueDate,
		ExpirationDate: r.ExpirationDate,
		Status:         r.PrimaryStatus,
		Category:       r.Classifications,
		AgencyURL:      CSLBLicenseURL(r.LicenseNo),
	}
}

func (r CSLBRecord) Fields() map[string]string {
	return map[string]string{
		"LicenseNo":          r.LicenseNo,
		"BusinessName":       r.BusinessName,
		"FullBusinessName":   r.FullBusinessName,
		"MailingAddress":     r.MailingAddress,
		"City":               r.City,
		"State":              r.State,
		"ZIPCode":            r.ZIPCode,
		"BusinessPhone":      r.BusinessPhone,
		"IssueDate":          r.IssueDate,
		"ExpirationDate":     r.ExpirationDate,
		"PrimaryStatus":      r.PrimaryStatus,
		"Classifications(s)": r.Classifications,
	}
}

// DCARecord is a row of the Department of Consumer Affairs license export.
// Each row names its licensing board in free text.
type DCARecord struct {
	Agency         string
	LicenseNo      string
	LicenseType    string
	Name           string
	Address        string
	City           string
	State          string
	Zip            string
	County         string
	Status         string
	IssueDate      string
	ExpirationDate string
	Phone          string
	URL            string
}

func (r DCARecord) Source() Source        { return SourceDCA }
func (r DCARecord) AgencyName() string    { return r.Agency }
func (r DCARecord) ZipCode() string       { return r.Zip }
func (r DCARecord) LicenseNumber() string { return r.LicenseNo }

func (r DCARecord) Details() Details {
	return Details{
		BusinessName:   r.Name,
		Street:         r.Address,
		City:           r.City,
		State:          r.State,
		Phone:          r.Phone,
		IssueDate:      r.IssueDate,
		ExpirationDate: r.ExpirationDate,
		Status:         r.Status,
		Category:       r.LicenseType,
		AgencyURL:      r.URL,
	}
}

func (r DCARecord) Fields() map[string]string {
	return map[string]string{
		"Agency Name":     r.Agency,
		"License Number":  r.LicenseNo,
		"License Type":    r.LicenseType,
		"Name":            r.Name,
		"Address":         r.Address,
		"City":            r.City,
		"State":           r.State,
		"Zip":             r.Zip,
		"County":          r.County,
		"Status":          r.Status,
		"Issue Date":      r.IssueDate,
		"Expiration Date": r.ExpirationDate,
		"Phone":           r.Phone,
		"URL":             r.URL,
	}
}
