package hiringcafe

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/a2bit/jobtracker/internal/collector"
)

type searchResponse struct {
	Results *[]json.RawMessage `json:"results"`
}

type apiJob struct {
	ObjectID       string          `json:"objectID"`
	RequisitionID  string          `json:"requisition_id"`
	ApplyURL       string          `json:"apply_url"`
	Processed      *processedJob   `json:"v5_processed_job_data"`
	Company        *companyData    `json:"v5_processed_company_data"`
	JobInformation *jobInformation `json:"job_information"`
}

type processedJob struct {
	CompanyName       string   `json:"company_name"`
	CoreJobTitle      string   `json:"core_job_title"`
	WorkplaceLocation string   `json:"formatted_workplace_location"`
	WorkplaceType     string   `json:"workplace_type"`
	YearlyMin         *float64 `json:"yearly_min_compensation"`
	YearlyMax         *float64 `json:"yearly_max_compensation"`
	Currency          string   `json:"listed_compensation_currency"`
}

type companyData struct {
	Name string `json:"name"`
}

type jobInformation struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// page is one decoded search response.
type page struct {
	records []collector.RawRecord
	// size counts every result item, including skipped ones, for the
	// short-page check.
	size    int
	skipped int
}

func parsePage(body []byte) (page, error) {
	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return page{}, fmt.Errorf("decode search response: %w", err)
	}
	if resp.Results == nil {
		return page{}, errors.New("search response has no results array")
	}

	out := page{size: len(*resp.Results)}
	for _, item := range *resp.Results {
		rec, ok := parseJob(item)
		if !ok {
			out.skipped++
			continue
		}
		out.records = append(out.records, rec)
	}
	return out, nil
}

// parseJob maps one result item. Items without processed data or an id are
// reported as not ok.
func parseJob(item json.RawMessage) (collector.RawRecord, bool) {
	var job apiJob
	if err := json.Unmarshal(item, &job); err != nil || job.Processed == nil {
		return collector.RawRecord{}, false
	}
	id := firstNonEmpty(job.ObjectID, job.RequisitionID)
	if id == "" {
		return collector.RawRecord{}, false
	}

	var companyName, infoTitle, description string
	if job.Company != nil {
		companyName = job.Company.Name
	}
	if job.JobInformation != nil {
		infoTitle = job.JobInformation.Title
		description = job.JobInformation.Description
	}
	vpd := job.Processed

	return collector.RawRecord{
		SourceID:       id,
		Employer:       firstNonEmpty(vpd.CompanyName, companyName, "Unknown"),
		Title:          firstNonEmpty(vpd.CoreJobTitle, infoTitle, "Untitled"),
		URL:            job.ApplyURL,
		Location:       vpd.WorkplaceLocation,
		RemoteType:     vpd.WorkplaceType,
		SalaryMin:      toInt(vpd.YearlyMin),
		SalaryMax:      toInt(vpd.YearlyMax),
		SalaryCurrency: vpd.Currency,
		Description:    description,
		Raw:            item,
	}, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// toInt truncates a compensation figure. Values outside the salary columns'
// int32 range are dropped rather than failing the listing upsert.
func toInt(f *float64) *int {
	if f == nil || math.IsNaN(*f) || math.IsInf(*f, 0) {
		return nil
	}
	if *f > math.MaxInt32 || *f < math.MinInt32 {
		return nil
	}
	v := int(*f)
	return &v
}
