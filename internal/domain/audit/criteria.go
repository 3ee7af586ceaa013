package audit

import "time"

// DateRange bounds a report query. StartDate is inclusive, EndDate exclusive.
type DateRange struct {
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
}

// Contains reports whether t falls inside the range.
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.StartDate) && t.Before(r.EndDate)
}

// ReportCriteria selects events for compliance reporting. OrganizationIDs
// is authoritatively scoped by the caller's interface layer: the reporter
// never joins across organizations.
type ReportCriteria struct {
	DateRange           DateRange            `json:"dateRange"`
	PrincipalIDs        []string             `json:"principalIds,omitempty"`
	OrganizationIDs     []string             `json:"organizationIds,omitempty"`
	Actions             []string             `json:"actions,omitempty"`
	Statuses            []Status             `json:"statuses,omitempty"`
	DataClassifications []DataClassification `json:"dataClassifications,omitempty"`
	ResourceTypes       []string             `json:"resourceTypes,omitempty"`
	Limit               int                  `json:"limit,omitempty"`
}

// Matches applies the in-memory filter portion of the criteria to an event.
// The storage layer applies the same predicates in SQL; this form backs
// report generation over pre-fetched event sets.
func (c ReportCriteria) Matches(e *Event) bool {
	if ts, err := e.ParsedTimestamp(); err == nil {
		if !c.DateRange.StartDate.IsZero() && ts.Before(c.DateRange.StartDate) {
			return false
		}
		if !c.DateRange.EndDate.IsZero() && !ts.Before(c.DateRange.EndDate) {
			return false
		}
	}
	if len(c.PrincipalIDs) > 0 && !containsString(c.PrincipalIDs, e.PrincipalID) {
		return false
	}
	if len(c.OrganizationIDs) > 0 && !containsString(c.OrganizationIDs, e.OrganizationID) {
		return false
	}
	if len(c.Actions) > 0 && !containsString(c.Actions, e.Action) {
		return false
	}
	if len(c.Statuses) > 0 {
		found := false
		for _, s := range c.Statuses {
			if s == e.Status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(c.DataClassifications) > 0 {
		found := false
		for _, dc := range c.DataClassifications {
			if dc == e.DataClassification {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(c.ResourceTypes) > 0 && !containsString(c.ResourceTypes, e.TargetResourceType) {
		return false
	}
	return true
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
