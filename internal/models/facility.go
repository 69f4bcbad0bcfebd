package models

import "strings"

// Facility is the read-only snapshot of one healthcare facility as produced
// by the ingestion collaborator. The pipeline never writes facilities.
type Facility struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Type            string            `json:"type"` // hospital, clinic, pharmacy, doctor, dentist
	City            string            `json:"city,omitempty"`
	Region          string            `json:"region,omitempty"`
	Specialties     []string          `json:"specialties,omitempty"`
	Capabilities    []string          `json:"capabilities,omitempty"`
	Equipment       []string          `json:"equipment,omitempty"`
	Procedures      []string          `json:"procedures,omitempty"`
	NumberDoctors   int               `json:"number_doctors,omitempty"`
	Capacity        int               `json:"capacity,omitempty"`
	Contact         map[string]string `json:"contact,omitempty"` // phone, email, website
	Description     string            `json:"description,omitempty"`
	YearEstablished int               `json:"year_established,omitempty"`
}

func (f *Facility) ContactValue(key string) string {
	if f.Contact == nil {
		return ""
	}
	return strings.TrimSpace(f.Contact[key])
}

// HasContact reports whether at least one reachable contact channel exists.
func (f *Facility) HasContact() bool {
	return f.ContactValue("phone") != "" || f.ContactValue("email") != ""
}

func (f *Facility) HasCapability(name string) bool {
	for _, capability := range f.Capabilities {
		if strings.EqualFold(strings.TrimSpace(capability), name) {
			return true
		}
	}
	return false
}

// RegionMetrics is the derived per-region view, recomputed on every analysis
// call. Invariant: IsMedicalDesert implies TotalFacilities < the report's
// DesertThreshold.
type RegionMetrics struct {
	Region          string   `json:"region"`
	TotalFacilities int      `json:"total_facilities"`
	HospitalCount   int      `json:"hospital_count"`
	ClinicCount     int      `json:"clinic_count"`
	SpecialtyCount  int      `json:"specialty_count"`
	IsMedicalDesert bool     `json:"is_medical_desert"`
	MissingServices []string `json:"missing_services,omitempty"`
}

type DesertReport struct {
	TotalRegions     int             `json:"total_regions"`
	TotalFacilities  int             `json:"total_facilities"`
	AveragePerRegion float64         `json:"average_per_region"`
	DesertThreshold  float64         `json:"desert_threshold"`
	MedicalDeserts   []RegionMetrics `json:"medical_deserts"`
	BestServed       []RegionMetrics `json:"best_served"`
	AllRegions       []RegionMetrics `json:"all_regions"`
}

// TrustBreakdown holds the four independent sub-scores, each capped at 25
// points. Their sum is the reported trust score.
type TrustBreakdown struct {
	Completeness int `json:"completeness"`
	Consistency  int `json:"consistency"`
	Validation   int `json:"validation"`
	AnomalyCheck int `json:"anomaly_check"`
}

func (b TrustBreakdown) Total() int {
	return b.Completeness + b.Consistency + b.Validation + b.AnomalyCheck
}

type TrustReport struct {
	FacilityID   string         `json:"facility_id"`
	FacilityName string         `json:"facility_name"`
	TrustScore   int            `json:"trust_score"`
	Breakdown    TrustBreakdown `json:"breakdown"`
	Flags        []string       `json:"flags"`
	Assessment   string         `json:"assessment"`
}

// FacilityMatch is one semantic-search hit with its cosine similarity.
type FacilityMatch struct {
	FacilityID      string   `json:"id"`
	Name            string   `json:"name"`
	Type            string   `json:"type,omitempty"`
	City            string   `json:"city,omitempty"`
	Region          string   `json:"region,omitempty"`
	Specialties     []string `json:"specialties,omitempty"`
	SimilarityScore float64  `json:"similarity_score"`
}

type RecommendationList struct {
	Query   string          `json:"query"`
	Matches []FacilityMatch `json:"matches"`
}

// EmbeddingRecord lives in the external retrieval store; the pipeline only
// queries it.
type EmbeddingRecord struct {
	EntityID string    `json:"entity_id"`
	Vector   []float32 `json:"vector"`
}

const EmbeddingDimensions = 1536

type SummaryStats struct {
	TotalFacilities     int            `json:"total_facilities"`
	TotalNGOs           int            `json:"total_ngos"`
	TotalRegions        int            `json:"total_regions"`
	FacilitiesByType    map[string]int `json:"facilities_by_type"`
	MedicalDesertsCount int            `json:"medical_deserts_count"`
	AveragePerRegion    float64        `json:"average_facilities_per_region"`
}
