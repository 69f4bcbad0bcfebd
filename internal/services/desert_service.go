package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"careconnect-pipeline/internal/config"
	"careconnect-pipeline/internal/models"
	"careconnect-pipeline/internal/pkg/logger"
)

// FacilityLister provides the read-only facility snapshot the desert
// analyzer aggregates over.
type FacilityLister interface {
	ListFacilities(ctx context.Context) ([]models.Facility, error)
}

// DesertAnalyzer groups facilities by region and flags regions whose
// facility count falls below a configurable fraction of the cross-region
// mean. The threshold is relative to the dataset, not an absolute number,
// so it holds at any corpus scale.
type DesertAnalyzer struct {
	facilities FacilityLister
	config     config.AnalysisConfig
	logger     *logger.Logger
}

func NewDesertAnalyzer(facilities FacilityLister, cfg config.AnalysisConfig, log *logger.Logger) *DesertAnalyzer {
	return &DesertAnalyzer{
		facilities: facilities,
		config:     cfg,
		logger:     log,
	}
}

type regionAccumulator struct {
	display     string
	total       int
	hospitals   int
	clinics     int
	specialties map[string]struct{}
	services    map[string]struct{}
}

// Analyze recomputes the full regional distribution from the current
// facility snapshot. Deterministic and idempotent: the same snapshot always
// yields the same report.
func (analyzer *DesertAnalyzer) Analyze(ctx context.Context) (*models.DesertReport, error) {
	startTime := time.Now()

	facilities, err := analyzer.facilities.ListFacilities(ctx)
	if err != nil {
		return nil, models.NewExternalError("FACILITY_SNAPSHOT_FAILED", "Failed to load facility snapshot").WithCause(err)
	}

	if len(facilities) == 0 {
		return nil, models.NewValidationError("NO_REGIONAL_DATA", "No facilities available for regional analysis")
	}

	regions := make(map[string]*regionAccumulator)
	for i := range facilities {
		facility := &facilities[i]

		key := regionKey(facility.City, facility.Region)
		acc, exists := regions[key]
		if !exists {
			acc = &regionAccumulator{
				display:     regionDisplay(facility.City, facility.Region),
				specialties: make(map[string]struct{}),
				services:    make(map[string]struct{}),
			}
			regions[key] = acc
		}

		acc.total++
		switch strings.ToLower(strings.TrimSpace(facility.Type)) {
		case "hospital":
			acc.hospitals++
		case "clinic":
			acc.clinics++
		}

		for _, specialty := range facility.Specialties {
			acc.specialties[strings.ToLower(strings.TrimSpace(specialty))] = struct{}{}
		}
		for _, capability := range facility.Capabilities {
			acc.services[strings.ToLower(strings.TrimSpace(capability))] = struct{}{}
		}
	}

	totalFacilities := len(facilities)
	averagePerRegion := float64(totalFacilities) / float64(len(regions))
	desertThreshold := averagePerRegion * analyzer.config.DesertMultiplier

	allRegions := make([]models.RegionMetrics, 0, len(regions))
	for _, acc := range regions {
		metrics := models.RegionMetrics{
			Region:          acc.display,
			TotalFacilities: acc.total,
			HospitalCount:   acc.hospitals,
			ClinicCount:     acc.clinics,
			SpecialtyCount:  len(acc.specialties),
			IsMedicalDesert: float64(acc.total) < desertThreshold,
		}
		if metrics.IsMedicalDesert {
			metrics.MissingServices = analyzer.missingServices(acc.services)
		}
		allRegions = append(allRegions, metrics)
	}

	sort.Slice(allRegions, func(i, j int) bool {
		if allRegions[i].TotalFacilities != allRegions[j].TotalFacilities {
			return allRegions[i].TotalFacilities < allRegions[j].TotalFacilities
		}
		return allRegions[i].Region < allRegions[j].Region
	})

	deserts := make([]models.RegionMetrics, 0)
	for _, metrics := range allRegions {
		if metrics.IsMedicalDesert {
			deserts = append(deserts, metrics)
		}
	}

	bestServed := make([]models.RegionMetrics, len(allRegions))
	copy(bestServed, allRegions)
	sort.Slice(bestServed, func(i, j int) bool {
		if bestServed[i].TotalFacilities != bestServed[j].TotalFacilities {
			return bestServed[i].TotalFacilities > bestServed[j].TotalFacilities
		}
		return bestServed[i].Region < bestServed[j].Region
	})
	if len(bestServed) > analyzer.config.BestServedLimit {
		bestServed = bestServed[:analyzer.config.BestServedLimit]
	}

	report := &models.DesertReport{
		TotalRegions:     len(regions),
		TotalFacilities:  totalFacilities,
		AveragePerRegion: averagePerRegion,
		DesertThreshold:  desertThreshold,
		MedicalDeserts:   deserts,
		BestServed:       bestServed,
		AllRegions:       allRegions,
	}

	analyzer.logger.LogService("desert_analyzer", "analyze", time.Since(startTime), map[string]interface{}{
		"total_regions":    report.TotalRegions,
		"total_facilities": report.TotalFacilities,
		"medical_deserts":  len(report.MedicalDeserts),
	}, nil)

	return report, nil
}

// Run executes desert analysis as a pipeline agent step.
func (analyzer *DesertAnalyzer) Run(ctx context.Context, state *models.PipelineState) (*models.AgentOutput, error) {
	report, err := analyzer.Analyze(ctx)
	if err != nil {
		return nil, err
	}

	return &models.AgentOutput{
		Capability: models.CapabilityDesertAnalysis,
		Summary:    analyzer.Summarize(report),
		Desert:     report,
		ProducedAt: time.Now(),
	}, nil
}

func (analyzer *DesertAnalyzer) missingServices(present map[string]struct{}) []string {
	missing := make([]string, 0)
	for _, service := range analyzer.config.CriticalServices {
		if _, ok := present[strings.ToLower(strings.TrimSpace(service))]; !ok {
			missing = append(missing, service)
		}
	}
	return missing
}

// Summarize renders the report as a structured narrative.
func (analyzer *DesertAnalyzer) Summarize(report *models.DesertReport) string {
	parts := []string{
		"**Medical Desert Analysis**\n",
		fmt.Sprintf("Total Regions Analyzed: %d", report.TotalRegions),
		fmt.Sprintf("Total Healthcare Facilities: %d", report.TotalFacilities),
		fmt.Sprintf("Average Facilities per Region: %.1f\n", report.AveragePerRegion),
	}

	if len(report.MedicalDeserts) > 0 {
		parts = append(parts, fmt.Sprintf("**Medical Deserts Identified: %d regions**", len(report.MedicalDeserts)))
		parts = append(parts, fmt.Sprintf("(Regions with fewer than %.0f facilities)\n", report.DesertThreshold))
		for i, desert := range report.MedicalDeserts {
			if i >= 5 {
				break
			}
			line := fmt.Sprintf("- **%s**: %d facilities (%d hospitals, %d clinics)",
				desert.Region, desert.TotalFacilities, desert.HospitalCount, desert.ClinicCount)
			if len(desert.MissingServices) > 0 {
				line += fmt.Sprintf(" (missing critical services: %s)", strings.Join(desert.MissingServices, ", "))
			}
			parts = append(parts, line)
		}
	} else {
		parts = append(parts, "No critical medical deserts identified.")
	}

	parts = append(parts, "\n**Best Served Regions:**")
	for _, region := range report.BestServed {
		parts = append(parts, fmt.Sprintf("- %s: %d facilities", region.Region, region.TotalFacilities))
	}

	return strings.Join(parts, "\n")
}

func regionKey(city, region string) string {
	return strings.ToLower(strings.TrimSpace(city)) + "|" + strings.ToLower(strings.TrimSpace(region))
}

func regionDisplay(city, region string) string {
	city = strings.TrimSpace(city)
	region = strings.TrimSpace(region)

	switch {
	case city != "" && region != "":
		return city + ", " + region
	case region != "":
		return region
	case city != "":
		return city
	default:
		return "Unknown"
	}
}
