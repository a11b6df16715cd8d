package reliability

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/plutus-app/plutus/internal/database"
)

// Disk space thresholds in GB.
const (
	diskSpaceCriticalGB = 0.5
	diskSpaceLowGB      = 5.0
)

// MaintenanceService keeps the databases healthy: WAL checkpoints, quick
// integrity checks and a disk space watchdog. Runs nightly.
type MaintenanceService struct {
	databases map[string]*database.DB
	dataDir   string
	log       zerolog.Logger
}

// NewMaintenanceService creates the maintenance service.
func NewMaintenanceService(databases map[string]*database.DB, dataDir string, log zerolog.Logger) *MaintenanceService {
	return &MaintenanceService{
		databases: databases,
		dataDir:   dataDir,
		log:       log.With().Str("service", "maintenance").Logger(),
	}
}

// Run checkpoints and verifies every database. Scheduler job entry point.
func (s *MaintenanceService) Run(ctx context.Context) (bool, string) {
	names := make([]string, 0, len(s.databases))
	for name := range s.databases {
		names = append(names, name)
	}
	sort.Strings(names)

	var problems []string
	for _, name := range names {
		db := s.databases[name]

		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			s.log.Warn().Err(err).Str("database", name).Msg("WAL checkpoint failed")
			problems = append(problems, fmt.Sprintf("%s: checkpoint: %v", name, err))
		}
		if err := db.QuickCheck(ctx); err != nil {
			s.log.Error().Err(err).Str("database", name).Msg("Integrity check failed")
			problems = append(problems, fmt.Sprintf("%s: integrity: %v", name, err))
		}
	}

	if err := s.checkDiskSpace(); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return false, "Maintenance issues: " + strings.Join(problems, "; ")
	}
	return true, fmt.Sprintf("Success: %d databases checkpointed and verified.", len(names))
}

func (s *MaintenanceService) checkDiskSpace() error {
	usage, err := disk.Usage(s.dataDir)
	if err != nil {
		return fmt.Errorf("disk usage check failed: %w", err)
	}

	freeGB := float64(usage.Free) / 1e9
	switch {
	case freeGB < diskSpaceCriticalGB:
		s.log.Error().Float64("free_gb", freeGB).Msg("Disk space critically low")
		return fmt.Errorf("only %.2f GB free on data volume", freeGB)
	case freeGB < diskSpaceLowGB:
		s.log.Warn().Float64("free_gb", freeGB).Msg("Disk space running low")
	}
	return nil
}
