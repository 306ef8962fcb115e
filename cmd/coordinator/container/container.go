package container

import (
	"github.com/vidforge/coordinator/common/bootstrap"
	"github.com/vidforge/coordinator/cmd/coordinator/repository"
	"github.com/vidforge/coordinator/cmd/coordinator/service"
)

// Container holds all initialized services and repositories (singleton pattern)
type Container struct {
	Components *bootstrap.Components

	// Repositories
	RunRepo         *repository.RunRepository
	EventRepo       *repository.EventRepository
	EvidenceRepo    *repository.EvidenceRepository
	FingerprintRepo *repository.FingerprintRepository
	IncidentRepo    *repository.IncidentRepository

	// Services
	LeaseService    *service.LeaseService
	SnapshotService *service.SnapshotService
	EvidenceService *service.EvidenceService
	Breaker         *service.Breaker
	Notifier        *service.Notifier
	Housekeeping    *service.Housekeeping
}

// NewContainer initializes all services and repositories once
func NewContainer(components *bootstrap.Components) (*Container, error) {
	// Repositories (events first: the run repo writes audit events in-tx)
	eventRepo := repository.NewEventRepository(components.DB)
	runRepo := repository.NewRunRepository(components.DB, eventRepo)
	evidenceRepo := repository.NewEvidenceRepository(components.DB)
	fingerprintRepo := repository.NewFingerprintRepository(components.DB)
	incidentRepo := repository.NewIncidentRepository(components.DB)

	// Services (bottom-up: dependencies first)
	notifier := service.NewNotifier(components.Redis, components.Logger)
	breaker := service.NewBreaker(evidenceRepo, runRepo, components.Logger)
	taskFilter := service.NewTaskFilter()

	leaseService := service.NewLeaseService(
		runRepo,
		taskFilter,
		breaker,
		notifier,
		components.Config,
		components.Logger,
	)
	snapshotService := service.NewSnapshotService(runRepo, components.Logger)
	evidenceService := service.NewEvidenceService(
		evidenceRepo,
		fingerprintRepo,
		eventRepo,
		components.Logger,
	)
	housekeeping := service.NewHousekeeping(
		eventRepo,
		evidenceRepo,
		incidentRepo,
		components.Config,
		components.Logger,
	)

	return &Container{
		Components:      components,
		RunRepo:         runRepo,
		EventRepo:       eventRepo,
		EvidenceRepo:    evidenceRepo,
		FingerprintRepo: fingerprintRepo,
		IncidentRepo:    incidentRepo,
		LeaseService:    leaseService,
		SnapshotService: snapshotService,
		EvidenceService: evidenceService,
		Breaker:         breaker,
		Notifier:        notifier,
		Housekeeping:    housekeeping,
	}, nil
}
