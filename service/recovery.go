package service

import (
	"context"

	"github.com/rs/zerolog"

	"consult-sync/pkg/guard"
	"consult-sync/repository"
)

// Recovery runs at startup (and app foreground): validate and migrate
// persisted state, promote crash buffers, arm the network-restore trigger,
// and kick the first sweep. The recovered session ids drive the recovery
// banner offering a manual "sync all".
type Recovery struct {
	registry repository.ConsultationRegistry
	sync     *SyncService
	monitor  *guard.Monitor
}

func NewRecovery(registry repository.ConsultationRegistry, sync *SyncService, monitor *guard.Monitor) *Recovery {
	return &Recovery{registry: registry, sync: sync, monitor: monitor}
}

// Run performs the startup sequence and returns the session ids whose crash
// buffers were promoted to chunks.
func (r *Recovery) Run(ctx context.Context) ([]string, error) {
	logger := zerolog.Ctx(ctx)

	if err := r.registry.Validate(ctx); err != nil {
		// Validate repairs what it can and reports the rest; a corrupt store
		// starts empty rather than blocking startup.
		logger.Error().Err(err).Msg("registry validation failed")
	}

	consultations, err := r.registry.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	var recovered []string
	for _, consultation := range consultations {
		if !consultation.HasTempBuffer || consultation.UserFinalized {
			continue
		}
		if err := r.sync.RecoverCrashedSession(ctx, consultation.SessionId); err != nil {
			logger.Error().Err(err).Str("session_id", consultation.SessionId).Msg("failed to recover crashed session")
			continue
		}
		recovered = append(recovered, consultation.SessionId)
	}
	if len(recovered) > 0 {
		logger.Info().Strs("session_ids", recovered).Msg("recovered crashed sessions")
	}

	if r.monitor != nil {
		r.monitor.Subscribe(func(status guard.NetworkStatus) {
			if status.Connected {
				go r.sync.AutoSync(ctx)
			}
		})
		go r.monitor.Run(ctx)
	}

	go r.sync.AutoSync(ctx)

	return recovered, nil
}
