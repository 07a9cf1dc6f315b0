package api

import (
	"context"
	"sync"

	"github.com/matheus3301/souq/internal/bus"
	"github.com/matheus3301/souq/internal/status"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ChatServiceName is the health-checked service name for the chat gateway.
const ChatServiceName = "souq.Chat"

// HealthService serves grpc.health.v1 and follows the daemon state machine.
type HealthService struct {
	*health.Server

	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealthService creates a health server reflecting machine's current state.
func NewHealthService(machine *status.Machine, b *bus.Bus, logger *zap.Logger) *HealthService {
	s := &HealthService{
		Server:  health.NewServer(),
		machine: machine,
		bus:     b,
		logger:  logger.With(zap.String("component", "health")),
	}
	s.set(machine.Current())
	return s
}

// Start follows status changes until Stop.
func (s *HealthService) Start(ctx context.Context) {
	ch, unsub := s.bus.Subscribe(bus.KindStatusChanged, 16)
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if change, ok := evt.Payload.(status.StatusChange); ok {
					s.set(change.To)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	// A transition may have happened before the subscription.
	s.set(s.machine.Current())
}

// Stop ends the watch and reports NOT_SERVING for every service.
func (s *HealthService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.Shutdown()
}

func (s *HealthService) set(state status.State) {
	st := stateToHealth(state)
	s.SetServingStatus("", st)
	s.SetServingStatus(ChatServiceName, st)
	s.logger.Debug("health updated", zap.String("state", string(state)), zap.String("health", st.String()))
}

func stateToHealth(s status.State) healthpb.HealthCheckResponse_ServingStatus {
	switch s {
	case status.Serving:
		return healthpb.HealthCheckResponse_SERVING
	case status.Booting, status.Migrating, status.Draining, status.Stopped, status.Error:
		return healthpb.HealthCheckResponse_NOT_SERVING
	default:
		return healthpb.HealthCheckResponse_UNKNOWN
	}
}
