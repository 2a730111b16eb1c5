package fleet

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/seu-repo/sigec-sim/internal/broadcast"
)

const fleetCommandTimeout = 2 * time.Minute

// handleBroadcastRequest answers the fleet-level procedures; everything else
// belongs to the station supervisors and is ignored here. Each request gets
// exactly one response envelope from the fleet.
func (f *Fleet) handleBroadcastRequest(req broadcast.Request) {
	if !broadcast.FleetLevel(req.Procedure) {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), fleetCommandTimeout)
		defer cancel()

		result, err := f.runProcedure(ctx, req.Procedure, &req.Payload)
		payload := broadcast.ResponsePayload{Status: broadcast.StatusSuccess}
		if err != nil {
			f.log.Warn("Fleet command failed",
				zap.String("procedure", string(req.Procedure)),
				zap.Error(err),
			)
			payload = broadcast.ResponsePayload{
				Status:       broadcast.StatusFailure,
				Command:      string(req.Procedure),
				ErrorMessage: err.Error(),
			}
		}
		if result != nil {
			if raw, merr := json.Marshal(result); merr == nil {
				payload.CommandResponse = raw
			}
		}

		if f.bus == nil {
			return
		}
		if perr := f.bus.PublishResponse(broadcast.Response{UUID: req.UUID, Payload: payload}); perr != nil {
			f.log.Error("Failed to publish fleet response",
				zap.String("uuid", req.UUID),
				zap.String("procedure", string(req.Procedure)),
				zap.Error(perr),
			)
		}
	}()
}

func (f *Fleet) runProcedure(ctx context.Context, proc broadcast.Procedure, p *broadcast.RequestPayload) (any, error) {
	switch proc {
	case broadcast.ProcSimulatorState:
		return f.PerformanceStatistics(ctx), nil

	case broadcast.ProcStartSimulator:
		return nil, f.Start(ctx)

	case broadcast.ProcStopSimulator:
		return nil, f.Stop(ctx)

	case broadcast.ProcListTemplates:
		return f.ListTemplates(), nil

	case broadcast.ProcListChargingStations:
		return f.ListStations(), nil

	case broadcast.ProcAddChargingStations:
		count := p.NumberOfStations
		if count == 0 && p.NumberOfStation != 0 {
			f.log.Warn("Deprecated 'numberOfStation' request field used, prefer 'numberOfStations'")
			count = p.NumberOfStation
		}
		hashIDs, err := f.AddStations(ctx, p.Template, count)
		if err != nil {
			return nil, err
		}
		return map[string]any{"hashIdsAdded": hashIDs}, nil

	case broadcast.ProcDeleteChargingStations:
		count := p.NumberOfStations
		if count == 0 && p.NumberOfStation != 0 {
			f.log.Warn("Deprecated 'numberOfStation' request field used, prefer 'numberOfStations'")
			count = p.NumberOfStation
		}
		hashIDs, err := f.DeleteStations(ctx, p.HashIDs, p.Template, count)
		if err != nil {
			return nil, err
		}
		return map[string]any{"hashIdsDeleted": hashIDs}, nil

	case broadcast.ProcPerformanceStatistics:
		return f.PerformanceStatistics(ctx), nil
	}
	return nil, nil
}
