package agent

import (
	"context"
	"encoding/json"

	"github.com/graphcompute/mgcluster/pkg/models"
)

// TaskFunc runs a task on the worker and returns a JSON-encodable result.
type TaskFunc func(ctx context.Context, payload json.RawMessage) (any, error)

func (w *Worker) builtinTasks() map[string]TaskFunc {
	return map[string]TaskFunc{
		models.TaskPing: func(context.Context, json.RawMessage) (any, error) {
			return "pong", nil
		},
		models.TaskEcho: func(_ context.Context, payload json.RawMessage) (any, error) {
			if len(payload) == 0 {
				return nil, nil
			}
			return payload, nil
		},
		models.TaskDeviceInfo: func(context.Context, json.RawMessage) (any, error) {
			return models.DeviceInfo{
				Device:         w.cfg.Device,
				VisibleDevices: w.cfg.VisibleDevices,
				GPUName:        w.gpuName,
				PoolSizeBytes:  w.cfg.PoolSizeBytes,
			}, nil
		},
		models.TaskCommsStatus: func(context.Context, json.RawMessage) (any, error) {
			return w.comms.status(), nil
		},
	}
}
