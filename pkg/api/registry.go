// Package api exposes flows and sessions over HTTP, SSE and WebSocket.
package api

import (
	"context"

	"github.com/tcmartin/stepflow/pkg/models"
	"github.com/tcmartin/stepflow/pkg/registry"
	"github.com/tcmartin/stepflow/pkg/runtime"
)

// FlowCatalog is the part of the flow registry the API serves
type FlowCatalog interface {
	// Info describes a flow
	Info(id string) (registry.FlowInfo, error)

	// List returns all flows
	List() []registry.FlowInfo

	// RegisterYAML parses and stores a flow document
	RegisterYAML(content, source string) (*runtime.Definition, error)

	// Remove deletes a flow
	Remove(id string) error
}

// Controller drives sessions
type Controller interface {
	Start(ctx context.Context, req runtime.StartRequest) (*runtime.Stream, error)
	Control(ctx context.Context, sessionID string, req runtime.ControlRequest) (runtime.ControlResult, error)
	State(sessionID string) (models.FlowState, error)
	Delete(sessionID string) error
}

// SessionLister reports live sessions
type SessionLister interface {
	Info(id string) (runtime.SessionInfo, error)
	List() []runtime.SessionInfo
	Len() int
}
