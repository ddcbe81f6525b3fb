// Package protocol defines the gateway API request/response types.
package protocol

import "github.com/canopyhq/canopy/pkg/models"

// ChildrenResponse is returned by GET /api/v1/children?parent_id={id}.
// An omitted or empty parent_id lists the drive root.
type ChildrenResponse struct {
	Nodes []models.Node `json:"nodes"`
}

// NodeStatus is one entry of a scoped status listing.
type NodeStatus struct {
	ID     string        `json:"id"`
	Status models.Status `json:"status"`
}

// StatusResponse is returned by GET /api/v1/kb/{kbID}/status?prefix={path}.
// It carries indexing status for every knowledge-base resource under the
// requested path prefix; resources the knowledge base does not know about
// are simply absent from the list.
type StatusResponse struct {
	Nodes []NodeStatus `json:"nodes"`
}

// CreateKBRequest is the body for POST /api/v1/kb.
type CreateKBRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	ResourceIDs []string `json:"resource_ids"`
}

// CreateKBResponse is returned when a knowledge base is created.
type CreateKBResponse struct {
	ID string `json:"id"`
}

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}
