package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/tradeflow/pkg/schema"
)

// Marker is the persisted completion record of one node in one workflow.
type Marker struct {
	Status      schema.NodeStatus `json:"status"`
	Output      any               `json:"output,omitempty"`
	CompletedAt time.Time         `json:"completed_at"`
}

// MarkerKey builds the "{workflow_id}:{node_id}" key.
func MarkerKey(workflowID, nodeID string) string {
	return workflowID + ":" + nodeID
}

// PutMarker persists a completion marker for a node.
func PutMarker(ctx context.Context, s StateStore, workflowID, nodeID string, m *Marker, ttl time.Duration) error {
	if m.CompletedAt.IsZero() {
		m.CompletedAt = time.Now().UTC()
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal marker %s: %w", MarkerKey(workflowID, nodeID), err)
	}
	if err := s.Set(ctx, MarkerKey(workflowID, nodeID), data, ttl); err != nil {
		return fmt.Errorf("put marker %s: %w", MarkerKey(workflowID, nodeID), err)
	}
	return nil
}

// GetMarker loads a completion marker. It returns (nil, nil) when none exists.
func GetMarker(ctx context.Context, s StateStore, workflowID, nodeID string) (*Marker, error) {
	data, err := s.Get(ctx, MarkerKey(workflowID, nodeID))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get marker %s: %w", MarkerKey(workflowID, nodeID), err)
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode marker %s: %w", MarkerKey(workflowID, nodeID), err)
	}
	return &m, nil
}

// markerNodeIDs returns the node IDs holding markers for workflowID. Keys of
// workflows whose id extends workflowID ("bot" vs "bot:eth") leave a
// remainder containing ':' and are ignored; node ids never contain ':'.
func markerNodeIDs(ctx context.Context, s StateStore, workflowID string) ([]string, error) {
	prefix := workflowID + ":"
	keys, err := s.Keys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list markers %s: %w", workflowID, err)
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		nodeID := strings.TrimPrefix(key, prefix)
		if nodeID == "" || strings.Contains(nodeID, ":") {
			continue
		}
		ids = append(ids, nodeID)
	}
	return ids, nil
}

// ListMarkers returns every marker of a workflow keyed by node ID.
func ListMarkers(ctx context.Context, s StateStore, workflowID string) (map[string]*Marker, error) {
	nodeIDs, err := markerNodeIDs(ctx, s, workflowID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Marker, len(nodeIDs))
	for _, nodeID := range nodeIDs {
		m, err := GetMarker(ctx, s, workflowID, nodeID)
		if err != nil {
			return nil, err
		}
		if m != nil {
			out[nodeID] = m
		}
	}
	return out, nil
}

// ClearMarkers deletes every marker of a workflow.
func ClearMarkers(ctx context.Context, s StateStore, workflowID string) error {
	nodeIDs, err := markerNodeIDs(ctx, s, workflowID)
	if err != nil {
		return err
	}
	for _, nodeID := range nodeIDs {
		key := MarkerKey(workflowID, nodeID)
		if err := s.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return nil
}
