package app

import (
	"context"
	"sort"

	"crestfund/api/internal/rbac"
	"crestfund/api/internal/store"
	"crestfund/api/internal/util"
)

type CreatePropertyRequest struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Status  string `json:"status"`
}

// CreateProperty registers a property. Property managers and above.
func (s *Service) CreateProperty(ctx context.Context, claims rbac.Claims, req CreatePropertyRequest) (store.Record, error) {
	if err := s.authorize(ctx, rbac.CapManageProperty, claims, "", false); err != nil {
		return store.Record{}, err
	}
	if req.Name == "" {
		return store.Record{}, errValidation("name is required")
	}
	id := util.NewID("prop")
	return s.appendVersion(ctx, store.KindProperty, id, claims.SubjectID, func(payload map[string]any) error {
		payload["name"] = req.Name
		payload["managerId"] = claims.SubjectID
		if req.Address != "" {
			payload["address"] = req.Address
		}
		status := req.Status
		if status == "" {
			status = "active"
		}
		payload["status"] = status
		return nil
	})
}

// UpdateProperty appends a version with the given field edits.
func (s *Service) UpdateProperty(ctx context.Context, claims rbac.Claims, propertyID string, fields map[string]any) (store.Record, error) {
	if err := s.authorize(ctx, rbac.CapManageProperty, claims, "", false); err != nil {
		return store.Record{}, err
	}
	if len(fields) == 0 {
		return store.Record{}, errValidation("no fields to update")
	}
	if _, err := s.currentRecord(ctx, store.KindProperty, propertyID); err != nil {
		return store.Record{}, err
	}
	return s.appendVersion(ctx, store.KindProperty, propertyID, claims.SubjectID, func(payload map[string]any) error {
		for key, value := range fields {
			payload[key] = value
		}
		return nil
	})
}

// GetProperty returns a property's current record. Visible to every
// authenticated role.
func (s *Service) GetProperty(ctx context.Context, claims rbac.Claims, propertyID string) (store.Record, error) {
	if err := s.authorize(ctx, rbac.CapViewProperty, claims, "", false); err != nil {
		return store.Record{}, err
	}
	return s.currentRecord(ctx, store.KindProperty, propertyID)
}

// ListProperties returns every property, most recently updated first.
func (s *Service) ListProperties(ctx context.Context, claims rbac.Claims) ([]store.Record, error) {
	if err := s.authorize(ctx, rbac.CapViewProperty, claims, "", false); err != nil {
		return nil, err
	}
	heads, err := s.records.ListCurrent(ctx, store.KindProperty, nil)
	if err != nil {
		return nil, mapStoreError(err, store.KindProperty)
	}
	sort.Slice(heads, func(i, j int) bool {
		return heads[i].UpdatedAt.After(heads[j].UpdatedAt)
	})
	return heads, nil
}

// PropertyHistory returns the full version history and change timeline.
func (s *Service) PropertyHistory(ctx context.Context, claims rbac.Claims, propertyID string) ([]store.Record, []TimelineEntry, error) {
	if err := s.authorize(ctx, rbac.CapViewProperty, claims, "", false); err != nil {
		return nil, nil, err
	}
	history, err := s.records.GetHistory(ctx, store.KindProperty, propertyID)
	if err != nil {
		return nil, nil, mapStoreError(err, store.KindProperty)
	}
	if len(history) == 0 {
		return nil, nil, errNotFound("Property")
	}
	return history, BuildTimeline(history), nil
}
