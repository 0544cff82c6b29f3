package app

import (
	"context"
	"errors"

	"live-quiz-service/internal/domain"
)

// MetaAuthorizer grants moderator rights to the user ids listed in the session metadata.
type MetaAuthorizer struct {
	catalog Catalog
}

func NewMetaAuthorizer(catalog Catalog) *MetaAuthorizer {
	return &MetaAuthorizer{catalog: catalog}
}

func (a *MetaAuthorizer) IsAuthorizedModerator(ctx context.Context, userID, accessCode string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	meta, err := a.catalog.GetSessionMeta(ctx, accessCode)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return contains(meta.ModeratorIDs, userID), nil
}
