package app

import (
	"context"
	"sort"

	"live-quiz-service/internal/domain"
)

// Leaderboard joins the store's score set with participant profiles. Ordering is score desc, then
// whoever reached the score first, then name; equal scores share a rank.
func (m *StateModel) Leaderboard(ctx context.Context, accessCode string) ([]domain.LeaderboardEntry, error) {
	scores, err := m.store.Scores(ctx, accessCode)
	if err != nil {
		return nil, err
	}
	participants, err := m.store.ListParticipants(ctx, accessCode)
	if err != nil {
		return nil, err
	}
	return buildLeaderboard(scores, participants), nil
}

// applyScores copies the authoritative leaderboard totals onto participant records, whose own Score
// may lag behind a concurrent connectivity write.
func applyScores(participants []domain.Participant, entries []domain.LeaderboardEntry) {
	totals := make(map[string]int, len(entries))
	for _, e := range entries {
		totals[e.UserID] = e.Score
	}
	for i := range participants {
		if total, ok := totals[participants[i].UserID]; ok {
			participants[i].Score = total
		}
	}
}

func buildLeaderboard(scores []domain.ScoreEntry, participants []domain.Participant) []domain.LeaderboardEntry {
	byUser := make(map[string]domain.Participant, len(participants))
	for _, p := range participants {
		byUser[p.UserID] = p
	}

	entries := make([]domain.LeaderboardEntry, 0, len(scores))
	for _, s := range scores {
		entry := domain.LeaderboardEntry{UserID: s.UserID, Score: s.Score, Username: s.UserID}
		if p, ok := byUser[s.UserID]; ok {
			entry.Username = p.Username
			entry.AvatarRef = p.AvatarRef
		}
		entries = append(entries, entry)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		pi, iok := byUser[entries[i].UserID]
		pj, jok := byUser[entries[j].UserID]
		if iok && jok && !pi.LastUpdated.Equal(pj.LastUpdated) {
			return pi.LastUpdated.Before(pj.LastUpdated)
		}
		if entries[i].Username != entries[j].Username {
			return entries[i].Username < entries[j].Username
		}
		return entries[i].UserID < entries[j].UserID
	})

	for i := range entries {
		if i > 0 && entries[i].Score == entries[i-1].Score {
			entries[i].Rank = entries[i-1].Rank
			continue
		}
		entries[i].Rank = i + 1
	}
	return entries
}
