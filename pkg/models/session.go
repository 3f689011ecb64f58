package models

import "time"

// TokenUsage counts tokens for a single LLM round.
type TokenUsage struct {
	InputOther         int64 `json:"input_other"`
	Output             int64 `json:"output"`
	InputCacheRead     int64 `json:"input_cache_read,omitempty"`
	InputCacheCreation int64 `json:"input_cache_creation,omitempty"`
}

// Total returns the total token count.
func (u TokenUsage) Total() int64 {
	return u.InputOther + u.Output + u.InputCacheRead + u.InputCacheCreation
}

// Add accumulates another round into this tally.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputOther += other.InputOther
	u.Output += other.Output
	u.InputCacheRead += other.InputCacheRead
	u.InputCacheCreation += other.InputCacheCreation
}

// SessionUsage is the running usage tally persisted with a session.
type SessionUsage struct {
	InputOther    int64        `json:"input_other"`
	Output        int64        `json:"output"`
	CacheRead     int64        `json:"cache_read"`
	CacheCreation int64        `json:"cache_creation"`
	Model         string       `json:"model,omitempty"`
	Rounds        []TokenUsage `json:"rounds,omitempty"`
	TotalCost     *float64     `json:"total_cost,omitempty"`
}

// AddRound accumulates one LLM round into the tally.
func (s *SessionUsage) AddRound(round TokenUsage, model string) {
	s.InputOther += round.InputOther
	s.Output += round.Output
	s.CacheRead += round.InputCacheRead
	s.CacheCreation += round.InputCacheCreation
	if model != "" {
		s.Model = model
	}
	s.Rounds = append(s.Rounds, round)
}

// SessionInfo is the index entry for a session.
type SessionInfo struct {
	ID           string        `json:"id"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	MessageCount int           `json:"message_count"`
	Title        string        `json:"title,omitempty"`
	Cwd          string        `json:"cwd,omitempty"`
	Usage        *SessionUsage `json:"usage,omitempty"`
}
