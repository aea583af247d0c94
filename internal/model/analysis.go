package model

type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

func (s Sentiment) Valid() bool {
	switch s {
	case SentimentPositive, SentimentNeutral, SentimentNegative:
		return true
	}
	return false
}

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// MaxKeywords bounds AnalysisResult.Keywords.
const MaxKeywords = 5

// AnalysisResult is produced once per email and never mutated afterwards.
type AnalysisResult struct {
	Category          string    `json:"category"`
	Sentiment         Sentiment `json:"sentiment"`
	Priority          Priority  `json:"priority"`
	Summary           string    `json:"summary"`
	Keywords          []string  `json:"keywords"`
	SuggestedResponse string    `json:"suggestedResponse,omitempty"`
}

// NeedsResponse reports whether the analysis gates an automatic reply.
func (a AnalysisResult) NeedsResponse() bool {
	return a.Priority == PriorityHigh
}
