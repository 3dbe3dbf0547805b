package types

import "time"

// Sender values for conversation messages.
const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
)

// ConversationMeta is the per-conversation metadata row. ConversationID is
// the canonical string key; the surrogate bigint PK is internal.
type ConversationMeta struct {
	ConversationID string
	UserID         *string
	Title          string
	CreatedAt      time.Time
}

// Message is one persisted conversation message. ModelUsed and PipelineUsed
// are set on assistant messages and left nil on user messages. Ordering is by
// the database-assigned MessageID, not by Timestamp.
type Message struct {
	MessageID      int64
	ConversationID string
	Sender         string
	Content        string
	Link           *string
	Context        *string
	Timestamp      time.Time
	ModelUsed      *string
	PipelineUsed   *string
	ArchiService   string
}

// ConversationSummary aggregates a user's conversation for listing.
type ConversationSummary struct {
	ConversationID string
	LastMessageAt  time.Time
	MessageCount   int
}

// Preference values for A/B comparisons.
const (
	PreferenceA    = "a"
	PreferenceB    = "b"
	PreferenceTie  = "tie"
	PreferenceSkip = "skip"
)

// ABComparison records a side-by-side model/pipeline comparison. The three
// message ids reference already-persisted messages.
type ABComparison struct {
	ComparisonID   string
	ConversationID string
	UserPromptMID  int64
	ResponseAMID   int64
	ResponseBMID   int64
	ModelA         string
	PipelineA      string
	ModelB         string
	PipelineB      string
	IsConfigAFirst bool
	Preference     *string
	PreferenceTS   *time.Time
	CreatedAt      time.Time
}

// ABModelPairStats aggregates preferences for one (model_a, model_b) pair.
// Win rates are computed over all comparisons for the pair, so skipped and
// pending comparisons drag both rates down rather than being excluded.
type ABModelPairStats struct {
	ModelA   string
	ModelB   string
	Total    int
	WinsA    int
	WinsB    int
	Ties     int
	Skipped  int
	Pending  int
	WinRateA float64
	WinRateB float64
}
