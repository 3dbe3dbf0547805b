package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/archilabs/archi/internal/storage"
	"github.com/archilabs/archi/internal/types"
)

// Conversations implements storage.ConversationService.
type Conversations struct {
	store *Store
}

var _ storage.ConversationService = (*Conversations)(nil)

// EnsureConversation creates the metadata row if it does not exist yet. A
// later call may attach a user or title to a row created without one, but
// never detaches or overwrites existing values.
func (c *Conversations) EnsureConversation(ctx context.Context, conversationID string, userID *string, title string) error {
	if conversationID == "" {
		return fmt.Errorf("ensure conversation: empty conversation id")
	}
	_, err := c.store.db.Exec(ctx, `
		INSERT INTO conversation_metadata (conversation_id, user_id, title)
		VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id) DO UPDATE SET
			user_id = COALESCE(conversation_metadata.user_id, EXCLUDED.user_id),
			title = CASE WHEN conversation_metadata.title = '' THEN EXCLUDED.title
			             ELSE conversation_metadata.title END`,
		conversationID, userID, title)
	return wrapDBErrorf(err, "ensure conversation %s", conversationID)
}

// AddMessages appends a batch atomically and returns the generated message
// ids in input order. An empty batch is a no-op.
func (c *Conversations) AddMessages(ctx context.Context, msgs []storage.MessageInsert) ([]int64, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	ids := make([]int64, 0, len(msgs))
	err := c.store.withTx(ctx, func(tx pgx.Tx) error {
		for i, m := range msgs {
			if m.ConversationID == "" {
				return fmt.Errorf("add messages: message %d has no conversation id", i)
			}
			var id int64
			err := tx.QueryRow(ctx, `
				INSERT INTO conversation_messages
					(conversation_id, sender, content, link, context, model_used, pipeline_used, archi_service)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				RETURNING message_id`,
				m.ConversationID, m.Sender, m.Content, m.Link, m.Context,
				m.ModelUsed, m.PipelineUsed, m.ArchiService,
			).Scan(&id)
			if err != nil {
				return wrapDBErrorf(err, "insert message %d", i)
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// GetHistory pages through a conversation in insertion order (ascending
// message id). limit <= 0 means no limit.
func (c *Conversations) GetHistory(ctx context.Context, conversationID string, limit, offset int) ([]*types.Message, error) {
	sql := `
		SELECT message_id, conversation_id, sender, content, link, context,
			ts, model_used, pipeline_used, archi_service
		FROM conversation_messages
		WHERE conversation_id = $1
		ORDER BY message_id`
	args := []any{conversationID}
	if limit > 0 {
		args = append(args, limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		sql += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := c.store.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrapDBErrorf(err, "load history for %s", conversationID)
	}
	defer rows.Close()

	var out []*types.Message
	for rows.Next() {
		var m types.Message
		err := rows.Scan(&m.MessageID, &m.ConversationID, &m.Sender, &m.Content,
			&m.Link, &m.Context, &m.Timestamp, &m.ModelUsed, &m.PipelineUsed,
			&m.ArchiService)
		if err != nil {
			return nil, wrapDBError("scan message", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// ListUserConversations returns the user's conversations newest-first, with
// message counts. service narrows to conversations that have at least one
// message from that service; empty means all.
func (c *Conversations) ListUserConversations(ctx context.Context, userID, service string) ([]types.ConversationSummary, error) {
	sql := `
		SELECT cm.conversation_id, MAX(m.ts) AS last_message_at, COUNT(m.message_id)
		FROM conversation_metadata cm
		JOIN conversation_messages m ON m.conversation_id = cm.conversation_id
		WHERE cm.user_id = $1`
	args := []any{userID}
	if service != "" {
		args = append(args, service)
		sql += fmt.Sprintf(" AND m.archi_service = $%d", len(args))
	}
	sql += `
		GROUP BY cm.conversation_id
		ORDER BY last_message_at DESC`

	rows, err := c.store.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrapDBErrorf(err, "list conversations for %s", userID)
	}
	defer rows.Close()

	var out []types.ConversationSummary
	for rows.Next() {
		var s types.ConversationSummary
		if err := rows.Scan(&s.ConversationID, &s.LastMessageAt, &s.MessageCount); err != nil {
			return nil, wrapDBError("scan conversation summary", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const comparisonColumns = `comparison_id, conversation_id, user_prompt_mid,
	response_a_mid, response_b_mid, model_a, pipeline_a, model_b, pipeline_b,
	is_config_a_first, preference, preference_ts, created_at`

func scanComparison(row pgx.Row) (*types.ABComparison, error) {
	var cmp types.ABComparison
	err := row.Scan(&cmp.ComparisonID, &cmp.ConversationID, &cmp.UserPromptMID,
		&cmp.ResponseAMID, &cmp.ResponseBMID, &cmp.ModelA, &cmp.PipelineA,
		&cmp.ModelB, &cmp.PipelineB, &cmp.IsConfigAFirst, &cmp.Preference,
		&cmp.PreferenceTS, &cmp.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &cmp, nil
}

// CreateComparison records a comparison over already-persisted messages. The
// message FKs make a dangling comparison impossible.
func (c *Conversations) CreateComparison(ctx context.Context, in storage.ABComparisonCreate) (*types.ABComparison, error) {
	id := uuid.NewString()
	row := c.store.db.QueryRow(ctx, `
		INSERT INTO ab_comparisons (comparison_id, conversation_id, user_prompt_mid,
			response_a_mid, response_b_mid, model_a, pipeline_a, model_b, pipeline_b,
			is_config_a_first)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+comparisonColumns,
		id, in.ConversationID, in.UserPromptMID, in.ResponseAMID, in.ResponseBMID,
		in.ModelA, in.PipelineA, in.ModelB, in.PipelineB, in.IsConfigAFirst)
	cmp, err := scanComparison(row)
	if err != nil {
		return nil, wrapDBError("create comparison", err)
	}
	return cmp, nil
}

// RecordPreference stamps the user's verdict and its timestamp. Re-recording
// overwrites the previous verdict.
func (c *Conversations) RecordPreference(ctx context.Context, comparisonID, value string) error {
	switch value {
	case types.PreferenceA, types.PreferenceB, types.PreferenceTie, types.PreferenceSkip:
	default:
		return fmt.Errorf("record preference: invalid value %q", value)
	}
	tag, err := c.store.db.Exec(ctx, `
		UPDATE ab_comparisons SET preference = $2, preference_ts = NOW()
		WHERE comparison_id = $1`, comparisonID, value)
	if err != nil {
		return wrapDBErrorf(err, "record preference for %s", comparisonID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record preference: comparison %s: %w", comparisonID, storage.ErrNotFound)
	}
	return nil
}

// DeleteComparison removes a comparison; the referenced messages stay.
func (c *Conversations) DeleteComparison(ctx context.Context, comparisonID string) (bool, error) {
	tag, err := c.store.db.Exec(ctx,
		`DELETE FROM ab_comparisons WHERE comparison_id = $1`, comparisonID)
	if err != nil {
		return false, wrapDBErrorf(err, "delete comparison %s", comparisonID)
	}
	return tag.RowsAffected() > 0, nil
}

// ComparisonStats aggregates verdicts per (model_a, model_b) pair. Win rates
// divide by the decided count (total minus skipped and pending), so undecided
// comparisons do not dilute either side.
func (c *Conversations) ComparisonStats(ctx context.Context) ([]types.ABModelPairStats, error) {
	rows, err := c.store.db.Query(ctx, `
		SELECT model_a, model_b,
			COUNT(*),
			COUNT(*) FILTER (WHERE preference = 'a'),
			COUNT(*) FILTER (WHERE preference = 'b'),
			COUNT(*) FILTER (WHERE preference = 'tie'),
			COUNT(*) FILTER (WHERE preference = 'skip'),
			COUNT(*) FILTER (WHERE preference IS NULL)
		FROM ab_comparisons
		GROUP BY model_a, model_b
		ORDER BY model_a, model_b`)
	if err != nil {
		return nil, wrapDBError("aggregate comparison stats", err)
	}
	defer rows.Close()

	var out []types.ABModelPairStats
	for rows.Next() {
		var s types.ABModelPairStats
		err := rows.Scan(&s.ModelA, &s.ModelB, &s.Total, &s.WinsA, &s.WinsB,
			&s.Ties, &s.Skipped, &s.Pending)
		if err != nil {
			return nil, wrapDBError("scan comparison stats", err)
		}
		if decided := s.Total - s.Skipped - s.Pending; decided > 0 {
			s.WinRateA = float64(s.WinsA) / float64(decided)
			s.WinRateB = float64(s.WinsB) / float64(decided)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
