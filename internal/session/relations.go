package session

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/agentcoord/internal/common/apperrors"
	v1 "github.com/kandev/agentcoord/pkg/api/v1"
)

// RelationDefinitions lists the closed set of relation kinds the store
// accepts.
func RelationDefinitions() []v1.RelationDefinition {
	return []v1.RelationDefinition{
		v1.RelationParentChild,
		v1.RelationRelated,
		v1.RelationPredecessorSuccessor,
	}
}

func isValidDefinition(d v1.RelationDefinition) bool {
	for _, valid := range RelationDefinitions() {
		if valid == d {
			return true
		}
	}
	return false
}

// CreateRelation creates a bidirectional relation: one row from the
// perspective of each endpoint, sharing a relation id.
func (s *Store) CreateRelation(ctx context.Context, definition v1.RelationDefinition, fromID, toID, fromToNote, toFromNote string) ([]v1.RelationEdge, error) {
	if !isValidDefinition(definition) {
		return nil, apperrors.ValidationError("definition", "unknown relation definition")
	}

	id := uuid.NewString()
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.InternalError("failed to begin relation transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO session_relations (id, document_id, peer_id, definition, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, fromID, toID, definition, fromToNote, now)
	if err != nil {
		return nil, apperrors.InternalError("failed to create relation row", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO session_relations (id, document_id, peer_id, definition, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, toID, fromID, definition, toFromNote, now)
	if err != nil {
		return nil, apperrors.InternalError("failed to create relation peer row", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.InternalError("failed to commit relation creation", err)
	}

	return []v1.RelationEdge{
		{ID: id, Definition: definition, FromID: fromID, ToID: toID, Note: fromToNote, CreatedAt: now},
		{ID: id, Definition: definition, FromID: toID, ToID: fromID, Note: toFromNote, CreatedAt: now},
	}, nil
}

// PatchRelation updates the note on documentID's side of a relation pair;
// the peer's row keeps its own note.
func (s *Store) PatchRelation(ctx context.Context, id, documentID, note string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE session_relations SET note = ? WHERE id = ? AND document_id = ?`, note, id, documentID)
	if err != nil {
		return apperrors.InternalError("failed to patch relation", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return apperrors.InternalError("failed to confirm relation patch", err)
	}
	if n == 0 {
		return apperrors.NotFound("relation", id)
	}
	return nil
}

// DeleteRelation deletes both rows of a relation pair.
func (s *Store) DeleteRelation(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM session_relations WHERE id = ?`, id)
	if err != nil {
		return apperrors.InternalError("failed to delete relation", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return apperrors.InternalError("failed to confirm relation deletion", err)
	}
	if n == 0 {
		return apperrors.NotFound("relation", id)
	}
	return nil
}

// ListRelations returns every relation row recorded from documentID's
// perspective.
func (s *Store) ListRelations(ctx context.Context, documentID string) ([]v1.RelationEdge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, peer_id, definition, note, created_at
		FROM session_relations WHERE document_id = ?
	`, documentID)
	if err != nil {
		return nil, apperrors.InternalError("failed to list relations", err)
	}
	defer rows.Close()

	var out []v1.RelationEdge
	for rows.Next() {
		var edge v1.RelationEdge
		var note sql.NullString
		if err := rows.Scan(&edge.ID, &edge.FromID, &edge.ToID, &edge.Definition, &note, &edge.CreatedAt); err != nil {
			return nil, apperrors.InternalError("failed to scan relation row", err)
		}
		edge.Note = note.String
		out = append(out, edge)
	}
	return out, rows.Err()
}
