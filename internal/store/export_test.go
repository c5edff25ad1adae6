package store

import "context"

// Truncate empties every data table, leaving the schema in place.
func (s *SQLStore) Truncate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM recipients")
	if err == nil {
		_, err = s.db.ExecContext(ctx, "DELETE FROM emails")
	}
	if err == nil {
		_, err = s.db.ExecContext(ctx, "DELETE FROM accounts")
	}
	return err
}
